package tools

import "time"

// RegisterBuiltins fills a registry with the seven workspace tools.
func RegisterBuiltins(registry *Registry, sandbox *Sandbox, bashTimeout time.Duration) {
	registry.Register(NewReadFileTool(sandbox))
	registry.Register(NewWriteFileTool(sandbox))
	registry.Register(NewEditFileTool(sandbox))
	registry.Register(NewBashTool(sandbox, bashTimeout))
	registry.Register(NewSearchFilesTool(sandbox))
	registry.Register(NewGlobFilesTool(sandbox))
	registry.Register(NewListDirectoryTool(sandbox))
}
