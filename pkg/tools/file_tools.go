package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

// ReadFileTool returns file contents with line numbers.
type ReadFileTool struct {
	sandbox *Sandbox
}

type readFileArgs struct {
	Path   string `json:"path" jsonschema:"required,description=File path relative to the workspace"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line to start from"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

// NewReadFileTool creates the read_file tool.
func NewReadFileTool(sandbox *Sandbox) *ReadFileTool {
	return &ReadFileTool{sandbox: sandbox}
}

func (t *ReadFileTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace. Output is prefixed with 1-based line numbers. Use offset and limit to read a slice of a large file.",
		Parameters:  schemaFor(&readFileArgs{}),
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, arguments string) protocol.ToolResult {
	var args readFileArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return failf("%v", err)
	}
	if args.Path == "" {
		return failf("path is required")
	}

	path, err := t.sandbox.Resolve(args.Path)
	if err != nil {
		return failf("%v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return failf("failed to read %s: %v", args.Path, err)
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if args.Offset > 0 {
		start = args.Offset - 1
	}
	if start >= len(lines) {
		return failf("offset %d is past the end of the file (%d lines)", args.Offset, len(lines))
	}
	end := len(lines)
	if args.Limit > 0 && start+args.Limit < end {
		end = start + args.Limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, lines[i])
	}
	return ok(sb.String())
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct {
	sandbox *Sandbox
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path relative to the workspace"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
}

// NewWriteFileTool creates the write_file tool.
func NewWriteFileTool(sandbox *Sandbox) *WriteFileTool {
	return &WriteFileTool{sandbox: sandbox}
}

func (t *WriteFileTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace. Parent directories are created as needed.",
		Parameters:  schemaFor(&writeFileArgs{}),
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, arguments string) protocol.ToolResult {
	var args writeFileArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return failf("%v", err)
	}
	if args.Path == "" {
		return failf("path is required")
	}

	path, err := t.sandbox.Resolve(args.Path)
	if err != nil {
		return failf("%v", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failf("failed to create parent directories: %v", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return failf("failed to write %s: %v", args.Path, err)
	}
	return ok(fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path))
}

// EditFileTool replaces exactly one occurrence of old_text with new_text.
type EditFileTool struct {
	sandbox *Sandbox
}

type editFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path relative to the workspace"`
	OldText string `json:"old_text" jsonschema:"required,description=Exact text to replace; must occur exactly once"`
	NewText string `json:"new_text" jsonschema:"required,description=Replacement text"`
}

// NewEditFileTool creates the edit_file tool.
func NewEditFileTool(sandbox *Sandbox) *EditFileTool {
	return &EditFileTool{sandbox: sandbox}
}

func (t *EditFileTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace exactly one occurrence of old_text with new_text in a file. Fails if old_text is absent or ambiguous.",
		Parameters:  schemaFor(&editFileArgs{}),
	}
}

func (t *EditFileTool) Execute(ctx context.Context, arguments string) protocol.ToolResult {
	var args editFileArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return failf("%v", err)
	}
	if args.Path == "" || args.OldText == "" {
		return failf("path and old_text are required")
	}

	path, err := t.sandbox.Resolve(args.Path)
	if err != nil {
		return failf("%v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return failf("failed to read %s: %v", args.Path, err)
	}

	content := string(data)
	switch count := strings.Count(content, args.OldText); {
	case count == 0:
		return failf("old_text not found in %s", args.Path)
	case count > 1:
		return failf("old_text occurs %d times in %s; provide more context to make it unique", count, args.Path)
	}

	updated := strings.Replace(content, args.OldText, args.NewText, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return failf("failed to write %s: %v", args.Path, err)
	}
	return ok(fmt.Sprintf("Edited %s", args.Path))
}
