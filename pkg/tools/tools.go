// Package tools owns the catalogue of callable tools: the sandboxed built-in
// executors, dynamically registered MCP tools, and the registry that renders
// them in the wire format the LLM expects and dispatches calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

// Tool is a single callable tool. Execute never panics its way out; failures
// come back as an unsuccessful ToolResult.
type Tool interface {
	Definition() protocol.ToolDefinition
	Execute(ctx context.Context, arguments string) protocol.ToolResult
}

// Registry holds the live tool set for one run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its definition name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []protocol.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]protocol.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})
	return defs
}

// Execute dispatches a call by name. An unknown name is an unsuccessful
// result, not an error.
func (r *Registry) Execute(ctx context.Context, name, arguments string) protocol.ToolResult {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return protocol.ToolResult{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}
	return t.Execute(ctx, arguments)
}

// decodeArgs unmarshals a JSON argument string into a typed args struct.
// Weak typing tolerates models sending numbers as strings and vice versa.
func decodeArgs(arguments string, out any) error {
	if arguments == "" {
		arguments = "{}"
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(arguments), &raw); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}

// schemaFor reflects an args struct into a JSON-schema parameter object.
func schemaFor(v any) map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$id")
	return out
}

func failf(format string, args ...any) protocol.ToolResult {
	return protocol.ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

func ok(output string) protocol.ToolResult {
	return protocol.ToolResult{Success: true, Output: output}
}
