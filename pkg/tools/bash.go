package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/codeforge-ai/worker/pkg/history"
	"github.com/codeforge-ai/worker/pkg/protocol"
)

// BashOutputCap bounds command output before it enters a tool result.
const BashOutputCap = 50_000

// BashTool executes a shell command inside the workspace with a timeout.
type BashTool struct {
	sandbox *Sandbox
	timeout time.Duration
}

type bashArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to execute"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds; defaults to the worker limit"`
}

// NewBashTool creates the bash tool with the given default timeout.
func NewBashTool(sandbox *Sandbox, timeout time.Duration) *BashTool {
	return &BashTool{sandbox: sandbox, timeout: timeout}
}

func (t *BashTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        "bash",
		Description: "Execute a shell command in the workspace. The command is killed on timeout. stdout and stderr are both captured.",
		Parameters:  schemaFor(&bashArgs{}),
	}
}

func (t *BashTool) Execute(ctx context.Context, arguments string) protocol.ToolResult {
	var args bashArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return failf("%v", err)
	}
	if args.Command == "" {
		return failf("command is required")
	}

	timeout := t.timeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "bash", "-c", args.Command)
	cmd.Dir = t.sandbox.Root()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\n--- stderr ---\n" + stderr.String()
	}
	output = history.TruncateHeadTail(output, BashOutputCap)

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return protocol.ToolResult{
			Success: false,
			Output:  output,
			Error:   fmt.Sprintf("command timed out after %s", timeout),
		}
	}
	if runErr != nil {
		return protocol.ToolResult{
			Success: false,
			Output:  output,
			Error:   fmt.Sprintf("command failed: %v", runErr),
		}
	}
	return ok(output)
}
