// Package agent drives one run to completion by alternating streaming LLM
// calls with supervised tool executions. Every side effect passes through
// the run protocol client for permission and reporting.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/codeforge-ai/worker/pkg/history"
	"github.com/codeforge-ai/worker/pkg/llm"
	"github.com/codeforge-ai/worker/pkg/protocol"
)

const (
	// DefaultMaxIterations caps the LLM-tool-LLM cycle.
	DefaultMaxIterations = 50

	// commandPreviewLimit bounds the argument string sent with a
	// permission request.
	commandPreviewLimit = 200

	// resultSnippetLimit bounds the output snippet in a tool result report.
	resultSnippetLimit = 500
)

// LLM is the streaming completion surface the loop needs.
type LLM interface {
	ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

// Runtime is the run protocol surface the loop needs.
type Runtime interface {
	Cancelled() bool
	RequestToolCall(ctx context.Context, toolName, command, path string) (string, protocol.PermissionDecision, error)
	ReportToolResult(callID, tool string, success bool, output, errMsg string, cost float64, tokensIn, tokensOut int, model string) error
	SendOutput(line, stream string) error
	TotalCost() float64
}

// ToolExecutor dispatches tool calls by name.
type ToolExecutor interface {
	Definitions() []protocol.ToolDefinition
	Execute(ctx context.Context, name, arguments string) protocol.ToolResult
}

// Loop is the agent loop for a single run.
type Loop struct {
	llm           LLM
	runtime       Runtime
	tools         ToolExecutor
	history       *history.Manager
	logger        *slog.Logger
	maxIterations int
	maxCost       float64
	temperature   float64
	scenario      string
}

// Options configures a Loop.
type Options struct {
	MaxIterations int
	MaxCost       float64
	Temperature   float64
	Scenario      string
}

// Result is the outcome of one completed loop.
type Result struct {
	FinalContent string
	Messages     []protocol.ConversationMessage
	Error        string
}

// New creates a loop.
func New(llmClient LLM, runtime Runtime, tools ToolExecutor, hist *history.Manager, logger *slog.Logger, opts Options) *Loop {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Loop{
		llm:           llmClient,
		runtime:       runtime,
		tools:         tools,
		history:       hist,
		logger:        logger,
		maxIterations: maxIterations,
		maxCost:       opts.MaxCost,
		temperature:   opts.Temperature,
		scenario:      opts.Scenario,
	}
}

// Run executes the loop until a text-only response, a budget stop,
// cancellation, or the iteration cap.
func (l *Loop) Run(ctx context.Context) Result {
	var result Result

	for iteration := 0; ; iteration++ {
		if iteration >= l.maxIterations {
			l.logger.Warn("max iterations exceeded", "max_iterations", l.maxIterations)
			result.Error = fmt.Sprintf("max iterations (%d) exceeded", l.maxIterations)
			return result
		}

		if l.runtime.Cancelled() {
			result.Error = "cancelled"
			return result
		}
		if l.maxCost > 0 && l.runtime.TotalCost() >= l.maxCost {
			l.logger.Warn("cost budget exhausted", "total_cost", l.runtime.TotalCost(), "max_cost", l.maxCost)
			result.Error = fmt.Sprintf("cost budget exhausted (%.4f >= %.4f)", l.runtime.TotalCost(), l.maxCost)
			return result
		}

		callID, decision, err := l.runtime.RequestToolCall(ctx, protocol.PseudoToolLLM, "", "")
		if err != nil {
			result.Error = fmt.Sprintf("permission request failed: %v", err)
			return result
		}
		if !decision.Allowed() {
			result.Error = fmt.Sprintf("LLM call denied: %s", decision.Reason)
			return result
		}

		response, err := l.streamTurn(ctx)
		if err != nil {
			result.Error = fmt.Sprintf("LLM call failed: %v", err)
			return result
		}

		reportOutput := response.Content
		if reportOutput == "" && len(response.ToolCalls) > 0 {
			reportOutput = "(tool_calls)"
		}
		if err := l.runtime.ReportToolResult(callID, protocol.PseudoToolLLM, true, truncate(reportOutput, resultSnippetLimit), "",
			response.Cost, response.TokensIn, response.TokensOut, response.Model); err != nil {
			l.logger.Warn("failed to report LLM result", "error", err)
		}

		if len(response.ToolCalls) == 0 {
			result.FinalContent = response.Content
			assistant := protocol.ConversationMessage{Role: protocol.RoleAssistant, Content: response.Content}
			l.history.Append(assistant)
			result.Messages = append(result.Messages, assistant)
			return result
		}

		assistant := protocol.ConversationMessage{
			Role:      protocol.RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		}
		l.history.Append(assistant)
		result.Messages = append(result.Messages, assistant)

		for _, call := range response.ToolCalls {
			toolMsg := l.executeCall(ctx, call)
			l.history.Append(toolMsg)
			result.Messages = append(result.Messages, toolMsg)

			if l.runtime.Cancelled() {
				break
			}
		}
	}
}

func (l *Loop) streamTurn(ctx context.Context) (*llm.ChatResponse, error) {
	chunks, err := l.llm.ChatStream(ctx, llm.ChatRequest{
		Messages:    l.history.Assemble(),
		Tools:       l.tools.Definitions(),
		Temperature: l.temperature,
		Scenario:    l.scenario,
	})
	if err != nil {
		return nil, err
	}

	var response *llm.ChatResponse
	for chunk := range chunks {
		switch chunk.Type {
		case llm.ChunkText:
			if err := l.runtime.SendOutput(chunk.Text, "stdout"); err != nil {
				l.logger.Warn("failed to stream output", "error", err)
			}
		case llm.ChunkDone:
			response = chunk.Response
		case llm.ChunkError:
			return nil, chunk.Err
		}
	}
	if response == nil {
		return nil, fmt.Errorf("stream ended without a final response")
	}
	return response, nil
}

// executeCall runs one tool call end to end: permission, execution, result
// report. It always returns the tool-result message to append to history.
func (l *Loop) executeCall(ctx context.Context, call protocol.ToolCallRef) protocol.ConversationMessage {
	arguments := call.Arguments
	if !json.Valid([]byte(arguments)) {
		arguments = "{}"
	}

	callID, decision, err := l.runtime.RequestToolCall(ctx, call.Name, truncate(arguments, commandPreviewLimit), extractPath(arguments))
	if err != nil {
		decision = protocol.PermissionDecision{Decision: protocol.DecisionDeny, Reason: err.Error()}
	}

	var content string
	var success bool
	var errMsg string

	if !decision.Allowed() {
		content = fmt.Sprintf("Permission denied: %s", decision.Reason)
		errMsg = decision.Reason
	} else {
		toolResult := l.safeExecute(ctx, call.Name, arguments)
		success = toolResult.Success
		if toolResult.Success {
			content = toolResult.Output
		} else {
			content = fmt.Sprintf("Error: %s", toolResult.Error)
			errMsg = toolResult.Error
		}
	}

	if err := l.runtime.ReportToolResult(callID, call.Name, success, truncate(content, resultSnippetLimit), errMsg, 0, 0, 0, ""); err != nil {
		l.logger.Warn("failed to report tool result", "tool", call.Name, "error", err)
	}

	return protocol.ConversationMessage{
		Role:       protocol.RoleTool,
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    content,
	}
}

// safeExecute shields the loop from panicking executors.
func (l *Loop) safeExecute(ctx context.Context, name, arguments string) (result protocol.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tool executor panicked", "tool", name, "panic", r)
			result = protocol.ToolResult{
				Success: false,
				Error:   fmt.Sprintf("Error executing %s: %v", name, r),
			}
		}
	}()
	return l.tools.Execute(ctx, name, arguments)
}

// extractPath pulls a path argument out of a JSON argument string, for
// permission requests that want to show the target.
func extractPath(arguments string) string {
	var probe struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(arguments), &probe); err != nil {
		return ""
	}
	return probe.Path
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
