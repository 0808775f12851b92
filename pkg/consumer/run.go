package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codeforge-ai/worker/pkg/agent"
	"github.com/codeforge-ai/worker/pkg/history"
	"github.com/codeforge-ai/worker/pkg/logger"
	"github.com/codeforge-ai/worker/pkg/protocol"
	"github.com/codeforge-ai/worker/pkg/runclient"
	"github.com/codeforge-ai/worker/pkg/tools"
)

// baseSystemPrompt grounds every run. Mode prefixes and microagent
// instructions are prepended and appended around it.
const baseSystemPrompt = `You are a software engineering agent working inside a sandboxed workspace.
Use the available tools to read, search, and modify files and to run commands.
Work step by step, verify your changes, and finish with a concise summary of what you did.`

// runSpec is the shared shape of a supervised run, built from either a
// RunStart or a ConversationRunStart payload.
type runSpec struct {
	runID          string
	taskID         string
	requestID      string
	prompt         string
	mode           protocol.RunMode
	workspacePath  string
	maxSteps       int
	timeoutSeconds int
	maxCost        float64
	mcpServers     []protocol.MCPServerDef
	contextEntries []protocol.ContextEntry
	priorMessages  []protocol.ConversationMessage
	microagents    []string
}

// runOutcome is what a finished run reports.
type runOutcome struct {
	result    agent.Result
	status    string
	stepCount int
	totalCost float64
}

func (c *Consumer) handleRunStart(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.RunStart
	if err := decode(msg, &req); err != nil {
		return err
	}
	log := logger.WithRun(c.handlerLogger(msg), req.TaskID, req.RunID)
	log.Info("run started", "agent_id", req.AgentID, "project_id", req.ProjectID)

	start := time.Now()
	outcome := c.executeRun(ctx, runSpec{
		runID:          req.RunID,
		taskID:         req.TaskID,
		requestID:      requestID(msg),
		prompt:         req.Prompt,
		mode:           req.Mode,
		workspacePath:  req.WorkspacePath,
		maxSteps:       req.MaxSteps,
		timeoutSeconds: req.TimeoutSeconds,
		maxCost:        req.MaxCost,
		mcpServers:     req.MCPServers,
		contextEntries: req.ContextEntries,
		microagents:    req.Microagents,
	}, log, true)

	c.deps.Metrics.RecordRun(ctx, outcome.status, time.Since(start))
	log.Info("run finished",
		"status", outcome.status,
		"steps", outcome.stepCount,
		"total_cost", outcome.totalCost,
		"duration", time.Since(start))
	return nil
}

func (c *Consumer) handleConversationRunStart(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.ConversationRunStart
	if err := decode(msg, &req); err != nil {
		return err
	}
	log := logger.WithRun(c.handlerLogger(msg), "", req.RunID).With("session_id", req.SessionID)
	log.Info("conversation run started", "history_len", len(req.History))

	start := time.Now()
	outcome := c.executeRun(ctx, runSpec{
		runID:          req.RunID,
		requestID:      requestID(msg),
		prompt:         req.Prompt,
		mode:           req.Mode,
		workspacePath:  req.WorkspacePath,
		maxSteps:       req.MaxSteps,
		maxCost:        req.MaxCost,
		contextEntries: req.ContextEntries,
		priorMessages:  req.History,
	}, log, false)

	complete := protocol.ConversationRunComplete{
		RunID:     req.RunID,
		SessionID: req.SessionID,
		Status:    outcome.status,
		Output:    outcome.result.FinalContent,
		Error:     outcome.result.Error,
		Messages:  outcome.result.Messages,
		StepCount: outcome.stepCount,
		TotalCost: outcome.totalCost,
	}
	if err := c.reply(protocol.SubjectConversationRunComplete, complete, requestID(msg)); err != nil {
		log.Error("failed to publish conversation completion", "error", err)
		return err
	}

	c.deps.Metrics.RecordRun(ctx, outcome.status, time.Since(start))
	log.Info("conversation run finished", "status", outcome.status, "steps", outcome.stepCount)
	return nil
}

// executeRun drives one supervised run end to end: run protocol client,
// sandboxed tools, MCP workbench, history, agent loop. When publishComplete
// is set the terminal RunComplete goes out through the run protocol client;
// conversational runs publish their own completion shape instead.
func (c *Consumer) executeRun(ctx context.Context, spec runSpec, log *slog.Logger, publishComplete bool) runOutcome {
	cfg := c.deps.Config

	rc := runclient.New(c.deps.Conn, spec.runID, spec.taskID, spec.requestID, log,
		runclient.WithPermissionTimeout(cfg.PermissionTimeout))
	if err := rc.Start(); err != nil {
		log.Error("failed to start run protocol client", "error", err)
		return runOutcome{
			result: agent.Result{Error: fmt.Sprintf("run protocol setup failed: %v", err)},
			status: protocol.StatusFailed,
		}
	}
	defer rc.Close()
	rc.StartHeartbeat(cfg.HeartbeatInterval)

	fail := func(errMsg string) runOutcome {
		if publishComplete {
			if err := rc.CompleteRun(protocol.StatusFailed, "", errMsg); err != nil {
				log.Error("failed to publish run completion", "error", err)
			}
		}
		return runOutcome{
			result:    agent.Result{Error: errMsg},
			status:    protocol.StatusFailed,
			totalCost: rc.TotalCost(),
		}
	}

	workspace := spec.workspacePath
	if workspace == "" {
		workspace = "."
	}
	sandbox, err := tools.NewSandbox(workspace)
	if err != nil {
		return fail(fmt.Sprintf("workspace unavailable: %v", err))
	}

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, sandbox, cfg.BashTimeout)

	workbench := tools.NewWorkbench(log)
	defer workbench.Close()
	for _, def := range spec.mcpServers {
		// An unreachable MCP server degrades the toolset but does not
		// fail the run.
		if err := workbench.Connect(ctx, def, registry); err != nil {
			log.Warn("failed to connect MCP server", "server_id", def.ID, "error", err)
		}
	}

	hist := history.New(systemPrompt(spec), spec.contextEntries)
	hist.Append(spec.priorMessages...)
	hist.Append(protocol.ConversationMessage{Role: protocol.RoleUser, Content: spec.prompt})

	var executor agent.ToolExecutor = registry
	if len(spec.mode.AllowedTools) > 0 || len(spec.mode.DeniedTools) > 0 {
		executor = newFilteredExecutor(registry, spec.mode.AllowedTools, spec.mode.DeniedTools)
	}
	executor = newMeteredExecutor(executor, c.deps.Metrics)

	runCtx := ctx
	if spec.timeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.timeoutSeconds)*time.Second)
		defer cancel()
	}

	maxSteps := spec.maxSteps
	if maxSteps <= 0 {
		maxSteps = cfg.MaxIterations
	}

	loop := agent.New(c.deps.LLM, rc, executor, hist, log, agent.Options{
		MaxIterations: maxSteps,
		MaxCost:       spec.maxCost,
		Scenario:      spec.mode.Scenario,
	})
	result := loop.Run(runCtx)

	status := protocol.StatusCompleted
	switch {
	case rc.Cancelled() || result.Error == "cancelled":
		status = protocol.StatusCancelled
	case result.Error != "":
		status = protocol.StatusFailed
	}

	if publishComplete {
		if err := rc.CompleteRun(status, result.FinalContent, result.Error); err != nil {
			log.Error("failed to publish run completion", "error", err)
		}
	}

	return runOutcome{
		result:    result,
		status:    status,
		stepCount: countSteps(result.Messages),
		totalCost: rc.TotalCost(),
	}
}

// systemPrompt assembles the run's system prompt: mode prefix, base
// instructions, then microagent texts. Context entries are appended by the
// history manager.
func systemPrompt(spec runSpec) string {
	parts := make([]string, 0, 2+len(spec.microagents))
	if spec.mode.PromptPrefix != "" {
		parts = append(parts, spec.mode.PromptPrefix)
	}
	parts = append(parts, baseSystemPrompt)
	parts = append(parts, spec.microagents...)
	return strings.Join(parts, "\n\n")
}

// countSteps counts executed tool results in a run transcript, matching
// the step accounting on runs.complete.
func countSteps(msgs []protocol.ConversationMessage) int {
	steps := 0
	for _, m := range msgs {
		if m.Role == protocol.RoleTool {
			steps++
		}
	}
	return steps
}

// filteredExecutor enforces a run mode's allow/deny tool lists on top of the
// registry. Denied names win over allowed ones.
type filteredExecutor struct {
	inner   agent.ToolExecutor
	allowed map[string]bool
	denied  map[string]bool
}

func newFilteredExecutor(inner agent.ToolExecutor, allowed, denied []string) *filteredExecutor {
	f := &filteredExecutor{
		inner:   inner,
		allowed: make(map[string]bool, len(allowed)),
		denied:  make(map[string]bool, len(denied)),
	}
	for _, name := range allowed {
		f.allowed[name] = true
	}
	for _, name := range denied {
		f.denied[name] = true
	}
	return f
}

func (f *filteredExecutor) permitted(name string) bool {
	if f.denied[name] {
		return false
	}
	if len(f.allowed) > 0 && !f.allowed[name] {
		return false
	}
	return true
}

func (f *filteredExecutor) Definitions() []protocol.ToolDefinition {
	all := f.inner.Definitions()
	defs := make([]protocol.ToolDefinition, 0, len(all))
	for _, d := range all {
		if f.permitted(d.Name) {
			defs = append(defs, d)
		}
	}
	return defs
}

func (f *filteredExecutor) Execute(ctx context.Context, name, arguments string) protocol.ToolResult {
	if !f.permitted(name) {
		return protocol.ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool %q is not available in this mode", name),
		}
	}
	return f.inner.Execute(ctx, name, arguments)
}
