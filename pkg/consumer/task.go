package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codeforge-ai/worker/pkg/agent"
	"github.com/codeforge-ai/worker/pkg/history"
	"github.com/codeforge-ai/worker/pkg/logger"
	"github.com/codeforge-ai/worker/pkg/protocol"
	"github.com/codeforge-ai/worker/pkg/tools"
)

// handleTask runs an unsupervised async task from tasks.agent.*. Tasks skip
// the permission protocol: tools run auto-approved, output streams to
// tasks.output, and the terminal state goes to tasks.result.
func (c *Consumer) handleTask(ctx context.Context, msg jetstream.Msg) error {
	var req protocol.TaskRequest
	if err := decode(msg, &req); err != nil {
		return err
	}
	log := logger.WithRun(c.handlerLogger(msg), req.TaskID, "")
	log.Info("task started", "title", req.Title, "project_id", req.ProjectID)

	start := time.Now()
	reqID := requestID(msg)

	publishResult := func(status, output, errMsg string) error {
		res := protocol.TaskResult{
			TaskID: req.TaskID,
			Status: status,
			Output: output,
			Error:  errMsg,
		}
		return c.reply(protocol.SubjectTasksResult, res, reqID)
	}

	workspace := req.Config["workspace_path"]
	if workspace == "" {
		workspace = "."
	}
	sandbox, err := tools.NewSandbox(workspace)
	if err != nil {
		log.Error("workspace unavailable", "error", err)
		return publishResult(protocol.StatusFailed, "", "workspace unavailable: "+err.Error())
	}

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, sandbox, c.deps.Config.BashTimeout)

	hist := history.New(baseSystemPrompt, nil)
	hist.Append(protocol.ConversationMessage{Role: protocol.RoleUser, Content: req.Prompt})

	runtime := &taskRuntime{taskID: req.TaskID, requestID: reqID, pub: c.deps.Publisher}
	executor := newMeteredExecutor(registry, c.deps.Metrics)
	loop := agent.New(c.deps.LLM, runtime, executor, hist, log, agent.Options{
		MaxIterations: c.deps.Config.MaxIterations,
		Scenario:      "task",
	})
	result := loop.Run(ctx)

	status := protocol.StatusCompleted
	if result.Error != "" {
		status = protocol.StatusFailed
	}
	c.deps.Metrics.RecordRun(ctx, status, time.Since(start))
	log.Info("task finished", "status", status, "total_cost", runtime.TotalCost())
	return publishResult(status, result.FinalContent, result.Error)
}

// taskRuntime satisfies the agent runtime for unsupervised tasks: every tool
// call is allowed, results are only accumulated for cost tracking, and
// output lines stream to the task output subject.
type taskRuntime struct {
	taskID    string
	requestID string
	pub       publisher

	mu   sync.Mutex
	cost float64
}

func (r *taskRuntime) Cancelled() bool { return false }

func (r *taskRuntime) RequestToolCall(_ context.Context, _, _, _ string) (string, protocol.PermissionDecision, error) {
	return uuid.NewString(), protocol.PermissionDecision{Decision: protocol.DecisionAllow}, nil
}

func (r *taskRuntime) ReportToolResult(_, _ string, _ bool, _, _ string, cost float64, _, _ int, _ string) error {
	r.mu.Lock()
	r.cost += cost
	r.mu.Unlock()
	return nil
}

func (r *taskRuntime) SendOutput(line, stream string) error {
	data, err := json.Marshal(protocol.TaskOutput{
		TaskID: r.taskID,
		Stream: stream,
		Line:   line,
	})
	if err != nil {
		return err
	}
	return r.pub.Publish(protocol.SubjectTasksOutput, data, r.requestID)
}

func (r *taskRuntime) TotalCost() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cost
}
