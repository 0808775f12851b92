// Package runclient mediates one run's side effects with the control plane:
// permission requests before every tool call, result reporting with metric
// accumulation, streaming output, heartbeats, and cancellation.
package runclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/codeforge-ai/worker/pkg/logger"
	"github.com/codeforge-ai/worker/pkg/protocol"
)

// DefaultPermissionTimeout is how long a permission request waits before it
// is treated as a denial.
const DefaultPermissionTimeout = 30 * time.Second

// DefaultHeartbeatInterval is the period of the background heartbeat.
const DefaultHeartbeatInterval = 30 * time.Second

// Client is the run protocol client for a single run. Safe for concurrent
// use; metric accumulators are updated atomically.
type Client struct {
	nc        *nats.Conn
	runID     string
	taskID    string
	requestID string
	timeout   time.Duration
	logger    *slog.Logger

	cancelled atomic.Bool
	completed atomic.Bool

	heartbeatOnce sync.Once
	heartbeatStop chan struct{}

	mu      sync.Mutex
	pending map[string]chan protocol.PermissionDecision
	subs    []*nats.Subscription

	metricsMu sync.Mutex
	stepCount int
	totalCost float64
	tokensIn  int
	tokensOut int
	model     string
}

// Option configures a Client.
type Option func(*Client)

// WithPermissionTimeout overrides the permission wait deadline.
func WithPermissionTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a run protocol client. requestID is the inbound correlation id
// copied onto every message this client publishes.
func New(nc *nats.Conn, runID, taskID, requestID string, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		nc:            nc,
		runID:         runID,
		taskID:        taskID,
		requestID:     requestID,
		timeout:       DefaultPermissionTimeout,
		logger:        logger.WithRun(log, taskID, runID),
		heartbeatStop: make(chan struct{}),
		pending:       make(map[string]chan protocol.PermissionDecision),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to the permission response subject and the cancel
// subject, plus any extra cancel subjects. Must be called before the first
// RequestToolCall.
func (c *Client) Start(extraCancelSubjects ...string) error {
	respSub, err := c.nc.Subscribe(protocol.SubjectRunsToolCallReply, c.handleResponse)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", protocol.SubjectRunsToolCallReply, err)
	}
	c.subs = append(c.subs, respSub)

	cancelSubjects := append([]string{protocol.SubjectRunsCancel}, extraCancelSubjects...)
	for _, subject := range cancelSubjects {
		sub, err := c.nc.Subscribe(subject, c.handleCancel)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// Close drains subscriptions and stops the heartbeat.
func (c *Client) Close() {
	c.stopHeartbeat()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

func (c *Client) handleResponse(msg *nats.Msg) {
	var resp protocol.ToolCallResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		c.logger.Warn("malformed tool call response", "error", err)
		return
	}
	if resp.RunID != c.runID {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.CallID]
	if ok {
		delete(c.pending, resp.CallID)
	}
	c.mu.Unlock()

	if ok {
		ch <- protocol.PermissionDecision{
			CallID:   resp.CallID,
			Decision: resp.Decision,
			Reason:   resp.Reason,
		}
	}
}

func (c *Client) handleCancel(msg *nats.Msg) {
	var cancel protocol.RunCancel
	if err := json.Unmarshal(msg.Data, &cancel); err != nil {
		return
	}
	if cancel.RunID != c.runID {
		return
	}
	if c.cancelled.CompareAndSwap(false, true) {
		c.logger.Info("run cancelled", "run_id", c.runID)
	}
}

// Cancelled reports whether a cancel message for this run has arrived.
func (c *Client) Cancelled() bool {
	return c.cancelled.Load()
}

// RequestToolCall asks the policy engine for permission to run a tool.
// Returns a denial when the run is cancelled or no response arrives within
// the deadline. The returned call id correlates the later result report.
func (c *Client) RequestToolCall(ctx context.Context, toolName, command, path string) (string, protocol.PermissionDecision, error) {
	callID := uuid.NewString()

	if c.Cancelled() {
		return callID, protocol.PermissionDecision{Decision: protocol.DecisionDeny, Reason: "run cancelled"}, nil
	}

	ch := make(chan protocol.PermissionDecision, 1)
	c.mu.Lock()
	c.pending[callID] = ch
	c.mu.Unlock()

	req := protocol.ToolCallRequest{
		RunID:   c.runID,
		CallID:  callID,
		Tool:    toolName,
		Command: command,
		Path:    path,
	}
	if err := c.publish(protocol.SubjectRunsToolCallRequest, req); err != nil {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return callID, protocol.PermissionDecision{}, fmt.Errorf("failed to publish tool call request: %w", err)
	}

	select {
	case decision := <-ch:
		return callID, decision, nil
	case <-time.After(c.timeout):
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return callID, protocol.PermissionDecision{Decision: protocol.DecisionDeny, Reason: "response timeout"}, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return callID, protocol.PermissionDecision{Decision: protocol.DecisionDeny, Reason: "run cancelled"}, nil
	}
}

// ReportToolResult publishes a tool result and folds its metrics into the
// run accumulators. Reports for the LLM pseudo-tool carry usage and cost
// but are not counted as steps; a step is an executed tool.
func (c *Client) ReportToolResult(callID, tool string, success bool, output, errMsg string, cost float64, tokensIn, tokensOut int, model string) error {
	c.metricsMu.Lock()
	if tool != protocol.PseudoToolLLM {
		c.stepCount++
	}
	c.totalCost += cost
	c.tokensIn += tokensIn
	c.tokensOut += tokensOut
	if model != "" {
		c.model = model
	}
	c.metricsMu.Unlock()

	return c.publish(protocol.SubjectRunsToolCallResult, protocol.ToolCallResult{
		RunID:     c.runID,
		CallID:    callID,
		Tool:      tool,
		Success:   success,
		Output:    output,
		Error:     errMsg,
		Cost:      cost,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Model:     model,
	})
}

// SendOutput publishes one streaming output line. stream is stdout or
// stderr.
func (c *Client) SendOutput(line, stream string) error {
	return c.publish(protocol.SubjectRunsOutput, protocol.RunOutput{
		RunID:  c.runID,
		Line:   line,
		Stream: stream,
	})
}

// TotalCost returns the accumulated run cost.
func (c *Client) TotalCost() float64 {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.totalCost
}

// CompleteRun stops the heartbeat and publishes the single terminal message
// with the accumulated counters. Subsequent calls are no-ops.
func (c *Client) CompleteRun(status, output, errMsg string) error {
	if !c.completed.CompareAndSwap(false, true) {
		return nil
	}
	c.stopHeartbeat()

	c.metricsMu.Lock()
	complete := protocol.RunComplete{
		RunID:     c.runID,
		TaskID:    c.taskID,
		Status:    status,
		Output:    output,
		Error:     errMsg,
		TotalCost: c.totalCost,
		TokensIn:  c.tokensIn,
		TokensOut: c.tokensOut,
		StepCount: c.stepCount,
		Model:     c.model,
	}
	c.metricsMu.Unlock()

	return c.publish(protocol.SubjectRunsComplete, complete)
}

// StartHeartbeat launches the background heartbeat publisher. Safe to call
// once; stops automatically on CompleteRun or Close.
func (c *Client) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	c.heartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.heartbeatStop:
					return
				case <-ticker.C:
					if err := c.publish(protocol.SubjectRunsHeartbeat, protocol.RunHeartbeat{
						RunID:     c.runID,
						Timestamp: time.Now().Unix(),
					}); err != nil {
						c.logger.Warn("failed to publish heartbeat", "run_id", c.runID, "error", err)
					}
				}
			}
		}()
	})
}

func (c *Client) stopHeartbeat() {
	select {
	case <-c.heartbeatStop:
	default:
		close(c.heartbeatStop)
	}
}

func (c *Client) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	if c.requestID != "" {
		msg.Header.Set(protocol.HeaderRequestID, c.requestID)
	}
	return c.nc.PublishMsg(msg)
}
