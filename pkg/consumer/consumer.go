// Package consumer routes inbound bus messages to their handlers: agent
// runs, context-assembly queries, quality gates, memories, handoffs, and
// evaluations. Handlers for synchronous request/reply subjects publish a
// fail-safe error result before surfacing a failure, so remote waiters
// never block on a crashed worker.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codeforge-ai/worker/pkg/bus"
	"github.com/codeforge-ai/worker/pkg/config"
	"github.com/codeforge-ai/worker/pkg/graph"
	"github.com/codeforge-ai/worker/pkg/llm"
	"github.com/codeforge-ai/worker/pkg/logger"
	"github.com/codeforge-ai/worker/pkg/memory"
	"github.com/codeforge-ai/worker/pkg/observability"
	"github.com/codeforge-ai/worker/pkg/protocol"
	"github.com/codeforge-ai/worker/pkg/qualitygate"
	"github.com/codeforge-ai/worker/pkg/repomap"
	"github.com/codeforge-ai/worker/pkg/retrieval"
)

// failsafeError is the fixed error string remote waiters receive when a
// request/reply handler fails.
const failsafeError = "internal worker error"

// LLMClient is the gateway surface the handlers need. Satisfied by
// *llm.Client.
type LLMClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
	ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

// publisher publishes result and streaming messages. Satisfied by *bus.Bus.
type publisher interface {
	Publish(subject string, data []byte, requestID string) error
}

// Deps are the shared dependencies every handler draws from.
type Deps struct {
	Conn      *nats.Conn
	Publisher publisher
	LLM       LLMClient
	Indexer   *retrieval.Indexer
	Subagent  *retrieval.Subagent
	Watcher   *retrieval.Watcher
	RepoMap   *repomap.Generator
	Graph     *graph.Service
	Memory    *memory.Service
	Gates     *qualitygate.Runner
	Metrics   *observability.Metrics
	Config    *config.Config
	Logger    *slog.Logger
}

// Consumer holds the handler table over all subscribed subjects.
type Consumer struct {
	deps Deps
}

// New creates a Consumer. The gateway client is wrapped so every call
// lands in the LLM metrics.
func New(deps Deps) *Consumer {
	if deps.LLM != nil {
		deps.LLM = newMeteredLLM(deps.LLM, deps.Metrics)
	}
	return &Consumer{deps: deps}
}

// Register subscribes every handler on the bus. Must run before bus.Start.
func (c *Consumer) Register(b *bus.Bus) {
	sub := func(subject string, h bus.Handler) {
		b.Subscribe(subject, c.instrumented(h))
	}

	sub(protocol.SubjectRunsStart, c.handleRunStart)
	sub(protocol.SubjectConversationRunStart, c.handleConversationRunStart)
	sub(protocol.SubjectTasksAgent, c.handleTask)

	sub(protocol.SubjectRunsQualityGateReq, c.handleQualityGate)
	sub(protocol.SubjectRepoMapGenerateReq, c.handleRepoMap)
	sub(protocol.SubjectRetrievalIndexReq, c.handleRetrievalIndex)
	sub(protocol.SubjectRetrievalSearchReq, c.failsafe(c.handleRetrievalSearch, c.retrievalSearchError))
	sub(protocol.SubjectRetrievalSubagentReq, c.failsafe(c.handleSubagent, c.subagentError))
	sub(protocol.SubjectGraphBuildReq, c.handleGraphBuild)
	sub(protocol.SubjectGraphSearchReq, c.failsafe(c.handleGraphSearch, c.graphSearchError))

	sub(protocol.SubjectMemoryStore, c.handleMemoryStore)
	sub(protocol.SubjectMemoryRecall, c.handleMemoryRecall)
	sub(protocol.SubjectHandoffRequest, c.handleHandoff)
	sub(protocol.SubjectEvaluationGemmasReq, c.handleEvaluation)
}

// instrumented records per-subject message outcomes.
func (c *Consumer) instrumented(h bus.Handler) bus.Handler {
	return func(ctx context.Context, msg jetstream.Msg) error {
		err := h(ctx, msg)
		outcome := "ok"
		if err != nil {
			outcome = "retry"
		}
		c.deps.Metrics.RecordMessage(ctx, msg.Subject(), outcome)
		return err
	}
}

// failsafe wraps a request/reply handler so a failure publishes an
// error-populated result before the message is retried.
func (c *Consumer) failsafe(h bus.Handler, errReply func(msg jetstream.Msg) (string, any)) bus.Handler {
	return func(ctx context.Context, msg jetstream.Msg) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
			if err != nil {
				subject, payload := errReply(msg)
				if pubErr := c.reply(subject, payload, requestID(msg)); pubErr != nil {
					c.deps.Logger.Error("failed to publish fail-safe reply",
						"subject", subject, "error", pubErr)
				}
			}
		}()
		return h(ctx, msg)
	}
}

func (c *Consumer) retrievalSearchError(msg jetstream.Msg) (string, any) {
	var req protocol.RetrievalSearchRequest
	_ = json.Unmarshal(msg.Data(), &req)
	return protocol.SubjectRetrievalSearchResult, protocol.RetrievalSearchResult{
		RequestID: req.RequestID,
		ProjectID: req.ProjectID,
		Results:   []protocol.SearchHit{},
		Error:     failsafeError,
	}
}

func (c *Consumer) subagentError(msg jetstream.Msg) (string, any) {
	var req protocol.SubagentRequest
	_ = json.Unmarshal(msg.Data(), &req)
	return protocol.SubjectRetrievalSubagentResult, protocol.SubagentResult{
		RequestID: req.RequestID,
		ProjectID: req.ProjectID,
		Results:   []protocol.SearchHit{},
		Error:     failsafeError,
	}
}

func (c *Consumer) graphSearchError(msg jetstream.Msg) (string, any) {
	var req protocol.GraphSearchRequest
	_ = json.Unmarshal(msg.Data(), &req)
	return protocol.SubjectGraphSearchResult, protocol.GraphSearchResult{
		RequestID: req.RequestID,
		ProjectID: req.ProjectID,
		Results:   []protocol.GraphSearchHit{},
		Error:     failsafeError,
	}
}

// reply marshals and publishes a result payload with the correlation id.
func (c *Consumer) reply(subject string, payload any, requestID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}
	return c.deps.Publisher.Publish(subject, data, requestID)
}

// decode unmarshals a message payload, logging the subject on failure.
func decode[T any](msg jetstream.Msg, out *T) error {
	if err := json.Unmarshal(msg.Data(), out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", msg.Subject(), err)
	}
	return nil
}

func requestID(msg jetstream.Msg) string {
	return msg.Headers().Get(protocol.HeaderRequestID)
}

// handlerLogger binds the subject and correlation id.
func (c *Consumer) handlerLogger(msg jetstream.Msg) *slog.Logger {
	log := c.deps.Logger.With("subject", msg.Subject())
	return logger.WithRequestID(log, requestID(msg))
}
