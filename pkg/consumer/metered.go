package consumer

import (
	"context"
	"time"

	"github.com/codeforge-ai/worker/pkg/agent"
	"github.com/codeforge-ai/worker/pkg/llm"
	"github.com/codeforge-ai/worker/pkg/observability"
	"github.com/codeforge-ai/worker/pkg/protocol"
)

// meteredLLM records duration, token usage, and cost for every gateway
// call made through the consumer.
type meteredLLM struct {
	inner   LLMClient
	metrics *observability.Metrics
}

func newMeteredLLM(inner LLMClient, metrics *observability.Metrics) *meteredLLM {
	return &meteredLLM{inner: inner, metrics: metrics}
}

func (m *meteredLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := m.inner.Chat(ctx, req)
	model, tokensIn, tokensOut, cost := req.Model, 0, 0, 0.0
	if resp != nil {
		model, tokensIn, tokensOut, cost = resp.Model, resp.TokensIn, resp.TokensOut, resp.Cost
	}
	m.metrics.RecordLLMCall(ctx, model, time.Since(start), tokensIn, tokensOut, cost, err)
	return resp, err
}

// ChatStream re-pumps the chunk stream so usage can be recorded once the
// final done or error chunk has passed through.
func (m *meteredLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	start := time.Now()
	inner, err := m.inner.ChatStream(ctx, req)
	if err != nil {
		m.metrics.RecordLLMCall(ctx, req.Model, time.Since(start), 0, 0, 0, err)
		return nil, err
	}

	out := make(chan llm.StreamChunk, 64)
	go func() {
		defer close(out)
		var final *llm.ChatResponse
		var streamErr error
		for chunk := range inner {
			switch chunk.Type {
			case llm.ChunkDone:
				final = chunk.Response
			case llm.ChunkError:
				streamErr = chunk.Err
			}
			out <- chunk
		}
		model, tokensIn, tokensOut, cost := req.Model, 0, 0, 0.0
		if final != nil {
			model, tokensIn, tokensOut, cost = final.Model, final.TokensIn, final.TokensOut, final.Cost
		}
		m.metrics.RecordLLMCall(ctx, model, time.Since(start), tokensIn, tokensOut, cost, streamErr)
	}()
	return out, nil
}

// meteredExecutor records duration and outcome for every executed tool.
type meteredExecutor struct {
	inner   agent.ToolExecutor
	metrics *observability.Metrics
}

func newMeteredExecutor(inner agent.ToolExecutor, metrics *observability.Metrics) *meteredExecutor {
	return &meteredExecutor{inner: inner, metrics: metrics}
}

func (m *meteredExecutor) Definitions() []protocol.ToolDefinition {
	return m.inner.Definitions()
}

func (m *meteredExecutor) Execute(ctx context.Context, name, arguments string) protocol.ToolResult {
	start := time.Now()
	result := m.inner.Execute(ctx, name, arguments)
	m.metrics.RecordToolExecution(ctx, name, time.Since(start), result.Success)
	return result
}
