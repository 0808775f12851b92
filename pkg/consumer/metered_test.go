package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeforge-ai/worker/pkg/llm"
	"github.com/codeforge-ai/worker/pkg/observability"
	"github.com/codeforge-ai/worker/pkg/protocol"
)

func TestMeteredWrappersRecord(t *testing.T) {
	metrics, err := observability.Init()
	require.NoError(t, err)
	defer metrics.Shutdown(context.Background())

	ctx := context.Background()

	client := newMeteredLLM(&scriptedLLM{
		responses: []llm.ChatResponse{{Content: "hi", Model: "gpt-4o", TokensIn: 10, TokensOut: 5, Cost: 0.001}},
	}, metrics)

	resp, err := client.Chat(ctx, llm.ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)

	// Streaming chunks pass through unchanged; usage is recorded after the
	// done chunk.
	chunks, err := client.ChatStream(ctx, llm.ChatRequest{})
	require.NoError(t, err)
	var text string
	var done *llm.ChatResponse
	for chunk := range chunks {
		switch chunk.Type {
		case llm.ChunkText:
			text += chunk.Text
		case llm.ChunkDone:
			done = chunk.Response
		}
	}
	assert.Equal(t, "done", text)
	require.NotNil(t, done)
	assert.InDelta(t, 0.001, done.Cost, 1e-9)

	executor := newMeteredExecutor(&stubExecutor{
		defs: []protocol.ToolDefinition{{Name: "bash"}},
	}, metrics)
	assert.Len(t, executor.Definitions(), 1)
	result := executor.Execute(ctx, "bash", "{}")
	assert.True(t, result.Success)

	// The recorders land in the default Prometheus registry, so the metric
	// families must exist once metrics flow through the wrappers.
	require.Eventually(t, func() bool {
		families, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			return false
		}
		names := make(map[string]bool, len(families))
		for _, f := range families {
			names[f.GetName()] = true
		}
		return names["worker_llm_request_duration_seconds"] &&
			names["worker_llm_tokens_input_total"] &&
			names["worker_tool_calls_total"]
	}, 2*time.Second, 20*time.Millisecond)
}
