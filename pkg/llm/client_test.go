package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

func newTestClient(serverURL string) *Client {
	return New(serverURL, "test-key", "gpt-4o", 10*time.Second)
}

func TestChatNonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.False(t, req.Stream)

		w.Header().Set("x-litellm-response-cost", "0.0123")
		fmt.Fprint(w, `{
			"model": "gpt-4o-2024-11-20",
			"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5}
		}`)
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Chat(context.Background(), ChatRequest{
		Messages: []protocol.ConversationMessage{{Role: protocol.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 10, resp.TokensIn)
	assert.Equal(t, 5, resp.TokensOut)
	assert.InDelta(t, 0.0123, resp.Cost, 1e-9)
	assert.Equal(t, "gpt-4o-2024-11-20", resp.Model)
}

func TestChatCostFallsBackToPricingTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No cost header.
		fmt.Fprint(w, `{
			"model": "gpt-4o",
			"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1000000, "completion_tokens": 0}
		}`)
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.InDelta(t, 2.50, resp.Cost, 1e-9)
}

func TestChatGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "model not found", "type": "invalid_request_error"}}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func sseChunk(body string) string {
	return "data: " + body + "\n\n"
}

func TestChatStreamTextDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"content":"Hel"}}]}`))
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"content":"lo"}}]}`))
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	chunks, err := newTestClient(server.URL).ChatStream(context.Background(), ChatRequest{})
	require.NoError(t, err)

	var text string
	var done *ChatResponse
	for chunk := range chunks {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkDone:
			done = chunk.Response
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
	}

	assert.Equal(t, "Hello", text)
	require.NotNil(t, done)
	assert.Equal(t, "Hello", done.Content)
	assert.Equal(t, "stop", done.FinishReason)
	assert.Equal(t, 4, done.TokensIn)
	assert.Equal(t, 2, done.TokensOut)
}

func TestChatStreamAssemblesToolCallsByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Two interleaved calls split across chunks; id and name arrive once
		// per index, arguments in fragments.
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}`))
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"bash","arguments":""}}]}}]}`))
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.go\"}"}}]}}]}`))
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"{\"command\":\"ls\"}"}}]}}]}`))
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	chunks, err := newTestClient(server.URL).ChatStream(context.Background(), ChatRequest{})
	require.NoError(t, err)

	var calls []protocol.ToolCallRef
	var done *ChatResponse
	for chunk := range chunks {
		switch chunk.Type {
		case ChunkToolCall:
			calls = append(calls, *chunk.ToolCall)
		case ChunkDone:
			done = chunk.Response
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
	}

	require.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.JSONEq(t, `{"path":"a.go"}`, calls[0].Arguments)
	assert.Equal(t, "call_b", calls[1].ID)
	assert.Equal(t, "bash", calls[1].Name)
	assert.JSONEq(t, `{"command":"ls"}`, calls[1].Arguments)

	require.NotNil(t, done)
	assert.Equal(t, "tool_calls", done.FinishReason)
	assert.Len(t, done.ToolCalls, 2)
}

func TestChatStreamEmptyArgumentsNormalized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"list_directory"}}]}}]}`))
		fmt.Fprint(w, sseChunk(`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	chunks, err := newTestClient(server.URL).ChatStream(context.Background(), ChatRequest{})
	require.NoError(t, err)

	var calls []protocol.ToolCallRef
	for chunk := range chunks {
		if chunk.Type == ChunkToolCall {
			calls = append(calls, *chunk.ToolCall)
		}
	}

	require.Len(t, calls, 1)
	assert.Equal(t, "{}", calls[0].Arguments)
}

func TestChatStreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk(`{"error":{"message":"rate limited upstream"}}`))
	}))
	defer server.Close()

	chunks, err := newTestClient(server.URL).ChatStream(context.Background(), ChatRequest{})
	require.NoError(t, err)

	var streamErr error
	for chunk := range chunks {
		if chunk.Type == ChunkError {
			streamErr = chunk.Err
		}
	}
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "rate limited upstream")
}

func TestEmbedSortsByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)

		var req embeddingsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"alpha", "beta"}, req.Input)

		// Out of order on purpose.
		fmt.Fprint(w, `{"data":[
			{"index":1,"embedding":[0.3,0.4]},
			{"index":0,"embedding":[0.1,0.2]}
		]}`)
	}))
	defer server.Close()

	vectors, err := newTestClient(server.URL).Embed(context.Background(), []string{"alpha", "beta"}, "text-embedding-3-small")
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestEmbedEmptyInput(t *testing.T) {
	vectors, err := newTestClient("http://unused").Embed(context.Background(), nil, "m")
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestEmbedCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[0.1]}]}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Embed(context.Background(), []string{"a", "b"}, "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}
