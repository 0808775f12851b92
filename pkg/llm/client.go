// Package llm is the client for the OpenAI-compatible LLM gateway: streaming
// and non-streaming chat completions plus batch embeddings. Cost is read
// from the gateway's per-request cost header, falling back to the pricing
// table when absent.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/codeforge-ai/worker/pkg/httpclient"
	"github.com/codeforge-ai/worker/pkg/pricing"
	"github.com/codeforge-ai/worker/pkg/protocol"
)

// Client talks to the gateway.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *httpclient.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying retrying HTTP client.
func WithHTTPClient(hc *httpclient.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a gateway client. baseURL is the gateway root (without /v1);
// model is the default completion model.
func New(baseURL, apiKey, model string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseGatewayRateLimitHeaders),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the client's default model.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) buildRequest(req ChatRequest, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	if req.Scenario != "" {
		if override := pricing.ScenarioModel(req.Scenario); override != "" && req.Model == "" {
			model = override
		}
	}

	messages := make([]chatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		wire := chatMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, wire)
	}

	out := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		out.MaxTokens = &maxTokens
	}
	if req.Scenario != "" {
		out.Tags = []string{req.Scenario}
	}
	if req.JSONMode {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if len(req.Tools) > 0 {
		out.Tools = make([]chatTool, len(req.Tools))
		for i, tool := range req.Tools {
			out.Tools[i] = chatTool{
				Type: "function",
				Function: chatToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
		out.ToolChoice = "auto"
	}

	return out
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if gwErr := parseErrorBody(respBody); gwErr != nil {
			return nil, fmt.Errorf("gateway request failed with status %d: %s", resp.StatusCode, gwErr.Message)
		}
		return nil, fmt.Errorf("gateway request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("gateway request failed: no response received")
	}
	return resp, nil
}

func parseErrorBody(body []byte) *apiError {
	if len(body) == 0 {
		return nil
	}
	var wrapper struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		return &wrapper.Error
	}
	return nil
}

// Chat performs a non-streaming completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := c.post(ctx, "/v1/chat/completions", c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed chatResponseBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("gateway error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := parsed.Choices[0]
	out := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		TokensIn:     parsed.Usage.PromptTokens,
		TokensOut:    parsed.Usage.CompletionTokens,
		Model:        parsed.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, protocol.ToolCallRef{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	out.Cost = httpclient.ParseResponseCost(resp.Header)
	if out.Cost == 0 {
		out.Cost = pricing.Cost(out.Model, out.TokensIn, out.TokensOut)
	}

	return out, nil
}

// ChatStream performs a streaming completion. The returned channel yields
// text deltas as they arrive, assembled tool calls once the stream finishes,
// and a final done chunk carrying the full ChatResponse. The channel is
// closed when the stream ends.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 64)

	go func() {
		defer close(out)
		if err := c.streamCompletion(ctx, c.buildRequest(req, true), out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()

	return out, nil
}

func (c *Client) streamCompletion(ctx context.Context, request chatRequest, out chan<- StreamChunk) error {
	resp, err := c.post(ctx, "/v1/chat/completions", request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	cost := httpclient.ParseResponseCost(resp.Header)

	assembler := newToolCallAssembler()
	final := &ChatResponse{Model: request.Model}
	var content bytes.Buffer
	reader := bufio.NewReader(resp.Body)
	finished := false

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk streamResponseBody
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("gateway error: %s", chunk.Error.Message)
		}
		if chunk.Model != "" {
			final.Model = chunk.Model
		}
		if chunk.Usage != nil {
			final.TokensIn = chunk.Usage.PromptTokens
			final.TokensOut = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			out <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}
		}

		for _, delta := range choice.Delta.ToolCalls {
			assembler.add(delta)
		}

		switch choice.FinishReason {
		case "stop", "tool_calls", "length":
			final.FinishReason = choice.FinishReason
			finished = true
		}
	}

	if !finished && final.FinishReason == "" {
		final.FinishReason = "stop"
	}

	final.Content = content.String()
	final.ToolCalls = assembler.calls()
	for i := range final.ToolCalls {
		out <- StreamChunk{Type: ChunkToolCall, ToolCall: &final.ToolCalls[i]}
	}

	final.Cost = cost
	if final.Cost == 0 {
		final.Cost = pricing.Cost(final.Model, final.TokensIn, final.TokensOut)
	}

	out <- StreamChunk{Type: ChunkDone, Response: final}
	return nil
}

// Embed computes embeddings for a batch of inputs, returned in input order.
func (c *Client) Embed(ctx context.Context, inputs []string, model string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	resp, err := c.post(ctx, "/v1/embeddings", embeddingsRequest{Input: inputs, Model: model})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("gateway error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings count mismatch: got %d, want %d", len(parsed.Data), len(inputs))
	}

	sort.Slice(parsed.Data, func(i, j int) bool {
		return parsed.Data[i].Index < parsed.Data[j].Index
	})

	vectors := make([][]float32, len(parsed.Data))
	for i, item := range parsed.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}
