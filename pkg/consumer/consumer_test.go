package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeforge-ai/worker/pkg/config"
	"github.com/codeforge-ai/worker/pkg/llm"
	"github.com/codeforge-ai/worker/pkg/protocol"
	"github.com/codeforge-ai/worker/pkg/qualitygate"
	"github.com/codeforge-ai/worker/pkg/repomap"
	"github.com/codeforge-ai/worker/pkg/retrieval"
)

// fakeMsg satisfies jetstream.Msg for handler unit tests.
type fakeMsg struct {
	subject string
	data    []byte
	header  nats.Header
}

func newMsg(t *testing.T, subject string, payload any, requestID string) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	header := nats.Header{}
	if requestID != "" {
		header.Set(protocol.HeaderRequestID, requestID)
	}
	return &fakeMsg{subject: subject, data: data, header: header}
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return &jetstream.MsgMetadata{}, nil }
func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Headers() nats.Header                      { return m.header }
func (m *fakeMsg) Subject() string                           { return m.subject }
func (m *fakeMsg) Reply() string                             { return "" }
func (m *fakeMsg) Ack() error                                { return nil }
func (m *fakeMsg) DoubleAck(context.Context) error           { return nil }
func (m *fakeMsg) Nak() error                                { return nil }
func (m *fakeMsg) NakWithDelay(time.Duration) error          { return nil }
func (m *fakeMsg) InProgress() error                         { return nil }
func (m *fakeMsg) Term() error                               { return nil }
func (m *fakeMsg) TermWithReason(string) error               { return nil }

// fakePublisher records every published message.
type fakePublisher struct {
	mu       sync.Mutex
	messages []published
}

type published struct {
	subject   string
	data      []byte
	requestID string
}

func (p *fakePublisher) Publish(subject string, data []byte, requestID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{subject: subject, data: data, requestID: requestID})
	return nil
}

func (p *fakePublisher) last(t *testing.T) published {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.messages)
	return p.messages[len(p.messages)-1]
}

// scriptedLLM returns canned chat responses in order.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []llm.ChatResponse
	errs      []error
	calls     int
}

func (s *scriptedLLM) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.responses) {
		resp := s.responses[i]
		return &resp, nil
	}
	return &llm.ChatResponse{}, nil
}

func (s *scriptedLLM) ChatStream(_ context.Context, _ llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Type: llm.ChunkText, Text: "done"}
	ch <- llm.StreamChunk{Type: llm.ChunkDone, Response: &llm.ChatResponse{Content: "done", Cost: 0.001}}
	close(ch)
	return ch, nil
}

// staticEmbedder maps every input to the same unit vector so index search
// has something deterministic to rank.
type staticEmbedder struct{}

func (staticEmbedder) Embed(_ context.Context, inputs []string, _ string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg
}

func newTestConsumer(t *testing.T, mutate func(*Deps)) (*Consumer, *fakePublisher) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	pub := &fakePublisher{}
	indexer := retrieval.NewIndexer(staticEmbedder{}, "test-embed", nil, logger)
	deps := Deps{
		Publisher: pub,
		LLM:       &scriptedLLM{},
		Indexer:   indexer,
		Subagent:  retrieval.NewSubagent(&scriptedLLM{}, indexer, logger),
		RepoMap:   repomap.NewGenerator(logger),
		Gates:     qualitygate.NewRunner(logger),
		Config:    testConfig(),
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps), pub
}

func TestHandlerLoggerBindsSubjectAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newTestConsumer(t, func(d *Deps) {
		d.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	})

	msg := newMsg(t, protocol.SubjectRunsQualityGateReq, struct{}{}, "req-42")
	c.handlerLogger(msg).Info("hello")

	assert.Contains(t, buf.String(), `"subject":"`+protocol.SubjectRunsQualityGateReq+`"`)
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
}

func TestQualityGateHandlerRepliesWithReport(t *testing.T) {
	c, pub := newTestConsumer(t, func(d *Deps) {
		runner := qualitygate.NewRunner(slog.New(slog.DiscardHandler))
		runner.Register(qualitygate.Gate{Name: "echo", Command: "echo ok"})
		d.Gates = runner
	})

	msg := newMsg(t, protocol.SubjectRunsQualityGateReq, protocol.QualityGateRequest{
		RequestID:     "req-1",
		RunID:         "run-1",
		WorkspacePath: t.TempDir(),
		Gates:         []string{"echo"},
	}, "req-1")
	require.NoError(t, c.handleQualityGate(context.Background(), msg))

	got := pub.last(t)
	assert.Equal(t, protocol.SubjectRunsQualityGateResult, got.subject)
	assert.Equal(t, "req-1", got.requestID)

	var res protocol.QualityGateResult
	require.NoError(t, json.Unmarshal(got.data, &res))
	assert.True(t, res.Passed)
	assert.Equal(t, "run-1", res.RunID)
	require.Len(t, res.Gates, 1)
	assert.Equal(t, "echo", res.Gates[0].Name)
}

func TestRetrievalSearchUnknownProjectPublishesFailsafe(t *testing.T) {
	c, pub := newTestConsumer(t, nil)
	handler := c.failsafe(c.handleRetrievalSearch, c.retrievalSearchError)

	msg := newMsg(t, protocol.SubjectRetrievalSearchReq, protocol.RetrievalSearchRequest{
		RequestID: "req-2",
		ProjectID: "ghost",
		Query:     "anything",
	}, "req-2")
	err := handler(context.Background(), msg)
	require.Error(t, err)

	got := pub.last(t)
	assert.Equal(t, protocol.SubjectRetrievalSearchResult, got.subject)

	var res protocol.RetrievalSearchResult
	require.NoError(t, json.Unmarshal(got.data, &res))
	assert.Equal(t, "internal worker error", res.Error)
	assert.Equal(t, "req-2", res.RequestID)
	assert.Empty(t, res.Results)
	assert.NotNil(t, res.Results)
}

func TestRetrievalSearchRepliesWithHits(t *testing.T) {
	c, pub := newTestConsumer(t, nil)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth.py"),
		[]byte("def authenticate_user(token):\n    return token\n"), 0o644))
	_, err := c.deps.Indexer.Build(context.Background(), "p1", dir)
	require.NoError(t, err)

	msg := newMsg(t, protocol.SubjectRetrievalSearchReq, protocol.RetrievalSearchRequest{
		RequestID: "req-3",
		ProjectID: "p1",
		Query:     "authenticate user",
	}, "req-3")
	require.NoError(t, c.handleRetrievalSearch(context.Background(), msg))

	var res protocol.RetrievalSearchResult
	require.NoError(t, json.Unmarshal(pub.last(t).data, &res))
	assert.Empty(t, res.Error)
	require.NotEmpty(t, res.Results)
	assert.Equal(t, "auth.py", res.Results[0].Filepath)
}

func TestGraphSearchWithoutStoreRepliesNotConfigured(t *testing.T) {
	c, pub := newTestConsumer(t, nil)

	msg := newMsg(t, protocol.SubjectGraphSearchReq, protocol.GraphSearchRequest{
		RequestID: "req-4",
		ProjectID: "p1",
		Symbols:   []string{"main"},
	}, "req-4")
	require.NoError(t, c.handleGraphSearch(context.Background(), msg))

	var res protocol.GraphSearchResult
	require.NoError(t, json.Unmarshal(pub.last(t).data, &res))
	assert.Equal(t, "graph store not configured", res.Error)
	assert.NotNil(t, res.Results)
}

func TestMemoryRecallWithoutStoreRepliesNotConfigured(t *testing.T) {
	c, pub := newTestConsumer(t, nil)

	msg := newMsg(t, protocol.SubjectMemoryRecall, protocol.MemoryRecallRequest{
		RequestID: "req-5",
		ProjectID: "p1",
		Query:     "deploys",
	}, "req-5")
	require.NoError(t, c.handleMemoryRecall(context.Background(), msg))

	var res protocol.MemoryRecallResult
	require.NoError(t, json.Unmarshal(pub.last(t).data, &res))
	assert.Equal(t, "memory store not configured", res.Error)
}

func TestHandoffForwardsWithTimestamp(t *testing.T) {
	c, pub := newTestConsumer(t, nil)

	before := time.Now().Unix()
	msg := newMsg(t, protocol.SubjectHandoffRequest, protocol.HandoffRequest{
		RequestID:   "req-6",
		TaskID:      "task-1",
		ProjectID:   "p1",
		FromAgentID: "coder",
		TargetAgent: "reviewer",
		Prompt:      "review the diff",
		Context:     "branch feature/x",
	}, "req-6")
	require.NoError(t, c.handleHandoff(context.Background(), msg))

	got := pub.last(t)
	assert.Equal(t, protocol.SubjectHandoffExecute, got.subject)

	var exec protocol.HandoffExecute
	require.NoError(t, json.Unmarshal(got.data, &exec))
	assert.Equal(t, "reviewer", exec.TargetAgent)
	assert.Equal(t, "coder", exec.FromAgentID)
	assert.Equal(t, "review the diff", exec.Prompt)
	assert.GreaterOrEqual(t, exec.HandoffAt, before)
}

func TestEvaluationScoresCandidates(t *testing.T) {
	c, pub := newTestConsumer(t, func(d *Deps) {
		d.LLM = &scriptedLLM{responses: []llm.ChatResponse{{Content: "[0.2, 0.9, 0.4]"}}}
	})

	msg := newMsg(t, protocol.SubjectEvaluationGemmasReq, protocol.EvaluationRequest{
		RequestID:  "req-7",
		Question:   "what is 2+2",
		Candidates: []string{"3", "4", "5"},
	}, "req-7")
	require.NoError(t, c.handleEvaluation(context.Background(), msg))

	var res protocol.EvaluationResult
	require.NoError(t, json.Unmarshal(pub.last(t).data, &res))
	assert.Empty(t, res.Error)
	assert.Equal(t, []float64{0.2, 0.9, 0.4}, res.Scores)
	assert.Equal(t, 1, res.Best)
}

func TestEvaluationWithoutCandidatesRepliesError(t *testing.T) {
	c, pub := newTestConsumer(t, nil)

	msg := newMsg(t, protocol.SubjectEvaluationGemmasReq, protocol.EvaluationRequest{
		RequestID: "req-8",
		Question:  "anything",
	}, "req-8")
	require.NoError(t, c.handleEvaluation(context.Background(), msg))

	var res protocol.EvaluationResult
	require.NoError(t, json.Unmarshal(pub.last(t).data, &res))
	assert.Equal(t, "no candidates to evaluate", res.Error)
	assert.Equal(t, -1, res.Best)
}

func TestEvaluationUnparsableScoresRepliesError(t *testing.T) {
	c, pub := newTestConsumer(t, func(d *Deps) {
		d.LLM = &scriptedLLM{responses: []llm.ChatResponse{{Content: "I cannot score these."}}}
	})

	msg := newMsg(t, protocol.SubjectEvaluationGemmasReq, protocol.EvaluationRequest{
		Question:   "q",
		Candidates: []string{"a", "b"},
	}, "")
	require.NoError(t, c.handleEvaluation(context.Background(), msg))

	var res protocol.EvaluationResult
	require.NoError(t, json.Unmarshal(pub.last(t).data, &res))
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.Scores)
}

func TestParseScores(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []float64
		wantErr bool
	}{
		{name: "plain array", content: "[0.1, 0.5]", want: []float64{0.1, 0.5}},
		{name: "fenced array", content: "```json\n[1, 0]\n```", want: []float64{1, 0}},
		{name: "clamped", content: "[-0.5, 1.5]", want: []float64{0, 1}},
		{name: "wrong count", content: "[0.5]", wantErr: true},
		{name: "no array", content: "sorry", wantErr: true},
		{name: "not numbers", content: `["a", "b"]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScores(tt.content, 2)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMalformedPayloadIsAnError(t *testing.T) {
	c, pub := newTestConsumer(t, nil)

	msg := &fakeMsg{subject: protocol.SubjectHandoffRequest, data: []byte("{not json"), header: nats.Header{}}
	assert.Error(t, c.handleHandoff(context.Background(), msg))
	pub.mu.Lock()
	assert.Empty(t, pub.messages)
	pub.mu.Unlock()
}
