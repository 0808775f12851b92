package memory

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

// fakeStore keeps records in memory.
type fakeStore struct {
	mu      sync.Mutex
	records []Record
}

func (f *fakeStore) Insert(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) List(_ context.Context, projectID, agentID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, r := range f.records {
		if r.ProjectID != projectID {
			continue
		}
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// axisEmbedder maps known texts onto fixed unit vectors.
type axisEmbedder struct {
	vectors map[string][]float32
}

func (e *axisEmbedder) Embed(_ context.Context, inputs []string, _ string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		if v, ok := e.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func newTestService(store *fakeStore, embedder Embedder) *Service {
	return NewService(store, embedder, "test-embed", slog.New(slog.DiscardHandler))
}

func TestStoreAssignsIDAndDefaults(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &axisEmbedder{})

	id, err := svc.Store(context.Background(), protocol.MemoryStoreRequest{
		ProjectID:  "proj",
		Content:    "the build uses make",
		Kind:       "bogus",
		Importance: 1.7,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, KindObservation, rec.Kind)
	assert.Equal(t, 1.0, rec.Importance)
	assert.NotEmpty(t, rec.Embedding)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestStoreRejectsEmptyContent(t *testing.T) {
	svc := newTestService(&fakeStore{}, &axisEmbedder{})
	_, err := svc.Store(context.Background(), protocol.MemoryStoreRequest{ProjectID: "proj"})
	require.Error(t, err)
}

func TestRecallPrefersSimilarMemories(t *testing.T) {
	store := &fakeStore{}
	embedder := &axisEmbedder{vectors: map[string][]float32{
		"database uses postgres": {1, 0, 0},
		"frontend uses react":    {0, 1, 0},
		"what database?":         {1, 0, 0},
	}}
	svc := newTestService(store, embedder)

	for _, content := range []string{"database uses postgres", "frontend uses react"} {
		_, err := svc.Store(context.Background(), protocol.MemoryStoreRequest{
			ProjectID:  "proj",
			Content:    content,
			Kind:       KindInsight,
			Importance: 0.5,
		})
		require.NoError(t, err)
	}

	hits, err := svc.Recall(context.Background(), protocol.MemoryRecallRequest{
		ProjectID: "proj",
		Query:     "what database?",
		TopK:      2,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "database uses postgres", hits[0].Content)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestRecallImportanceBreaksSimilarityTies(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &axisEmbedder{})

	now := time.Now().UTC()
	svc.now = func() time.Time { return now }

	for i, imp := range []float64{0.1, 0.9} {
		require.NoError(t, store.Insert(context.Background(), Record{
			ID: string(rune('a' + i)), ProjectID: "proj",
			Content: "same text", Kind: KindObservation,
			Importance: imp, Embedding: []float32{0, 0, 1}, CreatedAt: now,
		}))
	}

	hits, err := svc.Recall(context.Background(), protocol.MemoryRecallRequest{ProjectID: "proj", Query: "anything"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 0.9, hits[0].Importance)
}

func TestRecallRecencyDecay(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &axisEmbedder{})

	now := time.Now().UTC()
	svc.now = func() time.Time { return now }

	require.NoError(t, store.Insert(context.Background(), Record{
		ID: "old", ProjectID: "proj", Content: "old note", Kind: KindObservation,
		Importance: 0.5, Embedding: []float32{0, 0, 1},
		CreatedAt: now.Add(-30 * 24 * time.Hour),
	}))
	require.NoError(t, store.Insert(context.Background(), Record{
		ID: "new", ProjectID: "proj", Content: "new note", Kind: KindObservation,
		Importance: 0.5, Embedding: []float32{0, 0, 1},
		CreatedAt: now.Add(-time.Hour),
	}))

	hits, err := svc.Recall(context.Background(), protocol.MemoryRecallRequest{ProjectID: "proj", Query: "note"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "new note", hits[0].Content)
}

func TestRecallFiltersByAgent(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &axisEmbedder{})

	now := time.Now().UTC()
	require.NoError(t, store.Insert(context.Background(), Record{
		ID: "1", ProjectID: "proj", AgentID: "coder", Content: "mine",
		Kind: KindObservation, Embedding: []float32{0, 0, 1}, CreatedAt: now,
	}))
	require.NoError(t, store.Insert(context.Background(), Record{
		ID: "2", ProjectID: "proj", AgentID: "reviewer", Content: "theirs",
		Kind: KindObservation, Embedding: []float32{0, 0, 1}, CreatedAt: now,
	}))

	hits, err := svc.Recall(context.Background(), protocol.MemoryRecallRequest{
		ProjectID: "proj", AgentID: "coder", Query: "q",
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mine", hits[0].Content)
}

func TestRecallEmptyStore(t *testing.T) {
	svc := newTestService(&fakeStore{}, &axisEmbedder{})
	hits, err := svc.Recall(context.Background(), protocol.MemoryRecallRequest{ProjectID: "proj", Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75, 0}
	assert.Equal(t, vec, decodeEmbedding(encodeEmbedding(vec)))
	assert.Empty(t, decodeEmbedding(nil))
}
