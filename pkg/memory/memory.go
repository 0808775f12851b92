// Package memory persists agent memories and recalls them by a blend of
// embedding similarity, importance, and recency.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

// Recall scoring weights.
const (
	similarityWeight = 0.5
	importanceWeight = 0.3
	recencyWeight    = 0.2

	// recencyHalfLife controls how fast old memories fade.
	recencyHalfLife = 7 * 24 * time.Hour

	// DefaultTopK applies when a recall does not name one.
	DefaultTopK = 5

	maxTopK = 100
)

// Memory kinds.
const (
	KindObservation = "observation"
	KindDecision    = "decision"
	KindError       = "error"
	KindInsight     = "insight"
)

var validKinds = map[string]bool{
	KindObservation: true,
	KindDecision:    true,
	KindError:       true,
	KindInsight:     true,
}

// Record is one stored memory.
type Record struct {
	ID         string
	ProjectID  string
	AgentID    string
	RunID      string
	Content    string
	Kind       string
	Importance float64
	Embedding  []float32
	CreatedAt  time.Time
}

// Store persists and lists memories.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	List(ctx context.Context, projectID, agentID string) ([]Record, error)
}

// Embedder produces dense vectors for text batches.
type Embedder interface {
	Embed(ctx context.Context, inputs []string, model string) ([][]float32, error)
}

// Service stores and recalls memories.
type Service struct {
	store    Store
	embedder Embedder
	model    string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service.
func NewService(store Store, embedder Embedder, model string, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		embedder: embedder,
		model:    model,
		logger:   logger,
		now:      time.Now,
	}
}

// Store embeds and persists one memory.
func (s *Service) Store(ctx context.Context, req protocol.MemoryStoreRequest) (string, error) {
	if req.Content == "" {
		return "", fmt.Errorf("memory content is empty")
	}
	kind := req.Kind
	if !validKinds[kind] {
		kind = KindObservation
	}
	importance := req.Importance
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}

	vecs, err := s.embedder.Embed(ctx, []string{req.Content}, s.model)
	if err != nil {
		return "", fmt.Errorf("failed to embed memory: %w", err)
	}

	rec := Record{
		ID:         uuid.NewString(),
		ProjectID:  req.ProjectID,
		AgentID:    req.AgentID,
		RunID:      req.RunID,
		Content:    req.Content,
		Kind:       kind,
		Importance: importance,
		Embedding:  vecs[0],
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to store memory: %w", err)
	}

	s.logger.Debug("memory stored", "project_id", req.ProjectID, "kind", kind, "memory_id", rec.ID)
	return rec.ID, nil
}

// Recall returns the top_k memories scored by similarity, importance, and
// recency.
func (s *Service) Recall(ctx context.Context, req protocol.MemoryRecallRequest) ([]protocol.MemoryHit, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	vecs, err := s.embedder.Embed(ctx, []string{req.Query}, s.model)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	query := vecs[0]

	records, err := s.store.List(ctx, req.ProjectID, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	now := s.now().UTC()
	hits := make([]protocol.MemoryHit, 0, len(records))
	for _, rec := range records {
		hits = append(hits, protocol.MemoryHit{
			ID:         rec.ID,
			Content:    rec.Content,
			Kind:       rec.Kind,
			Importance: rec.Importance,
			Score:      recallScore(query, rec, now),
			CreatedAt:  rec.CreatedAt.Unix(),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt > hits[j].CreatedAt
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func recallScore(query []float32, rec Record, now time.Time) float64 {
	age := now.Sub(rec.CreatedAt)
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-float64(age) / float64(recencyHalfLife))
	return similarityWeight*cosine(query, rec.Embedding) +
		importanceWeight*rec.Importance +
		recencyWeight*recency
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
