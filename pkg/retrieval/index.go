// Package retrieval implements the hybrid code index: definition-aware
// chunking, BM25 plus dense embeddings fused with reciprocal rank fusion,
// incremental rebuilds keyed by per-file content hashes, and an LLM-driven
// retrieval sub-agent.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/codeforge-ai/worker/pkg/protocol"
	"github.com/codeforge-ai/worker/pkg/source"
)

const (
	// rrfK is the reciprocal rank fusion constant.
	rrfK = 60

	// TopK clamp bounds.
	minTopK = 1
	maxTopK = 500

	// DefaultTopK applies when a request does not name one.
	DefaultTopK = 10

	// embedBatchSize bounds one embeddings request.
	embedBatchSize = 64
)

// Embedder produces dense vectors for text batches.
type Embedder interface {
	Embed(ctx context.Context, inputs []string, model string) ([][]float32, error)
}

// BuildResult reports one index build.
type BuildResult struct {
	ChunkCount     int
	FileCount      int
	Incremental    bool
	FilesChanged   int
	FilesUnchanged int
}

// projectIndex is the in-memory index of one project.
type projectIndex struct {
	chunks         []Chunk
	embeddings     [][]float32
	bm25           *bm25Index
	fileHashes     map[string]string
	embeddingModel string
}

// Indexer owns all project indexes.
type Indexer struct {
	mu       sync.RWMutex
	projects map[string]*projectIndex

	embedder      Embedder
	model         string
	store         *MetaStore
	logger        *slog.Logger
	maxChunkLines int
}

// NewIndexer creates an Indexer. store may be nil to skip metadata
// persistence.
func NewIndexer(embedder Embedder, model string, store *MetaStore, logger *slog.Logger) *Indexer {
	return &Indexer{
		projects:      make(map[string]*projectIndex),
		embedder:      embedder,
		model:         model,
		store:         store,
		logger:        logger,
		maxChunkLines: DefaultMaxChunkLines,
	}
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Build indexes a workspace. A repeat build for the same project with the
// same embedding model re-embeds only changed files.
func (ix *Indexer) Build(ctx context.Context, projectID, workspacePath string) (*BuildResult, error) {
	files, err := source.Walk(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}

	ix.mu.RLock()
	prev := ix.projects[projectID]
	ix.mu.RUnlock()

	incremental := prev != nil && prev.embeddingModel == ix.model

	// Chunk embeddings live only in memory, so the first build after a
	// restart is always full. Persisted hashes still let the change
	// accounting stay accurate across restarts.
	persisted := ix.persistedHashes(projectID)

	next := &projectIndex{
		fileHashes:     make(map[string]string, len(files)),
		embeddingModel: ix.model,
	}

	var changed, unchanged int
	var toEmbed []Chunk

	for _, f := range files {
		hash := hashContent(f.Content)
		next.fileHashes[f.Path] = hash

		if incremental && prev.fileHashes[f.Path] == hash {
			unchanged++
			for i, c := range prev.chunks {
				if c.Filepath == f.Path {
					next.chunks = append(next.chunks, c)
					next.embeddings = append(next.embeddings, prev.embeddings[i])
				}
			}
			continue
		}

		if !incremental && persisted[f.Path] == hash {
			unchanged++
		} else {
			changed++
		}
		toEmbed = append(toEmbed, chunkFile(f, ix.maxChunkLines)...)
	}

	vectors, err := ix.embedChunks(ctx, toEmbed)
	if err != nil {
		return nil, err
	}
	next.chunks = append(next.chunks, toEmbed...)
	next.embeddings = append(next.embeddings, vectors...)

	docs := make([]string, len(next.chunks))
	for i, c := range next.chunks {
		docs[i] = c.Content
	}
	next.bm25 = newBM25Index(docs)

	ix.mu.Lock()
	ix.projects[projectID] = next
	ix.mu.Unlock()

	if ix.store != nil {
		if err := ix.store.Save(projectID, ix.model, next.fileHashes, len(next.chunks)); err != nil {
			ix.logger.Warn("failed to persist index metadata", "project_id", projectID, "error", err)
		}
	}

	ix.logger.Info("index built",
		"project_id", projectID,
		"files", len(files),
		"chunks", len(next.chunks),
		"incremental", incremental,
		"changed", changed,
		"unchanged", unchanged,
	)

	return &BuildResult{
		ChunkCount:     len(next.chunks),
		FileCount:      len(files),
		Incremental:    incremental,
		FilesChanged:   changed,
		FilesUnchanged: unchanged,
	}, nil
}

// persistedHashes loads the stored file hashes for a project, empty when
// there is no store, no saved build, or the saved build used a different
// embedding model.
func (ix *Indexer) persistedHashes(projectID string) map[string]string {
	if ix.store == nil {
		return nil
	}
	info, err := ix.store.Info(projectID)
	if err != nil {
		ix.logger.Warn("failed to load index metadata", "project_id", projectID, "error", err)
		return nil
	}
	if info == nil || info.EmbeddingModel != ix.model {
		return nil
	}
	hashes, err := ix.store.FileHashes(projectID)
	if err != nil {
		ix.logger.Warn("failed to load stored file hashes", "project_id", projectID, "error", err)
		return nil
	}
	return hashes
}

func (ix *Indexer) embedChunks(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			batch = append(batch, c.Content)
		}
		got, err := ix.embedder.Embed(ctx, batch, ix.model)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunks: %w", err)
		}
		vectors = append(vectors, got...)
	}
	return vectors, nil
}

// clampTopK bounds top_k to [1, 500], defaulting when unset.
func clampTopK(topK int) int {
	if topK == 0 {
		topK = DefaultTopK
	}
	if topK < minTopK {
		return minTopK
	}
	if topK > maxTopK {
		return maxTopK
	}
	return topK
}

// Search fuses BM25 and dense rankings with reciprocal rank fusion and
// returns the top_k hits.
func (ix *Indexer) Search(ctx context.Context, projectID, query string, topK int) ([]protocol.SearchHit, error) {
	topK = clampTopK(topK)

	ix.mu.RLock()
	idx := ix.projects[projectID]
	ix.mu.RUnlock()
	if idx == nil {
		return nil, fmt.Errorf("no index for project %s", projectID)
	}
	if len(idx.chunks) == 0 {
		return nil, nil
	}

	bm25Ranked := idx.bm25.rank(query)

	queryVecs, err := ix.embedder.Embed(ctx, []string{query}, ix.model)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	semRanked := rankByCosine(queryVecs[0], idx.embeddings)

	type fused struct {
		docID    int
		score    float64
		bm25Rank int
		semRank  int
	}
	byDoc := make(map[int]*fused)
	entry := func(docID int) *fused {
		f, ok := byDoc[docID]
		if !ok {
			f = &fused{docID: docID}
			byDoc[docID] = f
		}
		return f
	}

	for i, docID := range bm25Ranked {
		f := entry(docID)
		f.score += 1.0 / float64(rrfK+i+1)
		f.bm25Rank = i + 1
	}
	for i, docID := range semRanked {
		f := entry(docID)
		f.score += 1.0 / float64(rrfK+i+1)
		f.semRank = i + 1
	}

	all := make([]*fused, 0, len(byDoc))
	for _, f := range byDoc {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].docID < all[j].docID
	})
	if len(all) > topK {
		all = all[:topK]
	}

	hits := make([]protocol.SearchHit, len(all))
	for i, f := range all {
		c := idx.chunks[f.docID]
		hits[i] = protocol.SearchHit{
			Filepath:     c.Filepath,
			StartLine:    c.StartLine,
			EndLine:      c.EndLine,
			Content:      c.Content,
			Language:     c.Language,
			Symbol:       c.Symbol,
			Score:        f.score,
			BM25Rank:     f.bm25Rank,
			SemanticRank: f.semRank,
		}
	}
	return hits, nil
}

// HasIndex reports whether a project has a live index.
func (ix *Indexer) HasIndex(projectID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.projects[projectID] != nil
}

// rankByCosine orders all docs by descending cosine similarity to the
// query vector.
func rankByCosine(query []float32, docs [][]float32) []int {
	scores := make([]float64, len(docs))
	for i, doc := range docs {
		scores[i] = cosine(query, doc)
	}

	ranked := make([]int, len(docs))
	for i := range ranked {
		ranked[i] = i
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	return ranked
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
