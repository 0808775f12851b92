package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codeforge-ai/worker/pkg/llm"
	"github.com/codeforge-ai/worker/pkg/protocol"
)

const (
	// Query expansion bounds.
	minExpandedQueries = 1
	maxExpandedQueries = 20

	// DefaultMaxQueries applies when a request does not name one.
	DefaultMaxQueries = 5

	// rerankCandidateCap bounds how many candidates are shown to the
	// reranking model.
	rerankCandidateCap = 50

	subagentScenario = "retrieval"
)

// ChatClient is the completion surface the sub-agent needs. Satisfied by
// *llm.Client.
type ChatClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Searcher runs one fused search. Satisfied by *Indexer.
type Searcher interface {
	Search(ctx context.Context, projectID, query string, topK int) ([]protocol.SearchHit, error)
}

// Subagent expands a query with an LLM, searches each expansion in
// parallel, deduplicates, and optionally reranks.
type Subagent struct {
	chat     ChatClient
	searcher Searcher
	logger   *slog.Logger
}

// NewSubagent creates a Subagent.
func NewSubagent(chat ChatClient, searcher Searcher, logger *slog.Logger) *Subagent {
	return &Subagent{chat: chat, searcher: searcher, logger: logger}
}

const expandSystemPrompt = `You rewrite a code search query into targeted sub-queries.
Given a user query about a codebase, produce a JSON array of short search
queries covering likely identifiers, synonyms, and related concepts.
Respond with only the JSON array of strings.`

const rerankSystemPrompt = `You rank code snippets by relevance to a query.
Given a query and a numbered list of snippets, respond with only a JSON
array of the snippet numbers, most relevant first.`

// Run executes the expand/search/fuse pipeline for one request.
func (s *Subagent) Run(ctx context.Context, req protocol.SubagentRequest) (*protocol.SubagentResult, error) {
	topK := clampTopK(req.TopK)
	maxQueries := req.MaxQueries
	if maxQueries <= 0 {
		maxQueries = DefaultMaxQueries
	}
	if maxQueries > maxExpandedQueries {
		maxQueries = maxExpandedQueries
	}

	result := &protocol.SubagentResult{
		RequestID: req.RequestID,
		ProjectID: req.ProjectID,
	}

	queries := s.expandQueries(ctx, req.Query, maxQueries, result)
	result.ExpandedQueries = queries

	candidates := s.searchAll(ctx, req.ProjectID, queries, topK)
	result.TotalCandidates = len(candidates)
	if len(candidates) == 0 {
		return result, nil
	}

	if req.Rerank {
		candidates = s.rerank(ctx, req.Query, candidates, result)
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Score > candidates[j].Score
		})
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	result.Results = candidates
	return result, nil
}

// expandQueries asks the LLM for sub-queries, falling back to the original
// query on any failure.
func (s *Subagent) expandQueries(ctx context.Context, query string, maxQueries int, result *protocol.SubagentResult) []string {
	resp, err := s.chat.Chat(ctx, llm.ChatRequest{
		Scenario: subagentScenario,
		JSONMode: false,
		Messages: []protocol.ConversationMessage{
			{Role: protocol.RoleSystem, Content: expandSystemPrompt},
			{Role: protocol.RoleUser, Content: fmt.Sprintf("Query: %s\nProduce at most %d sub-queries.", query, maxQueries)},
		},
	})
	if err != nil {
		s.logger.Warn("query expansion failed, using original query", "error", err)
		return []string{query}
	}
	result.TokensIn += resp.TokensIn
	result.TokensOut += resp.TokensOut
	result.Cost += resp.Cost

	queries := parseStringArray(resp.Content)
	if len(queries) < minExpandedQueries {
		return []string{query}
	}
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}
	return queries
}

// searchAll runs every query in parallel and merges hits, deduplicating by
// (filepath, start line) and keeping the best score.
func (s *Subagent) searchAll(ctx context.Context, projectID string, queries []string, topK int) []protocol.SearchHit {
	var mu sync.Mutex
	best := make(map[string]protocol.SearchHit)

	g, gctx := errgroup.WithContext(ctx)
	for _, query := range queries {
		g.Go(func() error {
			hits, err := s.searcher.Search(gctx, projectID, query, topK)
			if err != nil {
				// One failed expansion must not sink the rest.
				s.logger.Warn("expanded query failed", "query", query, "error", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, hit := range hits {
				key := fmt.Sprintf("%s:%d", hit.Filepath, hit.StartLine)
				if cur, ok := best[key]; !ok || hit.Score > cur.Score {
					best[key] = hit
				}
			}
			return nil
		})
	}
	g.Wait()

	merged := make([]protocol.SearchHit, 0, len(best))
	for _, hit := range best {
		merged = append(merged, hit)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].Filepath != merged[j].Filepath {
			return merged[i].Filepath < merged[j].Filepath
		}
		return merged[i].StartLine < merged[j].StartLine
	})
	return merged
}

// rerank asks the LLM to order candidates, filling any snippets the model
// omitted in original order. Falls back to the score ordering on failure.
func (s *Subagent) rerank(ctx context.Context, query string, candidates []protocol.SearchHit, result *protocol.SubagentResult) []protocol.SearchHit {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	shown := candidates
	if len(shown) > rerankCandidateCap {
		shown = shown[:rerankCandidateCap]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\n", query)
	for i, hit := range shown {
		snippet := hit.Content
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		fmt.Fprintf(&sb, "[%d] %s:%d\n%s\n\n", i, hit.Filepath, hit.StartLine, snippet)
	}

	resp, err := s.chat.Chat(ctx, llm.ChatRequest{
		Scenario: subagentScenario,
		Messages: []protocol.ConversationMessage{
			{Role: protocol.RoleSystem, Content: rerankSystemPrompt},
			{Role: protocol.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		s.logger.Warn("rerank failed, keeping score order", "error", err)
		return candidates
	}
	result.TokensIn += resp.TokensIn
	result.TokensOut += resp.TokensOut
	result.Cost += resp.Cost

	order := parseIntArray(resp.Content)
	if len(order) == 0 {
		return candidates
	}

	reranked := make([]protocol.SearchHit, 0, len(candidates))
	used := make(map[int]bool)
	for _, idx := range order {
		if idx < 0 || idx >= len(shown) || used[idx] {
			continue
		}
		used[idx] = true
		reranked = append(reranked, shown[idx])
	}
	// Unranked snippets follow in their original order.
	for i, hit := range candidates {
		if i < len(shown) && used[i] {
			continue
		}
		reranked = append(reranked, hit)
	}
	return reranked
}

// parseStringArray extracts a JSON string array, tolerating surrounding
// prose and code fences.
func parseStringArray(content string) []string {
	raw := extractJSONArray(content)
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	cleaned := out[:0]
	for _, q := range out {
		if q = strings.TrimSpace(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	return cleaned
}

// parseIntArray extracts a JSON number array the same way.
func parseIntArray(content string) []int {
	raw := extractJSONArray(content)
	if raw == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func extractJSONArray(content string) string {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}
