package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// BM25 parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

var tokenRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*|\d+`)

// tokenize lowercases and splits text into identifier-ish terms, breaking
// camelCase and snake_case into their parts alongside the original token.
func tokenize(text string) []string {
	var tokens []string
	for _, raw := range tokenRe.FindAllString(text, -1) {
		lower := strings.ToLower(raw)
		tokens = append(tokens, lower)
		for _, part := range splitIdentifier(raw) {
			if part != lower {
				tokens = append(tokens, part)
			}
		}
	}
	return tokens
}

var camelRe = regexp.MustCompile(`[A-Z]?[a-z0-9]+|[A-Z]+(?:[A-Z][a-z])?`)

func splitIdentifier(ident string) []string {
	var parts []string
	for _, snake := range strings.Split(ident, "_") {
		for _, part := range camelRe.FindAllString(snake, -1) {
			if len(part) > 1 {
				parts = append(parts, strings.ToLower(part))
			}
		}
	}
	if len(parts) <= 1 {
		return nil
	}
	return parts
}

// bm25Index is an in-memory BM25 inverted index over chunk contents.
type bm25Index struct {
	postings  map[string]map[int]int // term -> docID -> term frequency
	docLength []int
	avgLength float64
}

func newBM25Index(docs []string) *bm25Index {
	idx := &bm25Index{
		postings:  make(map[string]map[int]int),
		docLength: make([]int, len(docs)),
	}

	var totalLength int
	for docID, doc := range docs {
		tokens := tokenize(doc)
		idx.docLength[docID] = len(tokens)
		totalLength += len(tokens)
		for _, term := range tokens {
			if idx.postings[term] == nil {
				idx.postings[term] = make(map[int]int)
			}
			idx.postings[term][docID]++
		}
	}
	if len(docs) > 0 {
		idx.avgLength = float64(totalLength) / float64(len(docs))
	}
	return idx
}

// rank returns doc ids ordered by descending BM25 score. Docs with zero
// score are omitted.
func (idx *bm25Index) rank(query string) []int {
	n := len(idx.docLength)
	if n == 0 {
		return nil
	}

	scores := make(map[int]float64)
	for _, term := range tokenize(query) {
		docs := idx.postings[term]
		if len(docs) == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(len(docs))+0.5)/(float64(len(docs))+0.5))
		for docID, tf := range docs {
			norm := 1 - bm25B + bm25B*float64(idx.docLength[docID])/idx.avgLength
			scores[docID] += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*norm)
		}
	}

	ranked := make([]int, 0, len(scores))
	for docID := range scores {
		ranked = append(ranked, docID)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}
