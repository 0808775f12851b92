package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeSplitsIdentifiers(t *testing.T) {
	tokens := tokenize("parseRequestBody snake_case_name HTTPServer")

	assert.Contains(t, tokens, "parserequestbody")
	assert.Contains(t, tokens, "parse")
	assert.Contains(t, tokens, "request")
	assert.Contains(t, tokens, "body")
	assert.Contains(t, tokens, "snake")
	assert.Contains(t, tokens, "case")
	assert.Contains(t, tokens, "name")
	assert.Contains(t, tokens, "httpserver")
}

func TestTokenizeLowercases(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, tokenize("Hello WORLD"))
}

func TestBM25RanksMatchingDocFirst(t *testing.T) {
	idx := newBM25Index([]string{
		"func handleRequest(w http.ResponseWriter)",
		"func computeChecksum(data []byte)",
		"request handling middleware for the request router",
	})

	ranked := idx.rank("request handler")
	require.NotEmpty(t, ranked)
	// Docs 0 and 2 mention "request"; doc 1 scores zero and is omitted.
	assert.NotContains(t, ranked, 1)
	assert.Contains(t, ranked, 0)
	assert.Contains(t, ranked, 2)
}

func TestBM25TermFrequencySaturates(t *testing.T) {
	idx := newBM25Index([]string{
		"cache cache cache cache cache",
		"cache miss",
	})

	ranked := idx.rank("cache")
	require.Len(t, ranked, 2)
	// Repetition helps but the shorter doc's length normalization keeps the
	// ordering stable rather than runaway.
	assert.Equal(t, 0, ranked[0])
}

func TestBM25RareTermOutweighsCommon(t *testing.T) {
	idx := newBM25Index([]string{
		"common common rareterm",
		"common common common",
		"common filler text",
	})

	ranked := idx.rank("rareterm")
	require.Len(t, ranked, 1)
	assert.Equal(t, 0, ranked[0])
}

func TestBM25NoMatches(t *testing.T) {
	idx := newBM25Index([]string{"alpha beta", "gamma delta"})
	assert.Empty(t, idx.rank("zeta"))
}

func TestBM25EmptyIndex(t *testing.T) {
	assert.Empty(t, newBM25Index(nil).rank("anything"))
}
