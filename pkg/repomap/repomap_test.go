package repomap

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageRankUniformWithoutEdges(t *testing.T) {
	rank := pageRank([]string{"a", "b", "c"}, nil)
	assert.InDelta(t, 1.0/3, rank["a"], 1e-6)
	assert.InDelta(t, 1.0/3, rank["b"], 1e-6)
	assert.InDelta(t, 1.0/3, rank["c"], 1e-6)
}

func TestPageRankFavorsReferencedNode(t *testing.T) {
	// a and b both point at hub.
	weights := map[string]map[string]float64{
		"a": {"hub": 1},
		"b": {"hub": 1},
	}
	rank := pageRank([]string{"a", "b", "hub"}, weights)
	assert.Greater(t, rank["hub"], rank["a"])
	assert.Greater(t, rank["hub"], rank["b"])

	var sum float64
	for _, r := range rank {
		sum += r
	}
	assert.InDelta(t, 1.0, sum, 1e-3)
}

func TestPageRankEdgeWeightsMatter(t *testing.T) {
	weights := map[string]map[string]float64{
		"src": {"heavy": 10, "light": 1},
	}
	rank := pageRank([]string{"src", "heavy", "light"}, weights)
	assert.Greater(t, rank["heavy"], rank["light"])
}

func TestPageRankEmpty(t *testing.T) {
	assert.Empty(t, pageRank(nil, nil))
}

func writeFixture(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fixtureWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	// core.py defines symbols everything else references.
	writeFixture(t, root, "core.py", strings.Join([]string{
		"class RequestHandler:",
		"    def process_request(self, payload):",
		"        return payload",
		"",
		"def validate_payload(data):",
		"    return bool(data)",
		"",
	}, "\n"))

	writeFixture(t, root, "api.py", strings.Join([]string{
		"from core import RequestHandler, validate_payload",
		"",
		"def serve(payload):",
		"    handler = RequestHandler()",
		"    if validate_payload(payload):",
		"        return handler.process_request(payload)",
		"",
	}, "\n"))

	writeFixture(t, root, "worker.py", strings.Join([]string{
		"from core import RequestHandler",
		"",
		"def run(job):",
		"    return RequestHandler().process_request(job)",
		"",
	}, "\n"))

	writeFixture(t, root, "standalone.py", "def isolated():\n    return 1\n")
	return root
}

func TestGenerateRanksReferencedFileFirst(t *testing.T) {
	root := fixtureWorkspace(t)
	g := NewGenerator(slog.New(slog.DiscardHandler))

	m, err := g.Generate(root, 2048, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, m.FileCount)
	assert.Greater(t, m.TagCount, 0)
	assert.Equal(t, []string{"python"}, m.Languages)

	// core.py is referenced by api.py and worker.py and must render first.
	firstBlock := strings.SplitN(m.Text, "\n\n", 2)[0]
	assert.True(t, strings.HasPrefix(firstBlock, "core.py"), "got:\n%s", m.Text)
	assert.Contains(t, firstBlock, "    RequestHandler")
	assert.Contains(t, firstBlock, "    process_request")
}

func TestGenerateRespectsBudget(t *testing.T) {
	root := fixtureWorkspace(t)
	g := NewGenerator(slog.New(slog.DiscardHandler))

	// A tight budget renders fewer files than the workspace holds.
	small, err := g.Generate(root, 20, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(small.Text), 20*charsPerToken)

	large, err := g.Generate(root, 10_000, nil)
	require.NoError(t, err)
	assert.Greater(t, len(large.Text), len(small.Text))
}

func TestGenerateActiveFilesBoost(t *testing.T) {
	root := fixtureWorkspace(t)
	g := NewGenerator(slog.New(slog.DiscardHandler))

	m, err := g.Generate(root, 2048, []string{"api.py"})
	require.NoError(t, err)

	// The active file's referenced definitions still rank core.py on top,
	// and api.py gains ground over unrelated files.
	lines := strings.Split(m.Text, "\n")
	idx := func(name string) int {
		for i, l := range lines {
			if l == name {
				return i
			}
		}
		return len(lines)
	}
	assert.Less(t, idx("core.py"), idx("standalone.py"))
}

func TestGenerateEmptyWorkspace(t *testing.T) {
	g := NewGenerator(slog.New(slog.DiscardHandler))
	m, err := g.Generate(t.TempDir(), 1024, nil)
	require.NoError(t, err)
	assert.Zero(t, m.FileCount)
	assert.Empty(t, m.Text)
}
