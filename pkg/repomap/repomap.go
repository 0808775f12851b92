// Package repomap renders a ranked, token-budget-fitting map of a workspace:
// files scored by weighted PageRank over their symbol reference graph, each
// listed with its definitions.
package repomap

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/codeforge-ai/worker/pkg/source"
)

// DefaultTokenBudget is used when a request does not name one.
const DefaultTokenBudget = 1024

// charsPerToken converts the token budget into a character budget.
const charsPerToken = 4

// Map is a generated repo map.
type Map struct {
	Text      string
	FileCount int
	TagCount  int
	Languages []string
}

// Generator builds repo maps.
type Generator struct {
	logger *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(logger *slog.Logger) *Generator {
	return &Generator{logger: logger}
}

// Generate walks the workspace, ranks files, and renders the largest prefix
// of ranked files fitting the token budget.
func (g *Generator) Generate(workspacePath string, tokenBudget int, activeFiles []string) (*Map, error) {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}

	files, err := source.Walk(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}
	if len(files) == 0 {
		return &Map{}, nil
	}

	active := make(map[string]bool, len(activeFiles))
	for _, f := range activeFiles {
		active[f] = true
	}

	defsByFile := make(map[string][]source.Tag)
	defFiles := make(map[string][]string) // symbol name -> files defining it
	var refs []source.Tag
	tagCount := 0

	for _, f := range files {
		tags := source.Extract(f)
		tagCount += len(tags)
		for _, t := range tags {
			switch t.Kind {
			case source.TagDef:
				defsByFile[t.Path] = append(defsByFile[t.Path], t)
				defFiles[t.Name] = append(defFiles[t.Name], t.Path)
			case source.TagRef:
				refs = append(refs, t)
			}
		}
	}

	ranked := g.rankFiles(files, defFiles, refs, active)

	rendered, fileCount := renderBudgeted(ranked, defsByFile, tokenBudget*charsPerToken)

	g.logger.Debug("repo map generated",
		"files", len(files),
		"rendered_files", fileCount,
		"tags", tagCount,
	)

	return &Map{
		Text:      rendered,
		FileCount: len(files),
		TagCount:  tagCount,
		Languages: source.Languages(files),
	}, nil
}

// rankFiles builds the weighted reference graph and orders files by
// descending PageRank.
func (g *Generator) rankFiles(files []source.File, defFiles map[string][]string, refs []source.Tag, active map[string]bool) []string {
	nodes := make([]string, len(files))
	for i, f := range files {
		nodes[i] = f.Path
	}

	weights := make(map[string]map[string]float64)
	for _, ref := range refs {
		for _, defPath := range defFiles[ref.Name] {
			if defPath == ref.Path {
				continue
			}
			w := 1.0
			if len(ref.Name) >= 8 {
				w *= 10
			}
			if strings.HasPrefix(ref.Name, "_") {
				w *= 0.1
			}
			if active[ref.Path] || active[defPath] {
				w *= 50
			}
			if weights[ref.Path] == nil {
				weights[ref.Path] = make(map[string]float64)
			}
			weights[ref.Path][defPath] += w
		}
	}

	rank := pageRank(nodes, weights)

	ordered := make([]string, len(nodes))
	copy(ordered, nodes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if rank[ordered[i]] != rank[ordered[j]] {
			return rank[ordered[i]] > rank[ordered[j]]
		}
		return ordered[i] < ordered[j]
	})
	return ordered
}

// renderBudgeted renders the largest prefix of ranked files that fits the
// char budget, found by binary search over the prefix length.
func renderBudgeted(ranked []string, defsByFile map[string][]source.Tag, charBudget int) (string, int) {
	render := func(n int) string {
		var sb strings.Builder
		for _, path := range ranked[:n] {
			sb.WriteString(path)
			sb.WriteString("\n")

			defs := append([]source.Tag(nil), defsByFile[path]...)
			sort.Slice(defs, func(i, j int) bool {
				return defs[i].Line < defs[j].Line
			})
			for _, d := range defs {
				sb.WriteString("    ")
				sb.WriteString(d.Name)
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
		return sb.String()
	}

	lo, hi := 0, len(ranked)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if len(render(mid)) <= charBudget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return render(lo), lo
}
