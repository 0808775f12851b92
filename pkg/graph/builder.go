// Package graph extracts a per-project code graph (definition nodes, import
// and call edges), persists it to the relational store, and answers BFS
// searches with hop-decay scoring.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/codeforge-ai/worker/pkg/source"
)

// Node kinds.
const (
	KindFunction = "function"
	KindMethod   = "method"
	KindClass    = "class"
	KindModule   = "module"
)

// Edge kinds.
const (
	EdgeImports = "imports"
	EdgeCalls   = "calls"
)

// ModuleSymbol names the synthetic per-file node.
const ModuleSymbol = "__module__"

// Node is one graph_nodes row.
type Node struct {
	ID        string
	ProjectID string
	Filepath  string
	Symbol    string
	Kind      string
	StartLine int
	EndLine   int
}

// Edge is one graph_edges row.
type Edge struct {
	ProjectID string
	SourceID  string
	TargetID  string
	Kind      string
}

// Build is the extracted graph of one workspace.
type Build struct {
	Nodes     []Node
	Edges     []Edge
	Languages []string
}

// NodeID forms the canonical node id.
func NodeID(projectID, filepath, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", projectID, filepath, symbol)
}

func importNodeID(projectID, name string) string {
	return NodeID(projectID, "", "__import__:"+name)
}

// nodeKind maps a definition kind onto the graph's kind set.
func nodeKind(defKind string) string {
	switch defKind {
	case "method":
		return KindMethod
	case "class", "type", "interface", "struct", "enum", "trait":
		return KindClass
	default:
		return KindFunction
	}
}

// BuildWorkspace extracts the code graph of a workspace.
//
// Call edges use a name-match heuristic: each file's module node points at
// every symbol defined in a different file. This over-connects the graph; a
// reference-site resolution would be tighter.
func BuildWorkspace(projectID, workspacePath string) (*Build, error) {
	files, err := source.Walk(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}

	b := &Build{Languages: source.Languages(files)}
	seen := make(map[string]bool)
	addNode := func(n Node) {
		if seen[n.ID] {
			return
		}
		seen[n.ID] = true
		b.Nodes = append(b.Nodes, n)
	}

	type fileDefs struct {
		moduleID string
		defs     []source.Tag
	}
	perFile := make([]fileDefs, 0, len(files))

	for _, f := range files {
		totalLines := strings.Count(f.Content, "\n") + 1

		moduleID := NodeID(projectID, f.Path, ModuleSymbol)
		addNode(Node{
			ID:        moduleID,
			ProjectID: projectID,
			Filepath:  f.Path,
			Symbol:    ModuleSymbol,
			Kind:      KindModule,
			StartLine: 1,
			EndLine:   totalLines,
		})

		defs := source.Definitions(source.Extract(f))
		sort.Slice(defs, func(i, j int) bool { return defs[i].Line < defs[j].Line })

		for i, d := range defs {
			end := totalLines
			if i+1 < len(defs) {
				end = defs[i+1].Line - 1
			}
			if end < d.Line {
				end = d.Line
			}
			addNode(Node{
				ID:        NodeID(projectID, f.Path, d.Name),
				ProjectID: projectID,
				Filepath:  f.Path,
				Symbol:    d.Name,
				Kind:      nodeKind(d.DefKind),
				StartLine: d.Line,
				EndLine:   end,
			})
		}

		for _, imp := range source.Imports(f) {
			target := importNodeID(projectID, imp)
			addNode(Node{
				ID:        target,
				ProjectID: projectID,
				Symbol:    "__import__:" + imp,
				Kind:      KindModule,
				StartLine: 1,
				EndLine:   1,
			})
			b.Edges = append(b.Edges, Edge{
				ProjectID: projectID,
				SourceID:  moduleID,
				TargetID:  target,
				Kind:      EdgeImports,
			})
		}

		perFile = append(perFile, fileDefs{moduleID: moduleID, defs: defs})
	}

	// Call edges: module node -> every symbol defined elsewhere.
	for i, f := range files {
		local := make(map[string]bool)
		for _, d := range perFile[i].defs {
			local[d.Name] = true
		}
		for _, n := range b.Nodes {
			if n.Kind == KindModule || n.Filepath == f.Path || local[n.Symbol] {
				continue
			}
			b.Edges = append(b.Edges, Edge{
				ProjectID: projectID,
				SourceID:  perFile[i].moduleID,
				TargetID:  n.ID,
				Kind:      EdgeCalls,
			})
		}
	}

	return b, nil
}
