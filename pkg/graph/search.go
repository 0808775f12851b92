package graph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

const (
	// hopDecay discounts each additional hop from a seed.
	hopDecay = 0.7

	// DefaultMaxHops bounds BFS depth when a request does not name one.
	DefaultMaxHops = 2

	// DefaultTopK applies when a request does not name one.
	DefaultTopK = 20

	maxTopK = 500
)

// Service builds and searches project graphs.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Build extracts a workspace graph and replaces the project's stored graph.
func (s *Service) Build(ctx context.Context, projectID, workspacePath string) (*Build, error) {
	b, err := BuildWorkspace(projectID, workspacePath)
	if err != nil {
		return nil, err
	}
	if err := s.store.Replace(ctx, projectID, b); err != nil {
		return nil, fmt.Errorf("failed to persist graph: %w", err)
	}
	s.logger.Info("graph built",
		"project_id", projectID,
		"nodes", len(b.Nodes),
		"edges", len(b.Edges),
	)
	return b, nil
}

type adjacency struct {
	neighbor string
	kind     string
	// forward is true when the stored edge runs visited -> neighbor.
	forward bool
}

// Search runs a bidirectional BFS from the seed symbols and scores visited
// nodes by hop decay.
func (s *Service) Search(ctx context.Context, req protocol.GraphSearchRequest) ([]protocol.GraphSearchHit, error) {
	maxHops := req.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	nodes, edges, err := s.store.Load(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	wanted := make(map[string]bool, len(req.Symbols))
	for _, sym := range req.Symbols {
		wanted[sym] = true
	}
	var seeds []string
	for _, n := range nodes {
		if wanted[n.Symbol] {
			seeds = append(seeds, n.ID)
		}
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	sort.Strings(seeds)

	adj := make(map[string][]adjacency)
	for _, e := range edges {
		adj[e.SourceID] = append(adj[e.SourceID], adjacency{neighbor: e.TargetID, kind: e.Kind, forward: true})
		adj[e.TargetID] = append(adj[e.TargetID], adjacency{neighbor: e.SourceID, kind: e.Kind, forward: false})
	}

	type visit struct {
		distance int
		path     []string
	}
	visited := make(map[string]visit, len(seeds))
	queue := make([]string, 0, len(seeds))
	for _, id := range seeds {
		visited[id] = visit{}
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		cur := visited[id]
		if cur.distance >= maxHops {
			continue
		}
		for _, a := range adj[id] {
			if _, seen := visited[a.neighbor]; seen {
				continue
			}
			from, to := byID[id], byID[a.neighbor]
			label := fmt.Sprintf("%s-%s->%s", from.Symbol, a.kind, to.Symbol)
			if !a.forward {
				label = fmt.Sprintf("%s-%s->%s", to.Symbol, a.kind, from.Symbol)
			}
			path := make([]string, 0, len(cur.path)+1)
			path = append(path, cur.path...)
			path = append(path, label)
			visited[a.neighbor] = visit{distance: cur.distance + 1, path: path}
			queue = append(queue, a.neighbor)
		}
	}

	hits := make([]protocol.GraphSearchHit, 0, len(visited))
	for id, v := range visited {
		if v.distance == 0 {
			continue
		}
		n := byID[id]
		hits = append(hits, protocol.GraphSearchHit{
			NodeID:   n.ID,
			Filepath: n.Filepath,
			Symbol:   n.Symbol,
			Kind:     n.Kind,
			Distance: v.distance,
			Score:    math.Pow(hopDecay, float64(v.distance)),
			EdgePath: v.path,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		if hits[i].Filepath != hits[j].Filepath {
			return hits[i].Filepath < hits[j].Filepath
		}
		return hits[i].NodeID < hits[j].NodeID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
