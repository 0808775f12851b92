package repomap

import "math"

const (
	damping       = 0.85
	maxIterations = 100
)

// pageRank runs weighted PageRank over a file graph. weights[src][dst] is
// the aggregate edge weight. Dangling nodes distribute their mass
// uniformly. Convergence is reached when the L1 delta drops below 1e-6*N.
func pageRank(nodes []string, weights map[string]map[string]float64) map[string]float64 {
	n := len(nodes)
	if n == 0 {
		return map[string]float64{}
	}

	rank := make(map[string]float64, n)
	for _, node := range nodes {
		rank[node] = 1.0 / float64(n)
	}

	outWeight := make(map[string]float64, n)
	for src, dsts := range weights {
		for _, w := range dsts {
			outWeight[src] += w
		}
	}

	epsilon := 1e-6 * float64(n)
	base := (1 - damping) / float64(n)

	for iter := 0; iter < maxIterations; iter++ {
		next := make(map[string]float64, n)

		// Mass from dangling nodes spreads evenly.
		var danglingMass float64
		for _, node := range nodes {
			if outWeight[node] == 0 {
				danglingMass += rank[node]
			}
		}
		share := damping * danglingMass / float64(n)

		for _, node := range nodes {
			next[node] = base + share
		}
		for src, dsts := range weights {
			if outWeight[src] == 0 {
				continue
			}
			contribution := damping * rank[src] / outWeight[src]
			for dst, w := range dsts {
				next[dst] += contribution * w
			}
		}

		var delta float64
		for _, node := range nodes {
			delta += math.Abs(next[node] - rank[node])
		}
		rank = next
		if delta < epsilon {
			break
		}
	}
	return rank
}
