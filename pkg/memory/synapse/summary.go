package synapse

import (
	"sort"

	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/MrWong99/strata/pkg/memory"
)

// Summary describes the graph after a consolidation pass.
type Summary struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
	// Obsessions are the most central concepts by weighted PageRank.
	Obsessions []memory.Scored `json:"obsessions"`
	// Bonds are the heaviest edges.
	Bonds []memory.Link `json:"bonds"`
}

const (
	summaryConcepts = 5
	summaryBonds    = 3
	pageRankDamping = 0.85
	pageRankTol     = 1e-6
)

// Summary ranks concepts by weighted PageRank and lists the strongest
// bonds. An empty graph yields an empty summary.
func (g *Graph) Summary() Summary {
	g.mu.RLock()
	sum := Summary{Nodes: len(g.adj), Edges: g.edges}
	names := make([]string, 0, len(g.adj))
	for n := range g.adj {
		names = append(names, n)
	}
	sort.Strings(names)
	ids := make(map[string]int64, len(names))
	for i, n := range names {
		ids[n] = int64(i)
	}

	dg := simple.NewWeightedDirectedGraph(0, 0)
	var links []memory.Link
	for a, nbrs := range g.adj {
		for b, w := range nbrs {
			dg.SetWeightedEdge(dg.NewWeightedEdge(simple.Node(ids[a]), simple.Node(ids[b]), w))
			if a < b {
				links = append(links, memory.Link{A: a, B: b, Weight: w})
			}
		}
	}
	g.mu.RUnlock()

	if len(names) == 0 {
		return sum
	}

	ranks := network.PageRankSparse(dg, pageRankDamping, pageRankTol)
	scored := make([]memory.Scored, 0, len(ranks))
	for id, r := range ranks {
		scored = append(scored, memory.Scored{Key: names[id], Score: r})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Key < scored[j].Key
	})
	sum.Obsessions = scored[:min(summaryConcepts, len(scored))]

	sortLinks(links)
	sum.Bonds = links[:min(summaryBonds, len(links))]
	return sum
}
