// Package synapse implements the associative graph: a weighted, undirected
// co-occurrence graph over concept tokens.
//
// Token lists are buffered during the awake phase together with the arousal
// at which they were experienced. Consolidate, run during sleep, swaps the
// buffer out, accepts each entry with an arousal-dependent probability,
// strengthens every co-occurring pair, rehearses a sample of old edges and
// prunes the weak ones. Ingestion never waits for a consolidation pass.
package synapse

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/strata/pkg/memory"
)

// Compile-time interface assertion.
var _ memory.LinkSource = (*Graph)(nil)

type entry struct {
	tokens  []string
	arousal float64
}

type edgeKey struct{ a, b string }

func keyOf(a, b string) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// Option configures a [Graph].
type Option func(*Graph)

// WithDraw replaces the uniform [0,1) source used for acceptance and
// rehearsal sampling.
func WithDraw(draw func() float64) Option {
	return func(g *Graph) { g.draw = draw }
}

// Graph is the associative graph. All methods are safe for concurrent use.
type Graph struct {
	cfg  Config
	stop map[string]struct{}

	bufMu   sync.Mutex
	buffer  []entry
	dropped int

	mu    sync.RWMutex
	draw  func() float64
	adj   map[string]map[string]float64
	edges int
	gen   uint64
	saved uint64
}

// New returns an empty graph.
func New(cfg Config, opts ...Option) *Graph {
	g := &Graph{
		cfg:  cfg,
		stop: make(map[string]struct{}, len(cfg.StopWords)),
		adj:  make(map[string]map[string]float64),
	}
	for _, w := range cfg.StopWords {
		g.stop[w] = struct{}{}
	}
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	g.draw = rng.Float64
	for _, o := range opts {
		o(g)
	}
	return g
}

// Config returns the configuration the graph was built with.
func (g *Graph) Config() Config { return g.cfg }

// AcceptanceProbability is the chance that an entry experienced at arousal
// survives consolidation.
func (g *Graph) AcceptanceProbability(arousal float64) float64 {
	return 1 / (1 + math.Exp(-g.cfg.Sensitivity*(arousal-g.cfg.Baseline)))
}

// LearningRate is the weight added to each pair of an accepted entry.
func (g *Graph) LearningRate(arousal float64) float64 {
	rate := g.cfg.BaseRate * (1 + g.cfg.RateGain*(arousal-g.cfg.Baseline))
	return math.Max(g.cfg.MinRate, math.Min(g.cfg.MaxRate, rate))
}

// Ingest cleans tokens and buffers them with arousal, clamped to [0, 100].
// It reports whether the entry was buffered: entries with fewer than two
// usable tokens are ignored and a full buffer drops the entry.
func (g *Graph) Ingest(tokens []string, arousal float64) bool {
	clean := g.Clean(tokens)
	if len(clean) < 2 {
		return false
	}
	if math.IsNaN(arousal) {
		arousal = g.cfg.Baseline
	}
	arousal = math.Max(0, math.Min(100, arousal))

	g.bufMu.Lock()
	defer g.bufMu.Unlock()
	if len(g.buffer) >= g.cfg.BufferCap {
		g.dropped++
		return false
	}
	g.buffer = append(g.buffer, entry{tokens: clean, arousal: arousal})
	return true
}

// Pending returns the number of buffered entries and the number dropped
// since the last consolidation.
func (g *Graph) Pending() (buffered, dropped int) {
	g.bufMu.Lock()
	defer g.bufMu.Unlock()
	return len(g.buffer), g.dropped
}

// Report summarises one consolidation pass.
type Report struct {
	Entries     int `json:"entries"`
	Accepted    int `json:"accepted"`
	Skipped     int `json:"skipped"`
	Dropped     int `json:"dropped"`
	Connections int `json:"connections"`
	Rehearsed   int `json:"rehearsed"`
	PrunedEdges int `json:"pruned_edges"`
	PrunedNodes int `json:"pruned_nodes"`
}

// Consolidate runs one sleep pass over the buffered entries: rehearsal of
// existing edges, Hebbian reinforcement of accepted entries, then pruning.
// Edges strengthened during the pass are exempt from that pass's pruning,
// so a new association gets one cycle to be confirmed.
func (g *Graph) Consolidate() Report {
	g.bufMu.Lock()
	batch := g.buffer
	g.buffer = nil
	rep := Report{Entries: len(batch), Dropped: g.dropped}
	g.dropped = 0
	g.bufMu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	touched := make(map[edgeKey]struct{})
	rep.Rehearsed = g.rehearseLocked(touched)

	for _, e := range batch {
		if g.draw() >= g.AcceptanceProbability(e.arousal) {
			rep.Skipped++
			continue
		}
		rep.Accepted++
		rate := g.LearningRate(e.arousal)
		for i := 0; i < len(e.tokens); i++ {
			for j := i + 1; j < len(e.tokens); j++ {
				a, b := e.tokens[i], e.tokens[j]
				if a == b {
					continue
				}
				g.addLocked(a, b, rate)
				touched[keyOf(a, b)] = struct{}{}
				rep.Connections++
			}
		}
	}

	rep.PrunedEdges, rep.PrunedNodes = g.pruneLocked(touched)
	if rep.Rehearsed > 0 || rep.Connections > 0 || rep.PrunedEdges > 0 {
		g.gen++
	}
	return rep
}

// rehearseLocked boosts min(RehearsalSample, edges) distinct random edges.
func (g *Graph) rehearseLocked(touched map[edgeKey]struct{}) int {
	n := min(g.cfg.RehearsalSample, g.edges)
	if n <= 0 {
		return 0
	}
	all := g.edgeListLocked()
	// Partial Fisher-Yates over the sorted edge list.
	for i := 0; i < n; i++ {
		j := i + int(g.draw()*float64(len(all)-i))
		if j >= len(all) {
			j = len(all) - 1
		}
		all[i], all[j] = all[j], all[i]
		k := all[i]
		g.adj[k.a][k.b] += g.cfg.RehearsalBoost
		g.adj[k.b][k.a] += g.cfg.RehearsalBoost
		touched[k] = struct{}{}
	}
	return n
}

func (g *Graph) addLocked(a, b string, w float64) {
	na, ok := g.adj[a]
	if !ok {
		na = make(map[string]float64)
		g.adj[a] = na
	}
	nb, ok := g.adj[b]
	if !ok {
		nb = make(map[string]float64)
		g.adj[b] = nb
	}
	if _, exists := na[b]; !exists {
		g.edges++
	}
	na[b] += w
	nb[a] += w
}

func (g *Graph) removeEdgeLocked(a, b string) {
	if _, ok := g.adj[a][b]; !ok {
		return
	}
	delete(g.adj[a], b)
	delete(g.adj[b], a)
	g.edges--
}

func (g *Graph) pruneLocked(exempt map[edgeKey]struct{}) (edges, nodes int) {
	for _, k := range g.edgeListLocked() {
		if _, ok := exempt[k]; ok {
			continue
		}
		if g.adj[k.a][k.b] < g.cfg.PruneThreshold {
			g.removeEdgeLocked(k.a, k.b)
			edges++
		}
	}
	for n, nbrs := range g.adj {
		if len(nbrs) == 0 {
			delete(g.adj, n)
			nodes++
		}
	}
	return edges, nodes
}

// edgeListLocked returns every edge once, sorted.
func (g *Graph) edgeListLocked() []edgeKey {
	out := make([]edgeKey, 0, g.edges)
	for a, nbrs := range g.adj {
		for b := range nbrs {
			if a < b {
				out = append(out, edgeKey{a, b})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].a != out[j].a {
			return out[i].a < out[j].a
		}
		return out[i].b < out[j].b
	})
	return out
}

// Weight returns the weight of the edge between a and b, or 0.
func (g *Graph) Weight(a, b string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.adj[a][b]
}

// Has reports whether word is a node.
func (g *Graph) Has(word string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.adj[word]
	return ok
}

// Size returns the node and edge counts.
func (g *Graph) Size() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adj), g.edges
}

// TopLinks implements [memory.LinkSource]: edges with weight >= threshold,
// strongest first, at most limit of them.
func (g *Graph) TopLinks(limit int, threshold float64) []memory.Link {
	g.mu.RLock()
	var out []memory.Link
	for a, nbrs := range g.adj {
		for b, w := range nbrs {
			if a < b && w >= threshold {
				out = append(out, memory.Link{A: a, B: b, Weight: w})
			}
		}
	}
	g.mu.RUnlock()

	sortLinks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortLinks(links []memory.Link) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].Weight != links[j].Weight {
			return links[i].Weight > links[j].Weight
		}
		if links[i].A != links[j].A {
			return links[i].A < links[j].A
		}
		return links[i].B < links[j].B
	})
}

// Related returns the neighbours of word, heaviest edge first.
func (g *Graph) Related(word string, limit int) []memory.Scored {
	g.mu.RLock()
	out := make([]memory.Scored, 0, len(g.adj[word]))
	for n, w := range g.adj[word] {
		out = append(out, memory.Scored{Key: n, Score: w})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Forget removes the named nodes and their edges, returning how many nodes
// existed. Neighbours left without edges are removed too.
func (g *Graph) Forget(words ...string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, w := range words {
		nbrs, ok := g.adj[w]
		if !ok {
			continue
		}
		for other := range nbrs {
			delete(g.adj[other], w)
			g.edges--
			if len(g.adj[other]) == 0 && other != w {
				delete(g.adj, other)
			}
		}
		delete(g.adj, w)
		n++
	}
	if n > 0 {
		g.gen++
	}
	return n
}
