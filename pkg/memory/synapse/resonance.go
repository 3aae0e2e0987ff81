package synapse

import "sort"

// Resonance limits. An impacted node holds at most maxAmplitude; nodes
// reached through edges hold at most maxEcho. A wave keeps travelling only
// while its force exceeds minForce.
const (
	maxAmplitude     = 2.0
	maxEcho          = 1.5
	minForce         = 0.1
	maxTransmission  = 0.9
	transmissionGain = 0.3
)

// Resonate strikes word with force and lets the vibration spread through
// the graph for at most depth hops (the configured ResonanceDepth when
// depth <= 0). Each edge transmits min(0.9, weight·0.3) of the arriving
// force. It returns the amplitude reached by every vibrating node,
// including word itself.
//
// The traversal is breadth-first over an explicit worklist. A node reached
// along several paths accumulates every arriving wave, up to its cap. Waves
// never flow back into word.
func (g *Graph) Resonate(word string, force float64, depth int) map[string]float64 {
	if depth <= 0 {
		depth = g.cfg.ResonanceDepth
	}
	field := map[string]float64{word: min(force, maxAmplitude)}
	if force <= 0 {
		return field
	}

	type wave struct {
		node  string
		force float64
		hop   int
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	queue := []wave{{node: word, force: force}}
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]
		if w.hop >= depth {
			continue
		}
		// Deterministic neighbour order.
		nbrs := make([]string, 0, len(g.adj[w.node]))
		for n := range g.adj[w.node] {
			nbrs = append(nbrs, n)
		}
		sort.Strings(nbrs)
		for _, n := range nbrs {
			if n == word {
				continue
			}
			transmitted := w.force * min(maxTransmission, g.adj[w.node][n]*transmissionGain)
			if transmitted <= minForce {
				continue
			}
			field[n] = min(field[n]+transmitted, maxEcho)
			queue = append(queue, wave{node: n, force: transmitted, hop: w.hop + 1})
		}
	}
	return field
}
