package synapse

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"

	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/persist"
)

// FileName is the name of the graph file inside a data directory.
const FileName = "graph.json"

const (
	snapshotKind    = "graph"
	snapshotVersion = 1
)

type snapshot struct {
	Edges []memory.Link `json:"edges"`
}

// Checkpoint copies the edge list under the read lock and returns a function
// that writes it into dir.
func (g *Graph) Checkpoint() (write func(dir string) error, changed bool) {
	g.mu.RLock()
	var snap snapshot
	for _, k := range g.edgeListLocked() {
		snap.Edges = append(snap.Edges, memory.Link{A: k.a, B: k.b, Weight: g.adj[k.a][k.b]})
	}
	gen := g.gen
	changed = g.gen != g.saved
	g.mu.RUnlock()

	return func(dir string) error {
		if err := persist.SaveJSON(filepath.Join(dir, FileName), snapshotKind, snapshotVersion, snap); err != nil {
			return err
		}
		g.mu.Lock()
		if gen > g.saved {
			g.saved = gen
		}
		g.mu.Unlock()
		return nil
	}, changed
}

// Save writes the graph into dir.
func (g *Graph) Save(dir string) error {
	write, _ := g.Checkpoint()
	return write(dir)
}

// Load replaces the graph with the one stored in dir. Self-loops and
// non-finite or non-positive weights are skipped. On error the graph is
// left empty.
func (g *Graph) Load(dir string) error {
	g.mu.Lock()
	g.adj = make(map[string]map[string]float64)
	g.edges = 0
	g.mu.Unlock()

	env, err := persist.LoadJSON(filepath.Join(dir, FileName), snapshotKind, snapshotVersion)
	if err != nil {
		return err
	}
	links, err := migrate(env)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, l := range links {
		if l.A == "" || l.B == "" || l.A == l.B || l.Weight <= 0 || math.IsInf(l.Weight, 0) || math.IsNaN(l.Weight) {
			continue
		}
		g.addLocked(l.A, l.B, l.Weight)
	}
	g.saved = g.gen
	return nil
}

// migrate lifts a stored graph to the current edge list. Version 0 is a
// bare array of [a, b, weight] triples.
func migrate(env persist.Envelope) ([]memory.Link, error) {
	switch env.Version {
	case 0:
		var triples [][3]any
		if err := json.Unmarshal(env.Payload, &triples); err != nil {
			return nil, fmt.Errorf("synapse: decode legacy graph: %w", err)
		}
		links := make([]memory.Link, 0, len(triples))
		for _, t := range triples {
			a, _ := t[0].(string)
			b, _ := t[1].(string)
			w, _ := t[2].(float64)
			links = append(links, memory.Link{A: a, B: b, Weight: w})
		}
		return links, nil
	case 1:
		var snap snapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			return nil, fmt.Errorf("synapse: decode graph: %w", err)
		}
		return snap.Edges, nil
	default:
		return nil, fmt.Errorf("%w: graph v%d", persist.ErrUnknownVersion, env.Version)
	}
}
