package synapse

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// Resolve maps a possibly misspelt or misheard word onto an existing node.
//
// An exact (case-insensitive) node wins outright. Otherwise candidates are
// filtered by Double Metaphone: a node sharing a phonetic code with word is
// accepted when its Jaro-Winkler score reaches MatchThreshold. With no
// phonetic candidate, pure Jaro-Winkler against every node must reach the
// stricter FuzzyThreshold. Ties go to the lexically smaller node.
func (g *Graph) Resolve(word string) (string, float64, bool) {
	w := strings.ToLower(strings.TrimSpace(word))
	if w == "" {
		return word, 0, false
	}

	g.mu.RLock()
	if _, ok := g.adj[w]; ok {
		g.mu.RUnlock()
		return w, 1, true
	}
	nodes := make([]string, 0, len(g.adj))
	for n := range g.adj {
		nodes = append(nodes, n)
	}
	g.mu.RUnlock()
	sort.Strings(nodes)

	codes := phoneticCodes(w)
	type candidate struct {
		node     string
		score    float64
		phonetic bool
	}
	var best candidate
	for _, n := range nodes {
		score := matchr.JaroWinkler(w, n, false)
		if overlaps(codes, phoneticCodes(n)) {
			if score >= g.cfg.MatchThreshold && (!best.phonetic || score > best.score) {
				best = candidate{node: n, score: score, phonetic: true}
			}
			continue
		}
		if !best.phonetic && score >= g.cfg.FuzzyThreshold && score > best.score {
			best = candidate{node: n, score: score}
		}
	}
	if best.node == "" {
		return word, 0, false
	}
	return best.node, best.score, true
}

func phoneticCodes(word string) []string {
	p, s := matchr.DoubleMetaphone(word)
	var out []string
	if p != "" {
		out = append(out, p)
	}
	if s != "" && s != p {
		out = append(out, s)
	}
	return out
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
