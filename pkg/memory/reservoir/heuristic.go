package reservoir

import (
	"strings"
	"unicode/utf8"
)

// heuristic estimates the observed [mood, energy] of text. Energy grows with
// length up to Config.EnergyRunes. Mood is 0.8 when positive lexicon hits
// outnumber negative ones, 0.2 for the reverse, and 0.5 otherwise.
func (p *Predictor) heuristic(text string) (mood, energy float64) {
	energy = min(1, float64(utf8.RuneCountInString(text))/float64(p.cfg.EnergyRunes))

	lower := strings.ToLower(text)
	pos, neg := hits(lower, p.cfg.Positive), hits(lower, p.cfg.Negative)
	switch {
	case pos > neg:
		mood = 0.8
	case neg > pos:
		mood = 0.2
	default:
		mood = 0.5
	}
	return mood, energy
}

func hits(text string, lexicon []string) int {
	n := 0
	for _, w := range lexicon {
		if w != "" && strings.Contains(text, w) {
			n++
		}
	}
	return n
}
