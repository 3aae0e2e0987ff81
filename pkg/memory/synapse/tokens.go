package synapse

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Clean applies token hygiene: trim, lower-case, drop short tokens, stop
// words and system tags such as "LOC:3:-7", and cap the list at MaxTokens.
// Order is preserved; duplicates are kept and skipped during pairing.
func (g *Graph) Clean(tokens []string) []string {
	out := make([]string, 0, min(len(tokens), g.cfg.MaxTokens))
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if utf8.RuneCountInString(t) < g.cfg.MinTokenRunes {
			continue
		}
		if strings.ContainsRune(t, ':') {
			continue
		}
		if _, stop := g.stop[t]; stop {
			continue
		}
		out = append(out, t)
		if len(out) == g.cfg.MaxTokens {
			break
		}
	}
	return out
}

// Tokenize splits free text on anything that is not a letter, digit,
// hyphen or colon and cleans the result. Colons are kept so system tags stay whole
// and are then dropped by Clean.
func (g *Graph) Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r != ':' && r != '-' && !isWordRune(r)
	})
	return g.Clean(fields)
}

func isWordRune(r rune) bool {
	return r == '_' || r == '\'' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
