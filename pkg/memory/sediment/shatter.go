package sediment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Shatter breaks text into fragments: one per sentence, with sentences
// longer than maxRunes split at clause punctuation and, failing that, at
// word boundaries. Whitespace is normalised and empty pieces are dropped.
func Shatter(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = 120
	}
	var out []string
	for _, sentence := range splitKeep(text, isSentenceEnd) {
		if utf8.RuneCountInString(sentence) <= maxRunes {
			out = append(out, sentence)
			continue
		}
		for _, clause := range splitKeep(sentence, isClauseEnd) {
			out = append(out, wrapWords(clause, maxRunes)...)
		}
	}
	return out
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '\n', '。', '！', '？':
		return true
	}
	return false
}

func isClauseEnd(r rune) bool {
	switch r {
	case ',', ';', ':', '、', '，', '；':
		return true
	}
	return false
}

// splitKeep splits after every boundary rune, keeping the rune with the
// piece it ends. Newlines are dropped.
func splitKeep(s string, boundary func(rune) bool) []string {
	var out []string
	start := 0
	flush := func(end int) {
		piece := strings.Join(strings.Fields(s[start:end]), " ")
		if piece != "" {
			out = append(out, piece)
		}
	}
	for i, r := range s {
		if boundary(r) {
			end := i + utf8.RuneLen(r)
			if r == '\n' {
				end = i
			}
			flush(end)
			start = i + utf8.RuneLen(r)
		}
	}
	flush(len(s))
	return out
}

// wrapWords packs words into pieces of at most maxRunes runes. A single word
// longer than that is cut.
func wrapWords(s string, maxRunes int) []string {
	var (
		out []string
		cur strings.Builder
		n   int
	)
	for _, w := range strings.FieldsFunc(s, unicode.IsSpace) {
		for utf8.RuneCountInString(w) > maxRunes {
			if n > 0 {
				out = append(out, cur.String())
				cur.Reset()
				n = 0
			}
			rs := []rune(w)
			out = append(out, string(rs[:maxRunes]))
			w = string(rs[maxRunes:])
		}
		wn := utf8.RuneCountInString(w)
		if wn == 0 {
			continue
		}
		if n > 0 && n+1+wn > maxRunes {
			out = append(out, cur.String())
			cur.Reset()
			n = 0
		}
		if n > 0 {
			cur.WriteByte(' ')
			n++
		}
		cur.WriteString(w)
		n += wn
	}
	if n > 0 {
		out = append(out, cur.String())
	}
	return out
}
