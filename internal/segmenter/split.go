package segmenter

import (
	"strings"
	"unicode"
)

var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {}, "st": {},
	"vs": {}, "etc": {}, "e.g": {}, "i.e": {}, "inc": {}, "ltd": {}, "co": {}, "mt": {},
	"no": {}, "approx": {}, "dept": {}, "fig": {}, "u.s": {}, "a.m": {}, "p.m": {},
}

// SplitSentences is a deterministic sentence splitter. A boundary is a run of
// terminal punctuation (plus closing quotes or brackets) followed by whitespace,
// unless the period ends a known abbreviation or an initial, or the next word
// starts in lowercase. Blank lines always end a sentence.
func SplitSentences(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	n := len(runes)
	var out []string
	start := 0

	for i := 0; i < n; i++ {
		r := runes[i]
		if r == '\n' && i+1 < n && runes[i+1] == '\n' {
			out = appendSentence(out, runes[start:i])
			start = i + 1
			continue
		}
		if !isTerminator(r) {
			continue
		}

		j := i + 1
		for j < n && (isTerminator(runes[j]) || isCloser(runes[j])) {
			j++
		}
		if j < n && !unicode.IsSpace(runes[j]) && !isFullWidthTerminator(r) {
			i = j - 1
			continue
		}
		if r == '.' && j == i+1 && endsWithAbbreviation(runes[start:i]) {
			continue
		}
		if next := nextNonSpace(runes, j); next < n && unicode.IsLower(runes[next]) {
			i = j - 1
			continue
		}

		out = appendSentence(out, runes[start:j])
		start = j
		i = j - 1
	}
	return appendSentence(out, runes[start:])
}

func appendSentence(out []string, rs []rune) []string {
	s := strings.TrimSpace(string(rs))
	if s == "" {
		return out
	}
	return append(out, s)
}

func endsWithAbbreviation(prefix []rune) bool {
	s := string(prefix)
	if i := strings.LastIndexFunc(s, unicode.IsSpace); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimLeft(s, "\"'([“‘")
	if s == "" {
		return false
	}
	word := []rune(s)
	if len(word) == 1 && unicode.IsUpper(word[0]) {
		return true
	}
	_, ok := abbreviations[strings.ToLower(s)]
	return ok
}

func nextNonSpace(runes []rune, from int) int {
	for from < len(runes) && unicode.IsSpace(runes[from]) {
		from++
	}
	return from
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return isFullWidthTerminator(r)
}

func isFullWidthTerminator(r rune) bool {
	switch r {
	case '。', '！', '？':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»':
		return true
	}
	return false
}
