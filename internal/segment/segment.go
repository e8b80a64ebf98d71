// Package segment splits incrementally-arriving examiner text into complete
// sentences suitable for sentence-level speech synthesis.
//
// The splitter is designed for streaming input: callers hold the full text
// produced so far plus an offset of characters already consumed, and call
// [Sentences] after every stream update. Text before the offset is never
// re-examined, so repeated calls with growing text neither re-emit nor skip
// a sentence.
package segment

import (
	"strings"
	"unicode"
)

// abbreviations lists trailing tokens that end with a period without ending
// a sentence. Lookup is case-insensitive and performed without the dot.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {},
	"sr": {}, "jr": {}, "st": {}, "no": {}, "fig": {},
	"etc": {}, "vs": {}, "eg": {}, "ie": {}, "approx": {},
	"vol": {}, "dept": {}, "est": {},
}

// Sentences returns the complete sentences contained in text after the first
// consumed characters, together with the number of additional characters they
// consumed. Partial trailing text with no boundary yet is never returned.
//
// A sentence boundary is '.', '!' or '?' immediately followed by a space.
// Three period-boundary exclusions apply, keyed on the final whitespace
// delimited token before the period:
//
//   - list numbering or a spoken single digit: the segment is bare digits
//     ("12.") or the trailing token is one digit ("He said 2.")
//   - an initial: the token is a single uppercase letter plus the dot ("A.")
//   - a known abbreviation ("Dr.", "etc.", case-insensitive)
//
// Multi-digit trailing tokens ("heading 090.") stay boundaries: they are
// measurements or codes, not enumeration.
//
// Sentences is pure: for any text and any offset previously returned by it,
// calling it again yields only sentences not yet emitted.
func Sentences(text string, consumed int) ([]string, int) {
	if consumed >= len(text) {
		return nil, 0
	}

	var out []string
	start := consumed
	for i := consumed; i < len(text)-1; i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if text[i+1] != ' ' {
			continue
		}
		if c == '.' && skipPeriod(text[start:i+1]) {
			continue
		}

		s := strings.TrimLeft(text[start:i+1], " ")
		if s != "" {
			out = append(out, s)
		}
		// Advance past the boundary and the whitespace run following it so
		// the next call starts on the first character of the next sentence.
		next := i + 1
		for next < len(text) && text[next] == ' ' {
			next++
		}
		start = next
		i = next - 1
	}

	return out, start - consumed
}

// skipPeriod reports whether the period ending seg is a non-sentence period:
// the segment is bare list numbering ("2."), or its trailing token is a
// single digit, a single-letter initial or a dictionary abbreviation.
func skipPeriod(seg string) bool {
	seg = strings.TrimSpace(seg)
	if allDigits(strings.TrimSuffix(seg, ".")) {
		return true
	}
	fields := strings.Fields(strings.TrimRight(seg, "."))
	if len(fields) == 0 {
		return true
	}
	tok := fields[len(fields)-1]
	if len(tok) == 1 && (unicode.IsUpper(rune(tok[0])) || unicode.IsDigit(rune(tok[0]))) {
		return true
	}
	_, ok := abbreviations[strings.ToLower(tok)]
	return ok
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
