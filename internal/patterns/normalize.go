package patterns

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// zeroWidth lists invisible characters used to split trigger phrases
var zeroWidth = map[rune]bool{
	'\u200b': true,
	'\u200c': true,
	'\u200d': true,
	'\u200e': true,
	'\u200f': true,
	'\u2060': true,
	'\ufeff': true,
}

// IsZeroWidth reports whether r is an invisible joiner or mark
func IsZeroWidth(r rune) bool {
	return zeroWidth[r]
}

// View is a normalized copy of a text with a byte-offset map back to the original
type View struct {
	Text string
	// starts[i] and ends[i] bound the original rune that produced byte i of Text
	starts []int
	ends   []int
}

// Normalize applies NFKC per rune and drops zero-width characters, keeping
// enough bookkeeping to map matches back onto the original text.
func Normalize(text string) View {
	var b strings.Builder
	b.Grow(len(text))
	starts := make([]int, 0, len(text))
	ends := make([]int, 0, len(text))

	for i, r := range text {
		_, size := utf8.DecodeRuneInString(text[i:])
		if IsZeroWidth(r) {
			continue
		}
		var out string
		if r < utf8.RuneSelf {
			out = string(r)
		} else {
			out = norm.NFKC.String(string(r))
		}
		for k := 0; k < len(out); k++ {
			starts = append(starts, i)
			ends = append(ends, i+size)
		}
		b.WriteString(out)
	}

	return View{Text: b.String(), starts: starts, ends: ends}
}

// Original maps a [start, end) span of the normalized text to the original text
func (v View) Original(start, end int) (int, int) {
	if len(v.starts) == 0 || start >= len(v.starts) || end <= start {
		return 0, 0
	}
	return v.starts[start], v.ends[end-1]
}
