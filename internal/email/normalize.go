package email

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Normalize prepares text for matching: compatibility forms are NFKC
// folded (ligatures, circled digits, full-width ASCII), remaining width
// variants are folded to their canonical width, runs of whitespace collapse
// to a single space, and ASCII letters are lower-cased. Non-ASCII letters
// (CJK in particular) are left as they are.
func Normalize(s string) string {
	s = width.Fold.String(norm.NFKC.String(s))

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		if r < unicode.MaxASCII && 'A' <= r && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsCJK reports whether r belongs to a script that is written without
// spaces between words (Han, Hiragana, Katakana, Hangul).
func IsCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
