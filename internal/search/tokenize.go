// Package search maintains the field-weighted inverted index over emails.
package search

import (
	"strings"
	"unicode"

	"github.com/kalambet/inboxrank/internal/email"
)

// Tokenize normalizes s and splits it into query terms. Runs of letters and
// digits outside CJK scripts become one term each. Runs of CJK characters
// become overlapping bigrams so that any two-character substring of a
// Chinese phrase is searchable; a lone CJK character is kept as a unigram.
func Tokenize(s string) []string {
	return tokenize(s, false)
}

// IndexTerms is Tokenize plus a unigram for every character of a CJK run,
// so a one-character query still finds the longer words containing it.
func IndexTerms(s string) []string {
	return tokenize(s, true)
}

func tokenize(s string, unigrams bool) []string {
	s = email.Normalize(s)

	var (
		terms []string
		word  strings.Builder
		cjk   []rune
	)
	flushWord := func() {
		if word.Len() > 0 {
			terms = append(terms, word.String())
			word.Reset()
		}
	}
	flushCJK := func() {
		switch len(cjk) {
		case 0:
		case 1:
			terms = append(terms, string(cjk))
		default:
			for i := 0; i+1 < len(cjk); i++ {
				terms = append(terms, string(cjk[i:i+2]))
			}
			if unigrams {
				for _, r := range cjk {
					terms = append(terms, string(r))
				}
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range s {
		switch {
		case email.IsCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word.WriteRune(r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return terms
}

// QueryTerms tokenizes each phrase and returns the distinct terms in first-seen order.
func QueryTerms(phrases ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range phrases {
		for _, t := range Tokenize(p) {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}
