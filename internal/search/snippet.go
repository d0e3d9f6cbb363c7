package search

import (
	"strings"

	"github.com/kalambet/inboxrank/internal/email"
)

const ellipsis = "…"

// Snippet returns about width runes of body around the earliest occurrence
// of any term. Without a hit it returns the start of body.
func Snippet(body string, terms []string, width int) string {
	text := []rune(email.Normalize(body))
	if width <= 0 {
		width = 160
	}
	if len(text) <= width {
		return string(text)
	}

	lower := string(text)
	first := -1
	for _, t := range terms {
		if t == "" {
			continue
		}
		if i := strings.Index(lower, t); i >= 0 {
			pos := len([]rune(lower[:i]))
			if first < 0 || pos < first {
				first = pos
			}
		}
	}

	start := 0
	if first > width/3 {
		start = first - width/3
	}
	end := start + width
	if end > len(text) {
		end = len(text)
		start = max(0, end-width)
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString(ellipsis)
	}
	b.WriteString(strings.TrimSpace(string(text[start:end])))
	if end < len(text) {
		b.WriteString(ellipsis)
	}
	return b.String()
}
