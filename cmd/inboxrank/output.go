package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/text/width"

	"github.com/kalambet/inboxrank/internal/query"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// priorityColor highlights scores 5 and 4.
func priorityColor(score int) string {
	switch {
	case score >= 5:
		return colorRed
	case score == 4:
		return colorYellow
	default:
		return colorReset
	}
}

func writeResults(w io.Writer, resp query.Response, format string) error {
	switch format {
	case "json":
		return writeJSONIndent(w, resp)
	case "summary":
		writeSummary(w, resp)
		return nil
	case "table", "":
		writeTable(w, resp.Results)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or summary)", format)
	}
}

func writeTable(w io.Writer, results []query.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matching emails.")
		return
	}

	fmt.Fprintln(w, colorize(colorBold, fmt.Sprintf("%-3s %-7s %-16s %s  %s",
		"PRI", "SCORE", "RECEIVED", pad("SENDER", 28), "SUBJECT")))
	for _, r := range results {
		pri := "-"
		if r.Classified {
			pri = fmt.Sprintf("%d", r.PriorityScore)
		}
		fmt.Fprintf(w, "%s %-7.3f %-16s %s  %s\n",
			colorize(priorityColor(r.PriorityScore), fmt.Sprintf("%-3s", pri)),
			r.Score,
			r.ReceivedAt.Local().Format("2006-01-02 15:04"),
			pad(truncate(r.Sender, 28), 28),
			truncate(r.Subject, 60),
		)
		if r.Snippet != "" {
			fmt.Fprintf(w, "    %s\n", colorize(colorCyan, r.Snippet))
		}
	}
}

func writeSummary(w io.Writer, resp query.Response) {
	fmt.Fprintf(w, "%d results for %q (%s)\n", len(resp.Results), resp.Query, resp.Mode)
	if len(resp.Results) == 0 {
		return
	}

	var byPriority [6]int
	unclassified := 0
	newest := resp.Results[0].ReceivedAt
	for _, r := range resp.Results {
		if !r.Classified {
			unclassified++
		} else if r.PriorityScore >= 1 && r.PriorityScore <= 5 {
			byPriority[r.PriorityScore]++
		}
		if r.ReceivedAt.After(newest) {
			newest = r.ReceivedAt
		}
	}
	for score := 5; score >= 1; score-- {
		if byPriority[score] > 0 {
			fmt.Fprintf(w, "  priority %d: %d\n", score, byPriority[score])
		}
	}
	if unclassified > 0 {
		fmt.Fprintf(w, "  unclassified: %d\n", unclassified)
	}
	fmt.Fprintf(w, "  newest: %s ago\n", time.Since(newest).Round(time.Minute))

	top := resp.Results
	if len(top) > 3 {
		top = top[:3]
	}
	for _, r := range top {
		fmt.Fprintf(w, "  • %s  %s\n", truncate(r.Subject, 60), colorize(colorCyan, r.Sender))
	}
}

// displayWidth counts East Asian wide and fullwidth runes as two columns.
func displayWidth(s string) int {
	n := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}
	return n
}

// truncate shortens s to at most max display columns.
func truncate(s string, max int) string {
	if displayWidth(s) <= max {
		return s
	}
	var b strings.Builder
	n := 0
	for _, r := range s {
		rw := displayWidth(string(r))
		if n+rw > max-1 {
			break
		}
		b.WriteRune(r)
		n += rw
	}
	return b.String() + "…"
}

// pad right-pads s with spaces to n display columns.
func pad(s string, n int) string {
	if w := displayWidth(s); w < n {
		return s + strings.Repeat(" ", n-w)
	}
	return s
}

func bar(n, total, cols int) string {
	if total == 0 || n == 0 {
		return ""
	}
	filled := n * cols / total
	if filled == 0 {
		filled = 1
	}
	return strings.Repeat("█", filled)
}
