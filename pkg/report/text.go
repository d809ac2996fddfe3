package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tracecov/tracecov/pkg/traces"
)

const (
	ansiGreen = "\x1b[32m"
	ansiRed   = "\x1b[31m"
	ansiReset = "\x1b[0m"
)

// writeText prints the console summary: uncovered lines per file, per-file
// tallies, and the grand total.
func writeText(w io.Writer, colorized bool, tm *traces.TraceMap, opts Options) {
	fmt.Fprintln(w, "Coverage Results:")

	files := tm.Files()
	fmt.Fprintln(w, "|| Uncovered Lines:")
	for _, file := range files {
		missed := missedLines(tm, file)
		if len(missed) == 0 {
			continue
		}
		fmt.Fprintf(w, "|| %s: %s\n", displayPath(file, opts.Root), lineRanges(missed))
	}

	fmt.Fprintln(w, "|| Tested/Total Lines:")
	for _, file := range files {
		covered, total := tm.FileCoverage(file)
		fmt.Fprintf(w, "|| %s: %d/%d\n", displayPath(file, opts.Root), covered, total)
	}
	fmt.Fprintln(w, "||")

	covered, total := tm.Coverage()
	pct := percent(covered, total)
	pctStr := fmt.Sprintf("%.2f%%", pct)
	if colorized && opts.FailUnder > 0 {
		if pct < opts.FailUnder {
			pctStr = ansiRed + pctStr + ansiReset
		} else {
			pctStr = ansiGreen + pctStr + ansiReset
		}
	}
	line := fmt.Sprintf("%s coverage, %d/%d lines covered", pctStr, covered, total)
	if stats := tm.Branches(); stats.Total > 0 {
		line += fmt.Sprintf(", %d/%d branches taken", stats.Taken, stats.Total)
	}
	fmt.Fprintln(w, line)
}

// missedLines returns the lines of file no trace hit, ascending.
func missedLines(tm *traces.TraceMap, file string) []int {
	var missed []int
	last := -1
	lastHit := false
	flush := func() {
		if last >= 0 && !lastHit {
			missed = append(missed, last)
		}
	}
	for _, tr := range tm.FileTraces(file) {
		if tr.Line != last {
			flush()
			last = tr.Line
			lastHit = false
		}
		if tr.Hits > 0 {
			lastHit = true
		}
	}
	flush()
	return missed
}

// lineRanges compresses a sorted line list into "7-9, 12" notation.
func lineRanges(lines []int) string {
	var b strings.Builder
	for i := 0; i < len(lines); {
		j := i
		for j+1 < len(lines) && lines[j+1] == lines[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		if i == j {
			b.WriteString(strconv.Itoa(lines[i]))
		} else {
			fmt.Fprintf(&b, "%d-%d", lines[i], lines[j])
		}
		i = j + 1
	}
	return b.String()
}
