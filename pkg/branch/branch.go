// Package branch models the decision points of analyzed source files: which
// line ranges form the arms of each conditional construct, and whether a
// construct falls through on an implicit default arm.
package branch

import (
	"sort"
)

// LineRange is a half-open interval [Start, End) over 1-based source line
// numbers.
type LineRange struct {
	Start int
	End   int
}

// Contains reports whether line falls inside the range.
func (r LineRange) Contains(line int) bool {
	return line >= r.Start && line < r.End
}

// Before orders ranges by start line, then by end line, giving branch
// analyses a deterministic iteration order.
func (r LineRange) Before(other LineRange) bool {
	if r.Start != other.Start {
		return r.Start < other.Start
	}
	return r.End < other.End
}

// Branches describes a single decision point: one line range per arm, in
// source order. ImplicitDefault is set when the construct has no explicit
// else or default arm, so control can leave the decision without entering
// any of Ranges.
type Branches struct {
	Ranges          []LineRange
	ImplicitDefault bool
}

// Count returns the number of ways control can leave the decision point,
// counting the implicit default arm as one.
func (b Branches) Count() int {
	n := len(b.Ranges)
	if b.ImplicitDefault {
		n++
	}
	return n
}

type decision struct {
	key LineRange
	br  Branches
}

// BranchAnalysis records every decision point of one source file, keyed by
// the line range of the statement that introduces it. Keys are unique;
// lookup is by containment rather than identity.
type BranchAnalysis struct {
	decisions []decision
}

// Add registers a decision point. Re-adding an existing key replaces its
// arms.
func (analysis *BranchAnalysis) Add(key LineRange, br Branches) {
	i := sort.Search(len(analysis.decisions), func(i int) bool {
		return !analysis.decisions[i].key.Before(key)
	})
	if i < len(analysis.decisions) && analysis.decisions[i].key == key {
		analysis.decisions[i].br = br
		return
	}
	analysis.decisions = append(analysis.decisions, decision{})
	copy(analysis.decisions[i+1:], analysis.decisions[i:])
	analysis.decisions[i] = decision{key: key, br: br}
}

// IsBranch reports whether line falls inside any registered decision point.
func (analysis *BranchAnalysis) IsBranch(line int) bool {
	_, _, ok := analysis.Branch(line)
	return ok
}

// Branch returns the decision point containing line, if any.
func (analysis *BranchAnalysis) Branch(line int) (LineRange, Branches, bool) {
	// Ranges may nest (an if inside an if) so a binary search on start
	// lines alone cannot answer containment; the innermost match wins.
	for i := len(analysis.decisions) - 1; i >= 0; i-- {
		d := analysis.decisions[i]
		if d.key.Contains(line) {
			return d.key, d.br, true
		}
	}
	return LineRange{}, Branches{}, false
}

// Len returns the number of recorded decision points.
func (analysis *BranchAnalysis) Len() int {
	return len(analysis.decisions)
}

// Walk calls fn for every decision point in key order.
func (analysis *BranchAnalysis) Walk(fn func(key LineRange, br Branches)) {
	for _, d := range analysis.decisions {
		fn(d.key, d.br)
	}
}

// Context is the process-wide branch model: one BranchAnalysis per absolute
// source path. It is built once per coverage run, before any process is
// traced, and must not be mutated afterwards.
type Context struct {
	files map[string]*BranchAnalysis
}

// NewContext returns an empty branch context.
func NewContext() *Context {
	return &Context{files: make(map[string]*BranchAnalysis)}
}

// AddFile records the analysis for path, replacing any previous one.
func (ctx *Context) AddFile(path string, analysis *BranchAnalysis) {
	ctx.files[path] = analysis
}

// File returns the analysis for path, or nil if path was never analyzed.
func (ctx *Context) File(path string) *BranchAnalysis {
	return ctx.files[path]
}

// IsBranch reports whether line of path falls inside a decision point.
func (ctx *Context) IsBranch(path string, line int) bool {
	analysis := ctx.files[path]
	if analysis == nil {
		return false
	}
	return analysis.IsBranch(line)
}

// Files returns every analyzed path in lexical order.
func (ctx *Context) Files() []string {
	paths := make([]string, 0, len(ctx.files))
	for path := range ctx.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
