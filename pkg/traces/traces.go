// Package traces holds the coverage results of one or more traced test
// binaries: which source lines were instrumented, how often each one was
// hit, and how that folds into line and branch coverage.
package traces

import (
	"sort"

	"github.com/tracecov/tracecov/pkg/branch"
)

// Trace is a single coverage record. During collection a trace identifies
// one instrumented address; after Dedup the address is zero and the trace
// stands for the whole source line.
type Trace struct {
	File    string
	Line    int
	Address uint64
	Hits    uint64
}

// key orders traces within one file.
func (t *Trace) before(line int, address uint64) bool {
	if t.Line != line {
		return t.Line < line
	}
	return t.Address < address
}

// BranchStats counts decision-point arms for branch coverage.
type BranchStats struct {
	Taken int
	Total int
}

func (s BranchStats) add(o BranchStats) BranchStats {
	return BranchStats{Taken: s.Taken + o.Taken, Total: s.Total + o.Total}
}

// TraceMap aggregates traces across runs and binaries. Traces are keyed by
// (file, line, address) so that merging the maps of several runs sums hit
// counts instead of dropping records; Dedup later collapses the address
// dimension. The zero value is not usable, call New.
type TraceMap struct {
	branches *branch.Context
	files    map[string][]*Trace
	addrs    map[uint64]*Trace
}

// New returns an empty trace map tied to the given branch context. A nil
// context is allowed and yields zero branch statistics.
func New(ctx *branch.Context) *TraceMap {
	return &TraceMap{
		branches: ctx,
		files:    make(map[string][]*Trace),
		addrs:    make(map[uint64]*Trace),
	}
}

// Context returns the branch context the map was built with.
func (tm *TraceMap) Context() *branch.Context {
	return tm.branches
}

// Add records an instrumentable location with zero hits. Lines that never
// execute must still appear in the final report, so the generation phase
// adds every coverable location up front.
func (tm *TraceMap) Add(file string, line int, address uint64) *Trace {
	if t := tm.lookup(file, line, address); t != nil {
		return t
	}
	t := &Trace{File: file, Line: line, Address: address}
	tm.insert(t)
	return t
}

// LogHit increments the hit count of the trace instrumented at address.
// Unknown addresses are ignored; the tracer reports those separately.
func (tm *TraceMap) LogHit(address uint64) bool {
	t := tm.addrs[address]
	if t == nil {
		return false
	}
	t.Hits++
	return true
}

// Len returns the number of traces in the map.
func (tm *TraceMap) Len() int {
	n := 0
	for _, ts := range tm.files {
		n += len(ts)
	}
	return n
}

// Files returns every recorded file path in lexical order.
func (tm *TraceMap) Files() []string {
	paths := make([]string, 0, len(tm.files))
	for path := range tm.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// FileTraces returns the traces of one file ordered by line then address.
// The returned slice is owned by the map and must not be modified.
func (tm *TraceMap) FileTraces(file string) []*Trace {
	return tm.files[file]
}

// LineHit reports whether any trace on (file, line) was hit.
func (tm *TraceMap) LineHit(file string, line int) bool {
	ts := tm.files[file]
	i := sort.Search(len(ts), func(i int) bool {
		return !ts[i].before(line, 0)
	})
	for ; i < len(ts) && ts[i].Line == line; i++ {
		if ts[i].Hits > 0 {
			return true
		}
	}
	return false
}

// lineKnown reports whether (file, line) has any trace at all.
func (tm *TraceMap) lineKnown(file string, line int) bool {
	ts := tm.files[file]
	i := sort.Search(len(ts), func(i int) bool {
		return !ts[i].before(line, 0)
	})
	return i < len(ts) && ts[i].Line == line
}

// Merge folds other into tm: hit counts are summed for matching
// (file, line, address) keys and unmatched traces are inserted. Merge never
// drops a trace, making it commutative and associative over hit totals.
func (tm *TraceMap) Merge(other *TraceMap) {
	if other == nil {
		return
	}
	if tm.branches == nil {
		tm.branches = other.branches
	}
	for _, ts := range other.files {
		for _, t := range ts {
			if existing := tm.lookup(t.File, t.Line, t.Address); existing != nil {
				existing.Hits += t.Hits
				continue
			}
			cp := *t
			tm.insert(&cp)
		}
	}
}

// Dedup collapses the address dimension: every (file, line) ends up with a
// single trace whose hit count is 1 if any contributing address was hit and
// 0 otherwise. Branch statistics are unaffected, they are recomputed from
// line hits on demand. Dedup is idempotent.
func (tm *TraceMap) Dedup() {
	for file, ts := range tm.files {
		out := ts[:0]
		for i := 0; i < len(ts); {
			j := i
			hit := false
			for ; j < len(ts) && ts[j].Line == ts[i].Line; j++ {
				if ts[j].Hits > 0 {
					hit = true
				}
			}
			collapsed := &Trace{File: file, Line: ts[i].Line}
			if hit {
				collapsed.Hits = 1
			}
			out = append(out, collapsed)
			i = j
		}
		tm.files[file] = out
	}
	tm.addrs = make(map[uint64]*Trace)
}

// IsBranch reports whether (file, line) falls inside a recorded decision
// point.
func (tm *TraceMap) IsBranch(file string, line int) bool {
	if tm.branches == nil {
		return false
	}
	return tm.branches.IsBranch(file, line)
}

// FileCoverage returns hit and total coverable line counts for one file.
func (tm *TraceMap) FileCoverage(file string) (covered, total int) {
	ts := tm.files[file]
	last := -1
	lastHit := false
	flush := func() {
		if last < 0 {
			return
		}
		total++
		if lastHit {
			covered++
		}
	}
	for _, t := range ts {
		if t.Line != last {
			flush()
			last = t.Line
			lastHit = false
		}
		if t.Hits > 0 {
			lastHit = true
		}
	}
	flush()
	return covered, total
}

// Coverage returns hit and total coverable line counts across all files.
func (tm *TraceMap) Coverage() (covered, total int) {
	for _, file := range tm.Files() {
		c, n := tm.FileCoverage(file)
		covered += c
		total += n
	}
	return covered, total
}

// ArmState is the post-run verdict on one arm of a decision point.
type ArmState struct {
	// Range is the arm's body lines; empty for the implicit default.
	Range branch.LineRange
	// Implicit marks the synthesized fall-through arm.
	Implicit bool
	// Taken reports whether control entered the arm.
	Taken bool
}

// WalkBranches calls fn for every decision point of file, in key order,
// with the state of each arm. An explicit arm counts as taken when any of
// its coverable lines was hit. The implicit default arm counts as taken
// when the decision was reached but at least one explicit arm was not
// entered.
func (tm *TraceMap) WalkBranches(file string, fn func(decision branch.LineRange, arms []ArmState)) {
	if tm.branches == nil {
		return
	}
	analysis := tm.branches.File(file)
	if analysis == nil {
		return
	}
	analysis.Walk(func(key branch.LineRange, br branch.Branches) {
		reached := tm.LineHit(file, key.Start)
		missed := false
		arms := make([]ArmState, 0, br.Count())
		for _, arm := range br.Ranges {
			taken := false
			for line := arm.Start; line < arm.End; line++ {
				if tm.LineHit(file, line) {
					taken = true
					break
				}
			}
			if taken {
				reached = true
			} else if armCoverable(tm, file, arm) {
				missed = true
			}
			arms = append(arms, ArmState{Range: arm, Taken: taken})
		}
		if br.ImplicitDefault {
			arms = append(arms, ArmState{Implicit: true, Taken: reached && missed})
		}
		fn(key, arms)
	})
}

// FileBranches computes branch statistics for one file.
func (tm *TraceMap) FileBranches(file string) BranchStats {
	var stats BranchStats
	tm.WalkBranches(file, func(_ branch.LineRange, arms []ArmState) {
		for _, arm := range arms {
			stats.Total++
			if arm.Taken {
				stats.Taken++
			}
		}
	})
	return stats
}

// Branches computes branch statistics across all files.
func (tm *TraceMap) Branches() BranchStats {
	var stats BranchStats
	for _, file := range tm.Files() {
		stats = stats.add(tm.FileBranches(file))
	}
	return stats
}

func armCoverable(tm *TraceMap, file string, arm branch.LineRange) bool {
	for line := arm.Start; line < arm.End; line++ {
		if tm.lineKnown(file, line) {
			return true
		}
	}
	return false
}

func (tm *TraceMap) lookup(file string, line int, address uint64) *Trace {
	ts := tm.files[file]
	i := sort.Search(len(ts), func(i int) bool {
		return !ts[i].before(line, address)
	})
	if i < len(ts) && ts[i].Line == line && ts[i].Address == address {
		return ts[i]
	}
	return nil
}

func (tm *TraceMap) insert(t *Trace) {
	ts := tm.files[t.File]
	i := sort.Search(len(ts), func(i int) bool {
		return !ts[i].before(t.Line, t.Address)
	})
	ts = append(ts, nil)
	copy(ts[i+1:], ts[i:])
	ts[i] = t
	tm.files[t.File] = ts
	if t.Address != 0 {
		tm.addrs[t.Address] = t
	}
}
