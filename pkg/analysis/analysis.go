// Package analysis inspects Go sources to decide which lines are coverable
// and where the decision points sit. Its results bridge source coordinates
// and the addresses extracted from a binary's debug info.
package analysis

import (
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tracecov/tracecov/pkg/branch"
	"github.com/tracecov/tracecov/pkg/logflags"
)

const cacheSize = 256

// LineAnalysis classifies the lines of one source file. A line is eligible
// for instrumentation when it is in Cover and not in Ignore.
type LineAnalysis struct {
	Cover  map[int]bool
	Ignore map[int]bool
}

func newLineAnalysis() *LineAnalysis {
	return &LineAnalysis{
		Cover:  make(map[int]bool),
		Ignore: make(map[int]bool),
	}
}

// Coverable reports whether line should be instrumented.
func (la *LineAnalysis) Coverable(line int) bool {
	return la.Cover[line] && !la.Ignore[line]
}

// Result is the analysis of one source file.
type Result struct {
	Lines    *LineAnalysis
	Branches *branch.BranchAnalysis

	// Skip is set for generated files and files excluded by a file-level
	// ignore directive; Lines and Branches are nil in that case.
	Skip bool
}

type cacheEntry struct {
	modTime time.Time
	size    int64
	res     *Result
}

// Analyzer produces per-file analyses, caching them so binaries sharing
// packages do not re-parse the same sources.
type Analyzer struct {
	exclusions *Exclusions
	cache      *lru.Cache
	log        logflags.Logger
}

// New returns an analyzer rooted at the project directory. Paths matching
// the exclusion patterns, test files (unless includeTests) and files
// outside root are skipped.
func New(root string, includeTests bool, excludePatterns []string) *Analyzer {
	cache, _ := lru.New(cacheSize)
	return &Analyzer{
		exclusions: NewExclusions(root, includeTests, excludePatterns),
		cache:      cache,
		log:        logflags.AnalysisLogger(),
	}
}

// ShouldSkip reports whether path is excluded from coverage entirely.
func (a *Analyzer) ShouldSkip(path string) bool {
	return a.exclusions.Match(path)
}

// Root returns the project root.
func (a *Analyzer) Root() string {
	return a.exclusions.Root()
}

// Analyze parses path and returns its line and branch analysis. Results
// are cached by modification time. Analysis failures are per-file: the
// caller logs and moves on, the run is not aborted.
func (a *Analyzer) Analyze(path string) (*Result, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if v, ok := a.cache.Get(path); ok {
		entry := v.(cacheEntry)
		if entry.modTime.Equal(fi.ModTime()) && entry.size == fi.Size() {
			return entry.res, nil
		}
	}

	res, err := scanFile(path)
	if err != nil {
		return nil, err
	}
	if res.Skip {
		a.log.Debugf("skipping %s (generated or ignored)", path)
	} else {
		a.log.Debugf("analyzed %s: %d coverable lines, %d decision points",
			path, len(res.Lines.Cover), res.Branches.Len())
	}
	a.cache.Add(path, cacheEntry{modTime: fi.ModTime(), size: fi.Size(), res: res})
	return res, nil
}

// BuildContext folds the branch analyses of the given files into one
// process-wide context. Files that fail to parse are logged and left out.
func (a *Analyzer) BuildContext(files []string) *branch.Context {
	ctx := branch.NewContext()
	for _, file := range files {
		if a.ShouldSkip(file) {
			continue
		}
		res, err := a.Analyze(file)
		if err != nil {
			a.log.Warnf("branch analysis of %s failed: %v", file, err)
			continue
		}
		if res.Skip {
			continue
		}
		ctx.AddFile(file, res.Branches)
	}
	return ctx
}
