package analysis

import (
	"path/filepath"
	"strings"

	"github.com/derekparker/trie"
)

// Exclusions decides which source paths stay out of the coverage report.
// Anything outside the project root is always excluded; user-supplied
// patterns exclude by path prefix relative to the root.
type Exclusions struct {
	root         string
	includeTests bool
	prefixes     *trie.Trie
}

// NewExclusions builds the exclusion rules for a project. Patterns are
// slash-separated path prefixes relative to root, e.g. "vendor" or
// "internal/gen".
func NewExclusions(root string, includeTests bool, patterns []string) *Exclusions {
	e := &Exclusions{
		root:         filepath.Clean(root),
		includeTests: includeTests,
		prefixes:     trie.New(),
	}
	for _, p := range patterns {
		p = strings.Trim(filepath.ToSlash(filepath.Clean(p)), "/")
		if p == "" || p == "." {
			continue
		}
		e.prefixes.Add(p, nil)
	}
	return e
}

// Match reports whether path should be excluded from analysis and
// instrumentation.
func (e *Exclusions) Match(path string) bool {
	if !strings.HasSuffix(path, ".go") {
		return true
	}
	if !e.includeTests && strings.HasSuffix(path, "_test.go") {
		return true
	}
	rel, err := filepath.Rel(e.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return true
	}
	rel = filepath.ToSlash(rel)
	for i := 0; i < len(rel); i++ {
		if rel[i] != '/' {
			continue
		}
		if _, ok := e.prefixes.Find(rel[:i]); ok {
			return true
		}
	}
	_, ok := e.prefixes.Find(rel)
	return ok
}

// Root returns the project root the rules were built for.
func (e *Exclusions) Root() string {
	return e.root
}
