package branch

import (
	"reflect"
	"testing"
)

func TestLineRangeContains(t *testing.T) {
	r := LineRange{Start: 5, End: 9}
	cases := []struct {
		line int
		in   bool
	}{
		{4, false},
		{5, true},
		{6, true},
		{8, true},
		{9, false},
		{10, false},
	}
	for _, c := range cases {
		if got := r.Contains(c.line); got != c.in {
			t.Errorf("LineRange{5,9}.Contains(%d) = %v, want %v", c.line, got, c.in)
		}
	}
	empty := LineRange{Start: 3, End: 3}
	if empty.Contains(3) {
		t.Errorf("empty range should contain nothing")
	}
}

func TestLineRangeBefore(t *testing.T) {
	cases := []struct {
		a, b   LineRange
		before bool
	}{
		{LineRange{1, 4}, LineRange{2, 3}, true},
		{LineRange{2, 3}, LineRange{1, 4}, false},
		{LineRange{1, 3}, LineRange{1, 4}, true},
		{LineRange{1, 4}, LineRange{1, 4}, false},
	}
	for _, c := range cases {
		if got := c.a.Before(c.b); got != c.before {
			t.Errorf("%v.Before(%v) = %v, want %v", c.a, c.b, got, c.before)
		}
	}
}

func TestBranchesCount(t *testing.T) {
	b := Branches{Ranges: []LineRange{{10, 12}, {13, 15}}}
	if b.Count() != 2 {
		t.Errorf("explicit-only count = %d, want 2", b.Count())
	}
	b.ImplicitDefault = true
	if b.Count() != 3 {
		t.Errorf("implicit default count = %d, want 3", b.Count())
	}
}

func TestBranchAnalysisLookup(t *testing.T) {
	var analysis BranchAnalysis
	if analysis.IsBranch(10) {
		t.Fatalf("empty analysis reported a branch")
	}

	analysis.Add(LineRange{10, 15}, Branches{Ranges: []LineRange{{10, 12}, {13, 15}}})
	analysis.Add(LineRange{20, 22}, Branches{Ranges: []LineRange{{20, 22}}, ImplicitDefault: true})

	for line := 10; line < 15; line++ {
		if !analysis.IsBranch(line) {
			t.Errorf("line %d should be inside the first decision", line)
		}
	}
	for _, line := range []int{9, 15, 19, 22, 100} {
		if analysis.IsBranch(line) {
			t.Errorf("line %d should not be a branch", line)
		}
	}

	key, br, ok := analysis.Branch(21)
	if !ok {
		t.Fatalf("line 21 not found")
	}
	if key != (LineRange{20, 22}) || !br.ImplicitDefault {
		t.Errorf("lookup returned %v %v", key, br)
	}
}

func TestBranchAnalysisNested(t *testing.T) {
	var analysis BranchAnalysis
	analysis.Add(LineRange{10, 30}, Branches{Ranges: []LineRange{{10, 30}}})
	analysis.Add(LineRange{15, 20}, Branches{Ranges: []LineRange{{15, 17}, {18, 20}}})

	key, _, ok := analysis.Branch(16)
	if !ok || key != (LineRange{15, 20}) {
		t.Errorf("inner decision should win, got %v ok=%v", key, ok)
	}
	key, _, ok = analysis.Branch(25)
	if !ok || key != (LineRange{10, 30}) {
		t.Errorf("outer decision expected, got %v ok=%v", key, ok)
	}
}

func TestBranchAnalysisReplace(t *testing.T) {
	var analysis BranchAnalysis
	analysis.Add(LineRange{5, 8}, Branches{Ranges: []LineRange{{5, 8}}})
	analysis.Add(LineRange{5, 8}, Branches{Ranges: []LineRange{{5, 6}, {7, 8}}})
	if analysis.Len() != 1 {
		t.Fatalf("duplicate key not replaced, len = %d", analysis.Len())
	}
	_, br, _ := analysis.Branch(5)
	if len(br.Ranges) != 2 {
		t.Errorf("replacement lost, arms = %d", len(br.Ranges))
	}
}

func TestBranchAnalysisWalkOrder(t *testing.T) {
	var analysis BranchAnalysis
	analysis.Add(LineRange{30, 32}, Branches{})
	analysis.Add(LineRange{10, 12}, Branches{})
	analysis.Add(LineRange{10, 11}, Branches{})
	var keys []LineRange
	analysis.Walk(func(key LineRange, _ Branches) {
		keys = append(keys, key)
	})
	want := []LineRange{{10, 11}, {10, 12}, {30, 32}}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("walk order = %v, want %v", keys, want)
	}
}

func TestContext(t *testing.T) {
	ctx := NewContext()
	var analysis BranchAnalysis
	analysis.Add(LineRange{4, 6}, Branches{Ranges: []LineRange{{4, 6}}})
	ctx.AddFile("/src/a.go", &analysis)

	if !ctx.IsBranch("/src/a.go", 5) {
		t.Errorf("known file line 5 should be a branch")
	}
	if ctx.IsBranch("/src/a.go", 7) {
		t.Errorf("line outside any decision reported as branch")
	}
	if ctx.IsBranch("/src/missing.go", 5) {
		t.Errorf("unknown file reported as branch")
	}
	if ctx.File("/src/missing.go") != nil {
		t.Errorf("unknown file should resolve to nil analysis")
	}
	if got := ctx.Files(); len(got) != 1 || got[0] != "/src/a.go" {
		t.Errorf("Files() = %v", got)
	}
}
