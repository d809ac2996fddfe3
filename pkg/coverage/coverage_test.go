package coverage

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tracecov/tracecov/pkg/analysis"
	"github.com/tracecov/tracecov/pkg/config"
	"github.com/tracecov/tracecov/pkg/gobuild"
	"github.com/tracecov/tracecov/pkg/tracer"
	protest "github.com/tracecov/tracecov/pkg/tracer/test"
	"github.com/tracecov/tracecov/pkg/traces"
)

type fakeCall struct {
	path string
	spec tracer.RunSpec
}

// fakeEngine records every Trace call and hands back canned results, so
// driver tests exercise build and merge logic without ptrace.
type fakeEngine struct {
	calls []fakeCall
	build func(call int) *traces.TraceMap
	code  int
	err   error
}

func (e *fakeEngine) Trace(path string, spec tracer.RunSpec) (*traces.TraceMap, int, error) {
	call := len(e.calls)
	e.calls = append(e.calls, fakeCall{path: path, spec: spec})
	if e.err != nil {
		return nil, -1, e.err
	}
	return e.build(call), e.code, nil
}

func hitMap(file string, line int) *traces.TraceMap {
	tm := traces.New(nil)
	tm.Add(file, line, 0x1000).Hits = 1
	return tm
}

func needGo(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("no go command in PATH")
	}
}

func fixtureDir(name string) string {
	return filepath.Join(protest.FindFixturesDir(), name)
}

func newTestDriver(root string, fe *fakeEngine) *Driver {
	return New(root, func(*analysis.Analyzer) Engine { return fe })
}

func TestRunTracesPackage(t *testing.T) {
	needGo(t)
	root := fixtureDir("testpkg")
	fe := &fakeEngine{build: func(int) *traces.TraceMap { return hitMap("/src/a.go", 3) }}

	tm, status, err := newTestDriver(root, fe).Run([]config.Config{{
		Name:     "default",
		Packages: []string{"."},
		Verbose:  true,
	}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}
	if len(fe.calls) != 1 {
		t.Fatalf("engine called %d times, want 1", len(fe.calls))
	}

	call := fe.calls[0]
	if !strings.HasSuffix(call.path, ".test") {
		t.Errorf("binary path = %q, want a .test binary", call.path)
	}
	if call.spec.Dir != root {
		t.Errorf("child dir = %q, want %q", call.spec.Dir, root)
	}
	if len(call.spec.Args) == 0 || call.spec.Args[0] != "-test.v" {
		t.Errorf("args = %v, want -test.v first for a verbose run", call.spec.Args)
	}
	found := false
	for _, kv := range call.spec.Env {
		if kv == "GOTRACEBACK=all" {
			found = true
		}
	}
	if !found {
		t.Errorf("GOTRACEBACK=all missing from a verbose child environment")
	}

	if !tm.LineHit("/src/a.go", 3) {
		t.Errorf("merged map lost the engine's hit")
	}
	if _, err := os.Stat(call.path); !os.IsNotExist(err) {
		t.Errorf("test binary %s not cleaned up", call.path)
	}
}

func TestRunBenchmarkPass(t *testing.T) {
	needGo(t)
	fe := &fakeEngine{build: func(int) *traces.TraceMap { return traces.New(nil) }}

	_, _, err := newTestDriver(fixtureDir("testpkg"), fe).Run([]config.Config{{
		Name:          "default",
		Packages:      []string{"."},
		RunBenchmarks: true,
	}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fe.calls) != 2 {
		t.Fatalf("engine called %d times, want test and benchmark passes", len(fe.calls))
	}
	bench := strings.Join(fe.calls[1].spec.Args, " ")
	if !strings.Contains(bench, "-test.bench=.") || !strings.Contains(bench, "-test.run=^$") {
		t.Errorf("benchmark pass args = %q", bench)
	}
}

func TestRunReportOnlySkipped(t *testing.T) {
	fe := &fakeEngine{build: func(int) *traces.TraceMap { return traces.New(nil) }}

	_, status, err := newTestDriver(".", fe).Run([]config.Config{{Name: "report"}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != 0 || len(fe.calls) != 0 {
		t.Errorf("report-only configuration was traced: status %d, %d calls", status, len(fe.calls))
	}
}

func TestRunTestFailure(t *testing.T) {
	needGo(t)
	fe := &fakeEngine{build: func(int) *traces.TraceMap { return hitMap("/src/a.go", 3) }, code: 1}

	tm, status, err := newTestDriver(fixtureDir("testpkg"), fe).Run([]config.Config{{
		Name:     "default",
		Packages: []string{"."},
	}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != 1 {
		t.Errorf("status = %d, want the child's exit code", status)
	}
	if !errors.Is(RunError(status, err), ErrTestFailed) {
		t.Errorf("RunError = %v, want ErrTestFailed", RunError(status, err))
	}
	if !tm.LineHit("/src/a.go", 3) {
		t.Errorf("coverage from the failing run was dropped")
	}
}

func TestRunTraceError(t *testing.T) {
	needGo(t)
	fe := &fakeEngine{err: errors.New("ptrace: operation rejected")}

	_, status, err := newTestDriver(fixtureDir("testpkg"), fe).Run([]config.Config{{
		Name:     "default",
		Packages: []string{"."},
	}}, nil)
	var te *TraceError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want a TraceError", err)
	}
	if !strings.HasSuffix(te.Exe, ".test") {
		t.Errorf("TraceError.Exe = %q", te.Exe)
	}
	if Status(status, err) != 2 {
		t.Errorf("Status = %d, want 2 for a trace error", Status(status, err))
	}
}

func TestRunBuildFailure(t *testing.T) {
	needGo(t)
	fe := &fakeEngine{build: func(int) *traces.TraceMap { return traces.New(nil) }}

	_, status, err := newTestDriver(fixtureDir("brokenpkg"), fe).Run([]config.Config{{
		Name:     "default",
		Packages: []string{"."},
	}}, nil)
	var be *gobuild.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want a BuildError", err)
	}
	if len(fe.calls) != 0 {
		t.Errorf("engine called despite the build failure")
	}
	if Status(status, err) != 2 {
		t.Errorf("Status = %d, want 2 for a build failure", Status(status, err))
	}
}

func TestRunNoPackages(t *testing.T) {
	needGo(t)
	fe := &fakeEngine{build: func(int) *traces.TraceMap { return traces.New(nil) }}

	_, _, err := newTestDriver(fixtureDir("testpkg"), fe).Run([]config.Config{{
		Name:     "default",
		Packages: []string{"./no/such/dir"},
	}}, nil)
	if err == nil {
		t.Fatal("expected an error for patterns matching nothing")
	}
	if len(fe.calls) != 0 {
		t.Errorf("engine called despite empty package list")
	}
}

func TestRunMergesConfigurations(t *testing.T) {
	needGo(t)
	fe := &fakeEngine{build: func(call int) *traces.TraceMap {
		return hitMap("/src/a.go", 3+call)
	}}

	cfg := config.Config{Name: "default", Packages: []string{"."}}
	second := cfg
	second.Name = "again"
	tm, _, err := newTestDriver(fixtureDir("testpkg"), fe).Run([]config.Config{cfg, second}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fe.calls) != 2 {
		t.Fatalf("engine called %d times, want one per configuration", len(fe.calls))
	}
	if !tm.LineHit("/src/a.go", 3) || !tm.LineHit("/src/a.go", 4) {
		t.Errorf("combined map is missing a configuration's hits")
	}
	for _, tr := range tm.FileTraces("/src/a.go") {
		if tr.Address != 0 {
			t.Errorf("combined map still has address-level trace %#x", tr.Address)
		}
	}
}

// skipIfTraceDenied skips tests in sandboxes that filter the ptrace
// syscall away.
func skipIfTraceDenied(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		return
	}
	msg := err.Error()
	if strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "permission denied") {
		t.Skipf("ptrace not available: %v", err)
	}
}

func TestRunNativeEngine(t *testing.T) {
	protest.MustSupportTracing(t)
	root := fixtureDir("testpkg")

	tm, status, err := New(root, nil).Run([]config.Config{{
		Name:     "default",
		Packages: []string{"."},
	}}, nil)
	skipIfTraceDenied(t, err)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}

	calc := filepath.Join(root, "calc.go")
	if !tm.LineHit(calc, 5) {
		t.Errorf("Add body not covered")
	}
	if !tm.LineHit(calc, 10) || !tm.LineHit(calc, 13) {
		t.Errorf("Classify positive path not covered")
	}
	if tm.LineHit(calc, 11) {
		t.Errorf("negative arm covered by a positive-only test")
	}
	if tm.LineHit(calc, 20) {
		t.Errorf("Accumulate runs only under benchmarks")
	}
}

func TestRunNativeEngineTestFailure(t *testing.T) {
	protest.MustSupportTracing(t)
	root := fixtureDir("failpkg")

	tm, status, err := New(root, nil).Run([]config.Config{{
		Name:     "default",
		Packages: []string{"."},
	}}, nil)
	skipIfTraceDenied(t, err)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status == 0 {
		t.Fatal("status = 0, want the failing test's exit status")
	}
	if !errors.Is(RunError(status, nil), ErrTestFailed) {
		t.Errorf("RunError = %v, want ErrTestFailed", RunError(status, nil))
	}
	if !tm.LineHit(filepath.Join(root, "fail.go"), 5) {
		t.Errorf("coverage from the failing run was dropped")
	}
}

func TestChildArgs(t *testing.T) {
	args, err := childArgs(&config.Config{
		Verbose: true,
		Args:    `-test.count=2 "-test.timeout=30s"`,
	}, []string{"-test.short"})
	if err != nil {
		t.Fatalf("childArgs: %v", err)
	}
	want := []string{"-test.v", "-test.count=2", "-test.timeout=30s", "-test.short"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}

	if _, err := childArgs(&config.Config{Args: "foo | bar"}, nil); err == nil {
		t.Error("pipeline in args not rejected")
	}
}

func TestStatusMapping(t *testing.T) {
	boom := errors.New("boom")
	for _, tc := range []struct {
		status int
		err    error
		want   int
	}{
		{0, nil, 0},
		{1, nil, 1},
		{0, boom, 2},
		{1, boom, 2},
	} {
		if got := Status(tc.status, tc.err); got != tc.want {
			t.Errorf("Status(%d, %v) = %d, want %d", tc.status, tc.err, got, tc.want)
		}
	}
	if RunError(0, nil) != nil {
		t.Error("RunError on a clean run should be nil")
	}
	if !errors.Is(RunError(2, nil), ErrTestFailed) {
		t.Error("RunError on failed tests should be ErrTestFailed")
	}
	if RunError(1, boom) != boom {
		t.Error("RunError should pass real errors through")
	}
}
