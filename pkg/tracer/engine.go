package tracer

import (
	"errors"
	"io"
	"runtime"
	"time"

	"github.com/tracecov/tracecov/pkg/analysis"
	"github.com/tracecov/tracecov/pkg/branch"
	"github.com/tracecov/tracecov/pkg/logflags"
	"github.com/tracecov/tracecov/pkg/traces"
)

// RunSpec configures one coverage run over a test binary.
type RunSpec struct {
	// Args are passed to the binary after its name.
	Args []string
	// Dir is the working directory of the child, normally the package
	// directory so the tests find their data files.
	Dir string
	// Env replaces the environment of the child when non nil.
	Env []string
	// Stdout and Stderr receive the test output.
	Stdout io.Writer
	Stderr io.Writer
	// Timeout kills the child when it runs longer. Zero means no limit.
	Timeout time.Duration
}

// Engine runs test binaries under instrumentation. One engine is shared
// across the binaries of a project so that source analysis is done once.
type Engine struct {
	analyzer *analysis.Analyzer
	log      logflags.Logger
}

// New returns an engine using the given source analyzer.
func New(analyzer *analysis.Analyzer) *Engine {
	return &Engine{analyzer: analyzer, log: logflags.TracerLogger()}
}

// Available reports whether this platform can trace processes, returning
// ErrBackendUnavailable when it cannot.
func Available() error {
	return backendAvailable()
}

// Trace executes the binary at path and collects its line coverage. The
// returned trace map holds a hit count per instrumented address; the int
// is the exit code of the binary, with signal deaths mapped to 128 plus
// the signal number. Binaries without line information still run, they
// just contribute no traces.
func (e *Engine) Trace(path string, spec RunSpec) (*traces.TraceMap, int, error) {
	if err := backendAvailable(); err != nil {
		return nil, 0, err
	}

	var (
		tm    *traces.TraceMap
		arch  *Arch
		entry uint64
	)
	bi, err := OpenBinary(path)
	switch {
	case err == nil:
		tm = GenerateTraceMap(bi, e.analyzer)
		arch = bi.Arch()
		entry = bi.Entry()
		e.log.Debugf("%s: %d traces from %s line data", path, tm.Len(), bi.LineSource())
	case errors.Is(err, ErrNoLineInfo):
		e.log.Warnf("%s has no line information, running without instrumentation", path)
		tm = traces.New(branch.NewContext())
		arch = hostArch()
	default:
		return nil, 0, err
	}

	ctl, err := launchProcess(LaunchSpec{
		Path:   path,
		Args:   spec.Args,
		Dir:    spec.Dir,
		Env:    spec.Env,
		Stdout: spec.Stdout,
		Stderr: spec.Stderr,
	})
	if err != nil {
		return tm, 0, err
	}
	m := NewMachine(ctl, arch, entry)
	defer m.Shutdown()

	if err := m.Step(tm); err != nil {
		return tm, 0, err
	}
	if spec.Timeout > 0 {
		timer := time.AfterFunc(spec.Timeout, func() {
			e.log.Errorf("%s exceeded the %s timeout, killing process %d", path, spec.Timeout, m.Pid())
			ctl.Kill()
		})
		defer timer.Stop()
	}
	for !m.Finished() {
		if err := m.Step(tm); err != nil {
			return tm, 0, err
		}
	}
	if n := len(m.PlantFailures()); n > 0 {
		e.log.Warnf("%d addresses in %s could not be instrumented, their lines will read as uncovered", n, path)
	}
	return tm, m.ExitCode(), nil
}

func hostArch() *Arch {
	if runtime.GOARCH == "arm64" {
		return ARM64Arch()
	}
	return AMD64Arch()
}
