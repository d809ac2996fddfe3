// Package coverage drives a whole run: build the test binaries of every
// configuration, trace each one, and fold the results into a single trace
// map for reporting.
package coverage

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/tracecov/tracecov/pkg/analysis"
	"github.com/tracecov/tracecov/pkg/config"
	"github.com/tracecov/tracecov/pkg/gobuild"
	"github.com/tracecov/tracecov/pkg/goversion"
	"github.com/tracecov/tracecov/pkg/logflags"
	"github.com/tracecov/tracecov/pkg/tracer"
	"github.com/tracecov/tracecov/pkg/traces"
)

// Engine traces one executable. Satisfied by *tracer.Engine.
type Engine interface {
	Trace(path string, spec tracer.RunSpec) (*traces.TraceMap, int, error)
}

// EngineFactory builds the engine a configuration traces its binaries
// with. Each configuration gets its own analyzer: exclusion rules and test
// file handling are per-configuration settings.
type EngineFactory func(*analysis.Analyzer) Engine

// Driver runs coverage configurations against the project rooted at root.
type Driver struct {
	root    string
	factory EngineFactory
	log     logflags.Logger
}

// New returns a driver for the project at root. A nil factory selects the
// native tracing engine.
func New(root string, factory EngineFactory) *Driver {
	if factory == nil {
		factory = func(a *analysis.Analyzer) Engine { return tracer.New(a) }
	}
	return &Driver{
		root:    root,
		factory: factory,
		log:     logflags.CoverageLogger(),
	}
}

// Run traces every configuration in turn and returns the combined trace
// map, the OR of all child exit statuses, and the first build or trace
// error. A failing configuration does not stop the ones after it, and
// coverage collected before a failure stays in the result.
func (d *Driver) Run(configs []config.Config, extraArgs []string) (*traces.TraceMap, int, error) {
	if err := goversion.InstalledCompatible(); err != nil {
		d.log.Warnf("%v", err)
	}

	combined := traces.New(nil)
	status := 0
	var firstErr error

	for i := range configs {
		cfg := &configs[i]
		if cfg.ReportOnly() {
			d.log.Debugf("configuration %q is report-only, nothing to trace", cfg.Name)
			continue
		}

		tm, code, err := d.runConfig(cfg, extraArgs)
		if tm != nil {
			tm.Dedup()
			combined.Merge(tm)
		}
		status |= code
		if err != nil {
			d.log.Errorf("configuration %q: %v", cfg.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	combined.Dedup()
	return combined, status, firstErr
}

// runConfig builds and traces the binaries of one configuration. The
// returned map holds address-level traces; the caller dedups it.
func (d *Driver) runConfig(cfg *config.Config, extraArgs []string) (*traces.TraceMap, int, error) {
	if cfg.PinCPU {
		if err := pinToCPU(); err != nil {
			d.log.Warnf("could not pin to a single cpu: %v", err)
		}
	}

	pkgs, err := gobuild.Discover(d.root, cfg.Packages, cfg.BuildFlags)
	if err != nil {
		return nil, 0, err
	}
	if len(pkgs) == 0 {
		return nil, 0, fmt.Errorf("no packages match %v", cfg.Packages)
	}

	bindir, err := ioutil.TempDir("", "tracecov")
	if err != nil {
		return nil, 0, err
	}
	defer os.RemoveAll(bindir)

	bins, err := gobuild.BuildTests(d.root, pkgs, cfg.BuildFlags, bindir)
	if err != nil {
		return nil, 0, err
	}
	if len(bins) == 0 {
		d.log.Warnf("configuration %q built no test binaries", cfg.Name)
		return nil, 0, nil
	}

	args, err := childArgs(cfg, extraArgs)
	if err != nil {
		return nil, 0, err
	}

	eng := d.factory(analysis.New(d.root, cfg.IncludeTests, cfg.ExcludeFiles))

	tm := traces.New(nil)
	status := 0
	for _, bin := range bins {
		part, code, err := d.trace(eng, cfg, bin, args)
		if err != nil {
			return tm, status, &TraceError{Exe: bin.Path, Err: err}
		}
		tm.Merge(part)
		status |= code

		if cfg.RunBenchmarks {
			part, code, err = d.trace(eng, cfg, bin, benchArgs(cfg))
			if err != nil {
				return tm, status, &TraceError{Exe: bin.Path, Err: err}
			}
			tm.Merge(part)
			status |= code
		}
		gobuild.Remove(bin.Path)
	}
	return tm, status, nil
}

func (d *Driver) trace(eng Engine, cfg *config.Config, bin gobuild.TestBinary, args []string) (*traces.TraceMap, int, error) {
	spec := tracer.RunSpec{
		Args:    args,
		Dir:     bin.Dir,
		Env:     childEnv(cfg),
		Timeout: time.Duration(cfg.Timeout),
	}
	if spec.Dir == "" {
		spec.Dir = d.root
	}
	d.log.Infof("tracing %s", bin.ImportPath)
	tm, code, err := eng.Trace(bin.Path, spec)
	if err == nil {
		d.log.Debugf("%s exited with status %d", bin.ImportPath, code)
	}
	return tm, code, err
}

// childArgs assembles the argument list every test pass runs with:
// verbosity first, then the configured args, then anything after -- on the
// command line.
func childArgs(cfg *config.Config, extraArgs []string) ([]string, error) {
	var args []string
	if cfg.Verbose {
		args = append(args, "-test.v")
	}
	if cfg.Args != "" {
		split, err := config.SplitArgs(cfg.Args)
		if err != nil {
			return nil, fmt.Errorf("invalid args %q: %v", cfg.Args, err)
		}
		args = append(args, split...)
	}
	return append(args, extraArgs...), nil
}

// benchArgs selects only benchmarks, one iteration each. The benchmark
// pass covers the code a plain test pass never enters.
func benchArgs(cfg *config.Config) []string {
	args := []string{"-test.run=^$", "-test.bench=.", "-test.benchtime=1x"}
	if cfg.Verbose {
		args = append(args, "-test.v")
	}
	return args
}

// childEnv is the traced binary's environment: the tracer's own, plus full
// runtime backtraces when the run is verbose.
func childEnv(cfg *config.Config) []string {
	env := os.Environ()
	if cfg.Verbose {
		env = append(env, "GOTRACEBACK=all")
	}
	return env
}
