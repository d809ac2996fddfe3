package cmds

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracecov/tracecov/pkg/config"
	"github.com/tracecov/tracecov/pkg/coverage"
	"github.com/tracecov/tracecov/pkg/logflags"
	"github.com/tracecov/tracecov/pkg/report"
	"github.com/tracecov/tracecov/pkg/tracer"
	"github.com/tracecov/tracecov/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath is an explicit configuration file, overriding the
	// .tracecov.yml lookup in the project root.
	configPath string
	// workingDir is the project root of the coverage run.
	workingDir string

	// The remaining flags mirror the fields of one run configuration and
	// apply when no configuration file is found.
	packages      []string
	excludeFiles  []string
	includeTests  bool
	runBenchmarks bool
	runArgs       string
	buildFlags    string
	outFormats    []string
	outputDir     string
	timeout       time.Duration
	pinCPU        bool
	failUnder     float64
	verbose       bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const tracecovCommandLongDesc = `Tracecov measures test coverage of compiled Go test binaries.

Instead of recompiling your code with coverage counters, tracecov builds the
ordinary test binaries of your project, runs each one under ptrace with a
software breakpoint planted at every coverable line, and folds the hits into
line and branch coverage.

Pass flags to the traced test binaries using ` + "`--`" + `, for example:

` + "`tracecov run ./... -- -test.run TestParse`"

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:   "tracecov",
		Short: "Tracecov is a coverage tracer for compiled Go test binaries.",
		Long:  tracecovCommandLongDesc,
		Run:   runCmd,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'tracecov help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'tracecov help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file to use instead of <project>/.tracecov.yml.")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", ".", "Project root the coverage run works in.")

	rootCommand.PersistentFlags().StringSliceVarP(&packages, "packages", "p", []string{"./..."}, "Package patterns whose test binaries are built and traced.")
	rootCommand.PersistentFlags().StringSliceVar(&excludeFiles, "exclude-files", nil, "Path prefixes, relative to the project root, left out of the report.")
	rootCommand.PersistentFlags().BoolVar(&includeTests, "include-tests", false, "Also instrument _test.go files.")
	rootCommand.PersistentFlags().BoolVar(&runBenchmarks, "run-benchmarks", false, "Rerun every test binary with its benchmarks enabled.")
	rootCommand.PersistentFlags().StringVar(&runArgs, "args", "", "Arguments passed to every test binary, bash quoting rules.")
	rootCommand.PersistentFlags().StringVar(&buildFlags, "build-flags", "", "Build flags, to be passed to the go tool.")
	rootCommand.PersistentFlags().StringSliceVarP(&outFormats, "out", "o", []string{report.FormatText}, "Report formats: text, json, lcov.")
	rootCommand.PersistentFlags().StringVar(&outputDir, "output-dir", "", "Directory the json and lcov reports are written to (default the project root).")
	rootCommand.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Kill a traced binary that runs longer than this, e.g. 5m.")
	rootCommand.PersistentFlags().BoolVar(&pinCPU, "pin-cpu", false, "Restrict traced binaries to a single CPU.")
	rootCommand.PersistentFlags().Float64Var(&failUnder, "fail-under", 0, "Fail the run when line coverage, in percent, sinks below this.")
	rootCommand.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose test output and full child backtraces.")

	// 'run' subcommand. The root command runs it too, so a bare tracecov
	// in a project does the expected thing.
	runCommand := &cobra.Command{
		Use:   "run [packages] [-- test binary flags]",
		Short: "Build, trace and report coverage of the project's tests.",
		Long: `Build, trace and report coverage of the project's tests.

Builds the test binary of every selected package with optimizations
disabled, traces each one under ptrace, and prints the coverage report.
Package patterns given as arguments override --packages. When the project
has a .tracecov.yml (or --config names one), its configurations replace
the command line flags entirely.

Everything after -- is passed to the traced test binaries:

	tracecov run ./... -- -test.run TestParse
`,
		Run: runCmd,
	}
	rootCommand.AddCommand(runCommand)

	// 'report' subcommand.
	reportCommand := &cobra.Command{
		Use:   "report",
		Short: "Re-render reports from a previous run's json file.",
		Long: `Re-render reports from a previous run's json file.

Reads ` + report.JSONFile + ` from the output directory and renders the formats
selected with --out from it, without tracing anything. Per-arm branch
detail is not stored in the json file, so re-rendered reports carry line
coverage only.`,
		Run: reportCmd,
	}
	rootCommand.AddCommand(reportCommand)

	// 'init' subcommand.
	initCommand := &cobra.Command{
		Use:   "init",
		Short: "Write a commented .tracecov.yml to the project root.",
		Run:   initCmd,
	}
	rootCommand.AddCommand(initCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tracecov Coverage Tracer\n%s\n", version.TracecovVersion)
			if verbose {
				fmt.Println(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	analysis	Log source analysis: coverable lines and decision points
	build		Log go invocations that build and resolve test binaries
	coverage	Log the coverage driver
	debuglineerr	Log recoverable errors reading line data from binaries
	ptrace		Log every process control request issued to traced children
	report		Log report generation
	tracer		Log the breakpoint tracer

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func runCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}
		defer logflags.Close()

		if err := tracer.Available(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}

		root, err := filepath.Abs(workingDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}

		ownArgs, targetArgs := splitArgs(cmd, args)
		configs, err := loadConfigs(root, ownArgs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}

		tm, testStatus, runErr := coverage.New(root, nil).Run(configs, targetArgs)

		base := reportConfig(configs)
		if runErr == nil || tm.Len() > 0 {
			w, colorized := report.Console()
			opts := report.Options{
				Formats:   base.Out,
				Root:      root,
				OutputDir: base.OutputDir,
				FailUnder: base.FailUnder,
			}
			if err := report.Render(w, colorized, tm, opts); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				if runErr == nil {
					return 2
				}
			}
		}

		if err := coverage.RunError(testStatus, runErr); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return coverage.Status(testStatus, runErr)
		}
		if err := report.CheckThreshold(tm, base.FailUnder); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return 0
	}()
	os.Exit(status)
}

func reportCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}
		defer logflags.Close()

		root, err := filepath.Abs(workingDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}
		dir := outputDir
		if dir == "" {
			dir = root
		}

		tm, err := report.LoadJSON(filepath.Join(dir, report.JSONFile))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}

		w, colorized := report.Console()
		opts := report.Options{
			Formats:   outFormats,
			Root:      root,
			OutputDir: dir,
			FailUnder: failUnder,
		}
		if err := report.Render(w, colorized, tm, opts); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}
		if err := report.CheckThreshold(tm, failUnder); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return 0
	}()
	os.Exit(status)
}

func initCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		root, err := filepath.Abs(workingDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		path := filepath.Join(root, config.ConfigFile)
		if err := config.WriteDefaultConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Printf("wrote %s\n", path)
		return 0
	}()
	os.Exit(status)
}

// loadConfigs resolves the run's configurations: the configuration file
// when one exists, the command line flags otherwise.
func loadConfigs(root string, patterns []string) ([]config.Config, error) {
	file, err := config.LoadConfig(configPath, root)
	if err != nil {
		return nil, err
	}
	if file != nil {
		if len(patterns) > 0 || rootCommand.PersistentFlags().Changed("packages") {
			fmt.Fprintf(os.Stderr, "Warning: configuration file found, package selection from the command line is ignored\n")
		}
		return file.Configs, nil
	}

	cfg := config.Config{
		Name:          "default",
		Packages:      packages,
		ExcludeFiles:  excludeFiles,
		IncludeTests:  includeTests,
		RunBenchmarks: runBenchmarks,
		Args:          runArgs,
		BuildFlags:    buildFlags,
		Out:           outFormats,
		OutputDir:     outputDir,
		Timeout:       config.Duration(timeout),
		PinCPU:        pinCPU,
		FailUnder:     failUnder,
		Verbose:       verbose,
	}
	if len(patterns) > 0 {
		cfg.Packages = patterns
	}
	cfg.ApplyDefaults()
	return []config.Config{cfg}, nil
}

// reportConfig folds the output settings of report-only configurations
// into the base configuration the reports are rendered with.
func reportConfig(configs []config.Config) config.Config {
	var base config.Config
	haveBase := false
	for i := range configs {
		if !configs[i].ReportOnly() {
			base = configs[i]
			haveBase = true
			break
		}
	}
	if !haveBase {
		base.ApplyDefaults()
	}
	for i := range configs {
		c := &configs[i]
		if !c.ReportOnly() {
			continue
		}
		if len(c.Out) > 0 {
			base.Out = c.Out
		}
		if c.OutputDir != "" {
			base.OutputDir = c.OutputDir
		}
		if c.FailUnder > 0 {
			base.FailUnder = c.FailUnder
		}
	}
	return base
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}
