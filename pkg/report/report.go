// Package report renders a deduplicated trace map as a console summary,
// JSON, or LCOV records.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/tracecov/tracecov/pkg/logflags"
	"github.com/tracecov/tracecov/pkg/traces"
)

// Report formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatLCOV = "lcov"
)

// JSONFile and LCOVFile are the names the file formats are written under.
const (
	JSONFile = "tracecov.json"
	LCOVFile = "lcov.info"
)

// Options selects what Render produces.
type Options struct {
	// Formats lists the report formats, in output order.
	Formats []string
	// Root is the project root; displayed paths are shown relative to it.
	Root string
	// OutputDir receives the json and lcov files. Defaults to Root.
	OutputDir string
	// FailUnder is the minimum acceptable line coverage in percent. Only
	// the text format shows it; enforcement is CheckThreshold's job.
	FailUnder float64
}

// Render writes every requested format. Console output goes to w, which
// Console can provide for the process stdout.
func Render(w io.Writer, colorized bool, tm *traces.TraceMap, opts Options) error {
	log := logflags.ReportLogger()
	for _, format := range opts.Formats {
		switch format {
		case FormatText:
			writeText(w, colorized, tm, opts)
		case FormatJSON:
			path := filepath.Join(outputDir(opts), JSONFile)
			if err := writeFileReport(path, func(f io.Writer) error {
				return writeJSON(f, tm, opts)
			}); err != nil {
				return err
			}
			log.Infof("json report written to %s", path)
		case FormatLCOV:
			path := filepath.Join(outputDir(opts), LCOVFile)
			if err := writeFileReport(path, func(f io.Writer) error {
				return writeLCOV(f, tm)
			}); err != nil {
				return err
			}
			log.Infof("lcov report written to %s", path)
		default:
			return fmt.Errorf("unknown report format %q", format)
		}
	}
	return nil
}

// Console returns the writer and colorization choice for reports on the
// process stdout.
func Console() (io.Writer, bool) {
	return colorable.NewColorableStdout(), isatty.IsTerminal(os.Stdout.Fd())
}

// CheckThreshold returns an error when total line coverage is below
// failUnder percent. A run that measured nothing passes vacuously.
func CheckThreshold(tm *traces.TraceMap, failUnder float64) error {
	if failUnder <= 0 {
		return nil
	}
	covered, total := tm.Coverage()
	if total == 0 {
		return nil
	}
	if pct := percent(covered, total); pct < failUnder {
		return fmt.Errorf("coverage %.2f%% is below the configured minimum %.2f%%", pct, failUnder)
	}
	return nil
}

func percent(covered, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(covered) / float64(total)
}

func outputDir(opts Options) string {
	if opts.OutputDir != "" {
		return opts.OutputDir
	}
	if opts.Root != "" {
		return opts.Root
	}
	return "."
}

func writeFileReport(path string, fn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// displayPath shortens file for the report. Paths outside the root are
// shown as-is.
func displayPath(file, root string) string {
	if root == "" {
		return file
	}
	rel, err := filepath.Rel(root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return file
	}
	return rel
}
