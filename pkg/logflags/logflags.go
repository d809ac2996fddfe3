package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var analysis = false
var build = false
var coverage = false
var debugLineErrors = false
var ptrace = false
var report = false
var tracer = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	factory := loggerFactory
	if factory == nil {
		factory = newLogrusLogger
	}
	return factory(level, fields, logOut)
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

func newLogrusLogger(level logrus.Level, fields Fields, out io.Writer) Logger {
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	if out != nil {
		logger.Out = out
	} else {
		logger.Out = os.Stderr
	}
	logger.Level = level
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

// Analysis returns true if the source analysis package should log.
func Analysis() bool {
	return analysis
}

// AnalysisLogger returns a logger for the source analysis package.
func AnalysisLogger() Logger {
	return makeFlaggableLogger(analysis, Fields{"layer": "analysis"})
}

// Build returns true if test binary builds should be logged.
func Build() bool {
	return build
}

// BuildLogger returns a logger for test binary builds.
func BuildLogger() Logger {
	return makeFlaggableLogger(build, Fields{"layer": "build"})
}

// Coverage returns true if the coverage driver should log.
func Coverage() bool {
	return coverage
}

// CoverageLogger returns a logger for the coverage driver.
func CoverageLogger() Logger {
	return makeFlaggableLogger(coverage, Fields{"layer": "coverage"})
}

// DebugLineErrors returns true if recoverable errors of the debug line
// reader should be logged.
func DebugLineErrors() bool {
	return debugLineErrors
}

// DebugLineLogger returns a logger for the debug line reader.
func DebugLineLogger() Logger {
	return makeFlaggableLogger(debugLineErrors, Fields{"layer": "binary", "kind": "line"})
}

// Ptrace returns true if every process control request issued to traced
// children should be logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for process control requests.
func PtraceLogger() Logger {
	return makeFlaggableLogger(ptrace, Fields{"layer": "tracer", "kind": "ptrace"})
}

// Report returns true if report generation should log.
func Report() bool {
	return report
}

// ReportLogger returns a logger for report generation.
func ReportLogger() Logger {
	return makeFlaggableLogger(report, Fields{"layer": "report"})
}

// Tracer returns true if the breakpoint tracer should log.
func Tracer() bool {
	return tracer
}

// TracerLogger returns a logger for the breakpoint tracer.
func TracerLogger() Logger {
	return makeFlaggableLogger(tracer, Fields{"layer": "tracer"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets tracer flags based on the contents of logstr. If logDest is
// not empty logs will be redirected to the file descriptor or file path
// specified by it.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "tracecov-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "coverage"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "analysis":
			analysis = true
		case "build":
			build = true
		case "coverage":
			coverage = true
		case "debuglineerr":
			debugLineErrors = true
		case "ptrace":
			ptrace = true
		case "report":
			report = true
		case "tracer":
			tracer = true
		}
	}
	return nil
}

// Close closes the file or file descriptor receiving logs, if one was set
// up by Setup.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// logTimeFormat is ISO8601 with milliseconds.
const logTimeFormat = "2006-01-02T15:04:05.000-07:00"

// textFormatter is a simplified version of logrus.TextFormatter that
// never uses colors and prints field values without padding, so logs stay
// readable when written to a file.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

// Format formats a single log entry.
func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	b.WriteString(entry.Time.Format(logTimeFormat))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		stringVal, ok := entry.Data[key].(string)
		if !ok {
			stringVal = fmt.Sprint(entry.Data[key])
		}
		if f.needsQuoting(stringVal) {
			fmt.Fprintf(b, "%q", stringVal)
		} else {
			b.WriteString(stringVal)
		}
		if i != len(keys)-1 {
			b.WriteByte(',')
		} else {
			b.WriteByte(' ')
		}
	}

	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *textFormatter) needsQuoting(text string) bool {
	for _, ch := range text {
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '/' || ch == '@' || ch == '^' || ch == '+') {
			return true
		}
	}
	return false
}
