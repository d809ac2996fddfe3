package tracer

import (
	"github.com/tracecov/tracecov/pkg/analysis"
	"github.com/tracecov/tracecov/pkg/logflags"
	"github.com/tracecov/tracecov/pkg/traces"
)

// GenerateTraceMap builds the instrumentation plan for one binary: every
// coverable line of every project source the binary has code for, keyed
// by the image addresses of the line. Lines the analyzer rules out and
// files outside the project are left alone.
func GenerateTraceMap(bi *BinaryInfo, analyzer *analysis.Analyzer) *traces.TraceMap {
	log := logflags.TracerLogger()

	var files []string
	for _, file := range bi.Sources() {
		if analyzer.ShouldSkip(file) {
			continue
		}
		files = append(files, file)
	}

	tm := traces.New(analyzer.BuildContext(files))
	for _, file := range files {
		res, err := analyzer.Analyze(file)
		if err != nil || res.Skip {
			continue
		}
		addrs := 0
		for line := range res.Lines.Cover {
			if !res.Lines.Coverable(line) {
				continue
			}
			for _, addr := range bi.LineAddresses(file, line) {
				tm.Add(file, line, addr)
				addrs++
			}
		}
		log.Debugf("%s: %d traceable addresses", file, addrs)
	}
	return tm
}
