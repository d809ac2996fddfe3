package report

import (
	"encoding/json"
	"io"
	"io/ioutil"

	"github.com/tracecov/tracecov/pkg/traces"
)

type jsonReport struct {
	Files     []jsonFile   `json:"files"`
	Covered   int          `json:"covered"`
	Coverable int          `json:"coverable"`
	Coverage  float64      `json:"coverage"`
	Branches  jsonBranches `json:"branches"`
}

type jsonFile struct {
	Path      string       `json:"path"`
	Covered   int          `json:"covered"`
	Coverable int          `json:"coverable"`
	Lines     []jsonLine   `json:"lines"`
	Branches  jsonBranches `json:"branches"`
}

type jsonLine struct {
	Line int    `json:"line"`
	Hits uint64 `json:"hits"`
	// Branch marks lines inside a decision point.
	Branch bool `json:"branch,omitempty"`
}

type jsonBranches struct {
	Taken int `json:"taken"`
	Total int `json:"total"`
}

func writeJSON(w io.Writer, tm *traces.TraceMap, opts Options) error {
	var out jsonReport
	for _, file := range tm.Files() {
		covered, total := tm.FileCoverage(file)
		jf := jsonFile{
			Path:      displayPath(file, opts.Root),
			Covered:   covered,
			Coverable: total,
		}
		for _, tr := range tm.FileTraces(file) {
			jf.Lines = append(jf.Lines, jsonLine{
				Line:   tr.Line,
				Hits:   tr.Hits,
				Branch: tm.IsBranch(file, tr.Line),
			})
		}
		fb := tm.FileBranches(file)
		jf.Branches = jsonBranches{Taken: fb.Taken, Total: fb.Total}
		out.Files = append(out.Files, jf)
	}

	covered, total := tm.Coverage()
	out.Covered = covered
	out.Coverable = total
	out.Coverage = percent(covered, total)
	bs := tm.Branches()
	out.Branches = jsonBranches{Taken: bs.Taken, Total: bs.Total}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	return enc.Encode(&out)
}

// LoadJSON rebuilds a trace map from a written json report so other
// formats can be rendered without re-tracing. Per-arm branch detail is not
// part of the json format and is absent from the result.
func LoadJSON(path string) (*traces.TraceMap, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var in jsonReport
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}

	tm := traces.New(nil)
	for _, jf := range in.Files {
		for _, jl := range jf.Lines {
			tm.Add(jf.Path, jl.Line, 0).Hits = jl.Hits
		}
	}
	return tm, nil
}
