package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// ConfigFile is the name of the per-project configuration file.
const ConfigFile = ".tracecov.yml"

// ReportOnlyName marks a configuration that is never traced: it only
// contributes output settings to the final report.
const ReportOnlyName = "report"

// Duration wraps time.Duration so timeouts can be written as "30s" or "5m"
// in the configuration file.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds one named coverage run configuration. A configuration file
// can carry several; the driver traces each in turn and merges the results.
type Config struct {
	// Name identifies the configuration in logs and reports. A
	// configuration named "report" is a report-only pass.
	Name string `yaml:"name"`
	// Packages lists the package patterns whose test binaries are built
	// and traced.
	Packages []string `yaml:"packages"`
	// ExcludeFiles lists path prefixes, relative to the project root,
	// whose files stay out of the report.
	ExcludeFiles []string `yaml:"exclude-files"`
	// IncludeTests also instruments _test.go files.
	IncludeTests bool `yaml:"include-tests"`
	// RunBenchmarks reruns every test binary with its benchmarks enabled
	// after the regular test pass.
	RunBenchmarks bool `yaml:"run-benchmarks"`
	// Args is passed to every traced test binary, bash quoting rules.
	Args string `yaml:"args"`
	// BuildFlags is appended to the go invocations that build the test
	// binaries, bash quoting rules.
	BuildFlags string `yaml:"build-flags"`
	// Out selects the report formats: text, json, lcov.
	Out []string `yaml:"out"`
	// OutputDir receives the json and lcov reports.
	OutputDir string `yaml:"output-dir"`
	// Timeout kills a traced binary that runs longer, e.g. "5m".
	Timeout Duration `yaml:"timeout"`
	// PinCPU restricts traced binaries to a single CPU.
	PinCPU bool `yaml:"pin-cpu"`
	// FailUnder makes the run fail when total line coverage, in percent,
	// sinks below it.
	FailUnder float64 `yaml:"fail-under"`
	// Verbose enables child backtraces (GOTRACEBACK=all) and test -v
	// style diagnostics.
	Verbose bool `yaml:"verbose"`
}

// ReportOnly reports whether the configuration is a report-only pass.
func (c *Config) ReportOnly() bool {
	return c.Name == ReportOnlyName
}

// ApplyDefaults fills the zero fields every run needs.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if len(c.Packages) == 0 {
		c.Packages = []string{"./..."}
	}
	if len(c.Out) == 0 {
		c.Out = []string{"text"}
	}
}

// File is the parsed configuration file.
type File struct {
	Configs []Config `yaml:"configs"`
}

// LoadConfig reads the configuration file at path. With an empty path it
// looks for .tracecov.yml in the project root and returns (nil, nil) if
// there is none, leaving the caller with its flag-derived configuration.
func LoadConfig(path, root string) (*File, error) {
	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, ConfigFile)
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unable to decode %s: %v", path, err)
	}
	if len(f.Configs) == 0 {
		return nil, fmt.Errorf("%s defines no configurations", path)
	}
	for i := range f.Configs {
		f.Configs[i].ApplyDefaults()
	}
	return &f, nil
}

// SaveConfig will marshal and save the configuration file to disk.
func SaveConfig(path string, f *File) error {
	out, err := yaml.Marshal(*f)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, out, 0644)
}

// WriteDefaultConfig creates a commented configuration file at path. It
// refuses to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	return writeDefaultConfig(f)
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for tracecov.

# Each entry under configs describes one coverage run; their results are
# merged into a single report. A configuration named "report" is never
# traced, it only adds output settings.

configs:
  - name: default
    packages: ["./..."]
    # exclude-files: ["vendor", "internal/gen"]
    # include-tests: false
    # run-benchmarks: false
    # args: "-test.v"
    # build-flags: "-tags integration"
    # out: ["text", "lcov"]
    # output-dir: "coverage"
    # timeout: "5m"
    # pin-cpu: false
    # fail-under: 80
`)
	return err
}
