package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ConfigFile)
	err := os.WriteFile(path, []byte(`configs:
  - name: unit
    packages: ["./pkg/..."]
    exclude-files: ["vendor"]
    run-benchmarks: true
    timeout: "90s"
    fail-under: 75.5
  - name: report
    out: ["lcov", "json"]
    output-dir: "coverage"
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	f, err := LoadConfig("", root)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Configs) != 2 {
		t.Fatalf("configs = %d, want 2", len(f.Configs))
	}

	unit := f.Configs[0]
	if unit.Name != "unit" || !unit.RunBenchmarks || unit.FailUnder != 75.5 {
		t.Errorf("first config parsed wrong: %+v", unit)
	}
	if time.Duration(unit.Timeout) != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", time.Duration(unit.Timeout))
	}
	if len(unit.Packages) != 1 || unit.Packages[0] != "./pkg/..." {
		t.Errorf("packages = %v", unit.Packages)
	}
	if unit.ReportOnly() {
		t.Errorf("unit config misdetected as report-only")
	}

	report := f.Configs[1]
	if !report.ReportOnly() {
		t.Errorf("report config not detected")
	}
	// Defaults fill what the file leaves out.
	if len(report.Packages) != 1 || report.Packages[0] != "./..." {
		t.Errorf("default packages not applied: %v", report.Packages)
	}
	if len(unit.Out) != 1 || unit.Out[0] != "text" {
		t.Errorf("default out not applied: %v", unit.Out)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	root := t.TempDir()
	f, err := LoadConfig("", root)
	if err != nil || f != nil {
		t.Fatalf("implicit missing file should yield (nil, nil), got (%v, %v)", f, err)
	}
	if _, err := LoadConfig(filepath.Join(root, "explicit.yml"), root); err == nil {
		t.Fatalf("explicit missing file should error")
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ConfigFile)
	if err := os.WriteFile(path, []byte("\tconfigs: not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig("", root); err == nil {
		t.Fatalf("bad yaml should error")
	}

	if err := os.WriteFile(path, []byte("configs: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig("", root); err == nil {
		t.Fatalf("empty configs should error")
	}
}

func TestLoadConfigBadDuration(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ConfigFile)
	err := os.WriteFile(path, []byte("configs:\n  - timeout: \"soon\"\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig("", root); err == nil {
		t.Fatalf("unparseable duration should error")
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ConfigFile)
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefaultConfig(path); err == nil {
		t.Fatalf("overwrite should be refused")
	}

	f, err := LoadConfig("", root)
	if err != nil {
		t.Fatalf("default config does not load: %v", err)
	}
	if len(f.Configs) != 1 || f.Configs[0].Name != "default" {
		t.Errorf("default config content: %+v", f.Configs)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "saved.yml")
	in := &File{Configs: []Config{{
		Name:     "ci",
		Packages: []string{"./..."},
		Timeout:  Duration(2 * time.Minute),
		Out:      []string{"json"},
	}}}
	if err := SaveConfig(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := LoadConfig(path, root)
	if err != nil {
		t.Fatal(err)
	}
	got := out.Configs[0]
	if got.Name != "ci" || time.Duration(got.Timeout) != 2*time.Minute || got.Out[0] != "json" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
