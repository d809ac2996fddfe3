// Package test provides fixture binaries for the tracer tests.
package test

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/tracecov/tracecov/pkg/gobuild"
)

// Fixture is a compiled test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the built binary.
	Path string
	// Source is the absolute path of the source of the fixture, or its
	// package directory for test package fixtures.
	Source string
}

// BuildFlags changes how a fixture is compiled.
type BuildFlags uint32

const (
	// LinkStrip leaves the DWARF sections out of the binary, forcing the
	// tracer onto the runtime line table.
	LinkStrip BuildFlags = 1 << iota
)

type fixtureKey struct {
	name  string
	flags BuildFlags
}

// Fixtures is a map of Fixture.Name to Fixture.
var Fixtures = make(map[fixtureKey]Fixture)

// FindFixturesDir walks up from the working directory until it finds the
// _fixtures directory of the repository.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	fixturesDir, _ = filepath.Abs(fixturesDir)
	return fixturesDir
}

// BuildFixture compiles _fixtures/<name>.go without optimizations and
// returns the binary. Fixtures are only built once per test run.
func BuildFixture(name string, flags BuildFlags) Fixture {
	key := fixtureKey{name: name, flags: flags}
	if f, ok := Fixtures[key]; ok {
		return f
	}

	fixturesDir := FindFixturesDir()
	source := filepath.Join(fixturesDir, name+".go")

	// Make a (good enough) random temporary file name.
	r := make([]byte, 4)
	rand.Read(r)
	path := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	buildflags := ""
	if flags&LinkStrip != 0 {
		buildflags = "-ldflags=-w"
	}
	if err := gobuild.GoBuild(path, []string{source}, buildflags); err != nil {
		fmt.Printf("Error compiling %s: %s\n", source, err)
		os.Exit(1)
	}

	Fixtures[key] = Fixture{Name: name, Path: path, Source: source}
	return Fixtures[key]
}

// BuildTestFixture compiles the test package at _fixtures/<name> into a
// test binary, the same way a coverage run builds its targets.
func BuildTestFixture(name string) Fixture {
	key := fixtureKey{name: name + ".test"}
	if f, ok := Fixtures[key]; ok {
		return f
	}

	dir := filepath.Join(FindFixturesDir(), name)

	r := make([]byte, 4)
	rand.Read(r)
	path := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s.test", name, hex.EncodeToString(r)))

	if err := gobuild.GoTestBuild(path, dir, []string{"."}, ""); err != nil {
		fmt.Printf("Error compiling test package %s: %s\n", dir, err)
		os.Exit(1)
	}

	Fixtures[key] = Fixture{Name: key.name, Path: path, Source: dir}
	return Fixtures[key]
}

// RunTestsWithFixtures runs the tests of the package and deletes the
// fixture binaries that were built for them.
func RunTestsWithFixtures(m *testing.M) int {
	status := m.Run()

	for _, f := range Fixtures {
		os.Remove(f.Path)
	}
	return status
}

// MustSupportTracing skips the calling test on platforms the breakpoint
// backend does not run on, and when no go toolchain is around to build
// fixtures with.
func MustSupportTracing(t testing.TB) {
	if runtime.GOOS != "linux" || (runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64") {
		t.Skipf("tracing not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("no go command in PATH, cannot build fixtures")
	}
}
