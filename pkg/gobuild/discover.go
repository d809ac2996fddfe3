package gobuild

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/packages"

	"github.com/tracecov/tracecov/pkg/config"
	"github.com/tracecov/tracecov/pkg/logflags"
)

// Package is one package resolved from a configuration's patterns.
type Package struct {
	ImportPath string
	Name       string
	Dir        string
}

// TestBinary is a compiled test executable awaiting its trace.
type TestBinary struct {
	Package
	Path string
}

// Discover resolves package patterns against the module rooted at root.
// Packages that fail to load are dropped with a warning; the build step
// surfaces real compile errors later.
func Discover(root string, patterns []string, buildflags string) ([]Package, error) {
	bfv, err := config.SplitArgs(buildflags)
	if err != nil {
		return nil, fmt.Errorf("invalid build flags: %v", err)
	}
	cfg := &packages.Config{
		Mode:       packages.NeedName | packages.NeedFiles,
		Dir:        root,
		BuildFlags: bfv,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, err
	}

	log := logflags.BuildLogger()
	out := make([]Package, 0, len(pkgs))
	for _, pkg := range pkgs {
		if len(pkg.Errors) > 0 {
			log.Warnf("skipping %s: %v", pkg.PkgPath, pkg.Errors[0])
			continue
		}
		if len(pkg.GoFiles) == 0 {
			continue
		}
		out = append(out, Package{
			ImportPath: pkg.PkgPath,
			Name:       pkg.Name,
			Dir:        filepath.Dir(pkg.GoFiles[0]),
		})
	}
	return out, nil
}

// BuildTests compiles the test binary of every package into bindir.
// Packages without test files build no binary and are skipped. The first
// build failure aborts the configuration.
func BuildTests(root string, pkgs []Package, buildflags, bindir string) ([]TestBinary, error) {
	log := logflags.BuildLogger()
	bins := make([]TestBinary, 0, len(pkgs))
	for _, pkg := range pkgs {
		debugname := filepath.Join(bindir, binaryName(pkg.ImportPath))
		if err := GoTestBuild(debugname, root, []string{pkg.ImportPath}, buildflags); err != nil {
			return bins, err
		}
		if _, err := os.Stat(debugname); err != nil {
			log.Debugf("%s has no test files", pkg.ImportPath)
			continue
		}
		bins = append(bins, TestBinary{Package: pkg, Path: debugname})
	}
	return bins, nil
}

// binaryName flattens an import path into a file name, go test -c style.
func binaryName(importPath string) string {
	return strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(importPath) + ".test"
}
