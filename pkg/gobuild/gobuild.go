// Package gobuild builds the test binaries that get traced and resolves
// the packages they are built from.
package gobuild

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/tracecov/tracecov/pkg/config"
	"github.com/tracecov/tracecov/pkg/logflags"
)

// BuildError describes a failed go command invocation. Output holds the
// combined compiler output, which is what the user needs to see.
type BuildError struct {
	Cmd    string
	Output []byte
	Err    error
}

func (e *BuildError) Error() string {
	out := strings.TrimSpace(string(e.Output))
	if out == "" {
		return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v\n%s", e.Cmd, e.Err, out)
}

// Remove the file at path and issue a warning to stderr if this fails.
// This can be used to remove a temporary binary after its trace.
func Remove(path string) {
	var err error
	for i := 0; i < 20; i++ {
		err = os.Remove(path)
		// Open files can be removed on Unix, but not on Windows, where there also appears
		// to be a delay in releasing the binary when the process exits.
		// Leaving temporary files behind can be annoying to users, so we try again.
		if err == nil || runtime.GOOS != "windows" {
			break
		}
		time.Sleep(1 * time.Millisecond)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not remove %v: %v\n", path, err)
	}
}

// GoBuild builds non-test files in 'pkgs' with the specified 'buildflags'
// and writes the output at 'debugname'. Used for fixture programs.
func GoBuild(debugname string, pkgs []string, buildflags string) error {
	args, err := goBuildArgs(debugname, pkgs, buildflags, false)
	if err != nil {
		return err
	}
	return gocommandRun("build", "", args...)
}

// GoTestBuild compiles the test binary of the package in 'pkgs' with
// optimizations and inlining disabled, writing the output at 'debugname'.
// The go command runs in dir so module resolution follows the project.
func GoTestBuild(debugname, dir string, pkgs []string, buildflags string) error {
	args, err := goBuildArgs(debugname, pkgs, buildflags, true)
	if err != nil {
		return err
	}
	cmd, out, err := gocommandCombinedOutput("test", dir, args...)
	if err != nil {
		return &BuildError{Cmd: cmd, Output: out, Err: err}
	}
	return nil
}

func goBuildArgs(debugname string, pkgs []string, buildflags string, isTest bool) ([]string, error) {
	var args []string

	bfv, err := config.SplitArgs(buildflags)
	if err != nil {
		return nil, fmt.Errorf("invalid build flags: %v", err)
	}
	// go requires -C before any other flag.
	if len(bfv) >= 2 && bfv[0] == "-C" {
		args = append(args, bfv[:2]...)
		bfv = bfv[2:]
	} else if len(bfv) >= 1 && strings.HasPrefix(bfv[0], "-C=") {
		args = append(args, bfv[0])
		bfv = bfv[1:]
	}

	if isTest {
		args = append(args, "-c")
	}
	args = append(args, "-o", debugname)
	args = append(args, "-gcflags", "all=-N -l")
	args = append(args, bfv...)
	args = append(args, pkgs...)
	return args, nil
}

func gocommandRun(command, dir string, args ...string) error {
	_, goBuild := gocommandExecCmd(command, dir, args...)
	goBuild.Stderr = os.Stdout
	goBuild.Stdout = os.Stderr
	return goBuild.Run()
}

func gocommandCombinedOutput(command, dir string, args ...string) (string, []byte, error) {
	buildCmd, goBuild := gocommandExecCmd(command, dir, args...)
	out, err := goBuild.CombinedOutput()
	return buildCmd, out, err
}

func gocommandExecCmd(command, dir string, args ...string) (string, *exec.Cmd) {
	allargs := []string{command}
	allargs = append(allargs, args...)
	goBuild := exec.Command("go", allargs...)
	goBuild.Dir = dir
	cmdline := strings.Join(append([]string{"go"}, allargs...), " ")
	logflags.BuildLogger().Debugf("running %s", cmdline)
	return cmdline, goBuild
}
