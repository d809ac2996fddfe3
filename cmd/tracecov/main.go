package main

import (
	"github.com/tracecov/tracecov/cmd/tracecov/cmds"
	"github.com/tracecov/tracecov/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.TracecovVersion.Build = Build
	}
	cmds.New().Execute()
}
