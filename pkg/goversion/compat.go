package goversion

import (
	"fmt"
)

// Line tables emitted by toolchains older than this have not been
// verified against the tracer; pclntab in particular changed layout in
// 1.16 and 1.18.
var (
	MinSupportedVersionOfGoMajor = 1
	MinSupportedVersionOfGoMinor = 16
)

var goTooOldErr = fmt.Sprintf("Go version %%s is too old for this version of tracecov (minimum supported version %d.%d)", MinSupportedVersionOfGoMajor, MinSupportedVersionOfGoMinor)

// Compatible checks that the toolchain named in the DW_AT_producer string
// of a compile unit emits line data this version of tracecov understands.
func Compatible(producer string) error {
	ver := ParseProducer(producer)
	if ver.IsDevel() {
		return nil
	}
	if (ver == GoVersion{}) {
		// Not a go producer string, nothing to check.
		return nil
	}
	if !ver.AfterOrEqual(GoVersion{Major: MinSupportedVersionOfGoMajor, Minor: MinSupportedVersionOfGoMinor, Rev: betaRev(0)}) {
		return fmt.Errorf(goTooOldErr, ver.String())
	}
	return nil
}

// InstalledCompatible checks the go command in the PATH the same way.
// A missing or unparseable go command is not an error here; the build
// step reports that with more context.
func InstalledCompatible() error {
	ver, ok := Installed()
	if !ok || ver.IsDevel() {
		return nil
	}
	if !ver.AfterOrEqual(GoVersion{Major: MinSupportedVersionOfGoMajor, Minor: MinSupportedVersionOfGoMinor, Rev: betaRev(0)}) {
		return fmt.Errorf(goTooOldErr, ver.String())
	}
	return nil
}
