package goversion

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GoVersion represents the version of the Go toolchain that compiled a
// target binary, or the one installed on the system.
type GoVersion struct {
	Major     int
	Minor     int
	Rev       int // revision number or negative number for beta and rc releases
	Toolchain string
}

const (
	betaStart = -1000
	betaEnd   = -2000
)

func betaRev(beta int) int {
	return beta + betaEnd
}

func rcRev(rc int) int {
	return rc + betaStart
}

// Parse parses a go version string as reported by runtime.Version or the
// go command, e.g. "go1.18.3", "go1.21rc2" or "devel +17efbfc".
func Parse(ver string) (GoVersion, bool) {
	if strings.HasPrefix(ver, "devel") {
		return GoVersion{Major: -1}, true
	}
	if !strings.HasPrefix(ver, "go") {
		return GoVersion{}, false
	}

	var r GoVersion
	ver = strings.Split(ver, " ")[0]
	v := strings.SplitN(ver[2:], ".", 3)
	var err1, err2, err3 error
	switch len(v) {
	case 2:
		r.Major, err1 = strconv.Atoi(v[0])
		if vr := strings.SplitN(v[1], "beta", 2); len(vr) == 2 {
			// beta release goX.YbetaZ
			var beta int
			beta, err3 = strconv.Atoi(vr[1])
			r.Rev = betaRev(beta)
			r.Minor, err2 = strconv.Atoi(vr[0])
		} else if vr := strings.SplitN(v[1], "rc", 2); len(vr) == 2 {
			// rc release goX.YrcZ
			var rc int
			rc, err3 = strconv.Atoi(vr[1])
			r.Rev = rcRev(rc)
			r.Minor, err2 = strconv.Atoi(vr[0])
		} else {
			// major release goX.Y
			r.Minor, err2 = strconv.Atoi(v[1])
		}

	case 3:
		r.Major, err1 = strconv.Atoi(v[0])
		r.Minor, err2 = strconv.Atoi(v[1])
		if vr := strings.SplitN(v[2], "-", 2); len(vr) == 2 {
			// minor version with toolchain modifier goX.Y.Z-anything
			r.Rev, err3 = strconv.Atoi(vr[0])
			r.Toolchain = vr[1]
		} else {
			// minor version goX.Y.Z
			r.Rev, err3 = strconv.Atoi(v[2])
		}

	default:
		return GoVersion{}, false
	}
	if err1 != nil || err2 != nil || err3 != nil {
		return GoVersion{}, false
	}
	return r, true
}

// AfterOrEqual returns whether one GoVersion is after or
// equal to the other.
func (v *GoVersion) AfterOrEqual(b GoVersion) bool {
	if v.Major < b.Major {
		return false
	} else if v.Major > b.Major {
		return true
	}

	if v.Minor < b.Minor {
		return false
	} else if v.Minor > b.Minor {
		return true
	}

	if v.Rev < b.Rev {
		return false
	} else if v.Rev > b.Rev {
		return true
	}

	return true
}

// IsDevel returns whether the GoVersion
// is a development version.
func (v *GoVersion) IsDevel() bool {
	return v.Major < 0
}

func (v *GoVersion) String() string {
	switch {
	case v.Major < 0:
		return "devel"
	case v.Rev < betaStart:
		// beta version
		return fmt.Sprintf("go%d.%dbeta%d", v.Major, v.Minor, v.Rev-betaEnd)
	case v.Rev < 0:
		// rc version
		return fmt.Sprintf("go%d.%drc%d", v.Major, v.Minor, v.Rev-betaStart)
	case v.Toolchain != "":
		return fmt.Sprintf("go%d.%d.%d-%s", v.Major, v.Minor, v.Rev, v.Toolchain)
	case v.Rev == 0:
		// major version
		return fmt.Sprintf("go%d.%d", v.Major, v.Minor)
	default:
		return fmt.Sprintf("go%d.%d.%d", v.Major, v.Minor, v.Rev)
	}
}

const goVersionPrefix = "go version "

// Installed runs "go version" and parses the output
func Installed() (GoVersion, bool) {
	out, err := exec.Command("go", "version").CombinedOutput()
	if err != nil {
		return GoVersion{}, false
	}

	s := string(out)

	if !strings.HasPrefix(s, goVersionPrefix) {
		return GoVersion{}, false
	}

	return Parse(s[len(goVersionPrefix):])
}

// VersionAfterOrEqual checks that version (as returned by runtime.Version()
// or go version) is major.minor or a later version, or a development
// version.
func VersionAfterOrEqual(version string, major, minor int) bool {
	ver, _ := Parse(version)
	if ver.IsDevel() {
		return true
	}
	return ver.AfterOrEqual(GoVersion{Major: major, Minor: minor, Rev: betaEnd})
}

const producerVersionPrefix = "Go cmd/compile "

// ParseProducer parses the DW_AT_producer string of a go compile unit.
func ParseProducer(producer string) GoVersion {
	producer = strings.TrimPrefix(producer, producerVersionPrefix)
	if semi := strings.Index(producer, ";"); semi >= 0 {
		producer = strings.TrimSpace(producer[:semi])
	}
	ver, _ := Parse(producer)
	return ver
}
