package coverage

import (
	sys "golang.org/x/sys/unix"
)

// pinToCPU restricts the current process, and through inheritance every
// traced child, to a single CPU. Cuts down on breakpoint races between
// threads of the traced binary.
func pinToCPU() error {
	var set sys.CPUSet
	set.Zero()
	set.Set(0)
	return sys.SchedSetaffinity(0, &set)
}
