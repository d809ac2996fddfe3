package tracer

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

// ErrBackendUnavailable is returned on platforms where the ptrace backend
// cannot run.
var ErrBackendUnavailable = errors.New("process tracing is not available on this platform")

// ErrProcessExited indicates that the traced process has exited.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("process %d has exited with status %d", pe.Pid, pe.Status)
}

// ErrUnsupportedArch is returned when a test binary was compiled for an
// architecture the tracer has no breakpoint support for.
type ErrUnsupportedArch struct {
	Machine string
}

func (e *ErrUnsupportedArch) Error() string {
	return fmt.Sprintf("unsupported architecture %s", e.Machine)
}

// LaunchSpec describes how to spawn a traced process.
type LaunchSpec struct {
	// Path is the test binary to execute.
	Path string
	// Args holds the arguments, excluding the binary name itself.
	Args []string
	// Dir is the working directory of the child, usually the directory of
	// the package under test.
	Dir string
	// Env is the environment of the child. A nil Env inherits the parent
	// environment.
	Env []string
	// Stdout and Stderr receive the output of the child. Nil writers fall
	// back to the corresponding file of the parent.
	Stdout io.Writer
	Stderr io.Writer
}

// EventKind discriminates the state changes a traced process can report.
type EventKind int

const (
	// EventStop reports a thread stopped by a signal. Traps caused by
	// breakpoints arrive as SIGTRAP stops.
	EventStop EventKind = iota
	// EventExit reports that the process is gone, either through a normal
	// exit or a fatal signal.
	EventExit
)

// Event is one state change observed while waiting on a traced process.
type Event struct {
	Kind EventKind
	// Tid is the thread that stopped. Unset for EventExit.
	Tid int
	// Sig is the stopping signal for EventStop.
	Sig syscall.Signal
	// Status is the final exit code for EventExit. Deaths by signal are
	// reported as 128 plus the signal number.
	Status int
}

// Controller is the process control surface the coverage state machine
// drives. The native implementation wraps a ptraced child; tests
// substitute scripted fakes.
type Controller interface {
	MemoryReadWriter

	// Start spawns the child and waits for its initial trap, returning
	// the process id. The child is left stopped.
	Start() (int, error)
	// Wait blocks until the next reportable state change.
	Wait() (Event, error)
	// Continue resumes one stopped thread, delivering sig if it is not
	// zero.
	Continue(tid int, sig syscall.Signal) error
	// ReadPC returns the program counter of a stopped thread.
	ReadPC(tid int) (uint64, error)
	// SetPC rewrites the program counter of a stopped thread.
	SetPC(tid int, pc uint64) error
	// EntryPoint returns the runtime entry point of the child, used to
	// compute the load bias of position independent binaries.
	EntryPoint() (uint64, error)
	// Kill forcefully terminates the child. The corresponding exit event
	// is still delivered through Wait.
	Kill() error
}
