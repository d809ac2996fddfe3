package coverage

import (
	"errors"
	"fmt"
)

// ErrTestFailed reports that at least one traced test binary exited with a
// non-zero status. Coverage collected up to that point is still reported.
var ErrTestFailed = errors.New("test run failed")

// TraceError wraps a failure to trace one executable. It aborts the
// configuration that hit it; results from binaries traced before the
// failure are kept.
type TraceError struct {
	Exe string
	Err error
}

func (e *TraceError) Error() string {
	return fmt.Sprintf("tracing %s: %v", e.Exe, e.Err)
}

func (e *TraceError) Unwrap() error {
	return e.Err
}

// Status maps a run's outcome to the process exit code: 0 for a clean run,
// 1 when a traced binary failed, 2 for build and trace errors.
func Status(testStatus int, err error) int {
	if err != nil {
		return 2
	}
	if testStatus != 0 {
		return 1
	}
	return 0
}

// RunError converts a run's outcome into the error the command reports,
// ErrTestFailed standing in for non-zero child exits.
func RunError(testStatus int, err error) error {
	if err != nil {
		return err
	}
	if testStatus != 0 {
		return ErrTestFailed
	}
	return nil
}
