//go:build !(linux && (amd64 || arm64))

package tracer

// The breakpoint backend needs ptrace with PTRACE_O_TRACECLONE and
// knowledge of the breakpoint instruction, both of which only exist here
// for linux on amd64 and arm64.

func backendAvailable() error { return ErrBackendUnavailable }

func launchProcess(spec LaunchSpec) (Controller, error) {
	return nil, ErrBackendUnavailable
}
