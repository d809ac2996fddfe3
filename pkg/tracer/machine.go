package tracer

import (
	"fmt"
	"syscall"

	"github.com/tracecov/tracecov/pkg/logflags"
	"github.com/tracecov/tracecov/pkg/traces"
	"golang.org/x/arch/x86/x86asm"
)

// Phase is the state of a coverage run over one test binary.
type Phase int

const (
	// PhaseInit means the child has not been spawned yet.
	PhaseInit Phase = iota
	// PhaseRunning means every thread of the child is executing.
	PhaseRunning
	// PhaseStopped means a thread stopped and the stop has not been
	// reacted to yet.
	PhaseStopped
	// PhaseEnd means the child is gone and the exit code is final.
	PhaseEnd
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	case PhaseEnd:
		return "end"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Machine advances one traced test binary from launch to exit. Each Step
// performs exactly one transition: spawning the child, reacting to a
// stop, or waiting for the next event. The caller owns the trace map and
// passes it into every step so that coverage from several binaries can be
// folded together.
type Machine struct {
	ctl  Controller
	arch *Arch
	bps  *BreakpointMap
	log  logflags.Logger

	// elfEntry is the entry point recorded in the binary image,
	// staticBase the difference to where the loader actually put it.
	elfEntry   uint64
	staticBase uint64

	phase     Phase
	pid       int
	stop      Event
	exitCode  int
	planted   bool
	plantErrs []PlantError
}

// NewMachine prepares a run over ctl. elfEntry is the entry point from
// the binary header, used to detect relocation of position independent
// executables.
func NewMachine(ctl Controller, arch *Arch, elfEntry uint64) *Machine {
	return &Machine{
		ctl:      ctl,
		arch:     arch,
		bps:      NewBreakpointMap(),
		log:      logflags.TracerLogger(),
		elfEntry: elfEntry,
		phase:    PhaseInit,
	}
}

// Phase returns the current state of the run.
func (m *Machine) Phase() Phase { return m.phase }

// Finished reports whether the child has exited.
func (m *Machine) Finished() bool { return m.phase == PhaseEnd }

// ExitCode returns the exit code of the child once Finished is true.
// Deaths by signal are reported as 128 plus the signal number.
func (m *Machine) ExitCode() int { return m.exitCode }

// Pid returns the process id of the child, 0 before launch.
func (m *Machine) Pid() int { return m.pid }

// PlantFailures returns the addresses that could not be instrumented.
// The run proceeds without them and only their lines lose coverage.
func (m *Machine) PlantFailures() []PlantError { return m.plantErrs }

// Breakpoints returns the live breakpoint table.
func (m *Machine) Breakpoints() *BreakpointMap { return m.bps }

// Step performs one transition of the run. It returns an error only when
// the run cannot continue; a failing test or a killed child is a normal
// end state reported through ExitCode.
func (m *Machine) Step(tm *traces.TraceMap) error {
	switch m.phase {
	case PhaseInit:
		return m.stepInit()
	case PhaseRunning:
		return m.stepRunning()
	case PhaseStopped:
		return m.stepStopped(tm)
	case PhaseEnd:
		return nil
	}
	return fmt.Errorf("coverage run in unknown phase %d", int(m.phase))
}

// stepInit spawns the child and leaves it stopped at its entry trap.
func (m *Machine) stepInit() error {
	pid, err := m.ctl.Start()
	if err != nil {
		m.phase = PhaseEnd
		m.exitCode = -1
		return err
	}
	m.pid = pid
	entry, err := m.ctl.EntryPoint()
	if err != nil {
		m.log.Warnf("could not determine entry point of %d: %v", pid, err)
	} else if m.elfEntry != 0 && entry >= m.elfEntry {
		m.staticBase = entry - m.elfEntry
	}
	m.log.Debugf("launched process %d (load bias %#x)", pid, m.staticBase)
	m.stop = Event{Kind: EventStop, Tid: pid, Sig: syscall.SIGTRAP}
	m.phase = PhaseStopped
	return nil
}

// stepRunning waits for the next event from the child.
func (m *Machine) stepRunning() error {
	ev, err := m.ctl.Wait()
	if err != nil {
		return err
	}
	if ev.Kind == EventExit {
		m.log.Debugf("process %d exited with status %d", m.pid, ev.Status)
		m.exitCode = ev.Status
		m.phase = PhaseEnd
		return nil
	}
	m.stop = ev
	m.phase = PhaseStopped
	return nil
}

// stepStopped reacts to the stop recorded by the previous step and
// resumes the thread.
func (m *Machine) stepStopped(tm *traces.TraceMap) error {
	ev := m.stop
	if ev.Sig == syscall.SIGTRAP {
		if !m.planted {
			// First trap is the exec stop. Instrument the image while
			// nothing runs, then let the child go.
			m.plantBreakpoints(tm)
			m.planted = true
			if err := m.ctl.Continue(ev.Tid, 0); err != nil {
				return err
			}
			m.phase = PhaseRunning
			return nil
		}
		return m.stepTrap(tm, ev.Tid)
	}
	// Any other signal belongs to the child. Deliver it on resume; a
	// fatal one comes back as the exit event.
	m.log.Debugf("forwarding signal %d to thread %d", ev.Sig, ev.Tid)
	if err := m.ctl.Continue(ev.Tid, ev.Sig); err != nil {
		return err
	}
	m.phase = PhaseRunning
	return nil
}

// stepTrap attributes a SIGTRAP stop to a breakpoint, records the hit and
// resumes the thread over the original instruction.
func (m *Machine) stepTrap(tm *traces.TraceMap, tid int) error {
	pc, err := m.ctl.ReadPC(tid)
	if err != nil {
		// The thread can be gone by the time we look at it.
		m.log.Warnf("could not read pc of thread %d: %v", tid, err)
		m.phase = PhaseRunning
		return nil
	}
	addr := m.arch.TrapAddress(pc)
	bp, ok := m.bps.Get(addr)
	if !ok {
		m.diagnoseTrap(pc)
		if err := m.ctl.Continue(tid, 0); err != nil {
			return err
		}
		m.phase = PhaseRunning
		return nil
	}

	// A trap on an already restored address raced with the restore on
	// another thread. The line really executed, so it still counts; only
	// the rewind is needed to replay the original instruction.
	bp.HitCount++
	tm.LogHit(bp.FileAddr)
	if err := m.bps.Restore(m.ctl, bp); err != nil {
		m.log.Warnf("%v", err)
	}
	if m.arch.BreakInstrMovesPC {
		if err := m.ctl.SetPC(tid, addr); err != nil {
			return fmt.Errorf("could not rewind thread %d: %v", tid, err)
		}
	}
	if err := m.ctl.Continue(tid, 0); err != nil {
		return err
	}
	m.phase = PhaseRunning
	return nil
}

// plantBreakpoints writes a trap over every traceable address. Failures
// are recorded and skipped, the rest of the run is unaffected.
func (m *Machine) plantBreakpoints(tm *traces.TraceMap) {
	for _, file := range tm.Files() {
		for _, t := range tm.FileTraces(file) {
			if t.Address == 0 {
				continue
			}
			bp := &Breakpoint{
				Addr:     t.Address + m.staticBase,
				FileAddr: t.Address,
				File:     t.File,
				Line:     t.Line,
			}
			if err := m.bps.Plant(m.ctl, m.arch, bp); err != nil {
				pe, ok := err.(PlantError)
				if !ok {
					pe = PlantError{Addr: bp.Addr, Err: err}
				}
				m.plantErrs = append(m.plantErrs, pe)
				m.log.Warnf("%v", err)
			}
		}
	}
	m.log.Debugf("planted %d breakpoints (%d failed)", m.bps.Len(), len(m.plantErrs))
}

// diagnoseTrap logs what sits at the address of a trap we did not plant.
// The go runtime pads functions with traps and cgo code can carry its
// own, so these are reported but not treated as errors.
func (m *Machine) diagnoseTrap(pc uint64) {
	if m.arch.Name != "amd64" {
		m.log.Warnf("unexpected trap at %#x", pc)
		return
	}
	code := make([]byte, 16)
	n, err := m.ctl.ReadMemory(code, pc)
	if err != nil || n == 0 {
		m.log.Warnf("unexpected trap at %#x", pc)
		return
	}
	inst, err := x86asm.Decode(code[:n], 64)
	if err != nil {
		m.log.Warnf("unexpected trap at %#x: % x", pc, code[:n])
		return
	}
	m.log.Warnf("unexpected trap at %#x: %s", pc, x86asm.GoSyntax(inst, pc, nil))
}

// Shutdown kills and reaps the child if the run did not reach its natural
// end. Safe to call at any phase.
func (m *Machine) Shutdown() {
	if m.phase == PhaseInit || m.phase == PhaseEnd {
		return
	}
	if err := m.ctl.Kill(); err != nil {
		m.log.Warnf("could not kill process %d: %v", m.pid, err)
		return
	}
	for m.phase != PhaseEnd {
		ev, err := m.ctl.Wait()
		if err != nil {
			return
		}
		if ev.Kind == EventExit {
			m.exitCode = ev.Status
			m.phase = PhaseEnd
			return
		}
		// Threads stopping on the way down just get pushed along.
		m.ctl.Continue(ev.Tid, 0)
	}
}
