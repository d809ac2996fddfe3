package tracer_test

import (
	"errors"
	"syscall"
	"testing"

	"github.com/tracecov/tracecov/pkg/branch"
	"github.com/tracecov/tracecov/pkg/tracer"
	"github.com/tracecov/tracecov/pkg/traces"
)

type writeCall struct {
	addr uint64
	data byte
}

type continueCall struct {
	tid int
	sig syscall.Signal
}

type scriptEvent struct {
	ev tracer.Event
	pc uint64
}

// fakeProc scripts the behavior of a traced process so the state machine
// can be exercised without ptrace.
type fakeProc struct {
	pid    int
	entry  uint64
	script []scriptEvent

	startErr   error
	failWrites map[uint64]bool

	mem       map[uint64]byte
	pcs       map[int]uint64
	writes    []writeCall
	continues []continueCall
	setPCs    []uint64
	killed    bool
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{
		pid:        pid,
		failWrites: make(map[uint64]bool),
		mem:        make(map[uint64]byte),
		pcs:        make(map[int]uint64),
	}
}

func (f *fakeProc) emit(ev tracer.Event, pc uint64) {
	f.script = append(f.script, scriptEvent{ev: ev, pc: pc})
}

func (f *fakeProc) Start() (int, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	return f.pid, nil
}

func (f *fakeProc) Wait() (tracer.Event, error) {
	if len(f.script) == 0 {
		return tracer.Event{}, errors.New("fake process has no more events")
	}
	next := f.script[0]
	f.script = f.script[1:]
	if next.ev.Kind == tracer.EventStop {
		f.pcs[next.ev.Tid] = next.pc
	}
	return next.ev, nil
}

func (f *fakeProc) Continue(tid int, sig syscall.Signal) error {
	f.continues = append(f.continues, continueCall{tid: tid, sig: sig})
	return nil
}

func (f *fakeProc) ReadPC(tid int) (uint64, error) {
	return f.pcs[tid], nil
}

func (f *fakeProc) SetPC(tid int, pc uint64) error {
	f.setPCs = append(f.setPCs, pc)
	f.pcs[tid] = pc
	return nil
}

func (f *fakeProc) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		b, ok := f.mem[addr+uint64(i)]
		if !ok {
			b = 0x90
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (f *fakeProc) WriteMemory(addr uint64, data []byte) (int, error) {
	if f.failWrites[addr] {
		return 0, errors.New("input/output error")
	}
	for i := range data {
		f.mem[addr+uint64(i)] = data[i]
	}
	f.writes = append(f.writes, writeCall{addr: addr, data: data[0]})
	return len(data), nil
}

func (f *fakeProc) EntryPoint() (uint64, error) {
	return f.entry, nil
}

func (f *fakeProc) Kill() error {
	f.killed = true
	return nil
}

func runMachine(t *testing.T, m *tracer.Machine, tm *traces.TraceMap) {
	t.Helper()
	for i := 0; !m.Finished(); i++ {
		if i > 100 {
			t.Fatalf("machine did not finish after %d steps", i)
		}
		if err := m.Step(tm); err != nil {
			t.Fatalf("step in phase %s: %v", m.Phase(), err)
		}
	}
}

func twoTraceMap() *traces.TraceMap {
	tm := traces.New(branch.NewContext())
	tm.Add("main.go", 5, 0x1000)
	tm.Add("main.go", 6, 0x1010)
	return tm
}

func traceHits(t *testing.T, tm *traces.TraceMap, addr uint64) uint64 {
	t.Helper()
	for _, tr := range tm.FileTraces("main.go") {
		if tr.Address == addr {
			return tr.Hits
		}
	}
	t.Fatalf("no trace at %#x", addr)
	return 0
}

func TestMachineRunToCompletion(t *testing.T) {
	f := newFakeProc(7)
	f.entry = 0x400000
	f.emit(tracer.Event{Kind: tracer.EventStop, Tid: 7, Sig: syscall.SIGTRAP}, 0x1001)
	f.emit(tracer.Event{Kind: tracer.EventExit, Status: 0}, 0)

	tm := twoTraceMap()
	m := tracer.NewMachine(f, tracer.AMD64Arch(), 0x400000)
	runMachine(t, m, tm)

	if code := m.ExitCode(); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if hits := traceHits(t, tm, 0x1000); hits != 1 {
		t.Errorf("hits at 0x1000 = %d, want 1", hits)
	}
	if hits := traceHits(t, tm, 0x1010); hits != 0 {
		t.Errorf("hits at 0x1010 = %d, want 0", hits)
	}
	if m.Breakpoints().Len() != 2 {
		t.Errorf("planted %d breakpoints, want 2", m.Breakpoints().Len())
	}
	// Plant writes a trap at both addresses, the hit restores one.
	want := []writeCall{{0x1000, 0xCC}, {0x1010, 0xCC}, {0x1000, 0x90}}
	if len(f.writes) != len(want) {
		t.Fatalf("memory writes = %v, want %v", f.writes, want)
	}
	for i := range want {
		if f.writes[i] != want[i] {
			t.Errorf("write %d = %v, want %v", i, f.writes[i], want[i])
		}
	}
	if len(f.setPCs) != 1 || f.setPCs[0] != 0x1000 {
		t.Errorf("pc rewinds = %v, want [0x1000]", f.setPCs)
	}
}

func TestMachinePhantomTrap(t *testing.T) {
	f := newFakeProc(7)
	f.emit(tracer.Event{Kind: tracer.EventStop, Tid: 7, Sig: syscall.SIGTRAP}, 0x1001)
	f.emit(tracer.Event{Kind: tracer.EventStop, Tid: 8, Sig: syscall.SIGTRAP}, 0x1001)
	f.emit(tracer.Event{Kind: tracer.EventExit, Status: 0}, 0)

	tm := twoTraceMap()
	m := tracer.NewMachine(f, tracer.AMD64Arch(), 0)
	runMachine(t, m, tm)

	// Both threads executed the trap before the restore landed, so the
	// line counts twice but the original bytes go back only once.
	if hits := traceHits(t, tm, 0x1000); hits != 2 {
		t.Errorf("hits at 0x1000 = %d, want 2", hits)
	}
	restores := 0
	for _, w := range f.writes {
		if w.addr == 0x1000 && w.data == 0x90 {
			restores++
		}
	}
	if restores != 1 {
		t.Errorf("restored %d times, want 1", restores)
	}
	if len(f.setPCs) != 2 {
		t.Errorf("pc rewinds = %v, want two rewinds to 0x1000", f.setPCs)
	}
}

func TestMachineSignalForwarding(t *testing.T) {
	f := newFakeProc(7)
	f.emit(tracer.Event{Kind: tracer.EventStop, Tid: 7, Sig: syscall.SIGHUP}, 0)
	f.emit(tracer.Event{Kind: tracer.EventStop, Tid: 7, Sig: syscall.SIGSEGV}, 0)
	f.emit(tracer.Event{Kind: tracer.EventExit, Status: 128 + int(syscall.SIGSEGV)}, 0)

	tm := twoTraceMap()
	m := tracer.NewMachine(f, tracer.AMD64Arch(), 0)
	runMachine(t, m, tm)

	if code := m.ExitCode(); code != 128+int(syscall.SIGSEGV) {
		t.Errorf("exit code = %d, want %d", code, 128+int(syscall.SIGSEGV))
	}
	var sigs []syscall.Signal
	for _, c := range f.continues {
		if c.sig != 0 {
			sigs = append(sigs, c.sig)
		}
	}
	if len(sigs) != 2 || sigs[0] != syscall.SIGHUP || sigs[1] != syscall.SIGSEGV {
		t.Errorf("forwarded signals = %v, want [SIGHUP SIGSEGV]", sigs)
	}
}

func TestMachineUnexpectedTrap(t *testing.T) {
	f := newFakeProc(7)
	f.emit(tracer.Event{Kind: tracer.EventStop, Tid: 7, Sig: syscall.SIGTRAP}, 0x2001)
	f.emit(tracer.Event{Kind: tracer.EventExit, Status: 0}, 0)

	tm := twoTraceMap()
	m := tracer.NewMachine(f, tracer.AMD64Arch(), 0)
	runMachine(t, m, tm)

	if hits := traceHits(t, tm, 0x1000); hits != 0 {
		t.Errorf("hits at 0x1000 = %d, want 0", hits)
	}
	if len(f.setPCs) != 0 {
		t.Errorf("pc rewinds = %v, want none for a foreign trap", f.setPCs)
	}
}

func TestMachinePlantFailure(t *testing.T) {
	f := newFakeProc(7)
	f.failWrites[0x1010] = true
	f.emit(tracer.Event{Kind: tracer.EventStop, Tid: 7, Sig: syscall.SIGTRAP}, 0x1001)
	f.emit(tracer.Event{Kind: tracer.EventExit, Status: 0}, 0)

	tm := twoTraceMap()
	m := tracer.NewMachine(f, tracer.AMD64Arch(), 0)
	runMachine(t, m, tm)

	fails := m.PlantFailures()
	if len(fails) != 1 || fails[0].Addr != 0x1010 {
		t.Fatalf("plant failures = %v, want one at 0x1010", fails)
	}
	if m.Breakpoints().Len() != 1 {
		t.Errorf("planted %d breakpoints, want 1", m.Breakpoints().Len())
	}
	if hits := traceHits(t, tm, 0x1000); hits != 1 {
		t.Errorf("hits at 0x1000 = %d, want 1", hits)
	}
}

func TestMachineStaticBase(t *testing.T) {
	f := newFakeProc(7)
	f.entry = 0x500000
	f.emit(tracer.Event{Kind: tracer.EventStop, Tid: 7, Sig: syscall.SIGTRAP}, 0x101001)
	f.emit(tracer.Event{Kind: tracer.EventExit, Status: 0}, 0)

	tm := twoTraceMap()
	m := tracer.NewMachine(f, tracer.AMD64Arch(), 0x400000)
	runMachine(t, m, tm)

	// Image relocated by 0x100000: breakpoints land at the relocated
	// addresses but hits are recorded against the file addresses.
	if _, ok := m.Breakpoints().Get(0x101000); !ok {
		t.Fatalf("no breakpoint at relocated address 0x101000")
	}
	if hits := traceHits(t, tm, 0x1000); hits != 1 {
		t.Errorf("hits at 0x1000 = %d, want 1", hits)
	}
}

func TestMachineStartFailure(t *testing.T) {
	f := newFakeProc(7)
	f.startErr = errors.New("no such file or directory")

	tm := twoTraceMap()
	m := tracer.NewMachine(f, tracer.AMD64Arch(), 0)
	if err := m.Step(tm); err == nil {
		t.Fatalf("expected launch error")
	}
	if !m.Finished() {
		t.Errorf("machine not finished after launch failure")
	}
}

func TestMachineShutdown(t *testing.T) {
	f := newFakeProc(7)
	f.emit(tracer.Event{Kind: tracer.EventExit, Status: 128 + int(syscall.SIGKILL)}, 0)

	tm := twoTraceMap()
	m := tracer.NewMachine(f, tracer.AMD64Arch(), 0)
	if err := m.Step(tm); err != nil {
		t.Fatalf("init step: %v", err)
	}
	m.Shutdown()
	if !f.killed {
		t.Errorf("shutdown did not kill the process")
	}
	if !m.Finished() {
		t.Errorf("machine not finished after shutdown")
	}
	if code := m.ExitCode(); code != 128+int(syscall.SIGKILL) {
		t.Errorf("exit code = %d, want %d", code, 128+int(syscall.SIGKILL))
	}
}
