//go:build amd64 || arm64

package tracer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"syscall"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/tracecov/tracecov/pkg/logflags"
)

// Process statuses from /proc/<pid>/stat.
const (
	statusZombie = 'Z'
)

func backendAvailable() error { return nil }

// nativeProcess drives one ptraced child. All ptrace requests are
// funneled through a single locked OS thread because the kernel rejects
// them from any thread other than the original tracer.
type nativeProcess struct {
	spec LaunchSpec

	cmd     *exec.Cmd
	pid     int
	comm    string
	threads map[int]bool

	// memTid is the thread whose ptrace-stop we are currently handling.
	// Memory and register requests must go through a stopped thread.
	memTid int

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	exited bool

	log logflags.Logger
}

func launchProcess(spec LaunchSpec) (Controller, error) {
	p := &nativeProcess{
		spec:           spec,
		threads:        make(map[int]bool),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.PtraceLogger(),
	}
	go p.handlePtraceFuncs()
	return p, nil
}

func (p *nativeProcess) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread while
	// invoking the ptrace(2) syscall. This is due to the fact that ptrace(2)
	// expects all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- nil
	}
}

func (p *nativeProcess) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

func (p *nativeProcess) postExit() {
	if p.exited {
		return
	}
	p.exited = true
	close(p.ptraceChan)
}

// Start spawns the child stopped at its execve trap and puts it under
// PTRACE_O_TRACECLONE so new threads are traced from birth.
func (p *nativeProcess) Start() (int, error) {
	var err error
	p.execPtraceFunc(func() {
		cmd := exec.Command(p.spec.Path)
		cmd.Args = append([]string{p.spec.Path}, p.spec.Args...)
		cmd.Dir = p.spec.Dir
		cmd.Env = p.spec.Env
		cmd.Stdout = p.spec.Stdout
		cmd.Stderr = p.spec.Stderr
		if cmd.Stdout == nil {
			cmd.Stdout = os.Stdout
		}
		if cmd.Stderr == nil {
			cmd.Stderr = os.Stderr
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		err = cmd.Start()
		p.cmd = cmd
	})
	if err != nil {
		p.postExit()
		return 0, err
	}
	p.pid = p.cmd.Process.Pid
	p.comm = readComm(p.pid)
	if _, _, err := p.wait(p.pid, 0); err != nil {
		p.Kill()
		p.postExit()
		return 0, fmt.Errorf("waiting for target execve failed: %s", err)
	}
	if err := p.setOptions(p.pid); err != nil {
		p.Kill()
		p.postExit()
		return 0, err
	}
	p.threads[p.pid] = true
	p.memTid = p.pid
	p.log.Debugf("launched %s as process %d", p.spec.Path, p.pid)
	return p.pid, nil
}

// Wait blocks until a stop or the exit of the child. Thread bookkeeping
// is resolved here: clones are registered and resumed on both sides,
// thread exits are absorbed, and only stops the state machine has to
// react to are surfaced.
func (p *nativeProcess) Wait() (Event, error) {
	if p.exited {
		return Event{}, ErrProcessExited{Pid: p.pid}
	}
	for {
		wpid, status, err := p.wait(-1, 0)
		if err != nil {
			return Event{}, fmt.Errorf("wait err %s %d", err, p.pid)
		}
		if wpid == 0 {
			continue
		}
		if status == nil || status.Exited() || status.Signaled() {
			if wpid == p.pid {
				code := 0
				switch {
				case status == nil:
					// Leader turned zombie without a reapable status.
				case status.Signaled():
					code = 128 + int(status.Signal())
				default:
					code = status.ExitStatus()
				}
				p.postExit()
				return Event{Kind: EventExit, Status: code}, nil
			}
			delete(p.threads, wpid)
			continue
		}
		if status.StopSignal() == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE {
			// A traced thread has cloned a new thread, grab the pid and
			// add it to our list of traced threads.
			var cloned uint
			p.execPtraceFunc(func() { cloned, err = sys.PtraceGetEventMsg(wpid) })
			if err != nil {
				if err == sys.ESRCH {
					// thread died while we were adding it
					continue
				}
				return Event{}, fmt.Errorf("could not get event message: %s", err)
			}
			if err := p.addThread(int(cloned)); err != nil {
				if err == sys.ESRCH {
					delete(p.threads, int(cloned))
					continue
				}
				return Event{}, err
			}
			p.log.Debugf("thread %d cloned %d", wpid, cloned)
			if err := p.resume(int(cloned), 0); err != nil && err != sys.ESRCH {
				return Event{}, fmt.Errorf("could not continue new thread %d %s", cloned, err)
			}
			if err := p.resume(wpid, 0); err != nil && err != sys.ESRCH {
				return Event{}, fmt.Errorf("could not continue existing thread %d %s", wpid, err)
			}
			continue
		}
		if !p.threads[wpid] {
			// A thread can stop before the clone event of its parent is
			// delivered. Leave it stopped, the clone event resumes it.
			p.log.Debugf("stop from unknown thread %d", wpid)
			continue
		}
		p.memTid = wpid
		return Event{Kind: EventStop, Tid: wpid, Sig: status.StopSignal()}, nil
	}
}

// Continue resumes a stopped thread, delivering sig if non zero.
func (p *nativeProcess) Continue(tid int, sig syscall.Signal) error {
	if p.exited {
		return ErrProcessExited{Pid: p.pid}
	}
	err := p.resume(tid, sig)
	if err == sys.ESRCH {
		// Thread died in the window between its stop and our resume. Its
		// exit shows up through wait.
		delete(p.threads, tid)
		return nil
	}
	return err
}

func (p *nativeProcess) resume(tid int, sig syscall.Signal) error {
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceCont(tid, int(sig)) })
	return err
}

func (p *nativeProcess) ReadPC(tid int) (uint64, error) {
	if p.exited {
		return 0, ErrProcessExited{Pid: p.pid}
	}
	return p.readPC(tid)
}

func (p *nativeProcess) SetPC(tid int, pc uint64) error {
	if p.exited {
		return ErrProcessExited{Pid: p.pid}
	}
	return p.setPC(tid, pc)
}

func (p *nativeProcess) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	if p.exited {
		return 0, ErrProcessExited{Pid: p.pid}
	}
	p.execPtraceFunc(func() { n, err = sys.PtracePeekData(p.memTid, uintptr(addr), buf) })
	return
}

func (p *nativeProcess) WriteMemory(addr uint64, data []byte) (written int, err error) {
	if p.exited {
		return 0, ErrProcessExited{Pid: p.pid}
	}
	p.execPtraceFunc(func() { written, err = sys.PtracePokeData(p.memTid, uintptr(addr), data) })
	return
}

// EntryPoint reads the runtime entry point of the child from its elf
// auxiliary vector.
func (p *nativeProcess) EntryPoint() (uint64, error) {
	auxv, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", p.pid))
	if err != nil {
		return 0, fmt.Errorf("could not read auxiliary vector: %v", err)
	}
	return entryPointFromAuxv(auxv, 8), nil
}

// Kill delivers SIGKILL to the whole process group of the child. The
// exit is observed through Wait, which also reaps the zombie.
func (p *nativeProcess) Kill() error {
	if p.exited || p.pid == 0 {
		return nil
	}
	if err := sys.Kill(-p.pid, sys.SIGKILL); err != nil {
		return errors.New("could not deliver signal " + err.Error())
	}
	return nil
}

// addThread puts a newly cloned thread under the same ptrace options as
// the rest of the process.
func (p *nativeProcess) addThread(tid int) error {
	if p.threads[tid] {
		return nil
	}
	var err error
	p.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, syscall.PTRACE_O_TRACECLONE) })
	if err == syscall.ESRCH {
		// The thread has not arrived in its first stop yet.
		if _, _, werr := p.waitFast(tid); werr != nil {
			return fmt.Errorf("error while waiting after adding thread: %d %s", tid, werr)
		}
		p.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, syscall.PTRACE_O_TRACECLONE) })
	}
	if err != nil {
		return err
	}
	p.threads[tid] = true
	return nil
}

func (p *nativeProcess) setOptions(tid int) error {
	var err error
	p.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, syscall.PTRACE_O_TRACECLONE) })
	if err != nil {
		return fmt.Errorf("could not set ptrace options for %d: %s", tid, err)
	}
	return nil
}

// waitFast is like wait but does not handle the zombie leader case.
func (p *nativeProcess) waitFast(pid int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	wpid, err := sys.Wait4(pid, &s, sys.WALL, nil)
	return wpid, &s, err
}

func (p *nativeProcess) wait(pid, options int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	if pid != p.pid || options != 0 {
		wpid, err := sys.Wait4(pid, &s, sys.WALL|options, nil)
		return wpid, &s, err
	}
	// If we call wait4/waitpid on a thread that is the leader of its group,
	// with options == 0, while ptracing and the thread leader has exited leaving
	// zombies of its own then waitpid hangs forever this is apparently intended
	// behaviour in the linux kernel because it's just so convenient.
	// Therefore we call wait4 in a loop with WNOHANG, sleeping a while between
	// calls and exiting when either wait4 succeeds or we find out that the thread
	// has become a zombie.
	// References:
	// https://sourceware.org/bugzilla/show_bug.cgi?id=12702
	// https://sourceware.org/bugzilla/show_bug.cgi?id=10095
	// https://sourceware.org/bugzilla/attachment.cgi?id=5685
	for {
		wpid, err := sys.Wait4(pid, &s, sys.WNOHANG|sys.WALL|options, nil)
		if err != nil {
			return 0, nil, err
		}
		if wpid != 0 {
			return wpid, &s, err
		}
		if status(pid, p.comm) == statusZombie {
			return pid, nil, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// readComm returns the name of the task, needed to parse its stat file.
func readComm(pid int) string {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err == nil {
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}
	if len(comm) == 0 {
		stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			return ""
		}
		expr := fmt.Sprintf("%d\\s*\\((.*)\\)", pid)
		rexp, err := regexp.Compile(expr)
		if err != nil {
			return ""
		}
		match := rexp.FindSubmatch(stat)
		if match == nil {
			return ""
		}
		comm = match[1]
	}
	return strings.ReplaceAll(string(comm), "%", "%%")
}

func status(pid int, comm string) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	rd := bufio.NewReader(f)

	var (
		p     int
		state rune
	)

	// The second field of /proc/pid/stat is the name of the task in parentheses.
	// Since both parenthesis and spaces can appear inside the name of the task
	// and no escaping happens we need to read the name of the executable first.
	_, _ = fmt.Fscanf(rd, "%d ("+comm+")  %c", &p, &state)
	return state
}
