package tracer

import (
	"debug/elf"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

const _AARCH64_GREGS_SIZE = 34 * 8

// arm64PtraceRegs mirrors the user_pt_regs structure the kernel fills
// for PTRACE_GETREGSET with NT_PRSTATUS.
type arm64PtraceRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

// The classic PTRACE_GETREGS request does not exist on arm64, registers
// travel through regsets instead.
func ptraceGetGRegs(pid int, regs *arm64PtraceRegs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs)), Len: _AARCH64_GREGS_SIZE}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(pid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func ptraceSetGRegs(pid int, regs *arm64PtraceRegs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs)), Len: _AARCH64_GREGS_SIZE}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(pid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func (p *nativeProcess) readPC(tid int) (uint64, error) {
	var (
		regs arm64PtraceRegs
		err  error
	)
	p.execPtraceFunc(func() { err = ptraceGetGRegs(tid, &regs) })
	if err != nil {
		return 0, err
	}
	return regs.Pc, nil
}

func (p *nativeProcess) setPC(tid int, pc uint64) error {
	var (
		regs arm64PtraceRegs
		err  error
	)
	p.execPtraceFunc(func() { err = ptraceGetGRegs(tid, &regs) })
	if err != nil {
		return err
	}
	regs.Pc = pc
	p.execPtraceFunc(func() { err = ptraceSetGRegs(tid, &regs) })
	return err
}
