package tracer

import (
	sys "golang.org/x/sys/unix"
)

func (p *nativeProcess) readPC(tid int) (uint64, error) {
	var (
		regs sys.PtraceRegs
		err  error
	)
	p.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return 0, err
	}
	return regs.Rip, nil
}

func (p *nativeProcess) setPC(tid int, pc uint64) error {
	var (
		regs sys.PtraceRegs
		err  error
	)
	p.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return err
	}
	regs.Rip = pc
	p.execPtraceFunc(func() { err = sys.PtraceSetRegs(tid, &regs) })
	return err
}
