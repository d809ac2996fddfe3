package tracer

// Arch groups the CPU specific knowledge the tracer needs: what a software
// breakpoint looks like and how the program counter behaves after one
// fires.
type Arch struct {
	Name string

	// BreakpointInstruction is written over the original instruction word
	// at every instrumented address.
	BreakpointInstruction []byte

	// BreakInstrMovesPC is true when hitting the breakpoint leaves the
	// program counter after the trap instruction, so it must be rewound
	// before the original instruction can run.
	BreakInstrMovesPC bool

	// PtrSize is the size of a pointer in the traced process.
	PtrSize int
}

// BreakpointSize returns the size of the breakpoint instruction.
func (a *Arch) BreakpointSize() int {
	return len(a.BreakpointInstruction)
}

// TrapAddress derives the breakpoint address from the program counter
// observed after a trap.
func (a *Arch) TrapAddress(pc uint64) uint64 {
	if a.BreakInstrMovesPC {
		return pc - uint64(len(a.BreakpointInstruction))
	}
	return pc
}

var amd64BreakInstruction = []byte{0xCC}

// AMD64Arch returns the description of the x86-64 architecture: INT 3
// traps and a program counter that stops one past the trap byte.
func AMD64Arch() *Arch {
	return &Arch{
		Name:                  "amd64",
		BreakpointInstruction: amd64BreakInstruction,
		BreakInstrMovesPC:     true,
		PtrSize:               8,
	}
}

var arm64BreakInstruction = []byte{0x0, 0x0, 0x20, 0xd4}

// ARM64Arch returns the description of the AArch64 architecture: BRK #0
// traps with the program counter still on the trap instruction.
func ARM64Arch() *Arch {
	return &Arch{
		Name:                  "arm64",
		BreakpointInstruction: arm64BreakInstruction,
		BreakInstrMovesPC:     false,
		PtrSize:               8,
	}
}
