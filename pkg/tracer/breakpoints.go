package tracer

import (
	"fmt"
	"sort"
)

// MemoryReadWriter lets the breakpoint code patch the image of a live
// process without knowing how the bytes get there.
type MemoryReadWriter interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
	WriteMemory(addr uint64, data []byte) (int, error)
}

// Breakpoint is one instrumented address in a live process.
type Breakpoint struct {
	// Addr is the address in the running process.
	Addr uint64
	// FileAddr is the address as recorded in the binary image. Traces are
	// keyed by it so that coverage from repeated runs lines up even when
	// the loader relocates the image.
	FileAddr uint64
	File     string
	Line     int

	// OriginalData holds the instruction bytes the trap replaced.
	OriginalData []byte
	// Restored is set once the original bytes are back in place. Traps
	// observed afterwards were already in flight and still count as hits.
	Restored bool

	HitCount uint64
}

// PlantError records one address that could not be instrumented.
type PlantError struct {
	Addr uint64
	Err  error
}

func (e PlantError) Error() string {
	return fmt.Sprintf("could not set breakpoint at %#x: %v", e.Addr, e.Err)
}

// BreakpointMap holds the breakpoints of one traced process, keyed by
// their address in the running image.
type BreakpointMap struct {
	m map[uint64]*Breakpoint
}

// NewBreakpointMap creates an empty breakpoint map.
func NewBreakpointMap() *BreakpointMap {
	return &BreakpointMap{m: make(map[uint64]*Breakpoint)}
}

// Get returns the breakpoint planted at addr, if any.
func (bpmap *BreakpointMap) Get(addr uint64) (*Breakpoint, bool) {
	bp, ok := bpmap.m[addr]
	return bp, ok
}

// Len returns the number of planted breakpoints.
func (bpmap *BreakpointMap) Len() int {
	return len(bpmap.m)
}

// Addresses returns the planted addresses in ascending order.
func (bpmap *BreakpointMap) Addresses() []uint64 {
	addrs := make([]uint64, 0, len(bpmap.m))
	for addr := range bpmap.m {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Plant saves the original instruction bytes at addr and writes the trap
// instruction over them. The breakpoint is only registered in the map
// when both memory operations succeed, so a failed plant leaves nothing
// to restore.
func (bpmap *BreakpointMap) Plant(mem MemoryReadWriter, arch *Arch, bp *Breakpoint) error {
	if _, exists := bpmap.m[bp.Addr]; exists {
		return nil
	}
	bp.OriginalData = make([]byte, arch.BreakpointSize())
	if _, err := mem.ReadMemory(bp.OriginalData, bp.Addr); err != nil {
		return PlantError{Addr: bp.Addr, Err: err}
	}
	if _, err := mem.WriteMemory(bp.Addr, arch.BreakpointInstruction); err != nil {
		return PlantError{Addr: bp.Addr, Err: err}
	}
	bpmap.m[bp.Addr] = bp
	return nil
}

// Restore puts the original instruction bytes back. The breakpoint stays
// in the map so that traps already in flight can still be attributed.
func (bpmap *BreakpointMap) Restore(mem MemoryReadWriter, bp *Breakpoint) error {
	if bp.Restored {
		return nil
	}
	if _, err := mem.WriteMemory(bp.Addr, bp.OriginalData); err != nil {
		return fmt.Errorf("could not restore instruction at %#x: %v", bp.Addr, err)
	}
	bp.Restored = true
	return nil
}

// RestoreAll puts every planted breakpoint back to its original bytes.
// Used when detaching from a process that keeps running.
func (bpmap *BreakpointMap) RestoreAll(mem MemoryReadWriter) error {
	var first error
	for _, addr := range bpmap.Addresses() {
		if err := bpmap.Restore(mem, bpmap.m[addr]); err != nil && first == nil {
			first = err
		}
	}
	return first
}
