package tracer

import (
	"debug/dwarf"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tracecov/tracecov/pkg/goversion"
	"github.com/tracecov/tracecov/pkg/logflags"
)

// ErrNoLineInfo is returned for binaries carrying neither DWARF line
// programs nor a go runtime line table. Such a binary can still run, it
// just produces no coverage.
var ErrNoLineInfo = errors.New("binary carries no line information")

const dwarfGoLanguage = 22 // DW_LANG_Go

// BinaryInfo maps the source lines of a test binary to the addresses of
// their first instructions. Line data comes from the DWARF line programs
// when present, otherwise from the pclntab the go runtime embeds for its
// own tracebacks.
type BinaryInfo struct {
	Path string

	arch  *Arch
	entry uint64

	// lineAddrs maps file to line to the statement addresses the
	// compiler attributed to it, as recorded in the image.
	lineAddrs map[string]map[int][]uint64
	sources   []string
	pcln      *gosym.Table

	compileUnits int
	optimized    int
	producer     string

	log logflags.Logger
}

// OpenBinary reads the line information of the executable at path. The
// file is fully digested and not kept open.
func OpenBinary(path string) (*BinaryInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %v", path, err)
	}
	defer f.Close()

	bi := &BinaryInfo{
		Path:      path,
		entry:     f.Entry,
		lineAddrs: make(map[string]map[int][]uint64),
		log:       logflags.DebugLineLogger(),
	}
	switch f.Machine {
	case elf.EM_X86_64:
		bi.arch = AMD64Arch()
	case elf.EM_AARCH64:
		bi.arch = ARM64Arch()
	default:
		return nil, &ErrUnsupportedArch{Machine: f.Machine.String()}
	}

	if dw, err := f.DWARF(); err == nil {
		bi.loadDWARFLines(dw)
	} else {
		bi.log.Debugf("no DWARF in %s: %v", path, err)
	}
	if len(bi.lineAddrs) == 0 {
		tab, err := loadPclntab(f)
		if err != nil {
			bi.log.Debugf("no pclntab in %s: %v", path, err)
			return nil, ErrNoLineInfo
		}
		bi.pcln = tab
		for file := range tab.Files {
			bi.sources = append(bi.sources, file)
		}
	} else {
		for file := range bi.lineAddrs {
			bi.sources = append(bi.sources, file)
		}
	}
	sort.Strings(bi.sources)

	if bi.optimized > 0 {
		bi.log.Warnf("%d of %d compile units in %s were built with optimizations, line data may be incomplete; build with -gcflags='all=-N -l'",
			bi.optimized, bi.compileUnits, path)
	}
	if err := goversion.Compatible(bi.producer); err != nil {
		bi.log.Warnf("%s: %v", path, err)
	}
	return bi, nil
}

// Arch returns the architecture the binary was compiled for.
func (bi *BinaryInfo) Arch() *Arch { return bi.arch }

// Entry returns the entry point recorded in the image header.
func (bi *BinaryInfo) Entry() uint64 { return bi.entry }

// Sources returns the source files the binary carries line data for, in
// sorted order.
func (bi *BinaryInfo) Sources() []string { return bi.sources }

// Producer returns the DW_AT_producer string of the first go compile
// unit, empty for stripped or foreign binaries.
func (bi *BinaryInfo) Producer() string { return bi.producer }

// LineSource names where the line data came from.
func (bi *BinaryInfo) LineSource() string {
	if bi.pcln != nil {
		return "pclntab"
	}
	return "dwarf"
}

// LineAddresses returns the image addresses of the statements the
// compiler attributed to file:line, nil when the binary has no code
// there. The pclntab fallback yields at most one address per line.
func (bi *BinaryInfo) LineAddresses(file string, line int) []uint64 {
	if bi.pcln != nil {
		pc, _, err := bi.pcln.LineToPC(file, line)
		if err != nil {
			return nil
		}
		return []uint64{pc}
	}
	lines := bi.lineAddrs[file]
	if lines == nil {
		return nil
	}
	return lines[line]
}

// loadDWARFLines folds every statement entry of every line program into
// the file to line to addresses map.
func (bi *BinaryInfo) loadDWARFLines(dw *dwarf.Data) {
	rdr := dw.Reader()
	for {
		entry, err := rdr.Next()
		if err != nil {
			bi.log.Warnf("error reading DWARF of %s: %v", bi.Path, err)
			break
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			rdr.SkipChildren()
			continue
		}
		bi.compileUnits++
		lang, _ := entry.Val(dwarf.AttrLanguage).(int64)
		if lang == dwarfGoLanguage {
			producer, _ := entry.Val(dwarf.AttrProducer).(string)
			if producerOptimized(producer) {
				bi.optimized++
			}
			if bi.producer == "" {
				bi.producer = producer
			}
		}
		lr, err := dw.LineReader(entry)
		if err != nil || lr == nil {
			rdr.SkipChildren()
			continue
		}
		var le dwarf.LineEntry
		for {
			err := lr.Next(&le)
			if err == io.EOF {
				break
			}
			if err != nil {
				name, _ := entry.Val(dwarf.AttrName).(string)
				bi.log.Warnf("error reading line program of %s: %v", name, err)
				break
			}
			if le.EndSequence || !le.IsStmt || le.File == nil {
				continue
			}
			bi.addLineAddr(le.File.Name, le.Line, le.Address)
		}
		rdr.SkipChildren()
	}
	bi.dedupLineAddrs()
}

func (bi *BinaryInfo) addLineAddr(file string, line int, addr uint64) {
	lines := bi.lineAddrs[file]
	if lines == nil {
		lines = make(map[int][]uint64)
		bi.lineAddrs[file] = lines
	}
	lines[line] = append(lines[line], addr)
}

// dedupLineAddrs sorts each address list and drops duplicates, which the
// line programs emit freely.
func (bi *BinaryInfo) dedupLineAddrs() {
	for _, lines := range bi.lineAddrs {
		for line, addrs := range lines {
			sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
			out := addrs[:0]
			for i, addr := range addrs {
				if i == 0 || addr != addrs[i-1] {
					out = append(out, addr)
				}
			}
			lines[line] = out
		}
	}
}

// producerOptimized reports whether a go compile unit was built without
// -N -l. The compiler records its flags after a semicolon in the
// producer string; no recorded flags means the default, optimized build.
func producerOptimized(producer string) bool {
	if producer == "" {
		return false
	}
	semi := strings.Index(producer, ";")
	if semi < 0 {
		return true
	}
	flags := producer[semi:]
	return !strings.Contains(flags, "-N") || !strings.Contains(flags, "-l")
}

// loadPclntab builds a symbol table from the runtime line table of a
// stripped binary.
func loadPclntab(f *elf.File) (*gosym.Table, error) {
	sec := f.Section(".gopclntab")
	if sec == nil {
		// PIE binaries relocate the table into the data segment.
		sec = f.Section(".data.rel.ro.gopclntab")
	}
	if sec == nil {
		return nil, errors.New("no .gopclntab section")
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	var textStart uint64
	if text := f.Section(".text"); text != nil {
		textStart = text.Addr
	}
	var symtab []byte
	if sym := f.Section(".gosymtab"); sym != nil {
		symtab, _ = sym.Data()
	}
	return gosym.NewTable(symtab, gosym.NewLineTable(data, textStart))
}
