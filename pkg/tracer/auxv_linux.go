//go:build amd64 || arm64

package tracer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	_AT_NULL  = 0
	_AT_ENTRY = 9
)

// entryPointFromAuxv searches the elf auxiliary vector for the entry
// point address. The vector is a sequence of tag and value pairs of
// pointer size, terminated by AT_NULL.
func entryPointFromAuxv(auxv []byte, ptrSize int) uint64 {
	rd := bytes.NewBuffer(auxv)

	for {
		tag, err := readUintRaw(rd, ptrSize)
		if err != nil {
			return 0
		}
		val, err := readUintRaw(rd, ptrSize)
		if err != nil {
			return 0
		}

		switch tag {
		case _AT_NULL:
			return 0
		case _AT_ENTRY:
			return val
		}
	}
}

func readUintRaw(rd io.Reader, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var n uint32
		if err := binary.Read(rd, binary.LittleEndian, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(rd, binary.LittleEndian, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}
