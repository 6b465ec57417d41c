package trigger

import (
	"encoding/binary"
	"fmt"

	"github.com/acqlab/scopetrig/getbytes"
	"golang.org/x/sys/cpu"
)

// Backend names one implementation of the sample scanner.
type Backend string

// Names of the available scan backends. The swarN backends test N samples per
// block using 64-bit words as vectors of 8 signed lanes.
const (
	Scalar Backend = "scalar"
	SWAR8  Backend = "swar8"
	SWAR16 Backend = "swar16"
	SWAR32 Backend = "swar32"
)

// Backends lists every scan backend, scalar first.
func Backends() []Backend {
	return []Backend{Scalar, SWAR8, SWAR16, SWAR32}
}

// DetectBackend returns the widest block backend suited to the host CPU.
func DetectBackend() Backend {
	switch {
	case cpu.X86.HasAVX2:
		return SWAR32
	case cpu.X86.HasSSE2, cpu.ARM64.HasASIMD:
		return SWAR16
	}
	return SWAR8
}

// scanner finds the first sample satisfying one of the two trigger comparisons.
// Both methods return -1 when no sample in s qualifies.
type scanner interface {
	indexAtOrBelow(s []int8, v int8) int
	indexAbove(s []int8, v int8) int
}

func newScanner(b Backend) (scanner, error) {
	switch b {
	case Scalar:
		return scalarScanner{}, nil
	case SWAR8:
		return swarScanner{block: 8}, nil
	case SWAR16:
		return swarScanner{block: 16}, nil
	case SWAR32:
		return swarScanner{block: 32}, nil
	}
	return nil, fmt.Errorf("scan backend %q is not recognized", b)
}

type scalarScanner struct{}

func (scalarScanner) indexAtOrBelow(s []int8, v int8) int {
	return scalarAtOrBelow(s, v)
}

func (scalarScanner) indexAbove(s []int8, v int8) int {
	return scalarAbove(s, v)
}

func scalarAtOrBelow(s []int8, v int8) int {
	for i, x := range s {
		if x <= v {
			return i
		}
	}
	return -1
}

func scalarAbove(s []int8, v int8) int {
	for i, x := range s {
		if x > v {
			return i
		}
	}
	return -1
}

const (
	lanesLSB uint64 = 0x0101010101010101
	lanesMSB uint64 = 0x8080808080808080
)

// broadcast fills all 8 lanes with v, biased so that unsigned lane order
// matches signed sample order.
func broadcast(v int8) uint64 {
	return lanesLSB * uint64(uint8(v)^0x80)
}

// lessMask sets the top bit of each lane where a < b, comparing lanes as
// unsigned bytes. No borrow crosses a lane boundary.
func lessMask(a, b uint64) uint64 {
	diff := ((a | lanesMSB) - (b &^ lanesMSB)) ^ ((a ^ ^b) & lanesMSB)
	return ((^a & b) | (^(a ^ b) & diff)) & lanesMSB
}

// swarScanner tests whole blocks for any matching lane, then rescans the
// first matching block with the scalar routine to find the exact index.
// block is a multiple of 8.
type swarScanner struct {
	block int
}

func (w swarScanner) indexAtOrBelow(s []int8, v int8) int {
	b := getbytes.FromSliceInt8(s)
	t := broadcast(v)
	i := 0
	for ; i+w.block <= len(b); i += w.block {
		var hit uint64
		for k := i; k < i+w.block; k += 8 {
			x := binary.LittleEndian.Uint64(b[k:k+8]) ^ lanesMSB
			// sample <= v is the same as !(v < sample)
			hit |= ^lessMask(t, x)
		}
		if hit&lanesMSB != 0 {
			return i + scalarAtOrBelow(s[i:i+w.block], v)
		}
	}
	if j := scalarAtOrBelow(s[i:], v); j >= 0 {
		return i + j
	}
	return -1
}

func (w swarScanner) indexAbove(s []int8, v int8) int {
	b := getbytes.FromSliceInt8(s)
	t := broadcast(v)
	i := 0
	for ; i+w.block <= len(b); i += w.block {
		var hit uint64
		for k := i; k < i+w.block; k += 8 {
			x := binary.LittleEndian.Uint64(b[k:k+8]) ^ lanesMSB
			hit |= lessMask(t, x)
		}
		if hit != 0 {
			return i + scalarAbove(s[i:i+w.block], v)
		}
	}
	if j := scalarAbove(s[i:], v); j >= 0 {
		return i + j
	}
	return -1
}
