// Package getbytes reinterprets sample slices as raw bytes and back without copying.
// Callers must treat the returned slices as aliases of their argument.
package getbytes

import (
	"unsafe"
)

// Fixed is the set of fixed-size numeric types that can be viewed as bytes.
type Fixed interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// FromSlice views a []T as []byte using unsafe, in host byte order
func FromSlice[T Fixed](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromSliceInt8 convert a []int8 to []byte using unsafe
func FromSliceInt8(d []int8) []byte {
	return FromSlice(d)
}

// ToSliceInt8 convert a []byte to []int8 using unsafe
func ToSliceInt8(b []byte) []int8 {
	if len(b) == 0 {
		return []int8{}
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&b[0])), len(b))
}
