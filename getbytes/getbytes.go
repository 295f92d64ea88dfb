// Package getbytes converts numeric values and slices to []byte views without
// copying, using unsafe.Slice. The views share memory with the input and match
// the in-memory byte order, which is little-endian on every platform this
// suite targets.
package getbytes

import (
	"unsafe"
)

// FromSliceInt16 converts a []int16 to []byte using unsafe
func FromSliceInt16(d []int16) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromSliceUint64 converts a []uint64 to []byte using unsafe
func FromSliceUint64(d []uint64) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromSliceFloat64 converts a []float64 to []byte using unsafe
func FromSliceFloat64(d []float64) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromUint8 converts a uint8 to []byte using unsafe
func FromUint8(d uint8) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&d)), 1)
}

// FromUint16 converts a uint16 to []byte using unsafe
func FromUint16(d uint16) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&d)), 2)
}

// FromUint32 converts a uint32 to []byte using unsafe
func FromUint32(d uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&d)), 4)
}

// FromUint64 converts a uint64 to []byte using unsafe
func FromUint64(d uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&d)), 8)
}

// FromInt64 converts an int64 to []byte using unsafe
func FromInt64(d int64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&d)), 8)
}

// FromFloat64 converts a float64 to []byte using unsafe
func FromFloat64(d float64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&d)), 8)
}
