package marshal

import (
	"unsafe"

	"github.com/tinyrange/p4jit/internal/config"
)

// Capability flags for device memory allocations, mirroring the
// bitfield the original ALLOC command accepts (SPI-RAM vs internal
// RAM, access width). Array.Caps overrides the default when set.
const (
	CapSPIRAM   uint32 = 1 << 0
	CapInternal uint32 = 1 << 1
	Cap8Bit     uint32 = 1 << 4
	Cap32Bit    uint32 = 1 << 5
)

// DefaultCaps is used for a pointer argument with no attached
// capability override: SPI-RAM, 8-bit access, matching the
// original's smart_args.py default.
const DefaultCaps = CapSPIRAM | Cap8Bit

// Array is a host-side contiguous numeric array passed as a pointer
// argument. It aliases the caller's backing slice in place (via
// unsafe.Slice, the same raw-pointer-aliasing idiom tinyrange/cc's KVM
// and bindings/c packages use for C interop) so sync_back can write
// modified device data directly back into the caller's storage
// without a copy-out step.
type Array struct {
	ptr      unsafe.Pointer
	elemSize int
	length   int
	shape    []int
	dtype    config.DType

	// Caps optionally overrides DefaultCaps for this array's backing
	// allocation (the original's per-array `_p4_caps` attribute).
	Caps *uint32
}

func newArray(ptr unsafe.Pointer, elemSize, length int, dtype config.DType) Array {
	return Array{ptr: ptr, elemSize: elemSize, length: length, shape: []int{length}, dtype: dtype}
}

// Int8Array wraps s as a pointer argument of C type int8_t/char.
func Int8Array(s []int8) Array { return newArray(sliceData(s), 1, len(s), config.DI8) }

// Uint8Array wraps s as a pointer argument of C type uint8_t.
func Uint8Array(s []uint8) Array { return newArray(sliceData(s), 1, len(s), config.DU8) }

// Int16Array wraps s as a pointer argument of C type int16_t.
func Int16Array(s []int16) Array { return newArray(sliceData(s), 2, len(s), config.DI16) }

// Uint16Array wraps s as a pointer argument of C type uint16_t.
func Uint16Array(s []uint16) Array { return newArray(sliceData(s), 2, len(s), config.DU16) }

// Int32Array wraps s as a pointer argument of C type int32_t.
func Int32Array(s []int32) Array { return newArray(sliceData(s), 4, len(s), config.DI32) }

// Uint32Array wraps s as a pointer argument of C type uint32_t.
func Uint32Array(s []uint32) Array { return newArray(sliceData(s), 4, len(s), config.DU32) }

// Int64Array wraps s as a pointer argument of C type int64_t.
func Int64Array(s []int64) Array { return newArray(sliceData(s), 8, len(s), config.DI64) }

// Uint64Array wraps s as a pointer argument of C type uint64_t.
func Uint64Array(s []uint64) Array { return newArray(sliceData(s), 8, len(s), config.DU64) }

// Float32Array wraps s as a pointer argument of C type float.
func Float32Array(s []float32) Array { return newArray(sliceData(s), 4, len(s), config.DF32) }

// Float64Array wraps s as a pointer argument of C type double.
func Float64Array(s []float64) Array { return newArray(sliceData(s), 8, len(s), config.DF64) }

func sliceData[T any](s []T) unsafe.Pointer {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Pointer(&s[0])
}

// WithCaps returns a copy of a with Caps set to caps.
func (a Array) WithCaps(caps uint32) Array {
	a.Caps = &caps
	return a
}

// DType reports the array's element C-dtype.
func (a Array) DType() config.DType { return a.dtype }

// Shape reports the array's element-count shape (flat, one dimension,
// since p4jit only ever deals with contiguous 1-D transfers).
func (a Array) Shape() []int { return a.shape }

// Len reports the element count.
func (a Array) Len() int { return a.length }

// Bytes returns a byte-slice view over the array's backing storage.
// Writes through it (as sync_back performs) mutate the caller's
// original slice in place.
func (a Array) Bytes() []byte {
	if a.length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(a.ptr), a.length*a.elemSize)
}

// ByteLen returns the array's size in bytes.
func (a Array) ByteLen() int { return a.length * a.elemSize }
