// Package mem provides the raw memory layer of the heap: word-granular
// addresses, memory regions and the virtual-memory service used to reserve,
// commit and uncommit the backing store of every generation and side table.
//
// Addresses are real process addresses inside memory obtained from the
// operating system, outside of the Go heap. All heap accesses go through the
// helpers in this file so that the unsafe conversions stay in one place.
package mem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Address is the address of a heap word (or, for side tables, of a byte).
type Address uintptr

const (
	// WordSize is the size of a heap word in bytes.
	WordSize = unsafe.Sizeof(uintptr(0))

	// LogWordSize is log2(WordSize): 2 on 32-bit systems and 3 on 64-bit
	// systems. It is untyped so that it can shift byte and word counts alike.
	LogWordSize = 2 + (8<<(^uint(0)>>63))/16

	// BitsPerWord is the number of bits in a heap word.
	BitsPerWord = 8 * WordSize
)

// Null is the null address. No heap region ever contains it.
const Null Address = 0

// fatalf reports a broken invariant. Heap corruption is never recoverable so
// this panics with an assertion failure and never returns.
func fatalf(format string, args ...interface{}) {
	panic(errors.AssertionFailedf("mem: "+format, args...))
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

// IsPowerOfTwo reports whether v is a power of two.
func IsPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

// AddWords returns a + words*WordSize.
func (a Address) AddWords(words uintptr) Address {
	return a + Address(words*WordSize)
}

// SubWords returns a - words*WordSize.
func (a Address) SubWords(words uintptr) Address {
	return a - Address(words*WordSize)
}

// AlignUp rounds the address up to a multiple of align.
func (a Address) AlignUp(align uintptr) Address {
	return Address(AlignUp(uintptr(a), align))
}

// AlignDown rounds the address down to a multiple of align.
func (a Address) AlignDown(align uintptr) Address {
	return Address(AlignDown(uintptr(a), align))
}

// IsAligned reports whether the address is a multiple of align.
func (a Address) IsAligned(align uintptr) bool {
	return uintptr(a)&(align-1) == 0
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}

// Delta returns the distance from lo to hi in words. hi must not be below lo.
func Delta(hi, lo Address) uintptr {
	if hi < lo {
		fatalf("negative word delta %v - %v", hi, lo)
	}
	return uintptr(hi-lo) / WordSize
}

// ByteDelta returns the distance from lo to hi in bytes.
func ByteDelta(hi, lo Address) uintptr {
	if hi < lo {
		fatalf("negative byte delta %v - %v", hi, lo)
	}
	return uintptr(hi - lo)
}

// Min returns the lower of two addresses.
func Min(a, b Address) Address {
	if a < b {
		return a
	}
	return b
}

// Max returns the higher of two addresses.
func Max(a, b Address) Address {
	if a > b {
		return a
	}
	return b
}

// LoadWord reads the word at a.
func LoadWord(a Address) uintptr {
	return *(*uintptr)(unsafe.Pointer(a))
}

// StoreWord writes the word at a.
func StoreWord(a Address, v uintptr) {
	*(*uintptr)(unsafe.Pointer(a)) = v
}

// LoadAddress reads the address stored in the word at a.
func LoadAddress(a Address) Address {
	return Address(LoadWord(a))
}

// StoreAddress writes an address into the word at a.
func StoreAddress(a Address, v Address) {
	StoreWord(a, uintptr(v))
}

// AtomicLoadAddress reads the word at a with acquire semantics.
func AtomicLoadAddress(a Address) Address {
	return Address(atomic.LoadUintptr((*uintptr)(unsafe.Pointer(a))))
}

// CASWord atomically replaces the word at a with new if it still holds old.
func CASWord(a Address, old, new uintptr) bool {
	return atomic.CompareAndSwapUintptr((*uintptr)(unsafe.Pointer(a)), old, new)
}

// LoadByte reads the byte at a.
func LoadByte(a Address) byte {
	return *(*byte)(unsafe.Pointer(a))
}

// StoreByte writes the byte at a.
func StoreByte(a Address, v byte) {
	*(*byte)(unsafe.Pointer(a)) = v
}

// Words returns the n words starting at a as a slice. The slice aliases heap
// memory and must not outlive the current collection or allocation.
func Words(a Address, n uintptr) []uintptr {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uintptr)(unsafe.Pointer(a)), n)
}

// Bytes returns the n bytes starting at a as a slice aliasing the memory.
func Bytes(a Address, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(a)), n)
}

// CopyWords copies n words from src to dst. The ranges may overlap.
func CopyWords(dst, src Address, n uintptr) {
	if n == 0 || dst == src {
		return
	}
	copy(Words(dst, n), Words(src, n))
}

// FillWords sets n words starting at a to v.
func FillWords(a Address, n uintptr, v uintptr) {
	words := Words(a, n)
	for i := range words {
		words[i] = v
	}
}

// SetBytes sets n bytes starting at a to v.
func SetBytes(a Address, n uintptr, v byte) {
	b := Bytes(a, n)
	for i := range b {
		b[i] = v
	}
}
