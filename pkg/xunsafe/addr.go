//go:build go1.23

package xunsafe

import (
	"fmt"
	"unsafe"

	"github.com/flier/goalloc/pkg/xunsafe/layout"
)

// Addr is the address of a value of type T, represented as plain integer
// arithmetic rather than a pointer.
//
// Unlike *T, arithmetic on an Addr never triggers a write barrier and never
// keeps the pointee alive: the GC does not know an Addr exists. This makes
// Addr a good fit for describing offsets into memory the GC does not manage
// in the first place, such as an OS-reserved mapping, at the cost of all the
// usual unsafe.Pointer caveats.
type Addr[T any] uintptr

// AddrOf returns the address of p.
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](uintptr(unsafe.Pointer(p)))
}

// EndOf returns the address one past the last element of s.
func EndOf[E any](s []E) Addr[E] {
	return AddrOf(unsafe.SliceData(s)).Add(len(s))
}

// AssertValid converts this address back into a pointer, returning nil for
// the zero address.
func (a Addr[T]) AssertValid() *T {
	if a == 0 {
		return nil
	}

	return (*T)(unsafe.Pointer(uintptr(a)))
}

// Add advances this address by n elements of T.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](uintptr(n)*uintptr(layout.Size[T]()))
}

// ByteAdd advances this address by n bytes, ignoring the size of T.
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](uintptr(n))
}

// Sub returns the number of elements of T between a and b.
func (a Addr[T]) Sub(b Addr[T]) int {
	size := layout.Size[T]()
	if size == 0 {
		size = 1
	}

	return int(uintptr(a)-uintptr(b)) / size
}

// Padding returns the number of bytes needed to round this address up to
// align, which must be a power of two.
func (a Addr[T]) Padding(align int) int {
	return int(layout.Padding(uintptr(a), uintptr(align)))
}

// RoundUpTo rounds this address up to align, which must be a power of two.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(uintptr(a), uintptr(align)))
}

const signBit = uintptr(1) << (unsafe.Sizeof(uintptr(0))*8 - 1)

// SignBit reports whether this address's top bit is set.
func (a Addr[T]) SignBit() bool {
	return uintptr(a)&signBit != 0
}

// SignBitMask returns an all-ones value if SignBit is set, else all-zeros.
func (a Addr[T]) SignBitMask() Addr[T] {
	if a.SignBit() {
		return Addr[T](^uintptr(0))
	}

	return Addr[T](0)
}

// ClearSignBit returns this address with its top bit cleared.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ Addr[T](signBit)
}

// Format implements fmt.Formatter, printing the address in hex for %v and
// %s, and otherwise formatting the underlying integer per verb.
func (a Addr[T]) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v', 's':
		fmt.Fprintf(f, "0x%x", uintptr(a))
	default:
		fmt.Fprintf(f, fmt.FormatString(f, verb), uintptr(a))
	}
}
