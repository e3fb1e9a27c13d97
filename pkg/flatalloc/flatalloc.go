// Package flatalloc implements a general-purpose malloc/free/calloc/realloc
// allocator backed directly by OS page mappings.
//
// Every block gets its own anonymous mapping, sized to the request plus a
// small header. Blocks are threaded into a single process-wide (or
// per-[Engine]) singly-linked list in allocation order; freeing reuses the
// first sufficient free block on a later allocation, but adjacent free
// blocks are never coalesced and a freed block is never split. This keeps
// the bookkeeping tiny at the cost of fragmentation under long-running,
// size-varying workloads — an explicit, accepted limitation, not an
// oversight.
//
// There is no lazy mutex initialization to get wrong: a Go [sync.Mutex]'s
// zero value is already usable, so the racy first-entry one-shot that
// C allocators of this shape need is not needed here at all.
package flatalloc

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/flier/goalloc/internal/debug"
	"github.com/flier/goalloc/internal/vmem"
	"github.com/flier/goalloc/pkg/xunsafe"
	"github.com/flier/goalloc/pkg/xunsafe/layout"
)

// Sentinel errors returned by this package's operations.
var (
	// ErrInvalidArgument is returned for a negative size, a negative calloc
	// count/size, or a calloc count*size overflow.
	ErrInvalidArgument = errors.New("flatalloc: invalid argument")
	// ErrOSResource is returned when the backing OS mapping could not be
	// created or released.
	ErrOSResource = errors.New("flatalloc: OS resource failure")
)

// payloadAlign is the alignment every payload address must satisfy.
const payloadAlign = 16

type header struct {
	size int
	free bool
	next *header
	mem  []byte
}

var headerSize = int(layout.RoundUp(layout.Size[header](), payloadAlign))

// Engine is one independent instance of the free-list allocator: an
// allocation-ordered list of blocks guarded by a single mutex. The zero
// Engine is ready to use.
type Engine struct {
	mu         sync.Mutex
	head, tail *header
}

// New returns a fresh, empty Engine.
func New() *Engine { return &Engine{} }

// Alloc returns size bytes of unspecified (not necessarily zeroed) memory,
// 16-byte aligned. A zero size returns nil with no error, matching
// malloc(0)'s conventional null return.
func (e *Engine) Alloc(size int) (*byte, error) {
	if size == 0 {
		return nil, nil //nolint:nilnil
	}

	if size < 0 {
		return nil, fmt.Errorf("%w: negative size", ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for h := e.head; h != nil; h = h.next {
		if h.free && h.size >= size {
			h.free = false

			debug.Log(nil, "alloc", "reused block size=%d want=%d", h.size, size)

			return payloadOf(h), nil
		}
	}

	mem, err := vmem.MapAnon(headerSize+size, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOSResource, err)
	}

	h := xunsafe.Cast[header](&mem[0])
	*h = header{size: size, mem: mem}

	if e.tail == nil {
		e.head = h
	} else {
		e.tail.next = h
	}

	e.tail = h

	debug.Log(nil, "alloc", "new block size=%d", size)

	return payloadOf(h), nil
}

// Free returns p, previously returned by Alloc/Calloc/Realloc, to the
// allocator. A nil p is a no-op. If p is the tail of the block list, its OS
// mapping is released immediately; otherwise the block is only marked free
// for reuse by a later Alloc.
func (e *Engine) Free(p *byte) error {
	if p == nil {
		return nil
	}

	h := headerOf(p)

	e.mu.Lock()
	defer e.mu.Unlock()

	if h != e.tail {
		h.free = true

		return nil
	}

	var prev *header
	if e.head != e.tail {
		for n := e.head; n != nil; n = n.next {
			if n.next == h {
				prev = n

				break
			}
		}
	}

	if prev != nil {
		prev.next = nil
	} else {
		e.head = nil
	}

	e.tail = prev

	mem := h.mem

	debug.Log(nil, "free", "releasing tail block size=%d", h.size)

	if err := vmem.Unmap(mem); err != nil {
		return fmt.Errorf("%w: %v", ErrOSResource, err)
	}

	return nil
}

// Calloc allocates n*s bytes and zeroes them, returning nil if either n or s
// is zero, or if the multiplication overflows.
func (e *Engine) Calloc(n, s int) (*byte, error) {
	if n == 0 || s == 0 {
		return nil, nil //nolint:nilnil
	}

	if n < 0 || s < 0 {
		return nil, fmt.Errorf("%w: negative count or size", ErrInvalidArgument)
	}

	total := n * s
	if total/n != s {
		return nil, fmt.Errorf("%w: count*size overflow", ErrInvalidArgument)
	}

	p, err := e.Alloc(total)
	if err != nil || p == nil {
		return p, err
	}

	clear(unsafeBytes(p, total))

	return p, nil
}

// Realloc resizes the block at p to size bytes, preserving the first
// min(oldSize, size) bytes. A nil p, or a zero size, behaves like
// Alloc(size): for size == 0 that means a nil return, and p is left
// un-freed. realloc(p, 0) therefore leaks p, deliberately; callers that
// want the block back must Free it themselves.
func (e *Engine) Realloc(p *byte, size int) (*byte, error) {
	if p == nil || size == 0 {
		return e.Alloc(size)
	}

	h := headerOf(p)
	if h.size >= size {
		return p, nil
	}

	q, err := e.Alloc(size)
	if err != nil || q == nil {
		return q, err
	}

	copy(unsafeBytes(q, h.size), unsafeBytes(p, h.size))

	if err := e.Free(p); err != nil {
		return q, err
	}

	return q, nil
}

func payloadOf(h *header) *byte {
	return xunsafe.Cast[byte](xunsafe.AddrOf(h).ByteAdd(headerSize).AssertValid())
}

func headerOf(p *byte) *header {
	return xunsafe.Cast[header](xunsafe.AddrOf(p).ByteAdd(-headerSize).AssertValid())
}

func unsafeBytes(p *byte, n int) []byte {
	return unsafe.Slice(p, n)
}

var global = New()

// Alloc delegates to a shared, package-level [Engine].
func Alloc(size int) (*byte, error) { return global.Alloc(size) }

// Free delegates to a shared, package-level [Engine].
func Free(p *byte) error { return global.Free(p) }

// Calloc delegates to a shared, package-level [Engine].
func Calloc(n, s int) (*byte, error) { return global.Calloc(n, s) }

// Realloc delegates to a shared, package-level [Engine].
func Realloc(p *byte, size int) (*byte, error) { return global.Realloc(p, size) }
