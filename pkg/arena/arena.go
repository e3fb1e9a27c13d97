// Package arena provides a linear (bump-pointer) allocator over a single
// reserved range of virtual address space.
//
// An Arena reserves reserve_size bytes of address space up front but only
// commits pages as the bump pointer advances past them, in commit_size-sized
// steps. Allocations are never freed individually: the whole arena is reset
// or destroyed as a unit. This makes allocation and reset both effectively
// O(1), at the cost of never reclaiming an individual allocation's memory
// before the next Reset or Destroy.
//
// The arena's own bookkeeping lives in the first bytes of the reservation
// itself (a "self-hosted descriptor"): callers receive an opaque *Arena that
// wraps this, and must never attempt to free the region through any
// allocator but [Arena.Destroy].
//
// # Memory Safety
//
//   - Memory returned by [Arena.Alloc] is valid until the next [Arena.Reset]
//     or [Arena.Destroy].
//   - There is no per-allocation free; see [Arena.Reset] to reclaim bulk
//     memory, and [Arena.Destroy] to release the reservation entirely.
//   - An Arena is not safe for concurrent use by multiple goroutines; give
//     each goroutine its own Arena, or synchronize externally.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/flier/goalloc/internal/debug"
	"github.com/flier/goalloc/internal/vmem"
	"github.com/flier/goalloc/pkg/xunsafe"
)

// Sentinel errors returned by this package's operations. Check with
// errors.Is; a nil pointer return still means failure the way it would in
// a C-style malloc/free API.
var (
	// ErrInvalidArgument is returned for a zero size, a non-power-of-two
	// alignment, or a nil receiver where a live arena is required.
	ErrInvalidArgument = errors.New("arena: invalid argument")
	// ErrOutOfCapacity is returned when the request would exceed the arena's
	// reserved capacity.
	ErrOutOfCapacity = errors.New("arena: out of capacity")
	// ErrOSResource is returned when an OS reservation, commit, or release
	// call fails.
	ErrOSResource = errors.New("arena: OS resource failure")
)

// DefaultAlign is the alignment used by [Arena.Alloc]: the machine's pointer
// size.
const DefaultAlign = int(unsafe.Sizeof(uintptr(0)))

// Arena is a linear allocator over a single reserved range of address space.
//
// The zero Arena is not usable; construct one with [Create].
type Arena struct {
	_ xunsafe.NoCopy

	// region is held by value: the descriptor lives inside the reservation
	// itself, which the GC does not scan, so it must not hold the only
	// reference to any heap object. The slice header inside it points back
	// into the mapping, not at anything the GC manages.
	region vmem.Region

	headerSize     int
	reserveSize    int
	commitSize     int
	position       int
	commitPosition int
}

// Create reserves reserve bytes of address space and commits the first
// commit bytes of it. Both sizes are rounded up to the system page size;
// commit is clamped to reserve. Returns [ErrInvalidArgument] if either size
// is zero, or [ErrOSResource] if the underlying reservation or initial
// commit fails.
func Create(reserve, commit int) (*Arena, error) {
	if reserve <= 0 || commit <= 0 {
		return nil, fmt.Errorf("%w: reserve and commit must be positive", ErrInvalidArgument)
	}

	reserve = vmem.RoundToPage(reserve)
	grain := vmem.RoundToPage(commit)
	if grain > reserve {
		grain = reserve
	}

	region, err := vmem.Reserve(reserve)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOSResource, err)
	}

	headerSize := int(xunsafe.Addr[Arena](0).Add(1))

	initialCommit := grain
	if initialCommit < headerSize {
		initialCommit = vmem.RoundToPage(headerSize)
	}

	if initialCommit > reserve {
		initialCommit = reserve
	}

	if err := region.Commit(0, initialCommit); err != nil {
		_ = region.Release()

		return nil, fmt.Errorf("%w: %v", ErrOSResource, err)
	}

	// The descriptor is self-hosted: store it at the front of its own
	// reservation, so a pointer to the region is enough to recover it.
	self := xunsafe.Cast[Arena](&region.Mem[0])
	*self = Arena{
		region:         *region,
		headerSize:     headerSize,
		reserveSize:    reserve,
		commitSize:     grain,
		position:       headerSize,
		commitPosition: initialCommit,
	}

	self.Log("create", "reserve=%d commit=%d header=%d", reserve, grain, headerSize)

	return self, nil
}

// Alloc returns a zero-filled, pointer-aligned region of size bytes, or nil
// with [ErrOutOfCapacity] if the arena's reservation is exhausted.
func (a *Arena) Alloc(size int) ([]byte, error) {
	return a.AllocAligned(size, DefaultAlign)
}

// AllocAligned returns a zero-filled region of size bytes whose address is a
// multiple of align, which must be a power of two. Fails with
// [ErrInvalidArgument] for a non-positive size or non-power-of-two align, or
// [ErrOutOfCapacity] if the request would exceed the reservation.
func (a *Arena) AllocAligned(size, align int) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil arena", ErrInvalidArgument)
	}

	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalidArgument)
	}

	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment must be a power of two", ErrInvalidArgument)
	}

	aligned := alignUp(a.position, align)

	newPos := aligned + size
	if newPos > a.reserveSize {
		a.Log("alloc", "out of capacity: want=%d have=%d", newPos, a.reserveSize)

		return nil, ErrOutOfCapacity
	}

	if newPos > a.commitPosition {
		grow := alignUp(newPos, a.commitSize)
		if grow > a.reserveSize {
			grow = a.reserveSize
		}

		if err := a.region.Commit(a.commitPosition, grow-a.commitPosition); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOSResource, err)
		}

		a.commitPosition = grow

		a.Log("grow", "commit now %d/%d", a.commitPosition, a.reserveSize)
	}

	a.position = newPos

	mem := a.region.Mem[aligned:newPos]
	clear(mem)

	a.Log("alloc", "[%d:%d) align=%d", aligned, newPos, align)

	return mem, nil
}

// Reset rewinds the arena back to just past its embedded header, making all
// previously allocated memory available for reuse. It does not decommit any
// pages, so subsequent allocations up to the prior high-water mark do not
// need to recommit.
//
// Any pointers into memory returned by Alloc before this call must not be
// used afterward.
func (a *Arena) Reset() {
	if a == nil {
		return
	}

	a.position = a.headerSize

	a.Log("reset", "position=%d", a.position)
}

// Position returns the arena's current allocation offset, suitable for
// saving and later restoring with [Arena.SetPosition] to implement scoped
// sub-arenas.
func (a *Arena) Position() int {
	if a == nil {
		return 0
	}

	return a.position
}

// SetPosition restores the arena's allocation offset to a value previously
// returned by [Arena.Position]. Out-of-range values are ignored silently,
// matching the arena's reset-only failure model.
func (a *Arena) SetPosition(pos int) {
	if a == nil {
		return
	}

	if pos < a.headerSize || pos > a.reserveSize {
		a.Log("set_position", "ignoring out-of-range position %d", pos)

		return
	}

	a.position = pos
}

// Destroy releases the arena's entire reservation. A nil Arena is a no-op.
// The Arena must not be used after Destroy returns successfully.
func (a *Arena) Destroy() error {
	if a == nil {
		return nil
	}

	region := a.region
	a.region = vmem.Region{}

	if len(region.Mem) == 0 {
		return nil
	}

	if err := region.Release(); err != nil {
		return fmt.Errorf("%w: %v", ErrOSResource, err)
	}

	return nil
}

// New allocates a value of type T from the arena, pointer-aligned, and
// copies value into it.
func New[T any](a *Arena, value T) (*T, error) {
	var layout xunsafe.Addr[T]

	mem, err := a.AllocAligned(int(layout.Add(1)), DefaultAlign)
	if err != nil {
		return nil, err
	}

	p := xunsafe.Cast[T](&mem[0])
	*p = value

	return p, nil
}

// KB returns n kibibytes, for use as a [Create] argument.
func KB(n int) int { return n * 1024 }

// MB returns n mebibytes, for use as a [Create] argument.
func MB(n int) int { return n * 1024 * 1024 }

// GB returns n gibibytes, for use as a [Create] argument.
func GB(n int) int { return n * 1024 * 1024 * 1024 }

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

func (a *Arena) Log(op, format string, args ...any) {
	debug.Log([]any{"%p", a}, op, format, args...)
}
