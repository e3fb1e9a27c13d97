//go:build linux || darwin

package vmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var pageSize = sync.OnceValue(func() int {
	return unix.Getpagesize()
})

// PageSize returns the size, in bytes, of the system's memory page.
func PageSize() int { return pageSize() }

// Reserve reserves size bytes of address space without backing it with any
// page. size is rounded up to the page size.
func Reserve(size int) (*Region, error) {
	size = RoundToPage(size)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReserve, err)
	}

	return &Region{Mem: mem}, nil
}

// Commit makes the sub-range [offset, offset+size) of r readable and
// writable, backing it with real pages.
func (r *Region) Commit(offset, size int) error {
	if offset < 0 || size < 0 || offset+size > len(r.Mem) {
		return fmt.Errorf("%w: range out of bounds", ErrCommit)
	}

	if size == 0 {
		return nil
	}

	if err := unix.Mprotect(r.Mem[offset:offset+size], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}

	return nil
}

// Decommit releases the physical pages backing [offset, offset+size) of r,
// without releasing the address range itself. Subsequent access without a
// Commit will fault.
func (r *Region) Decommit(offset, size int) error {
	if offset < 0 || size < 0 || offset+size > len(r.Mem) {
		return fmt.Errorf("%w: range out of bounds", ErrCommit)
	}

	if size == 0 {
		return nil
	}

	sub := r.Mem[offset : offset+size]
	if err := unix.Mprotect(sub, unix.PROT_NONE); err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}

	_ = unix.Madvise(sub, unix.MADV_DONTNEED)

	return nil
}

// Release releases the entire reservation back to the OS.
func (r *Region) Release() error {
	if len(r.Mem) == 0 {
		return nil
	}

	mem := r.Mem
	r.Mem = nil

	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("%w: %v", ErrRelease, err)
	}

	return nil
}

// MapAnon maps size bytes (rounded up to the page size) of regular
// anonymous, committed memory, optionally backed by huge pages.
func MapAnon(size int, hugePage bool) ([]byte, error) {
	size = RoundToPage(size)

	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if hugePage {
		flags |= hugeMapFlags
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReserve, err)
	}

	return mem, nil
}

// Unmap releases memory obtained from MapAnon.
func Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}

	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("%w: %v", ErrRelease, err)
	}

	return nil
}
