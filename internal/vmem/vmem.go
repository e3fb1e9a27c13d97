// Package vmem wraps the raw virtual-memory primitives — reserve, commit,
// decommit, release — that the arena (A) and NUMA (N) engines are built on.
//
// A Region is a contiguous range of address space obtained from the OS
// without any backing pages (PROT_NONE on POSIX). Sub-ranges of a Region can
// be committed (made readable/writable, actually backed by pages) and
// decommitted independently. The whole Region is released at once.
package vmem

import (
	"errors"
	"unsafe"

	"github.com/flier/goalloc/internal/debug"
)

// Sentinel errors surfaced by this package. Callers are expected to check
// these with errors.Is rather than match on message text.
var (
	// ErrReserve is returned when reserving a virtual address range fails.
	ErrReserve = errors.New("vmem: reserve failed")
	// ErrCommit is returned when committing a sub-range of a reservation fails.
	ErrCommit = errors.New("vmem: commit failed")
	// ErrRelease is returned when releasing a reservation fails.
	ErrRelease = errors.New("vmem: release failed")
)

// Region is a reserved range of virtual address space.
type Region struct {
	// Mem is the full reserved range. Only committed sub-slices of it are
	// safe to read or write; the rest is backed by no pages at all.
	Mem []byte
}

// Addr returns the base address of this region as a raw integer, for use in
// pointer arithmetic by callers that need it (e.g. recovering a header from
// an offset).
func (r *Region) Addr() uintptr {
	if len(r.Mem) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&r.Mem[0]))
}

// RoundToPage rounds size up to a multiple of the system page size.
func RoundToPage(size int) int {
	ps := PageSize()

	return (size + ps - 1) &^ (ps - 1)
}

func unsupported() error {
	debug.Assert(false, "vmem: unsupported platform")

	return debug.Unsupported()
}
