// Package numalloc implements a NUMA-aware, thread-local, size-class
// allocator with huge-page support for large blocks.
//
// [Engine.Init] discovers the machine's NUMA topology (falling back to a
// single-node view when none is available) and reserves one backing pool
// per node, placed by first touch on that node. Each allocating goroutine
// lazily gets its own thread-local arena, bound to whichever node its
// underlying OS thread was observed on at creation and never re-bound
// afterward; small requests (≤2048 bytes) are served from one of eight
// fixed size classes via a lock-free, single-owner free list, refilled in
// batches of 64 blocks from the local node's pool under that pool's mutex.
// Requests above 2048 bytes bypass size classes entirely and get their own
// page mapping, huge-page-backed once the request plus header reaches
// 2 MiB, bound to the local node.
//
// Go has no portable pthread_self(): [github.com/timandy/routine.Goid]
// stands in for "the calling OS thread" identity, matching this repository's
// existing use of routine in [github.com/flier/goalloc/internal/debug]. A
// goroutine can migrate between OS threads between calls, so callers that
// need true NUMA-correct pinning should pair this package with
// runtime.LockOSThread.
//
// There is no coalescing and no cross-thread return path: a block freed by
// a goroutine other than its allocator lands on the freeing goroutine's own
// free list — still correctly sized, just potentially resident on a
// different node than the freeing goroutine. This is a known, accepted
// limitation, not a bug.
package numalloc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/timandy/routine"

	"github.com/flier/goalloc/internal/debug"
	"github.com/flier/goalloc/internal/vmem"
	"github.com/flier/goalloc/internal/xsync"
	"github.com/flier/goalloc/pkg/xunsafe"
	"github.com/flier/goalloc/pkg/xunsafe/layout"
)

// Sentinel errors returned by this package's operations.
var (
	// ErrInvalidArgument is returned for a negative size, a negative calloc
	// count/size, or a count*size overflow.
	ErrInvalidArgument = errors.New("numalloc: invalid argument")
	// ErrNotInitialized is returned by Alloc/Calloc/Realloc when called
	// before a successful Init.
	ErrNotInitialized = errors.New("numalloc: not initialized")
	// ErrAlreadyInitialized is returned by Init when called a second time
	// without an intervening Cleanup.
	ErrAlreadyInitialized = errors.New("numalloc: already initialized")
	// ErrOutOfCapacity is returned when a node's backing pool cannot satisfy
	// a refill. Pool exhaustion is terminal for that node; there is no
	// fallback to another node's pool.
	ErrOutOfCapacity = errors.New("numalloc: node pool exhausted")
	// ErrOSResource is returned when an OS reservation, mapping, or release
	// call fails.
	ErrOSResource = errors.New("numalloc: OS resource failure")
)

// NodeInitError reports that node pool reservation failed for a specific
// node during [Engine.Init]. It wraps [ErrOSResource], so
// errors.Is(err, ErrOSResource) still succeeds; callers that need the
// failing node index can recover it with [github.com/flier/goalloc/pkg/xerrors.AsA].
type NodeInitError struct {
	Node int
	Err  error
}

func (e *NodeInitError) Error() string {
	return fmt.Sprintf("numalloc: node %d: %v", e.Node, e.Err)
}

func (e *NodeInitError) Unwrap() []error { return []error{ErrOSResource, e.Err} }

// SizeClasses are the fixed small-allocation bucket sizes, in bytes.
var SizeClasses = [8]int{16, 32, 64, 128, 256, 512, 1024, 2048}

const (
	// RefillBatch is the number of blocks carved from a node pool per
	// size-class refill.
	RefillBatch = 64
	// SmallThreshold is the largest request size served from a size class;
	// anything bigger is a large block.
	SmallThreshold = 2048
	// HugePageThreshold is the mapped-size threshold, in bytes, at or above
	// which a large allocation is attempted with huge pages.
	HugePageThreshold = 2 * 1024 * 1024
	// HugePageGranularity is the rounding granularity for huge-page-backed
	// mappings.
	HugePageGranularity = 2 * 1024 * 1024

	largeSizeClass = -1
)

type header struct {
	size      int
	sizeClass int
	node      int
	// mem holds the full OS mapping for a large block, so Free can release
	// it; nil for size-classed blocks, which are carved out of a shared node
	// pool and never individually unmapped.
	mem []byte
}

var headerSize = layout.Size[header]()

// freeNode overlays the payload of an idle block; it is never read or
// written while the block is in use.
type freeNode struct {
	next *freeNode
}

// nodePool is the per-node backing region blocks are carved from. used is
// a high-water mark: once bytes are handed to a refill they are never
// returned to the pool.
type nodePool struct {
	nodeID int
	mem    []byte
	used   int
	mu     sync.Mutex
}

func newNodePool(nodeID, size int) (*nodePool, error) {
	mem, err := vmem.MapOnNode(size, nodeID, false)
	if err != nil {
		return nil, err
	}

	return &nodePool{nodeID: nodeID, mem: mem}, nil
}

func (p *nodePool) release() error {
	return vmem.Unmap(p.mem)
}

// threadArena is one goroutine's private cache of size-class free lists. It
// is created lazily on first use and bound to the node its underlying OS
// thread was observed on at that moment; it is never rebound, and it is
// never destroyed (leaked at thread exit, bounded by thread count).
type threadArena struct {
	node      int
	freeLists [len(SizeClasses)]*freeNode
	allocs    uint64
	frees     uint64
}

// Engine is one independent instance of the NUMA-aware allocator. The zero
// Engine must be initialized with [Engine.Init] before use.
type Engine struct {
	initialized atomic.Bool

	// mu guards Init/Cleanup's own setup and teardown bookkeeping. It is
	// never touched by Alloc/Free's fast path.
	mu       sync.Mutex
	topology *Topology
	pools    []*nodePool

	arenas xsync.Map[uint64, *threadArena]
}

// New returns a fresh, uninitialized Engine.
func New() *Engine { return &Engine{} }

// Init discovers the machine's NUMA topology and reserves a pool of
// poolBytesPerNode bytes on each node, placed by first touch. Returns
// [ErrInvalidArgument] for a non-positive pool size, [ErrAlreadyInitialized]
// if called twice without an intervening [Engine.Cleanup], or a
// [*NodeInitError] wrapping [ErrOSResource] if any node pool's reservation
// fails. Topology discovery does not fail Init: when no NUMA layout can be
// read, a single-node view is used instead. Init is transactional: if the Kth node pool cannot be created, the
// pools already created for nodes before it are released before returning.
func (e *Engine) Init(poolBytesPerNode int) error {
	if poolBytesPerNode <= 0 {
		return fmt.Errorf("%w: pool size must be positive", ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized.Load() {
		debug.Log(nil, "init", "already initialized")

		return ErrAlreadyInitialized
	}

	topo := discoverTopology()

	pools := make([]*nodePool, topo.NumNodes)
	for i := range topo.NumNodes {
		pool, err := newNodePool(i, poolBytesPerNode)
		if err != nil {
			for j := range i {
				_ = pools[j].release()
			}

			debug.Log(nil, "init", "node %d pool failed, rolled back %d prior pool(s): %v", i, i, err)

			return &NodeInitError{Node: i, Err: err}
		}

		pools[i] = pool

		debug.Log(nil, "init", "node %d pool ready: %d bytes", i, poolBytesPerNode)
	}

	e.topology = topo
	e.pools = pools
	e.initialized.Store(true)

	debug.Log(nil, "init", "ready: %d node(s), %d cpu(s)", topo.NumNodes, topo.NumCPUs)

	return nil
}

// currentNode reports the NUMA node the calling goroutine's OS thread is
// presently running on, or 0 if that cannot be determined.
func (e *Engine) currentNode() int {
	if e.topology == nil || e.topology.NumNodes <= 1 {
		return 0
	}

	if _, node, err := vmem.CurrentCPUNode(); err == nil {
		if node >= 0 && node < e.topology.NumNodes {
			return node
		}
	}

	return 0
}

func (e *Engine) getArena() *threadArena {
	gid := routine.Goid()

	arena, _ := e.arenas.LoadOrStore(gid, func() *threadArena {
		return &threadArena{node: e.currentNode()}
	})

	return arena
}

// sizeClassIndex returns the smallest size class whose nominal size is at
// least size, or -1 if size exceeds [SmallThreshold].
func sizeClassIndex(size int) int {
	for i, s := range SizeClasses {
		if size <= s {
			return i
		}
	}

	return largeSizeClass
}

func roundUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

func payloadOf(h *header) *byte {
	return xunsafe.Cast[byte](xunsafe.AddrOf(h).ByteAdd(headerSize).AssertValid())
}

func headerOf(p *byte) *header {
	return xunsafe.Cast[header](xunsafe.AddrOf(p).ByteAdd(-headerSize).AssertValid())
}

// Alloc returns size bytes of unspecified (not necessarily zeroed) memory
// from the calling goroutine's local node. A zero size returns nil with no
// error. Returns [ErrNotInitialized] if called before [Engine.Init], or
// [ErrOutOfCapacity] if the local node's pool cannot satisfy a refill.
func (e *Engine) Alloc(size int) (*byte, error) {
	if size == 0 {
		return nil, nil //nolint:nilnil
	}

	if size < 0 {
		return nil, fmt.Errorf("%w: negative size", ErrInvalidArgument)
	}

	if !e.initialized.Load() {
		debug.Log(nil, "alloc", "not initialized")

		return nil, ErrNotInitialized
	}

	arena := e.getArena()

	classIdx := sizeClassIndex(size)
	if classIdx < 0 {
		return e.allocLarge(arena, size)
	}

	if head := arena.freeLists[classIdx]; head != nil {
		arena.freeLists[classIdx] = head.next
		arena.allocs++

		debug.Log(nil, "alloc", "fast path class=%d", classIdx)

		return xunsafe.Cast[byte](head), nil
	}

	p, err := e.refill(arena, classIdx)
	if err != nil {
		return nil, err
	}

	arena.allocs++

	return p, nil
}

// refill carves a batch of [RefillBatch] blocks of the given size class out
// of the calling arena's local node pool, under that pool's mutex, and
// threads all but one into the arena's free list. Block header
// initialization happens outside the lock: the carved span is exclusively
// owned by this call the moment the high-water mark advances.
func (e *Engine) refill(arena *threadArena, classIdx int) (*byte, error) {
	if arena.node < 0 || arena.node >= len(e.pools) {
		return nil, fmt.Errorf("%w: no pool for node %d", ErrOutOfCapacity, arena.node)
	}

	pool := e.pools[arena.node]
	blockSize := SizeClasses[classIdx]
	stride := headerSize + blockSize
	total := stride * RefillBatch

	pool.mu.Lock()

	if pool.used+total > len(pool.mem) {
		pool.mu.Unlock()

		debug.Log(nil, "refill", "node %d pool exhausted", arena.node)

		return nil, ErrOutOfCapacity
	}

	start := pool.used
	pool.used += total

	pool.mu.Unlock()

	batch := pool.mem[start : start+total]

	var head *freeNode

	for i := range RefillBatch {
		blk := batch[i*stride : (i+1)*stride]

		h := xunsafe.Cast[header](&blk[0])
		*h = header{size: blockSize, sizeClass: classIdx, node: arena.node}

		fn := xunsafe.Cast[freeNode](&blk[headerSize])
		fn.next = head
		head = fn
	}

	arena.freeLists[classIdx] = head.next

	debug.Log(nil, "refill", "node=%d class=%d batch=%d", arena.node, classIdx, RefillBatch)

	return xunsafe.Cast[byte](head), nil
}

// allocLarge bypasses size classes entirely: it maps size+header bytes
// (rounded up to a multiple of [HugePageGranularity] and attempted with
// huge pages once that reaches [HugePageThreshold]), binds the mapping to
// arena's node, and touches every page to force placement.
func (e *Engine) allocLarge(arena *threadArena, size int) (*byte, error) {
	total := size + headerSize

	mapLen := total
	hugePage := false

	if total >= HugePageThreshold {
		mapLen = roundUp(total, HugePageGranularity)
		hugePage = true
	}

	mem, err := vmem.MapOnNode(mapLen, arena.node, hugePage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOSResource, err)
	}

	h := xunsafe.Cast[header](&mem[0])
	*h = header{size: len(mem), sizeClass: largeSizeClass, node: arena.node, mem: mem}

	arena.allocs++

	debug.Log(nil, "alloc", "large node=%d requested=%d mapped=%d huge=%v", arena.node, size, len(mem), hugePage)

	return payloadOf(h), nil
}

// Free returns p, previously returned by Alloc/Calloc/Realloc, to the
// allocator. A nil p is a no-op. Large blocks are unmapped immediately;
// size-classed blocks are pushed onto the calling goroutine's free list for
// that class, not necessarily the list of the goroutine that allocated it
// (see the package comment on cross-thread frees).
func (e *Engine) Free(p *byte) error {
	if p == nil {
		return nil
	}

	h := headerOf(p)

	if h.sizeClass == largeSizeClass {
		debug.Log(nil, "free", "large node=%d size=%d", h.node, h.size)

		if err := vmem.Unmap(h.mem); err != nil {
			return fmt.Errorf("%w: %v", ErrOSResource, err)
		}

		return nil
	}

	arena := e.getArena()

	fn := xunsafe.Cast[freeNode](p)
	fn.next = arena.freeLists[h.sizeClass]
	arena.freeLists[h.sizeClass] = fn
	arena.frees++

	debug.Log(nil, "free", "fast path class=%d", h.sizeClass)

	return nil
}

// Calloc allocates n*s bytes and zeroes them, returning nil if either n or
// s is zero, or if the multiplication overflows.
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

// Realloc resizes the block at p to size bytes. A nil p behaves like
// Alloc(size); a zero size frees p and returns nil. The old effective
// capacity is read from the header — the size class's nominal size for a
// small block, the recorded mapped length for a large one — and a request
// that already fits returns p unchanged.
func (e *Engine) Realloc(p *byte, size int) (*byte, error) {
	if p == nil {
		return e.Alloc(size)
	}

	if size == 0 {
		return nil, e.Free(p)
	}

	h := headerOf(p)

	oldSize := h.size
	if h.sizeClass >= 0 {
		oldSize = SizeClasses[h.sizeClass]
	}

	if size <= oldSize {
		return p, nil
	}

	q, err := e.Alloc(size)
	if err != nil || q == nil {
		return q, err
	}

	copy(unsafeBytes(q, oldSize), unsafeBytes(p, oldSize))

	if err := e.Free(p); err != nil {
		return q, err
	}

	return q, nil
}

// GetThreadStats returns the calling goroutine's own allocation and free
// counters. A goroutine that has never called Alloc/Free on this Engine
// reports zeros.
func (e *Engine) GetThreadStats() (allocs, frees uint64) {
	gid := routine.Goid()

	arena, ok := e.arenas.Load(gid)
	if !ok {
		return 0, 0
	}

	return arena.allocs, arena.frees
}

// Topology returns the topology discovered by Init, or nil before Init has
// succeeded.
func (e *Engine) Topology() *Topology {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.topology
}

// PrintTopology writes a human-readable CPU-to-node table to w.
func (e *Engine) PrintTopology(w io.Writer) error {
	return writeTopology(w, e.Topology())
}

// Cleanup unmaps every node pool and discards topology metadata, making the
// Engine ready for another Init. It is the caller's responsibility to
// ensure no goroutine is still allocating through this Engine; Cleanup does
// not synchronize with in-flight Alloc/Free calls.
func (e *Engine) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized.Load() {
		return nil
	}

	var firstErr error

	for _, pool := range e.pools {
		if err := pool.release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %v", ErrOSResource, err)
		}
	}

	e.pools = nil
	e.topology = nil

	for gid := range e.arenas.All() {
		e.arenas.Delete(gid)
	}

	e.initialized.Store(false)

	debug.Log(nil, "cleanup", "done")

	return firstErr
}

func unsafeBytes(p *byte, n int) []byte {
	return unsafe.Slice(p, n)
}

var global = New()

// Init delegates to a shared, package-level [Engine].
func Init(poolBytesPerNode int) error { return global.Init(poolBytesPerNode) }

// Alloc delegates to a shared, package-level [Engine].
func Alloc(size int) (*byte, error) { return global.Alloc(size) }

// Free delegates to a shared, package-level [Engine].
func Free(p *byte) error { return global.Free(p) }

// Calloc delegates to a shared, package-level [Engine].
func Calloc(n, s int) (*byte, error) { return global.Calloc(n, s) }

// Realloc delegates to a shared, package-level [Engine].
func Realloc(p *byte, size int) (*byte, error) { return global.Realloc(p, size) }

// GetThreadStats delegates to a shared, package-level [Engine].
func GetThreadStats() (allocs, frees uint64) { return global.GetThreadStats() }

// PrintTopology delegates to a shared, package-level [Engine].
func PrintTopology(w io.Writer) error { return global.PrintTopology(w) }

// Cleanup delegates to a shared, package-level [Engine].
func Cleanup() error { return global.Cleanup() }
