//go:build linux

package vmem

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/flier/goalloc/internal/debug"
)

// mpolBind is Linux's MPOL_BIND mode, from <linux/mempolicy.h>. x/sys/unix
// does not export it since <numaif.h> is not part of the syscall surface it
// wraps.
const mpolBind = 2

const nodeSysfsDir = "/sys/devices/system/node"

var nodeDirPattern = regexp.MustCompile(`^node(\d+)$`)

// NumaAvailable reports whether the kernel exposes per-node topology under
// sysfs. A false result means callers should fall back to a single-node
// view.
func NumaAvailable() bool {
	entries, err := os.ReadDir(nodeSysfsDir)
	if err != nil {
		return false
	}

	for _, e := range entries {
		if nodeDirPattern.MatchString(e.Name()) {
			return true
		}
	}

	return false
}

// DiscoverTopology reads /sys/devices/system/node to build a CPU-to-node
// map. Returns ErrBind-wrapped errors when no node information is exposed
// (containers without access to sysfs, non-NUMA kernels, etc).
func DiscoverTopology() (*Topology, error) {
	entries, err := os.ReadDir(nodeSysfsDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}

	var nodes []int

	for _, e := range entries {
		m := nodeDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}

		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		nodes = append(nodes, n)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no NUMA nodes reported", ErrBind)
	}

	sort.Ints(nodes)

	cpuToNode := map[int]int{}
	maxCPU := -1

	for _, n := range nodes {
		raw, err := os.ReadFile(filepath.Join(nodeSysfsDir, fmt.Sprintf("node%d", n), "cpulist"))
		if err != nil {
			continue
		}

		for _, cpu := range parseCPUList(strings.TrimSpace(string(raw))) {
			cpuToNode[cpu] = n
			if cpu > maxCPU {
				maxCPU = cpu
			}
		}
	}

	if maxCPU < 0 {
		return nil, fmt.Errorf("%w: no CPUs reported", ErrBind)
	}

	m := make([]int, maxCPU+1)
	for cpu, n := range cpuToNode {
		m[cpu] = n
	}

	return &Topology{NumNodes: len(nodes), NumCPUs: maxCPU + 1, CPUToNode: m}, nil
}

// parseCPUList parses a Linux "cpulist"-format string ("0-3,8,10-11") into
// individual CPU indices.
func parseCPUList(s string) []int {
	var out []int

	if s == "" {
		return out
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, err1 := strconv.Atoi(part[:i])
			hi, err2 := strconv.Atoi(part[i+1:])

			if err1 != nil || err2 != nil {
				continue
			}

			for c := lo; c <= hi; c++ {
				out = append(out, c)
			}

			continue
		}

		c, err := strconv.Atoi(part)
		if err != nil {
			continue
		}

		out = append(out, c)
	}

	return out
}

// CurrentCPUNode returns the CPU and NUMA node the calling OS thread is
// currently running on, per the getcpu(2) syscall. Since goroutines can
// migrate between OS threads, this is only meaningful immediately around a
// runtime.LockOSThread'd call.
func CurrentCPUNode() (cpu, node int, err error) {
	var c, n uint32

	_, _, errno := unix.Syscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&c)), uintptr(unsafe.Pointer(&n)), 0)
	if errno != 0 {
		return 0, 0, fmt.Errorf("%w: getcpu: %v", ErrBind, errno)
	}

	return int(c), int(n), nil
}

// MapOnNode maps size bytes (rounded to the page size), attempting a
// huge-page-backed mapping first when hugePage is set and falling back to a
// regular mapping on failure, then binds the range to node via mbind(2) and
// touches every page so first-touch placement takes effect immediately
// rather than lazily on first access from some other node.
func MapOnNode(size, node int, hugePage bool) ([]byte, error) {
	mem, err := MapAnon(size, hugePage)
	if err != nil && hugePage {
		mem, err = MapAnon(size, false)
	}

	if err != nil {
		return nil, err
	}

	if err := BindToNode(mem, node); err != nil {
		// Binding is a placement hint, not a correctness requirement: the
		// mapping is still usable, just not guaranteed node-local.
		debugLogBindFailure(node, err)
	}

	ps := PageSize()
	for i := 0; i < len(mem); i += ps {
		mem[i] = 0
	}

	return mem, nil
}

// BindToNode applies an MPOL_BIND memory policy to mem, restricting future
// page faults in that range to node.
func BindToNode(mem []byte, node int) error {
	if len(mem) == 0 {
		return nil
	}

	if node < 0 || node >= 64 {
		return fmt.Errorf("%w: node %d out of range", ErrBind, node)
	}

	mask := uint64(1) << uint(node)

	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)), uintptr(mpolBind),
		uintptr(unsafe.Pointer(&mask)), 64, 0)
	if errno != 0 {
		return fmt.Errorf("%w: mbind: %v", ErrBind, errno)
	}

	return nil
}

func debugLogBindFailure(node int, err error) {
	debug.Log(nil, "bind", "node=%d failed: %v", node, err)
}
