package vmem

import "errors"

// ErrBind is returned when binding a mapped range to a NUMA node fails, and
// also wraps failures to read the node topology or query the current CPU.
var ErrBind = errors.New("vmem: numa bind failed")

// Topology is the CPU-to-node layout discovered from the host.
type Topology struct {
	// NumNodes is the number of NUMA nodes.
	NumNodes int
	// NumCPUs is the number of CPUs the topology covers.
	NumCPUs int
	// CPUToNode maps a CPU index to its owning node index.
	CPUToNode []int
}
