package numalloc

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/flier/goalloc/internal/debug"
	"github.com/flier/goalloc/internal/vmem"
)

// Topology describes the NUMA layout observed at [Engine.Init] time: how
// many nodes exist, how many CPUs the machine has, and which node each CPU
// belongs to. It never changes after Init succeeds.
type Topology struct {
	// NumNodes is the number of NUMA nodes.
	NumNodes int
	// NumCPUs is the number of CPUs covered by CPUToNode.
	NumCPUs int
	// CPUToNode maps a CPU index to its owning node index.
	CPUToNode []int
}

// discoverTopology asks the platform for its NUMA layout, falling back to a
// single-node view (every CPU mapped to node 0) when the platform has no
// NUMA facilities or none were found.
func discoverTopology() *Topology {
	if vmem.NumaAvailable() {
		if t, err := vmem.DiscoverTopology(); err == nil {
			debug.Log(nil, "topology", "discovered %d node(s), %d cpu(s)", t.NumNodes, t.NumCPUs)

			return &Topology{NumNodes: t.NumNodes, NumCPUs: t.NumCPUs, CPUToNode: t.CPUToNode}
		}
	}

	debug.Log(nil, "topology", "NUMA unavailable, falling back to single-node view")

	n := runtime.NumCPU()

	return &Topology{NumNodes: 1, NumCPUs: n, CPUToNode: make([]int, n)}
}

// String renders a human-readable CPU-to-node table.
func (t *Topology) String() string {
	if t == nil {
		return "numalloc: topology not initialized\n"
	}

	var b strings.Builder

	fmt.Fprintf(&b, "=== NUMA Topology ===\n")
	fmt.Fprintf(&b, "Nodes: %d\n", t.NumNodes)
	fmt.Fprintf(&b, "CPUs: %d\n\n", t.NumCPUs)
	fmt.Fprintf(&b, "CPU-to-Node Mapping:\n")

	for cpu, node := range t.CPUToNode {
		fmt.Fprintf(&b, "  CPU %2d -> Node %d\n", cpu, node)
	}

	fmt.Fprintf(&b, "====================\n")

	return b.String()
}

// writeTopology writes t's human-readable form to w. A nil t (Engine not
// yet initialized) still produces output rather than failing.
func writeTopology(w io.Writer, t *Topology) error {
	_, err := io.WriteString(w, t.String())

	return err
}
