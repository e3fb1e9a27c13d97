//go:build !linux

package vmem

// NumaAvailable always reports false outside Linux: mbind(2)/sysfs node
// topology has no portable equivalent, so numalloc falls back to its
// single-node view on these platforms.
func NumaAvailable() bool { return false }

// DiscoverTopology is unsupported outside Linux.
func DiscoverTopology() (*Topology, error) {
	return nil, unsupported()
}

// CurrentCPUNode is unsupported outside Linux.
func CurrentCPUNode() (cpu, node int, err error) {
	return 0, 0, unsupported()
}

// MapOnNode degrades to a plain anonymous mapping outside Linux: there is
// no portable way to request node-local placement.
func MapOnNode(size, node int, hugePage bool) ([]byte, error) {
	return MapAnon(size, hugePage)
}

// BindToNode is a no-op outside Linux.
func BindToNode(mem []byte, node int) error { return nil }
