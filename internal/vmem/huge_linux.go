//go:build linux

package vmem

import "golang.org/x/sys/unix"

// hugeMapFlags requests a huge-page-backed mapping from mmap. The kernel
// rejects it unless hugetlb pages are reserved, so callers fall back to a
// regular mapping on failure.
const hugeMapFlags = unix.MAP_HUGETLB
