//go:build !linux

package vmem

// Darwin has no MAP_HUGETLB equivalent on the mmap surface; superpage
// requests go through Mach VM flags instead, which x/sys/unix does not
// expose. Huge-page requests degrade to regular mappings here.
const hugeMapFlags = 0
