//go:build linux

package memory

import "golang.org/x/sys/unix"

// mapped reports whether every page of [addr, addr+size) is mapped.
func mapped(addr, size uint64) bool {
	page := uint64(unix.Getpagesize())
	begin := AlignDown(addr, page)
	end := Align(addr+max(size, 1), page)
	if end <= begin {
		return false
	}
	vec := make([]byte, (end-begin)/page)
	return unix.Mincore(raw(begin, end-begin), vec) == nil
}
