//go:build unix

package memory

import (
	"os"

	"golang.org/x/sys/unix"
)

func (n *Native) PageSize() uint64 {
	return uint64(unix.Getpagesize())
}

func (n *Native) Alloc(size uint64, prot MemProt) (MemRegion, error) {
	if size == 0 {
		return MemRegion{}, ErrInvalidRequest
	}
	size = Align(size, n.PageSize())
	data, err := unix.Mmap(-1, 0, int(size), toUnixProt(prot), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return MemRegion{}, os.NewSyscallError("mmap", err)
	}
	addr := uint64(uintptr(unsafePointer(data)))
	n.mu.Lock()
	n.regions[addr] = data
	n.mu.Unlock()
	n.track(addr, size, prot, true)
	return MemRegion{Addr: addr, Size: size, Prot: prot}, nil
}

func (n *Native) Free(addr, size uint64) error {
	n.mu.Lock()
	data, ok := n.regions[addr]
	if ok {
		delete(n.regions, addr)
	}
	n.mu.Unlock()
	if !ok {
		return ErrUnmapped
	}
	n.untrack(addr, uint64(len(data)))
	return os.NewSyscallError("munmap", unix.Munmap(data))
}

func (n *Native) Protect(addr, size uint64, prot MemProt) error {
	if err := n.mprotect(addr, size, prot); err != nil {
		return err
	}
	n.track(addr, size, prot, false)
	return nil
}

func (n *Native) mprotect(addr, size uint64, prot MemProt) error {
	page := n.PageSize()
	begin := AlignDown(addr, page)
	end := Align(addr+size, page)
	return os.NewSyscallError("mprotect", unix.Mprotect(raw(begin, end-begin), toUnixProt(prot)))
}

// Patch opens the pages for writing and puts back each page's previous
// protection afterwards.
func (n *Native) Patch(addr uint64, data []byte) error {
	size := uint64(len(data))
	if addr == 0 || !mapped(addr, size) {
		return ErrUnmapped
	}
	if err := n.mprotect(addr, size, MEM_PROT_ALL); err != nil {
		return err
	}
	copy(raw(addr, size), data)
	page := n.PageSize()
	var err error
	for p := AlignDown(addr, page); p < addr+size; p += page {
		prot := n.pageProt(p)
		if prot == MEM_PROT_ALL {
			continue
		}
		if perr := n.mprotect(p, page, prot); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func toUnixProt(prot MemProt) int {
	var p int
	if prot&MEM_PROT_READ != 0 {
		p |= unix.PROT_READ
	}
	if prot&MEM_PROT_WRITE != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&MEM_PROT_EXEC != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}
