//go:build windows

package memory

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func (n *Native) PageSize() uint64 {
	return uint64(os.Getpagesize())
}

func (n *Native) Alloc(size uint64, prot MemProt) (MemRegion, error) {
	if size == 0 {
		return MemRegion{}, ErrInvalidRequest
	}
	size = Align(size, n.PageSize())
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, toPageProt(prot))
	if err != nil {
		return MemRegion{}, os.NewSyscallError("VirtualAlloc", err)
	}
	n.mu.Lock()
	n.regions[uint64(addr)] = raw(uint64(addr), size)
	n.mu.Unlock()
	n.track(uint64(addr), size, prot, true)
	return MemRegion{Addr: uint64(addr), Size: size, Prot: prot}, nil
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
	return os.NewSyscallError("VirtualFree", windows.VirtualFree(uintptr(addr), 0, windows.MEM_RELEASE))
}

func (n *Native) Protect(addr, size uint64, prot MemProt) error {
	var old uint32
	if err := windows.VirtualProtect(uintptr(addr), uintptr(size), toPageProt(prot), &old); err != nil {
		return os.NewSyscallError("VirtualProtect", err)
	}
	n.track(addr, size, prot, false)
	return nil
}

func (n *Native) Patch(addr uint64, data []byte) error {
	var old uint32
	if err := windows.VirtualProtect(uintptr(addr), uintptr(len(data)), windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return os.NewSyscallError("VirtualProtect", err)
	}
	copy(raw(addr, uint64(len(data))), data)
	return os.NewSyscallError("VirtualProtect", windows.VirtualProtect(uintptr(addr), uintptr(len(data)), old, &old))
}

// mapped reports whether every page of [addr, addr+size) is committed and
// accessible.
func mapped(addr, size uint64) bool {
	end := addr + max(size, 1)
	for cur := addr; cur < end; {
		var info windows.MemoryBasicInformation
		if err := windows.VirtualQuery(uintptr(cur), &info, unsafe.Sizeof(info)); err != nil {
			return false
		}
		if info.State != windows.MEM_COMMIT || info.Protect&(windows.PAGE_NOACCESS|windows.PAGE_GUARD) != 0 {
			return false
		}
		cur = uint64(info.BaseAddress) + uint64(info.RegionSize)
	}
	return true
}

func toPageProt(prot MemProt) uint32 {
	switch prot {
	case MEM_PROT_READ:
		return windows.PAGE_READONLY
	case MEM_PROT_READ | MEM_PROT_WRITE, MEM_PROT_WRITE:
		return windows.PAGE_READWRITE
	case MEM_PROT_EXEC:
		return windows.PAGE_EXECUTE
	case MEM_PROT_READ | MEM_PROT_EXEC:
		return windows.PAGE_EXECUTE_READ
	case MEM_PROT_ALL, MEM_PROT_WRITE | MEM_PROT_EXEC:
		return windows.PAGE_EXECUTE_READWRITE
	default:
		return windows.PAGE_NOACCESS
	}
}
