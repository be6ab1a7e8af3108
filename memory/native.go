package memory

import (
	"fmt"
	"sync"
	"unsafe"
)

// Native is the address space of the running process.
type Native struct {
	mu      sync.Mutex
	regions map[uint64][]byte
	// protection of pages allocated through n, by page address
	prots map[uint64]MemProt
}

func NewNative() *Native {
	return &Native{
		regions: make(map[uint64][]byte),
		prots:   make(map[uint64]MemProt),
	}
}

func (n *Native) Read(addr, size uint64) ([]byte, error) {
	if err := n.check(addr, size, MEM_PROT_READ); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	copy(buf, raw(addr, size))
	return buf, nil
}

func (n *Native) Write(addr uint64, data []byte) error {
	if err := n.check(addr, uint64(len(data)), MEM_PROT_WRITE); err != nil {
		return err
	}
	copy(raw(addr, uint64(len(data))), data)
	return nil
}

// check rejects ranges that are not mapped, or that were allocated through
// n without the needed protection.
func (n *Native) check(addr, size uint64, need MemProt) error {
	if addr == 0 || !mapped(addr, size) {
		return fmt.Errorf("%#x: %w", addr, ErrUnmapped)
	}
	page := n.PageSize()
	n.mu.Lock()
	defer n.mu.Unlock()
	for p := AlignDown(addr, page); p < addr+max(size, 1); p += page {
		if prot, ok := n.prots[p]; ok && prot&need != need {
			return fmt.Errorf("%#x: %w", p, ErrProtection)
		}
	}
	return nil
}

// track records the protection of [addr, addr+size). Untracked pages are
// left alone.
func (n *Native) track(addr, size uint64, prot MemProt, add bool) {
	page := n.PageSize()
	n.mu.Lock()
	defer n.mu.Unlock()
	for p := AlignDown(addr, page); p < addr+size; p += page {
		if _, ok := n.prots[p]; ok || add {
			n.prots[p] = prot
		}
	}
}

func (n *Native) untrack(addr, size uint64) {
	page := n.PageSize()
	n.mu.Lock()
	defer n.mu.Unlock()
	for p := AlignDown(addr, page); p < addr+size; p += page {
		delete(n.prots, p)
	}
}

// pageProt returns the protection to restore on page after a patch. Pages
// not allocated through n are image code.
func (n *Native) pageProt(page uint64) MemProt {
	n.mu.Lock()
	defer n.mu.Unlock()
	if prot, ok := n.prots[page]; ok {
		return prot
	}
	return MEM_PROT_READ | MEM_PROT_EXEC
}

func raw(addr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}
