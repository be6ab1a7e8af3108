package host

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/wnxd/modhost/host"
	"github.com/wnxd/modhost/memory"
)

const allocAlign = 16

type memBlock struct {
	addr uint64
	size uint64
}

// memoryManager carves small blocks out of page mappings with a first-fit
// free list sorted by address.
type memoryManager struct {
	mem     memory.Memory
	memMu   sync.Mutex
	free    []memBlock
	used    map[uint64]uint64
	regions []memory.MemRegion
}

func (mm *memoryManager) ctor(mem memory.Memory) {
	mm.mem = mem
	mm.used = make(map[uint64]uint64)
}

func (mm *memoryManager) dtor() error {
	mm.memMu.Lock()
	defer mm.memMu.Unlock()
	var errs []error
	for i := len(mm.regions) - 1; i >= 0; i-- {
		errs = append(errs, mm.mem.Free(mm.regions[i].Addr, mm.regions[i].Size))
	}
	mm.regions = nil
	mm.free = nil
	clear(mm.used)
	return errors.Join(errs...)
}

func (mm *memoryManager) memAlloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, host.ErrInvalidParameter
	}
	size = memory.Align(size, allocAlign)
	mm.memMu.Lock()
	defer mm.memMu.Unlock()
	i := slices.IndexFunc(mm.free, func(b memBlock) bool { return b.size >= size })
	if i < 0 {
		region, err := mm.mem.Alloc(size, memory.MEM_PROT_READ|memory.MEM_PROT_WRITE)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", host.ErrInsufficientMemory, err)
		}
		mm.regions = append(mm.regions, region)
		i = mm.insertFree(memBlock{addr: region.Addr, size: region.Size})
	}
	b := &mm.free[i]
	addr := b.addr
	b.addr += size
	b.size -= size
	if b.size == 0 {
		mm.free = slices.Delete(mm.free, i, i+1)
	}
	mm.used[addr] = size
	if err := mm.mem.Write(addr, make([]byte, size)); err != nil {
		mm.release(addr)
		return 0, err
	}
	return addr, nil
}

func (mm *memoryManager) memFree(addr uint64) error {
	mm.memMu.Lock()
	defer mm.memMu.Unlock()
	if !mm.release(addr) {
		return fmt.Errorf("%#x: %w", addr, host.ErrInvalidParameter)
	}
	return nil
}

// release returns a used block to the free list, merging neighbours.
func (mm *memoryManager) release(addr uint64) bool {
	size, ok := mm.used[addr]
	if !ok {
		return false
	}
	delete(mm.used, addr)
	i := mm.insertFree(memBlock{addr: addr, size: size})
	if i+1 < len(mm.free) && mm.free[i].addr+mm.free[i].size == mm.free[i+1].addr {
		mm.free[i].size += mm.free[i+1].size
		mm.free = slices.Delete(mm.free, i+1, i+2)
	}
	if i > 0 && mm.free[i-1].addr+mm.free[i-1].size == mm.free[i].addr {
		mm.free[i-1].size += mm.free[i].size
		mm.free = slices.Delete(mm.free, i, i+1)
	}
	return true
}

func (mm *memoryManager) insertFree(b memBlock) int {
	i, _ := slices.BinarySearchFunc(mm.free, b.addr, func(e memBlock, addr uint64) int {
		return cmp.Compare(e.addr, addr)
	})
	mm.free = slices.Insert(mm.free, i, b)
	return i
}

func (rt *Rt) Alloc(owner host.ModuleID, size uint64) (uint64, error) {
	if _, err := rt.lookup(owner); err != nil {
		return 0, fmt.Errorf("%w: %w", host.ErrInvalidParameter, err)
	}
	addr, err := rt.memAlloc(size)
	if err != nil {
		return 0, err
	}
	rt.mu.Lock()
	m := rt.module(owner)
	if m != nil {
		m.allocs[addr] = size
	}
	rt.mu.Unlock()
	if m == nil {
		rt.memFree(addr)
		return 0, fmt.Errorf("module %d: %w", owner, host.ErrObjectNotFound)
	}
	return addr, nil
}

func (rt *Rt) AllocPersistent(size uint64) (uint64, error) {
	return rt.Alloc(rt.initial.id, size)
}

func (rt *Rt) Free(owner host.ModuleID, addr uint64) error {
	rt.mu.Lock()
	m := rt.module(owner)
	var ok bool
	if m != nil {
		if _, ok = m.allocs[addr]; ok {
			delete(m.allocs, addr)
		}
	}
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("%#x: %w", addr, host.ErrInvalidParameter)
	}
	return rt.memFree(addr)
}

func (rt *Rt) FreePersistent(addr uint64) error {
	return rt.Free(rt.initial.id, addr)
}

func (rt *Rt) IsValidMemory(owner host.ModuleID, addr uint64) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if m := rt.module(owner); m != nil {
		_, ok := m.allocs[addr]
		return ok
	}
	return false
}

func (rt *Rt) MemSize(owner host.ModuleID, addr uint64) (uint64, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if m := rt.module(owner); m != nil {
		if size, ok := m.allocs[addr]; ok {
			return size, nil
		}
	}
	return 0, fmt.Errorf("%#x: %w", addr, host.ErrObjectNotFound)
}

func (rt *Rt) Allocations(owner host.ModuleID) []host.Allocation {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m := rt.module(owner)
	if m == nil {
		return nil
	}
	allocs := make([]host.Allocation, 0, len(m.allocs))
	for addr, size := range m.allocs {
		allocs = append(allocs, host.Allocation{Owner: owner, Base: addr, Size: size})
	}
	slices.SortFunc(allocs, func(a, b host.Allocation) int {
		return cmp.Compare(a.Base, b.Base)
	})
	return allocs
}

func (rt *Rt) MemRead(addr, size uint64) ([]byte, error) {
	return rt.mem.Read(addr, size)
}

func (rt *Rt) MemWrite(addr uint64, data []byte) error {
	return rt.mem.Write(addr, data)
}

// freeAll releases every allocation of m.
func (rt *Rt) freeAll(m *module) error {
	rt.mu.Lock()
	addrs := make([]uint64, 0, len(m.allocs))
	for addr := range m.allocs {
		addrs = append(addrs, addr)
	}
	clear(m.allocs)
	rt.mu.Unlock()
	var errs []error
	for _, addr := range addrs {
		errs = append(errs, rt.memFree(addr))
	}
	return errors.Join(errs...)
}
