package hook

import (
	"sync"

	"github.com/wnxd/modhost/memory"
)

// Slab hands out fixed-size executable slots carved from whole pages.
type Slab struct {
	mem      memory.Memory
	slotSize uint64
	mu       sync.Mutex
	free     []uint64
	regions  []memory.MemRegion
}

func NewSlab(mem memory.Memory, slotSize uint64) *Slab {
	return &Slab{mem: mem, slotSize: slotSize}
}

func (s *Slab) Get() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == 0 {
		region, err := s.mem.Alloc(s.mem.PageSize(), memory.MEM_PROT_ALL)
		if err != nil {
			return 0, err
		}
		s.regions = append(s.regions, region)
		for addr := region.Addr + region.Size - s.slotSize; addr >= region.Addr && addr < region.Addr+region.Size; addr -= s.slotSize {
			s.free = append(s.free, addr)
		}
	}
	addr := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return addr, nil
}

func (s *Slab) Put(addr uint64) {
	s.mu.Lock()
	s.free = append(s.free, addr)
	s.mu.Unlock()
}

// Close releases every page, including slots still handed out.
func (s *Slab) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for i := len(s.regions) - 1; i >= 0; i-- {
		if e := s.mem.Free(s.regions[i].Addr, s.regions[i].Size); e != nil && err == nil {
			err = e
		}
	}
	s.regions = nil
	s.free = nil
	return err
}
