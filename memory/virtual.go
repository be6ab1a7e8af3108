package memory

import (
	"fmt"
	"sync"
)

const virtualPageSize = 0x1000

type page struct {
	data [virtualPageSize]byte
	prot MemProt
}

// Virtual is a sparse, page-granular address space held in Go memory.
type Virtual struct {
	mu    sync.RWMutex
	pages map[uint64]*page
	next  uint64
}

func NewVirtual() *Virtual {
	return &Virtual{
		pages: make(map[uint64]*page),
		next:  0x7f0000000000,
	}
}

func (v *Virtual) PageSize() uint64 {
	return virtualPageSize
}

// Map maps [addr, addr+size) at a fixed address.
func (v *Virtual) Map(addr, size uint64, prot MemProt) error {
	if size == 0 || addr%virtualPageSize != 0 {
		return ErrInvalidRequest
	}
	size = Align(size, virtualPageSize)
	v.mu.Lock()
	defer v.mu.Unlock()
	for p := addr; p < addr+size; p += virtualPageSize {
		if _, ok := v.pages[p]; ok {
			return fmt.Errorf("%#x: %w", p, ErrMapped)
		}
	}
	for p := addr; p < addr+size; p += virtualPageSize {
		v.pages[p] = &page{prot: prot}
	}
	return nil
}

func (v *Virtual) Alloc(size uint64, prot MemProt) (MemRegion, error) {
	if size == 0 {
		return MemRegion{}, ErrInvalidRequest
	}
	size = Align(size, virtualPageSize)
	v.mu.Lock()
	addr := v.next
	v.next += size + virtualPageSize
	v.mu.Unlock()
	if err := v.Map(addr, size, prot); err != nil {
		return MemRegion{}, err
	}
	return MemRegion{Addr: addr, Size: size, Prot: prot}, nil
}

func (v *Virtual) Free(addr, size uint64) error {
	size = Align(size, virtualPageSize)
	v.mu.Lock()
	defer v.mu.Unlock()
	for p := addr; p < addr+size; p += virtualPageSize {
		if _, ok := v.pages[p]; !ok {
			return fmt.Errorf("%#x: %w", p, ErrUnmapped)
		}
	}
	for p := addr; p < addr+size; p += virtualPageSize {
		delete(v.pages, p)
	}
	return nil
}

func (v *Virtual) Protect(addr, size uint64, prot MemProt) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	begin := AlignDown(addr, virtualPageSize)
	for p := begin; p < addr+size; p += virtualPageSize {
		pg, ok := v.pages[p]
		if !ok {
			return fmt.Errorf("%#x: %w", p, ErrUnmapped)
		}
		pg.prot = prot
	}
	return nil
}

// Mapped reports whether addr lies in a mapped page.
func (v *Virtual) Mapped(addr uint64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.pages[AlignDown(addr, virtualPageSize)]
	return ok
}

func (v *Virtual) Read(addr, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.access(addr, buf, MEM_PROT_READ, false); err != nil {
		return nil, err
	}
	return buf, nil
}

func (v *Virtual) Write(addr uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.access(addr, data, MEM_PROT_WRITE, true)
}

func (v *Virtual) Patch(addr uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.access(addr, data, MEM_PROT_NONE, true)
}

func (v *Virtual) access(addr uint64, buf []byte, need MemProt, write bool) error {
	for off := uint64(0); off < uint64(len(buf)); {
		cur := addr + off
		pg, ok := v.pages[AlignDown(cur, virtualPageSize)]
		if !ok {
			return fmt.Errorf("%#x: %w", cur, ErrUnmapped)
		}
		if pg.prot&need != need {
			return fmt.Errorf("%#x: %w", cur, ErrProtection)
		}
		in := cur % virtualPageSize
		var n int
		if write {
			n = copy(pg.data[in:], buf[off:])
		} else {
			n = copy(buf[off:], pg.data[in:])
		}
		off += uint64(n)
	}
	return nil
}
