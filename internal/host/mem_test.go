package host

import (
	"bytes"
	"errors"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/wnxd/modhost/host"
	"github.com/wnxd/modhost/image/imagetest"
)

func TestAlloc(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, host.Options{})
	m := e.mapImage(t, e.add(t, "a.so", &imagetest.Module{Initialize: ok}), false)
	id := m.ID()

	a, err := e.rt.Alloc(id, 24)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	b, err := e.rt.Alloc(id, 100)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if a%allocAlign != 0 || b%allocAlign != 0 || b < a+24 {
		t.Errorf("allocations overlap or misaligned: %#x %#x", a, b)
	}
	if size, _ := e.rt.MemSize(id, a); size != 24 {
		t.Errorf("MemSize() = %d, want 24", size)
	}
	data, err := e.rt.MemRead(b, 100)
	if err != nil || !bytes.Equal(data, make([]byte, 100)) {
		t.Errorf("new allocation not zeroed: % x, %v", data, err)
	}
	want := []host.Allocation{{Owner: id, Base: a, Size: 24}, {Owner: id, Base: b, Size: 100}}
	if got := e.rt.Allocations(id); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Allocations() = %s", spew.Sdump(got))
	}

	if err := e.rt.MemWrite(a, []byte("dirty")); err != nil {
		t.Fatalf("MemWrite() error = %v", err)
	}
	if err := e.rt.Free(id, a); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if e.rt.IsValidMemory(id, a) {
		t.Error("freed allocation still valid")
	}
	c, err := e.rt.Alloc(id, 16)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if c != a {
		t.Errorf("first fit reused %#x, want %#x", c, a)
	}
	if data, _ := e.rt.MemRead(c, 16); !bytes.Equal(data, make([]byte, 16)) {
		t.Errorf("reused allocation not zeroed: % x", data)
	}
}

func TestAllocRejects(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, host.Options{})
	m := e.mapImage(t, e.add(t, "a.so", &imagetest.Module{Initialize: ok}), false)
	other := e.rt.InitialModule().ID()

	if _, err := e.rt.Alloc(m.ID(), 0); !errors.Is(err, host.ErrInvalidParameter) {
		t.Errorf("Alloc(0) error = %v, want %v", err, host.ErrInvalidParameter)
	}
	if _, err := e.rt.Alloc(999, 8); !errors.Is(err, host.ErrInvalidParameter) {
		t.Errorf("Alloc(unknown owner) error = %v, want %v", err, host.ErrInvalidParameter)
	}
	addr, err := e.rt.Alloc(m.ID(), 8)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if err := e.rt.Free(other, addr); !errors.Is(err, host.ErrInvalidParameter) {
		t.Errorf("Free(other owner) error = %v, want %v", err, host.ErrInvalidParameter)
	}
	if err := e.rt.FreePersistent(addr); !errors.Is(err, host.ErrInvalidParameter) {
		t.Errorf("FreePersistent(owned) error = %v, want %v", err, host.ErrInvalidParameter)
	}
	if _, err := e.rt.MemSize(other, addr); !errors.Is(err, host.ErrObjectNotFound) {
		t.Errorf("MemSize(other owner) error = %v, want %v", err, host.ErrObjectNotFound)
	}
	if err := e.rt.Free(m.ID(), addr); err != nil {
		t.Errorf("Free() error = %v", err)
	}
	if err := e.rt.Free(m.ID(), addr); !errors.Is(err, host.ErrInvalidParameter) {
		t.Errorf("double Free() error = %v, want %v", err, host.ErrInvalidParameter)
	}
}

func TestFreeListCoalesces(t *testing.T) {
	t.Parallel()

	var mm memoryManager
	e := newTestEnv(t, host.Options{})
	mm.ctor(e.mem)
	defer mm.dtor()

	addrs := make([]uint64, 4)
	for i := range addrs {
		addr, err := mm.memAlloc(0x100)
		if err != nil {
			t.Fatalf("memAlloc() error = %v", err)
		}
		addrs[i] = addr
	}
	for _, i := range []int{1, 0, 3, 2} {
		if err := mm.memFree(addrs[i]); err != nil {
			t.Fatalf("memFree(%#x) error = %v", addrs[i], err)
		}
	}
	if len(mm.free) != 1 || mm.free[0].addr != mm.regions[0].Addr || mm.free[0].size != mm.regions[0].Size {
		t.Errorf("free list = %s, want one block covering %s", spew.Sdump(mm.free), spew.Sdump(mm.regions))
	}
	if err := mm.memFree(addrs[0]); !errors.Is(err, host.ErrInvalidParameter) {
		t.Errorf("memFree(freed) error = %v, want %v", err, host.ErrInvalidParameter)
	}
}
