// Package x86 implements hook patching for amd64 code.
package x86

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/wnxd/modhost/hook"
	"github.com/wnxd/modhost/image"
	"github.com/wnxd/modhost/memory"
	"golang.org/x/arch/x86/x86asm"
)

const (
	// jmp qword ptr [rip+0]; dq target
	absJumpSize = 14
	maxInstLen  = 15
	slotSize    = 64
	opInt3      = 0xCC
)

var _ = hook.Register(image.ARCH_X86_64, New)

type backend struct {
	mem     memory.Memory
	slab    *hook.Slab
	mu      sync.Mutex
	patched map[uint64]*patch
}

type patch struct {
	b          *backend
	src        uint64
	orig, stub []byte
	trampoline uint64
	applied    bool
}

func New(mem memory.Memory) (hook.Backend, error) {
	return &backend{
		mem:     mem,
		slab:    hook.NewSlab(mem, slotSize),
		patched: make(map[uint64]*patch),
	}, nil
}

func (b *backend) Arch() image.Arch {
	return image.ARCH_X86_64
}

func (b *backend) Trap() byte {
	return opInt3
}

func (b *backend) Close() error {
	return b.slab.Close()
}

func (b *backend) Inline(src, dst uint64) (hook.Patch, error) {
	return b.install(src, absJumpSize, func(stolen int) []byte {
		code := AbsJump(dst)
		for len(code) < stolen {
			code = append(code, 0x90)
		}
		return code
	})
}

func (b *backend) Mid(src uint64) (hook.Patch, error) {
	return b.install(src, 1, func(int) []byte {
		return []byte{opInt3}
	})
}

func (b *backend) install(src uint64, need int, stub func(stolen int) []byte) (hook.Patch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.overlaps(src, uint64(need)) {
		return nil, fmt.Errorf("%#x: %w", src, hook.ErrAlreadyPatched)
	}
	code, err := b.mem.Read(src, uint64(need+maxInstLen-1))
	if err != nil {
		return nil, err
	}
	stolen, err := Steal(code, need)
	if err != nil {
		return nil, fmt.Errorf("%#x: %w", src, err)
	}
	if b.overlaps(src, uint64(stolen)) {
		return nil, fmt.Errorf("%#x: %w", src, hook.ErrAlreadyPatched)
	}
	slot, err := b.slab.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hook.ErrTrampoline, err)
	}
	orig := code[:stolen]
	tramp := append(append([]byte(nil), orig...), AbsJump(src+uint64(stolen))...)
	if err := b.mem.Write(slot, tramp); err != nil {
		b.slab.Put(slot)
		return nil, err
	}
	p := &patch{b: b, src: src, orig: orig, stub: stub(stolen), trampoline: slot}
	b.patched[src] = p
	return p, nil
}

// overlaps reports whether [src, src+size) intersects a reserved patch.
// Callers hold mu.
func (b *backend) overlaps(src, size uint64) bool {
	for _, p := range b.patched {
		if src < p.src+p.Size() && p.src < src+size {
			return true
		}
	}
	return false
}

func (p *patch) Source() uint64 {
	return p.src
}

func (p *patch) Size() uint64 {
	return uint64(len(p.orig))
}

func (p *patch) Trampoline() uint64 {
	return p.trampoline
}

func (p *patch) Apply() error {
	if p.applied {
		return fmt.Errorf("%#x: %w", p.src, hook.ErrAlreadyPatched)
	}
	if err := p.b.mem.Patch(p.src, p.stub); err != nil {
		return err
	}
	p.applied = true
	return nil
}

func (p *patch) Restore() error {
	if !p.applied {
		return fmt.Errorf("%#x: %w", p.src, hook.ErrNotPatched)
	}
	if err := p.b.mem.Patch(p.src, p.orig); err != nil {
		return err
	}
	p.applied = false
	return nil
}

func (p *patch) Close() error {
	b := p.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.patched[p.src] != p {
		return fmt.Errorf("%#x: %w", p.src, hook.ErrNotPatched)
	}
	if p.applied {
		if err := p.Restore(); err != nil {
			return err
		}
	}
	delete(b.patched, p.src)
	b.slab.Put(p.trampoline)
	return nil
}

// AbsJump encodes an absolute indirect jump to target.
func AbsJump(target uint64) []byte {
	code := make([]byte, absJumpSize)
	code[0], code[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint64(code[6:], target)
	return code
}

// Steal returns the length of the whole instructions covering at least need
// bytes of code. Instructions that depend on their own address are rejected.
func Steal(code []byte, need int) (int, error) {
	n := 0
	for n < need {
		if n < len(code) && code[n] == opInt3 {
			return 0, hook.ErrAlreadyPatched
		}
		inst, err := x86asm.Decode(code[n:], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", hook.ErrDecode, err)
		}
		if relative(inst) {
			return 0, fmt.Errorf("%v: %w", inst, hook.ErrRelativeCode)
		}
		n += inst.Len
		if n < need && terminates(inst) {
			return 0, hook.ErrFunctionTooShort
		}
	}
	return n, nil
}

func relative(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		switch arg := arg.(type) {
		case nil:
			return false
		case x86asm.Rel:
			return true
		case x86asm.Mem:
			if arg.Base == x86asm.RIP {
				return true
			}
		}
	}
	return false
}

func terminates(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.INT, x86asm.UD2, x86asm.HLT:
		return true
	}
	return false
}
