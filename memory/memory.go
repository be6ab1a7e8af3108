// Package memory abstracts the address space that modules, trampolines and
// patches live in.
package memory

import (
	"errors"

	"golang.org/x/exp/constraints"
)

var (
	ErrUnmapped       = errors.New("memory unmapped")
	ErrMapped         = errors.New("memory already mapped")
	ErrProtection     = errors.New("memory protection violation")
	ErrInvalidRequest = errors.New("invalid memory request")
)

type MemProt int

const (
	MEM_PROT_NONE MemProt = 0
	MEM_PROT_READ MemProt = 1 << (iota - 1)
	MEM_PROT_WRITE
	MEM_PROT_EXEC

	MEM_PROT_ALL = MEM_PROT_READ | MEM_PROT_WRITE | MEM_PROT_EXEC
)

type MemRegion struct {
	Addr, Size uint64
	Prot       MemProt
}

type Memory interface {
	PageSize() uint64
	Alloc(size uint64, prot MemProt) (MemRegion, error)
	Free(addr, size uint64) error
	Protect(addr, size uint64, prot MemProt) error
	Read(addr, size uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
	// Patch writes code regardless of the current page protection and
	// leaves the protection as it was.
	Patch(addr uint64, data []byte) error
}

func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}

func AlignDown[I constraints.Integer](a, b I) I {
	return a &^ (b - 1)
}

func (r MemRegion) Contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.Addr+r.Size
}
