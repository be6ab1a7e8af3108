package host

// Allocation is a tracked heap block. Persistent allocations are owned by
// the initial module.
type Allocation struct {
	Owner ModuleID
	Base  uint64
	Size  uint64
}

func (Allocation) ObjectType() ObjectType { return ObjectType_Allocation }

type MemoryManager interface {
	Alloc(owner ModuleID, size uint64) (uint64, error)
	AllocPersistent(size uint64) (uint64, error)
	Free(owner ModuleID, addr uint64) error
	FreePersistent(addr uint64) error
	IsValidMemory(owner ModuleID, addr uint64) bool
	MemSize(owner ModuleID, addr uint64) (uint64, error)
	Allocations(owner ModuleID) []Allocation
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
}
