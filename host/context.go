package host

type Reg int

const (
	REG_RAX Reg = iota
	REG_RBX
	REG_RCX
	REG_RDX
	REG_RSI
	REG_RDI
	REG_RBP
	REG_RSP
	REG_R8
	REG_R9
	REG_R10
	REG_R11
	REG_R12
	REG_R13
	REG_R14
	REG_R15
	REG_RIP
	REG_RFLAGS
	REG_ENDING
)

// CPUContext is the register file captured at a trap. Field order follows
// the Reg constants.
type CPUContext struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
}

type Context interface {
	Runtime() Runtime
	// Module returns the module whose image contains the program counter.
	Module() (Module, error)
	PC() Reg
	SP() Reg
	RegRead(reg Reg) (uint64, error)
	RegWrite(reg Reg, value uint64) error
	RegReadBatch(regs ...Reg) ([]uint64, error)
	RegWriteBatch(regs []Reg, vals []uint64) error
}
