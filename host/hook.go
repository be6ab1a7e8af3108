package host

type TrapResult int

const (
	TrapResult_ContinueExecution TrapResult = -1
	TrapResult_ContinueSearch    TrapResult = 0
)

type HookKind int

const (
	HookKind_Inline HookKind = iota
	HookKind_Mid
)

type MidHookHandler = func(ctx Context)

// BreakpointCallback runs when a registered breakpoint traps. Returning
// TrapResult_ContinueExecution requires the callback to move the program
// counter past the trap.
type BreakpointCallback = func(ctx Context) TrapResult

type HookInfo struct {
	Owner      ModuleID
	Identifier string
	Kind       HookKind
	Source     uint64
	Target     uint64
	Trampoline uint64
}

func (HookInfo) ObjectType() ObjectType { return ObjectType_Hook }

type HookManager interface {
	CreateInlineHook(owner ModuleID, id string, source, target uint64) (uint64, error)
	CreateMidHook(owner ModuleID, id string, source uint64, handler MidHookHandler) error
	RemoveHook(owner ModuleID, id string) error
	HookExists(owner ModuleID, id string) bool
	GetTrampoline(owner ModuleID, id string) (uint64, error)
	Hooks(owner ModuleID) []HookInfo
	SetBreakpoint(owner ModuleID, addr uint64, callback BreakpointCallback) error
	UnsetBreakpoint(addr uint64) error
	Breakpoints() []uint64
	// HandleTrap is called by the installed trap handler with the program
	// counter at the trap instruction.
	HandleTrap(cpu *CPUContext) TrapResult
}
