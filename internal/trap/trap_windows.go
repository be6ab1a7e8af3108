//go:build windows && amd64

package trap

import (
	"os"
	"sync"

	"github.com/wnxd/modhost/host"
	"golang.org/x/sys/windows"
)

const (
	statusBreakpoint           = 0x80000003
	exceptionContinueExecution = ^uintptr(0)
	exceptionContinueSearch    = 0
)

var (
	kernel32                           = windows.NewLazySystemDLL("kernel32.dll")
	procAddVectoredExceptionHandler    = kernel32.NewProc("AddVectoredExceptionHandler")
	procRemoveVectoredExceptionHandler = kernel32.NewProc("RemoveVectoredExceptionHandler")

	callbackOnce sync.Once
	callback     uintptr
)

type exceptionRecord struct {
	Code    uint32
	Flags   uint32
	Record  uintptr
	Address uintptr
}

type exceptionPointers struct {
	Record  *exceptionRecord
	Context *context
}

// context is the leading part of the amd64 CONTEXT record, through Rip.
type context struct {
	homes        [6]uint64
	contextFlags uint32
	mxCsr        uint32
	segs         [6]uint16
	eflags       uint32
	dr           [6]uint64
	rax, rcx     uint64
	rdx, rbx     uint64
	rsp, rbp     uint64
	rsi, rdi     uint64
	r8, r9       uint64
	r10, r11     uint64
	r12, r13     uint64
	r14, r15     uint64
	rip          uint64
}

// Vectored installs the handler as a first-chance vectored exception
// handler.
type Vectored struct{}

// Default returns the trap installer of this platform.
func Default() host.TrapInstaller {
	return Vectored{}
}

func (Vectored) Install(handle host.TrapHandler) (func() error, error) {
	callbackOnce.Do(func() {
		callback = windows.NewCallback(vectoredHandler)
	})
	if err := route(handle); err != nil {
		return nil, err
	}
	h, _, err := procAddVectoredExceptionHandler.Call(1, callback)
	if h == 0 {
		unroute()
		return nil, os.NewSyscallError("AddVectoredExceptionHandler", err)
	}
	return func() error {
		defer unroute()
		if r, _, err := procRemoveVectoredExceptionHandler.Call(h); r == 0 {
			return os.NewSyscallError("RemoveVectoredExceptionHandler", err)
		}
		return nil
	}, nil
}

func vectoredHandler(info *exceptionPointers) uintptr {
	if info.Record.Code != statusBreakpoint {
		return exceptionContinueSearch
	}
	ctx := info.Context
	cpu := host.CPUContext{
		Rax: ctx.rax, Rbx: ctx.rbx, Rcx: ctx.rcx, Rdx: ctx.rdx,
		Rsi: ctx.rsi, Rdi: ctx.rdi, Rbp: ctx.rbp, Rsp: ctx.rsp,
		R8: ctx.r8, R9: ctx.r9, R10: ctx.r10, R11: ctx.r11,
		R12: ctx.r12, R13: ctx.r13, R14: ctx.r14, R15: ctx.r15,
		Rip: ctx.rip, Rflags: uint64(ctx.eflags),
	}
	if dispatch(&cpu) != host.TrapResult_ContinueExecution {
		return exceptionContinueSearch
	}
	ctx.rax, ctx.rbx, ctx.rcx, ctx.rdx = cpu.Rax, cpu.Rbx, cpu.Rcx, cpu.Rdx
	ctx.rsi, ctx.rdi, ctx.rbp, ctx.rsp = cpu.Rsi, cpu.Rdi, cpu.Rbp, cpu.Rsp
	ctx.r8, ctx.r9, ctx.r10, ctx.r11 = cpu.R8, cpu.R9, cpu.R10, cpu.R11
	ctx.r12, ctx.r13, ctx.r14, ctx.r15 = cpu.R12, cpu.R13, cpu.R14, cpu.R15
	ctx.rip, ctx.eflags = cpu.Rip, uint32(cpu.Rflags)
	return exceptionContinueExecution
}
