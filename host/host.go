// Package host defines the plugin runtime: module lifecycle, code hooks,
// tracked memory, and named interfaces and callbacks shared by modules.
package host

import (
	"io"
	"log/slog"
	"runtime"

	"github.com/wnxd/modhost/hook"
	"github.com/wnxd/modhost/image"
	"github.com/wnxd/modhost/memory"
)

type Runtime interface {
	io.Closer
	Arch() image.Arch
	ModuleManager
	MemoryManager
	HookManager
	ObjectManager
}

// Freezer suspends every thread of the process except the caller.
type Freezer interface {
	FreezeAllOtherThreads() error
	ResumeAllOtherThreads() error
}

// LaunchProbe reports whether the host process is still suspended at its
// entry point.
type LaunchProbe interface {
	SuspendedAtEntry() bool
}

// TrapHandler receives the traps raised by breakpoints and mid hooks.
type TrapHandler = func(cpu *CPUContext) TrapResult

// TrapInstaller hooks the process fault handling path. Install routes every
// trap to handle until remove is called.
type TrapInstaller interface {
	Install(handle TrapHandler) (remove func() error, err error)
}

type Options struct {
	Loader  image.Loader
	Memory  memory.Memory
	Backend hook.Backend
	Freezer Freezer
	Probe   LaunchProbe
	// Traps delivers traps to the runtime. Without it mid hooks and
	// breakpoints are not available.
	Traps TrapInstaller
	// Pattern selects module candidates by base name in MapFolder.
	Pattern string
	Logger  *slog.Logger
}

type nopFreezer struct{}

func (nopFreezer) FreezeAllOtherThreads() error { return nil }
func (nopFreezer) ResumeAllOtherThreads() error { return nil }

// NopFreezer performs no thread suspension.
var NopFreezer Freezer = nopFreezer{}

// ProbeFunc adapts a function to LaunchProbe.
type ProbeFunc func() bool

func (f ProbeFunc) SuspendedAtEntry() bool { return f() }

// DefaultPattern is the candidate pattern for native images on this platform.
func DefaultPattern() string {
	switch runtime.GOOS {
	case "windows":
		return "*.dll"
	case "darwin":
		return "*.dylib"
	default:
		return "*.so"
	}
}
