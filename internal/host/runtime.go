package host

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wnxd/modhost/hook"
	"github.com/wnxd/modhost/host"
	"github.com/wnxd/modhost/image"
	"github.com/wnxd/modhost/memory"
)

var ErrRuntimeClosed = errors.New("runtime closed")

// Rt is the runtime context. All registries hang off it; nothing is
// process-global.
type Rt struct {
	log     *slog.Logger
	loader  image.Loader
	mem     memory.Memory
	backend hook.Backend
	probe   host.LaunchProbe
	pattern string
	guard   patchGuard
	// removes the trap handler; nil when traps are not delivered
	removeTrapHandler func() error
	moduleManager
	memoryManager
	hookManager
	breakpointManager
	callbackManager
}

var _ host.Runtime = (*Rt)(nil)

func New(opts host.Options) (*Rt, error) {
	if opts.Loader == nil || opts.Memory == nil || opts.Backend == nil {
		return nil, host.ErrInvalidParameter
	}
	rt := &Rt{
		log:     opts.Logger,
		loader:  opts.Loader,
		mem:     opts.Memory,
		backend: opts.Backend,
		probe:   opts.Probe,
		pattern: opts.Pattern,
	}
	if rt.log == nil {
		rt.log = slog.New(slog.DiscardHandler)
	}
	if rt.probe == nil {
		rt.probe = host.ProbeFunc(func() bool { return false })
	}
	if rt.pattern == "" {
		rt.pattern = host.DefaultPattern()
	}
	if !doublestar.ValidatePattern(rt.pattern) {
		return nil, host.ErrInvalidParameter
	}
	freezer := opts.Freezer
	if freezer == nil {
		freezer = defaultFreezer()
	}
	rt.guard.ctor(freezer)
	rt.memoryManager.ctor(rt.mem)
	rt.hookManager.ctor()
	rt.breakpointManager.ctor()
	rt.callbackManager.ctor()
	if opts.Traps != nil {
		remove, err := opts.Traps.Install(rt.HandleTrap)
		if err != nil {
			rt.memoryManager.dtor()
			return nil, fmt.Errorf("%w: trap handler: %w", host.ErrExternalError, err)
		}
		rt.removeTrapHandler = remove
	}
	if err := rt.moduleManager.ctor(rt); err != nil {
		rt.memoryManager.dtor()
		if rt.removeTrapHandler != nil {
			rt.removeTrapHandler()
		}
		return nil, err
	}
	rt.log.Debug("runtime attached", "arch", rt.Arch(), "host", rt.initial.path)
	return rt, nil
}

func (rt *Rt) Arch() image.Arch {
	return rt.loader.CurrentArch()
}

// Close unmaps every module and releases the host module.
func (rt *Rt) Close() error {
	err := rt.moduleManager.dtor(rt)
	rt.callbackManager.dtor()
	rt.breakpointManager.dtor(rt)
	if rt.removeTrapHandler != nil {
		err = errors.Join(err, rt.removeTrapHandler())
	}
	err = errors.Join(err, rt.memoryManager.dtor())
	rt.log.Debug("runtime detached")
	return err
}
