package host

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/wnxd/modhost/host"
)

type breakpoint struct {
	owner    host.ModuleID
	orig     byte
	callback host.BreakpointCallback
}

type breakpointManager struct {
	bpMu        sync.Mutex
	breakpoints map[uint64]*breakpoint
}

func (bm *breakpointManager) ctor() {
	bm.breakpoints = make(map[uint64]*breakpoint)
}

func (bm *breakpointManager) dtor(rt *Rt) {
	for _, addr := range rt.Breakpoints() {
		rt.UnsetBreakpoint(addr)
	}
}

func (rt *Rt) breakpoint(addr uint64) *breakpoint {
	rt.bpMu.Lock()
	defer rt.bpMu.Unlock()
	return rt.breakpoints[addr]
}

// SetBreakpoint requires an installed trap handler. addr may not lie in
// bytes replaced by a hook, so the saved byte is always original code.
func (rt *Rt) SetBreakpoint(owner host.ModuleID, addr uint64, callback host.BreakpointCallback) error {
	if addr == 0 || callback == nil {
		return host.ErrInvalidParameter
	}
	if rt.removeTrapHandler == nil {
		return fmt.Errorf("breakpoint: %w: no trap handler", host.ErrNotImplemented)
	}
	if _, err := rt.lookup(owner); err != nil {
		return fmt.Errorf("%w: %w", host.ErrInvalidParameter, err)
	}
	unlock := rt.guard.lock(rt.mu.RLocker(), &rt.bpMu)
	defer unlock()
	if _, ok := rt.breakpoints[addr]; ok || rt.patchConflict(addr, 1) {
		return fmt.Errorf("%#x: %w", addr, host.ErrAlreadyExists)
	}
	orig, err := rt.mem.Read(addr, 1)
	if err != nil {
		return fmt.Errorf("%w: %w", host.ErrInvalidParameter, err)
	}
	trap := []byte{rt.backend.Trap()}
	rt.breakpoints[addr] = &breakpoint{owner: owner, orig: orig[0], callback: callback}
	if err := rt.guard.frozen(func() error { return rt.mem.Patch(addr, trap) }); err != nil {
		delete(rt.breakpoints, addr)
		return fmt.Errorf("%w: %w", host.ErrExternalError, err)
	}
	return nil
}

func (rt *Rt) UnsetBreakpoint(addr uint64) error {
	if rt.breakpoint(addr) == nil {
		return fmt.Errorf("%#x: %w", addr, host.ErrObjectNotFound)
	}
	unlock := rt.guard.lock(&rt.bpMu)
	defer unlock()
	bp, ok := rt.breakpoints[addr]
	if !ok {
		return fmt.Errorf("%#x: %w", addr, host.ErrObjectNotFound)
	}
	orig := []byte{bp.orig}
	if err := rt.guard.frozen(func() error { return rt.mem.Patch(addr, orig) }); err != nil {
		return fmt.Errorf("%w: %w", host.ErrExternalError, err)
	}
	delete(rt.breakpoints, addr)
	return nil
}

// Breakpoints lists the armed breakpoint addresses in ascending order.
func (rt *Rt) Breakpoints() []uint64 {
	rt.bpMu.Lock()
	addrs := fn.MapKeys(rt.breakpoints)
	rt.bpMu.Unlock()
	slices.Sort(addrs)
	return addrs
}

func (rt *Rt) unsetBreakpointsOf(owner host.ModuleID) error {
	rt.bpMu.Lock()
	var addrs []uint64
	for addr, bp := range rt.breakpoints {
		if bp.owner == owner {
			addrs = append(addrs, addr)
		}
	}
	rt.bpMu.Unlock()
	var errs []error
	for _, addr := range addrs {
		if err := rt.UnsetBreakpoint(addr); err != nil && !errors.Is(err, host.ErrObjectNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
