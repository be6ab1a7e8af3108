package host

import (
	"errors"
	"fmt"
	"slices"

	"github.com/wnxd/modhost/hook"
	"github.com/wnxd/modhost/host"
	"github.com/wnxd/modhost/memory"
)

type hookRecord struct {
	info    host.HookInfo
	patch   hook.Patch
	handler host.MidHookHandler
}

type hookManager struct {
	// mid hooks by source address, guarded by moduleManager.mu
	midHooks map[uint64]*hookRecord
}

func (hm *hookManager) ctor() {
	hm.midHooks = make(map[uint64]*hookRecord)
}

func findHook(m *module, id string) int {
	return slices.IndexFunc(m.hooks, func(h *hookRecord) bool { return h.info.Identifier == id })
}

func hookError(err error) error {
	switch {
	case errors.Is(err, hook.ErrAlreadyPatched):
		return fmt.Errorf("%w: %w", host.ErrAlreadyExists, err)
	case errors.Is(err, hook.ErrTrampoline):
		return fmt.Errorf("%w: %w", host.ErrInsufficientMemory, err)
	case errors.Is(err, hook.ErrRelativeCode), errors.Is(err, hook.ErrFunctionTooShort),
		errors.Is(err, hook.ErrDecode), errors.Is(err, memory.ErrUnmapped), errors.Is(err, memory.ErrProtection):
		return fmt.Errorf("%w: %w", host.ErrInvalidParameter, err)
	}
	return fmt.Errorf("%w: %w", host.ErrExternalError, err)
}

// inCodeSection reports whether addr lies in the code section of a
// registered module.
func (rt *Rt) inCodeSection(addr uint64) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, m := range rt.loaded {
		for _, name := range []string{".text", "__text"} {
			if s, err := m.img.Section(name); err == nil && s.Contains(m.img.Base(), addr) {
				return true
			}
		}
	}
	return false
}

// patchConflict reports whether [src, src+size) touches an armed breakpoint
// or the bytes replaced by an installed hook. Callers hold mu and bpMu.
func (rt *Rt) patchConflict(src, size uint64) bool {
	for addr := range rt.breakpoints {
		if addr >= src && addr < src+size {
			return true
		}
	}
	for _, m := range rt.loaded {
		for _, h := range m.hooks {
			if src < h.info.Source+h.patch.Size() && h.info.Source < src+size {
				return true
			}
		}
	}
	return false
}

// installHook validates the request, then prepares, records and applies the
// patch under the guard.
func (rt *Rt) installHook(owner host.ModuleID, info host.HookInfo, handler host.MidHookHandler, prepare func() (hook.Patch, error)) (*hookRecord, error) {
	m, err := rt.lookup(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", host.ErrInvalidParameter, err)
	}
	if rt.HookExists(owner, info.Identifier) {
		return nil, fmt.Errorf("hook %q: %w", info.Identifier, host.ErrAlreadyExists)
	}
	record, err := rt.applyHook(m, info, handler, prepare)
	if err != nil {
		return nil, err
	}
	rt.log.Debug("hook installed", "module", m, "id", info.Identifier, "source", info.Source)
	return record, nil
}

func (rt *Rt) applyHook(m *module, info host.HookInfo, handler host.MidHookHandler, prepare func() (hook.Patch, error)) (*hookRecord, error) {
	unlock := rt.guard.lock(&rt.mu, &rt.bpMu)
	defer unlock()
	if findHook(m, info.Identifier) >= 0 {
		return nil, fmt.Errorf("hook %q: %w", info.Identifier, host.ErrAlreadyExists)
	}
	if rt.module(m.id) == nil {
		return nil, fmt.Errorf("module %d: %w", m.id, host.ErrObjectNotFound)
	}
	patch, err := prepare()
	if err != nil {
		return nil, hookError(err)
	}
	if rt.patchConflict(patch.Source(), patch.Size()) {
		patch.Close()
		return nil, fmt.Errorf("%#x: %w", info.Source, host.ErrAlreadyExists)
	}
	info.Owner = m.id
	info.Trampoline = patch.Trampoline()
	record := &hookRecord{info: info, patch: patch, handler: handler}
	m.hooks = append(m.hooks, record)
	if info.Kind == host.HookKind_Mid {
		rt.midHooks[info.Source] = record
	}
	if err := rt.guard.frozen(patch.Apply); err != nil {
		rt.dropHook(m, len(m.hooks)-1)
		patch.Close()
		return nil, hookError(err)
	}
	return record, nil
}

func (rt *Rt) CreateInlineHook(owner host.ModuleID, id string, source, target uint64) (uint64, error) {
	if source == 0 || target == 0 {
		return 0, host.ErrInvalidParameter
	}
	if !rt.inCodeSection(target) {
		return 0, fmt.Errorf("target %#x outside module code: %w", target, host.ErrInvalidParameter)
	}
	info := host.HookInfo{Identifier: id, Kind: host.HookKind_Inline, Source: source, Target: target}
	record, err := rt.installHook(owner, info, nil, func() (hook.Patch, error) {
		return rt.backend.Inline(source, target)
	})
	if err != nil {
		return 0, err
	}
	return record.info.Trampoline, nil
}

// CreateMidHook requires an installed trap handler.
func (rt *Rt) CreateMidHook(owner host.ModuleID, id string, source uint64, handler host.MidHookHandler) error {
	if source == 0 || handler == nil {
		return host.ErrInvalidParameter
	}
	if rt.removeTrapHandler == nil {
		return fmt.Errorf("mid hook: %w: no trap handler", host.ErrNotImplemented)
	}
	info := host.HookInfo{Identifier: id, Kind: host.HookKind_Mid, Source: source}
	_, err := rt.installHook(owner, info, handler, func() (hook.Patch, error) {
		return rt.backend.Mid(source)
	})
	return err
}

func (rt *Rt) RemoveHook(owner host.ModuleID, id string) error {
	m, err := rt.lookup(owner)
	if err != nil {
		return err
	}
	if !rt.HookExists(owner, id) {
		return fmt.Errorf("hook %q: %w", id, host.ErrObjectNotFound)
	}
	unlock := rt.guard.lock(&rt.mu)
	defer unlock()
	i := findHook(m, id)
	if i < 0 {
		return fmt.Errorf("hook %q: %w", id, host.ErrObjectNotFound)
	}
	record := m.hooks[i]
	if err := rt.guard.frozen(record.patch.Restore); err != nil {
		return hookError(err)
	}
	rt.dropHook(m, i)
	if err := record.patch.Close(); err != nil {
		return hookError(err)
	}
	return nil
}

// dropHook removes the i-th hook of m from the tables. Callers hold mu.
func (rt *Rt) dropHook(m *module, i int) {
	record := m.hooks[i]
	if record.info.Kind == host.HookKind_Mid && rt.midHooks[record.info.Source] == record {
		delete(rt.midHooks, record.info.Source)
	}
	m.hooks = slices.Delete(m.hooks, i, i+1)
}

// removeHooks restores every hook of m in one freeze and drops them,
// continuing through restore failures.
func (rt *Rt) removeHooks(m *module) error {
	unlock := rt.guard.lock(&rt.mu)
	defer unlock()
	if len(m.hooks) == 0 {
		return nil
	}
	hooks := slices.Clone(m.hooks)
	failed := make([]error, len(hooks))
	err := rt.guard.frozen(func() error {
		for i := len(hooks) - 1; i >= 0; i-- {
			failed[i] = hooks[i].patch.Restore()
		}
		return nil
	})
	if err != nil {
		return err
	}
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if failed[i] == nil {
			failed[i] = hooks[i].patch.Close()
		}
		if failed[i] != nil {
			errs = append(errs, fmt.Errorf("hook %q: %w", hooks[i].info.Identifier, failed[i]))
		}
		rt.dropHook(m, i)
	}
	return errors.Join(errs...)
}

func (rt *Rt) HookExists(owner host.ModuleID, id string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m := rt.module(owner)
	return m != nil && findHook(m, id) >= 0
}

func (rt *Rt) GetTrampoline(owner host.ModuleID, id string) (uint64, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if m := rt.module(owner); m != nil {
		if i := findHook(m, id); i >= 0 {
			return m.hooks[i].info.Trampoline, nil
		}
	}
	return 0, fmt.Errorf("hook %q: %w", id, host.ErrObjectNotFound)
}

func (rt *Rt) Hooks(owner host.ModuleID) []host.HookInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m := rt.module(owner)
	if m == nil {
		return nil
	}
	infos := make([]host.HookInfo, len(m.hooks))
	for i, h := range m.hooks {
		infos[i] = h.info
	}
	return infos
}

func (rt *Rt) midHook(pc uint64) *hookRecord {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.midHooks[pc]
}

// HandleTrap dispatches a trap to a breakpoint or mid hook registered at the
// program counter. A program counter one past the trap byte is accepted and
// rewound.
func (rt *Rt) HandleTrap(cpu *host.CPUContext) host.TrapResult {
	for _, pc := range []uint64{cpu.Rip, cpu.Rip - 1} {
		if bp := rt.breakpoint(pc); bp != nil {
			cpu.Rip = pc
			return bp.callback(newTrapContext(rt, cpu))
		}
		if record := rt.midHook(pc); record != nil {
			cpu.Rip = pc
			record.handler(newTrapContext(rt, cpu))
			cpu.Rip = record.info.Trampoline
			return host.TrapResult_ContinueExecution
		}
	}
	return host.TrapResult_ContinueSearch
}
