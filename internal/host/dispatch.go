package host

import (
	"errors"
	"fmt"

	"github.com/wnxd/modhost/host"
)

// invokeEntry runs routine through the module's framework-init trampoline,
// which binds the module to the runtime first.
func (rt *Rt) invokeEntry(m *module, routine uint64) error {
	base := m.img.Base()
	var target uint64
	if routine != 0 {
		target = base + routine
	}
	ret, err := m.img.Invoke(base+m.entries.frameworkInit, uint64(rt.initial.id), uint64(m.id), target, m.path)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", m, host.ErrExternalError, err)
	}
	if err := host.Status(uint32(ret)).Err(); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}
	return nil
}

// dispatchEntry runs one entry point wrapped by operation notifications to
// every other module.
func (rt *Rt) dispatchEntry(m *module, op host.OperationType, routine uint64) error {
	if m.isHost {
		return nil
	}
	rt.notifyOperation(m, op, true)
	err := rt.invokeEntry(m, routine)
	rt.notifyOperation(m, op, false)
	return err
}

func (rt *Rt) notifyOperation(affected *module, op host.OperationType, future bool) {
	rt.mu.RLock()
	callbacks := make([]host.OperationCallback, 0, len(rt.loaded))
	for _, m := range rt.loaded {
		if m != affected && m.opCallback != nil {
			callbacks = append(callbacks, m.opCallback)
		}
	}
	rt.mu.RUnlock()
	for _, callback := range callbacks {
		callback(affected, op, future)
	}
}

func (rt *Rt) nativeOperationCallback(m *module) host.OperationCallback {
	addr := m.img.Base() + m.entries.operation
	return func(affected host.Module, op host.OperationType, future bool) {
		if _, err := m.img.Invoke(addr, uint64(affected.ID()), uint32(op), future); err != nil {
			rt.log.Warn("operation callback failed", "module", m, "error", err)
		}
	}
}

func (rt *Rt) preinitialize(m *module) error {
	if !m.preinitRan.CompareAndSwap(false, true) {
		return nil
	}
	if m.entries.preinitialize != 0 {
		if err := rt.dispatchEntry(m, host.Operation_Preinitialize, m.entries.preinitialize); err != nil {
			return rt.purgeFailed(m, err)
		}
	}
	m.preinitialized.Store(true)
	rt.log.Debug("module preinitialized", "module", m)
	return nil
}

func (rt *Rt) initialize(m *module) error {
	if !m.preinitialized.Load() || !m.initRan.CompareAndSwap(false, true) {
		return nil
	}
	if m.entries.initialize != 0 {
		if err := rt.dispatchEntry(m, host.Operation_Initialize, m.entries.initialize); err != nil {
			return rt.purgeFailed(m, err)
		}
	}
	m.initialized.Store(true)
	rt.log.Debug("module initialized", "module", m)
	return nil
}

func (rt *Rt) purgeFailed(m *module, cause error) error {
	m.markedForPurge.Store(true)
	rt.log.Warn("module lifecycle failed", "module", m, "error", cause)
	if err := rt.PurgeMarkedModules(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// runtimeDispatch drives a module loaded after process start. Initialize is
// deferred to InitializeAll while the host is still suspended at its entry.
func (rt *Rt) runtimeDispatch(m *module) error {
	if err := rt.preinitialize(m); err != nil {
		return err
	}
	if rt.probe.SuspendedAtEntry() {
		rt.log.Debug("host suspended at entry, initialize deferred", "module", m)
		return nil
	}
	return rt.initialize(m)
}

func (rt *Rt) pending() []*module {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var modules []*module
	for _, m := range rt.loaded {
		if !m.isHost {
			modules = append(modules, m)
		}
	}
	return modules
}

// PreinitializeAll runs Preinitialize on every module that has not passed it.
// Failing modules are purged and the remaining ones still run.
func (rt *Rt) PreinitializeAll() error {
	var errs []error
	for _, m := range rt.pending() {
		errs = append(errs, rt.preinitialize(m))
	}
	return errors.Join(errs...)
}

// InitializeAll runs Initialize on every preinitialized module.
func (rt *Rt) InitializeAll() error {
	var errs []error
	for _, m := range rt.pending() {
		errs = append(errs, rt.initialize(m))
	}
	return errors.Join(errs...)
}
