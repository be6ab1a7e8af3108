package host

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/wnxd/modhost/host"
)

type interfaceEntry struct {
	name string
	obj  host.Interface
}

// findInterface scans every module's table. Callers hold mu.
func (rt *Rt) findInterface(name string) (*module, int) {
	for _, m := range rt.loaded {
		if i := slices.IndexFunc(m.interfaces, func(e *interfaceEntry) bool { return strings.EqualFold(e.name, name) }); i >= 0 {
			return m, i
		}
	}
	return nil, -1
}

func entryError(err error) error {
	var status host.Status
	if errors.As(err, &status) {
		return err
	}
	return fmt.Errorf("%w: %w", host.ErrExternalError, err)
}

func (rt *Rt) CreateInterface(owner host.ModuleID, name string, obj host.Interface) error {
	if name == "" || obj == nil {
		return host.ErrInvalidParameter
	}
	if _, err := rt.lookup(owner); err != nil {
		return fmt.Errorf("%w: %w", host.ErrInvalidParameter, err)
	}
	if rt.InterfaceExists(name) {
		return fmt.Errorf("interface %q: %w", name, host.ErrAlreadyExists)
	}
	if err := obj.Create(); err != nil {
		return fmt.Errorf("interface %q: %w", name, entryError(err))
	}
	rt.mu.Lock()
	m := rt.module(owner)
	var err error
	if other, _ := rt.findInterface(name); other != nil {
		err = fmt.Errorf("interface %q: %w", name, host.ErrAlreadyExists)
	} else if m == nil {
		err = fmt.Errorf("module %d: %w", owner, host.ErrObjectNotFound)
	} else {
		m.interfaces = append(m.interfaces, &interfaceEntry{name: name, obj: obj})
	}
	rt.mu.Unlock()
	if err != nil {
		obj.Destroy()
		return err
	}
	rt.log.Debug("interface created", "module", m, "name", name)
	return nil
}

func (rt *Rt) GetInterface(name string) (host.Interface, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if m, i := rt.findInterface(name); m != nil {
		return m.interfaces[i].obj, nil
	}
	return nil, fmt.Errorf("interface %q: %w", name, host.ErrObjectNotFound)
}

func (rt *Rt) InterfaceExists(name string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m, _ := rt.findInterface(name)
	return m != nil
}

func (rt *Rt) DestroyInterface(owner host.ModuleID, name string) error {
	rt.mu.Lock()
	m, i := rt.findInterface(name)
	if m == nil {
		rt.mu.Unlock()
		return fmt.Errorf("interface %q: %w", name, host.ErrObjectNotFound)
	}
	if m.id != owner {
		rt.mu.Unlock()
		return fmt.Errorf("interface %q: %w", name, host.ErrAccessDenied)
	}
	entry := m.interfaces[i]
	m.interfaces = slices.Delete(m.interfaces, i, i+1)
	rt.mu.Unlock()
	if err := entry.obj.Destroy(); err != nil {
		return fmt.Errorf("interface %q: %w", name, entryError(err))
	}
	return nil
}

func (rt *Rt) Interfaces(owner host.ModuleID) []host.InterfaceEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m := rt.module(owner)
	if m == nil {
		return nil
	}
	entries := make([]host.InterfaceEntry, len(m.interfaces))
	for i, e := range m.interfaces {
		entries[i] = host.InterfaceEntry{Owner: owner, Name: e.name, Interface: e.obj}
	}
	return entries
}

// LookupInterfaceOwnerExport resolves an export of the image that publishes
// the named interface.
func (rt *Rt) LookupInterfaceOwnerExport(name, export string) (uint64, error) {
	rt.mu.RLock()
	m, _ := rt.findInterface(name)
	rt.mu.RUnlock()
	if m == nil {
		return 0, fmt.Errorf("interface %q: %w", name, host.ErrObjectNotFound)
	}
	offset := m.img.Export(export)
	if offset == 0 {
		return 0, fmt.Errorf("%s!%s: %w", m, export, host.ErrFilePartNotFound)
	}
	return m.img.Base() + offset, nil
}

// destroyInterfaces destroys and removes every interface m publishes.
func (rt *Rt) destroyInterfaces(m *module) error {
	rt.mu.Lock()
	entries := m.interfaces
	m.interfaces = nil
	rt.mu.Unlock()
	var errs []error
	for _, e := range entries {
		if err := e.obj.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("interface %q: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}
