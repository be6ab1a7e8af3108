package host

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/wnxd/modhost/host"
	"github.com/wnxd/modhost/image"
)

type entryPoints struct {
	frameworkInit uint64
	preinitialize uint64
	initialize    uint64
	unload        uint64
	operation     uint64
}

type module struct {
	id      host.ModuleID
	path    string
	img     image.Image
	isHost  bool
	entries entryPoints

	preinitialized atomic.Bool
	initialized    atomic.Bool
	runtimeLoaded  atomic.Bool
	markedForPurge atomic.Bool
	preinitRan     atomic.Bool
	initRan        atomic.Bool
	unloadRan      atomic.Bool

	// guarded by moduleManager.mu
	opCallback host.OperationCallback
	allocs     map[uint64]uint64
	hooks      []*hookRecord
	interfaces []*interfaceEntry
}

type moduleManager struct {
	mu      sync.RWMutex
	loaded  []*module
	initial *module
	nextID  atomic.Uint64
}

func (mm *moduleManager) ctor(rt *Rt) error {
	img, err := rt.loader.Host()
	if err != nil {
		return fmt.Errorf("%w: %w", host.ErrExternalError, err)
	}
	m := mm.newModule(img)
	m.isHost = true
	m.preinitialized.Store(true)
	m.initialized.Store(true)
	mm.initial = m
	mm.loaded = []*module{m}
	return nil
}

func (mm *moduleManager) dtor(rt *Rt) error {
	var errs []error
	for {
		mm.mu.RLock()
		var last *module
		if n := len(mm.loaded); n > 0 && !mm.loaded[n-1].isHost {
			last = mm.loaded[n-1]
		}
		mm.mu.RUnlock()
		if last == nil {
			break
		}
		errs = append(errs, rt.unmap(last, true))
	}
	errs = append(errs, rt.removeHooks(mm.initial))
	errs = append(errs, rt.releaseOwned(mm.initial))
	errs = append(errs, rt.backend.Close())
	mm.mu.Lock()
	mm.loaded = nil
	mm.mu.Unlock()
	return errors.Join(errs...)
}

func (mm *moduleManager) newModule(img image.Image) *module {
	m := &module{
		id:     host.ModuleID(mm.nextID.Add(1)),
		path:   img.Path(),
		img:    img,
		allocs: make(map[uint64]uint64),
	}
	m.entries = entryPoints{
		frameworkInit: img.Export(host.ExportFrameworkInit),
		preinitialize: img.Export(host.ExportPreinitialize),
		initialize:    img.Export(host.ExportInitialize),
		unload:        img.Export(host.ExportUnload),
		operation:     img.Export(host.ExportOperationCallback),
	}
	return m
}

func (m *module) ObjectType() host.ObjectType { return host.ObjectType_Module }
func (m *module) ID() host.ModuleID           { return m.id }
func (m *module) Path() string                { return m.path }
func (m *module) Base() uint64                { return m.img.Base() }
func (m *module) Size() uint64                { return m.img.Size() }
func (m *module) IsHost() bool                { return m.isHost }
func (m *module) IsPreinitialized() bool      { return m.preinitialized.Load() }
func (m *module) IsInitialized() bool         { return m.initialized.Load() }
func (m *module) IsRuntimeLoaded() bool       { return m.runtimeLoaded.Load() }
func (m *module) IsMarkedForPurge() bool      { return m.markedForPurge.Load() }

func (m *module) String() string {
	return filepath.Base(m.path)
}

func (m *module) contains(addr uint64) bool {
	base := m.img.Base()
	return addr >= base && addr < base+m.img.Size()
}

func samePath(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func normalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// module returns the registered module with id. Callers hold mu.
func (mm *moduleManager) module(id host.ModuleID) *module {
	for _, m := range mm.loaded {
		if m.id == id {
			return m
		}
	}
	return nil
}

func (mm *moduleManager) lookup(id host.ModuleID) (*module, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	if m := mm.module(id); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("module %d: %w", id, host.ErrObjectNotFound)
}

func (mm *moduleManager) findPath(path string) *module {
	for _, m := range mm.loaded {
		if samePath(m.path, path) {
			return m
		}
	}
	return nil
}

func (mm *moduleManager) register(m *module) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.findPath(m.path) != nil {
		return fmt.Errorf("%s: %w", m.path, host.ErrAlreadyExists)
	}
	mm.loaded = append(mm.loaded, m)
	return nil
}

func (mm *moduleManager) unregister(m *module) {
	mm.mu.Lock()
	mm.loaded = slices.DeleteFunc(mm.loaded, func(e *module) bool { return e == m })
	mm.mu.Unlock()
}

func (rt *Rt) InitialModule() host.Module {
	return rt.initial
}

func (rt *Rt) MapImage(path string, runtimeLoad bool) (host.Module, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%s: %w", path, host.ErrAccessDenied)
		}
		return nil, fmt.Errorf("%s: %w", path, host.ErrFileNotFound)
	}
	path, err := normalizePath(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, host.ErrInvalidParameter)
	}
	info, err := rt.loader.Inspect(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, host.ErrInvalidSignature, err)
	}
	if info.Arch != rt.loader.CurrentArch() {
		return nil, fmt.Errorf("%s: %w: image is %v, host is %v", path, host.ErrInvalidArch, info.Arch, rt.loader.CurrentArch())
	}
	rt.mu.RLock()
	dup := rt.findPath(path)
	rt.mu.RUnlock()
	if dup != nil {
		return nil, fmt.Errorf("%s: %w", path, host.ErrAlreadyExists)
	}
	if info.Export(host.ExportFrameworkInit) == 0 {
		return nil, fmt.Errorf("%s: %w: missing %s", path, host.ErrInitializationFailed, host.ExportFrameworkInit)
	}
	if info.Export(host.ExportPreinitialize) == 0 && info.Export(host.ExportInitialize) == 0 {
		return nil, fmt.Errorf("%s: %w: missing entry points", path, host.ErrInitializationFailed)
	}
	img, err := rt.loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, host.ErrExternalError, err)
	}
	m := rt.newModule(img)
	m.path = path
	m.runtimeLoaded.Store(runtimeLoad)
	if m.entries.operation != 0 {
		m.opCallback = rt.nativeOperationCallback(m)
	}
	if err := rt.register(m); err != nil {
		img.Close()
		return nil, err
	}
	rt.log.Debug("module mapped", "module", m, "id", m.id, "base", m.Base(), "runtime", runtimeLoad)
	if runtimeLoad {
		if err := rt.runtimeDispatch(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (rt *Rt) UnmapImage(id host.ModuleID) error {
	m, err := rt.lookup(id)
	if err != nil {
		return err
	}
	if m.isHost {
		return fmt.Errorf("%s: %w", m.path, host.ErrAccessDenied)
	}
	return rt.unmap(m, true)
}

// unmap releases everything m owns. With unload set the Unload entry point
// runs with operation notifications; purges skip both.
func (rt *Rt) unmap(m *module, unload bool) error {
	var errs []error
	errs = append(errs, rt.removeHooks(m))
	if unload && m.entries.unload != 0 && m.unloadRan.CompareAndSwap(false, true) {
		if err := rt.dispatchEntry(m, host.Operation_Unload, m.entries.unload); err != nil {
			rt.log.Warn("module unload failed", "module", m, "error", err)
			errs = append(errs, err)
		}
	}
	rt.mu.Lock()
	m.opCallback = nil
	rt.mu.Unlock()
	errs = append(errs, rt.releaseOwned(m))
	errs = append(errs, m.img.Close())
	rt.unregister(m)
	rt.DeleteDeferredCallbacks()
	if unload {
		rt.log.Info("module unmapped", "module", m)
	} else {
		rt.log.Info("module purged", "module", m)
	}
	return errors.Join(errs...)
}

// releaseOwned destroys the interfaces, callbacks, breakpoints and
// allocations owned by m.
func (rt *Rt) releaseOwned(m *module) error {
	var errs []error
	errs = append(errs, rt.destroyInterfaces(m))
	rt.deferCallbacksOf(m.id)
	errs = append(errs, rt.unsetBreakpointsOf(m.id))
	errs = append(errs, rt.freeAll(m))
	return errors.Join(errs...)
}

func (rt *Rt) PurgeMarkedModules() error {
	rt.mu.RLock()
	var marked []*module
	for _, m := range rt.loaded {
		if m.markedForPurge.Load() && !m.isHost {
			marked = append(marked, m)
		}
	}
	rt.mu.RUnlock()
	var errs []error
	for _, m := range marked {
		errs = append(errs, rt.unmap(m, false))
	}
	return errors.Join(errs...)
}

func (rt *Rt) Modules() []host.Module {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	modules := make([]host.Module, len(rt.loaded))
	for i, m := range rt.loaded {
		modules[i] = m
	}
	return modules
}

func (rt *Rt) ModuleByID(id host.ModuleID) (host.Module, error) {
	return rt.lookup(id)
}

func (rt *Rt) FindModule(path string) (host.Module, error) {
	if abs, err := normalizePath(path); err == nil {
		path = abs
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if m := rt.findPath(path); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("%s: %w", path, host.ErrObjectNotFound)
}

func (rt *Rt) FindModuleByAddr(addr uint64) (host.Module, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, m := range rt.loaded {
		if m.contains(addr) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%#x: %w", addr, host.ErrObjectNotFound)
}

// NextModule returns the module registered after id, wrapping around.
func (rt *Rt) NextModule(id host.ModuleID) (host.Module, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	i := slices.IndexFunc(rt.loaded, func(m *module) bool { return m.id == id })
	if i < 0 {
		return nil, fmt.Errorf("module %d: %w", id, host.ErrObjectNotFound)
	}
	return rt.loaded[(i+1)%len(rt.loaded)], nil
}

func (rt *Rt) ImageFolder(id host.ModuleID) (string, error) {
	m, err := rt.lookup(id)
	if err != nil {
		return "", err
	}
	return filepath.Dir(m.path), nil
}

func (rt *Rt) ImageFilename(id host.ModuleID) (string, error) {
	m, err := rt.lookup(id)
	if err != nil {
		return "", err
	}
	return filepath.Base(m.path), nil
}

func (rt *Rt) SetOperationCallback(id host.ModuleID, callback host.OperationCallback) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m := rt.module(id)
	if m == nil {
		return fmt.Errorf("module %d: %w", id, host.ErrObjectNotFound)
	}
	m.opCallback = callback
	return nil
}
