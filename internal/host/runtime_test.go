package host

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/wnxd/modhost/hook/x86"
	"github.com/wnxd/modhost/host"
	"github.com/wnxd/modhost/image"
	"github.com/wnxd/modhost/image/imagetest"
	"github.com/wnxd/modhost/memory"
)

// push rbp; mov rbp, rsp; sub rsp, 0x20; mov [rbp-8], rdi; xor eax, eax; leave; ret
var prologue = []byte{
	0x55,
	0x48, 0x89, 0xe5,
	0x48, 0x83, 0xec, 0x20,
	0x48, 0x89, 0x7d, 0xf8,
	0x31, 0xc0,
	0xc9,
	0xc3,
}

type testEnv struct {
	rt     *Rt
	loader *imagetest.Loader
	mem    *memory.Virtual
	traps  *testTraps
	dir    string
}

// testTraps stands in for the process trap handler.
type testTraps struct {
	handle  host.TrapHandler
	removed atomic.Bool
}

func (tr *testTraps) Install(handle host.TrapHandler) (func() error, error) {
	tr.handle = handle
	return func() error {
		tr.removed.Store(true)
		return nil
	}, nil
}

func newTestEnv(t *testing.T, opts host.Options) *testEnv {
	t.Helper()
	mem := memory.NewVirtual()
	loader := imagetest.NewLoader(mem)
	backend, err := x86.New(mem)
	if err != nil {
		t.Fatalf("x86.New() error = %v", err)
	}
	opts.Loader = loader
	opts.Memory = mem
	opts.Backend = backend
	if opts.Freezer == nil {
		opts.Freezer = host.NopFreezer
	}
	traps, _ := opts.Traps.(*testTraps)
	if opts.Traps == nil {
		traps = new(testTraps)
		opts.Traps = traps
	}
	if opts.Pattern == "" {
		opts.Pattern = "*.so"
	}
	rt, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return &testEnv{rt: rt, loader: loader, mem: mem, traps: traps, dir: t.TempDir()}
}

// add writes an empty file named name and registers m for it.
func (e *testEnv) add(t *testing.T, name string, m *imagetest.Module) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	e.loader.Add(path, m)
	return path
}

func (e *testEnv) mapImage(t *testing.T, path string, runtimeLoad bool) host.Module {
	t.Helper()
	m, err := e.rt.MapImage(path, runtimeLoad)
	if err != nil {
		t.Fatalf("MapImage(%s) error = %v", filepath.Base(path), err)
	}
	return m
}

func ok(uint64, string) uint32 { return 0 }

// recorder collects entry point calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) entry(name string, status host.Status) imagetest.Entry {
	return func(uint64, string) uint32 {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		return uint32(status)
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	if _, err := New(host.Options{}); !errors.Is(err, host.ErrInvalidParameter) {
		t.Errorf("New(empty) error = %v, want %v", err, host.ErrInvalidParameter)
	}

	mem := memory.NewVirtual()
	backend, err := x86.New(mem)
	if err != nil {
		t.Fatalf("x86.New() error = %v", err)
	}
	_, err = New(host.Options{Loader: imagetest.NewLoader(mem), Memory: mem, Backend: backend, Pattern: "[*.so"})
	if !errors.Is(err, host.ErrInvalidParameter) {
		t.Errorf("New(bad pattern) error = %v, want %v", err, host.ErrInvalidParameter)
	}
}

func TestInitialModule(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, host.Options{})
	initial := e.rt.InitialModule()
	if !initial.IsHost() || !initial.IsPreinitialized() || !initial.IsInitialized() {
		t.Errorf("InitialModule() = %s", spew.Sdump(initial))
	}
	if modules := e.rt.Modules(); len(modules) != 1 || modules[0] != initial {
		t.Errorf("Modules() = %v, want only the host", modules)
	}
	if err := e.rt.UnmapImage(initial.ID()); !errors.Is(err, host.ErrAccessDenied) {
		t.Errorf("UnmapImage(host) error = %v, want %v", err, host.ErrAccessDenied)
	}
	if _, err := e.rt.ModuleByID(initial.ID()); err != nil {
		t.Errorf("host gone after denied unmap: %v", err)
	}
}

func TestMapImageRejects(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, host.Options{})
	foreign := image.ARCH_ARM
	if e.loader.Arch == image.ARCH_ARM {
		foreign = image.ARCH_X86_64
	}
	unknown := filepath.Join(e.dir, "unknown.so")
	if err := os.WriteFile(unknown, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{name: "missing file", path: filepath.Join(e.dir, "missing.so"), want: host.ErrFileNotFound},
		{name: "bad signature", path: unknown, want: host.ErrInvalidSignature},
		{name: "foreign arch", path: e.add(t, "arm.so", &imagetest.Module{Arch: foreign, Initialize: ok}), want: host.ErrInvalidArch},
		{name: "no framework init", path: e.add(t, "nofwk.so", &imagetest.Module{NoFrameworkInit: true, Initialize: ok}), want: host.ErrInitializationFailed},
		{name: "no entry points", path: e.add(t, "noentry.so", &imagetest.Module{}), want: host.ErrInitializationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.rt.MapImage(tt.path, false); !errors.Is(err, tt.want) {
				t.Errorf("MapImage() error = %v, want %v", err, tt.want)
			}
		})
	}
	if loaded := e.loader.Loaded(); len(loaded) != 0 {
		t.Errorf("rejected images were loaded: %v", loaded)
	}
}

func TestMapImageDuplicate(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, host.Options{})
	path := e.add(t, "a.so", &imagetest.Module{Initialize: ok})
	first := e.mapImage(t, path, false)
	if _, err := e.rt.MapImage(path, false); !errors.Is(err, host.ErrAlreadyExists) {
		t.Fatalf("second MapImage() error = %v, want %v", err, host.ErrAlreadyExists)
	}
	if n := len(e.loader.Loaded()); n != 1 {
		t.Errorf("image loaded %d times, want 1", n)
	}
	found, err := e.rt.FindModule(path)
	if err != nil || found != first {
		t.Errorf("FindModule() = %v, %v, want %v", found, err, first)
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, host.Options{})
	var rec recorder
	a := e.mapImage(t, e.add(t, "a.so", &imagetest.Module{
		Preinitialize: rec.entry("a.pre", host.Status_Success),
		Initialize:    rec.entry("a.init", host.Status_Success),
	}), false)
	b := e.mapImage(t, e.add(t, "b.so", &imagetest.Module{
		Initialize: rec.entry("b.init", host.Status_Success),
	}), false)

	if calls := rec.get(); len(calls) != 0 {
		t.Fatalf("entry points ran before dispatch: %v", calls)
	}
	if err := e.rt.InitializeAll(); err != nil {
		t.Fatalf("InitializeAll() error = %v", err)
	}
	if calls := rec.get(); len(calls) != 0 {
		t.Fatalf("Initialize ran before Preinitialize: %v", calls)
	}
	if err := e.rt.PreinitializeAll(); err != nil {
		t.Fatalf("PreinitializeAll() error = %v", err)
	}
	if err := e.rt.InitializeAll(); err != nil {
		t.Fatalf("InitializeAll() error = %v", err)
	}
	if err := e.rt.InitializeAll(); err != nil {
		t.Fatalf("second InitializeAll() error = %v", err)
	}
	want := []string{"a.pre", "a.init", "b.init"}
	if calls := rec.get(); !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	for _, m := range []host.Module{a, b} {
		if !m.IsPreinitialized() || !m.IsInitialized() || m.IsRuntimeLoaded() {
			t.Errorf("module state = %s", spew.Sdump(m))
		}
	}
}

func TestRuntimeLoadDefersInitializeAtEntry(t *testing.T) {
	t.Parallel()

	var suspended atomic.Bool
	suspended.Store(true)
	e := newTestEnv(t, host.Options{Probe: host.ProbeFunc(suspended.Load)})
	var rec recorder
	m := e.mapImage(t, e.add(t, "a.so", &imagetest.Module{
		Preinitialize: rec.entry("pre", host.Status_Success),
		Initialize:    rec.entry("init", host.Status_Success),
	}), true)
	if calls := rec.get(); !slices.Equal(calls, []string{"pre"}) {
		t.Fatalf("calls = %v, want [pre]", calls)
	}
	if !m.IsRuntimeLoaded() || !m.IsPreinitialized() || m.IsInitialized() {
		t.Fatalf("module state = %s", spew.Sdump(m))
	}
	suspended.Store(false)
	if err := e.rt.InitializeAll(); err != nil {
		t.Fatalf("InitializeAll() error = %v", err)
	}
	if calls := rec.get(); !slices.Equal(calls, []string{"pre", "init"}) {
		t.Errorf("calls = %v, want [pre init]", calls)
	}
}

func TestOperationCallbacks(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, host.Options{})
	type event struct {
		affected uint64
		op       host.OperationType
		future   bool
	}
	var (
		mu     sync.Mutex
		native []event
		goside []event
	)
	observer := e.mapImage(t, e.add(t, "observer.so", &imagetest.Module{
		Initialize: ok,
		OperationCallback: func(affected uint64, op uint32, future bool) {
			mu.Lock()
			native = append(native, event{affected, host.OperationType(op), future})
			mu.Unlock()
		},
	}), false)
	watcher := e.mapImage(t, e.add(t, "watcher.so", &imagetest.Module{Initialize: ok}), false)
	err := e.rt.SetOperationCallback(watcher.ID(), func(affected host.Module, op host.OperationType, future bool) {
		mu.Lock()
		goside = append(goside, event{uint64(affected.ID()), op, future})
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SetOperationCallback() error = %v", err)
	}

	target := e.mapImage(t, e.add(t, "target.so", &imagetest.Module{
		Preinitialize: ok,
		Initialize:    ok,
		Unload:        ok,
	}), true)
	if err := e.rt.UnmapImage(target.ID()); err != nil {
		t.Fatalf("UnmapImage() error = %v", err)
	}

	id := uint64(target.ID())
	want := []event{
		{id, host.Operation_Preinitialize, true},
		{id, host.Operation_Preinitialize, false},
		{id, host.Operation_Initialize, true},
		{id, host.Operation_Initialize, false},
		{id, host.Operation_Unload, true},
		{id, host.Operation_Unload, false},
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(native, want) {
		t.Errorf("native events = %s, want %s", spew.Sdump(native), spew.Sdump(want))
	}
	if !slices.Equal(goside, want) {
		t.Errorf("go events = %s, want %s", spew.Sdump(goside), spew.Sdump(want))
	}
	if err := e.rt.SetOperationCallback(observer.ID()+100, nil); !errors.Is(err, host.ErrObjectNotFound) {
		t.Errorf("SetOperationCallback(unknown) error = %v, want %v", err, host.ErrObjectNotFound)
	}
}

func TestFailedInitializePurges(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, host.Options{})
	target, src := e.mapCode(t, "target.so")
	dst := target.Base() + imagetest.TextOffset
	var destroyed int
	var alloc uint64
	var bad host.ModuleID
	path := e.add(t, "bad.so", &imagetest.Module{
		Preinitialize: func(self uint64, _ string) uint32 {
			bad = host.ModuleID(self)
			var err error
			if alloc, err = e.rt.Alloc(bad, 64); err != nil {
				return uint32(host.StatusOf(err))
			}
			if _, err := e.rt.CreateInlineHook(bad, "h", src, dst); err != nil {
				return uint32(host.StatusOf(err))
			}
			iface := &testInterface{onDestroy: func() { destroyed++ }}
			return uint32(host.StatusOf(e.rt.CreateInterface(bad, "bad.iface", iface)))
		},
		Initialize: func(uint64, string) uint32 { return uint32(host.Status_ExternalError) },
		Unload: func(uint64, string) uint32 {
			t.Error("Unload ran for a purged module")
			return 0
		},
	})
	if _, err := e.rt.MapImage(path, true); !errors.Is(err, host.ErrExternalError) {
		t.Fatalf("MapImage() error = %v, want %v", err, host.ErrExternalError)
	}
	if _, err := e.rt.FindModule(path); !errors.Is(err, host.ErrObjectNotFound) {
		t.Errorf("FindModule() error = %v, want %v", err, host.ErrObjectNotFound)
	}
	if e.rt.InterfaceExists("bad.iface") || destroyed != 1 {
		t.Errorf("interface exists = %v, destroyed %d times", e.rt.InterfaceExists("bad.iface"), destroyed)
	}
	if alloc == 0 || len(e.rt.used) != 0 {
		t.Errorf("allocation %#x still tracked: %v", alloc, e.rt.used)
	}
	if hooks := e.rt.Hooks(bad); len(hooks) != 0 {
		t.Errorf("Hooks() = %s", spew.Sdump(hooks))
	}
	if got := e.code(t, src); !bytes.Equal(got, prologue) {
		t.Errorf("hooked code after purge = % x, want % x", got, prologue)
	}
	if _, err := e.rt.CreateInlineHook(target.ID(), "again", src, dst); err != nil {
		t.Errorf("CreateInlineHook() after purge error = %v", err)
	}
	if closed := e.loader.Closed(); !slices.Equal(closed, []string{path}) {
		t.Errorf("Closed() = %v, want [%s]", closed, path)
	}
}

func TestFailedPreinitializeKeepsOthers(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, host.Options{})
	var rec recorder
	e.mapImage(t, e.add(t, "a.so", &imagetest.Module{Preinitialize: rec.entry("a", host.Status_InternalError), Initialize: ok}), false)
	b := e.mapImage(t, e.add(t, "b.so", &imagetest.Module{Preinitialize: rec.entry("b", host.Status_Success), Initialize: ok}), false)

	if err := e.rt.PreinitializeAll(); !errors.Is(err, host.ErrInternalError) {
		t.Fatalf("PreinitializeAll() error = %v, want %v", err, host.ErrInternalError)
	}
	if calls := rec.get(); !slices.Equal(calls, []string{"a", "b"}) {
		t.Errorf("calls = %v, want [a b]", calls)
	}
	modules := e.rt.Modules()
	if len(modules) != 2 || modules[1] != b {
		t.Errorf("Modules() = %v, want host and b", modules)
	}
}

func TestModuleQueries(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, host.Options{})
	path := e.add(t, "sub/a.so", &imagetest.Module{Initialize: ok})
	a := e.mapImage(t, path, false)
	initial := e.rt.InitialModule()

	if got, err := e.rt.FindModuleByAddr(a.Base() + 0x10); err != nil || got != a {
		t.Errorf("FindModuleByAddr() = %v, %v, want %v", got, err, a)
	}
	if _, err := e.rt.FindModuleByAddr(1); !errors.Is(err, host.ErrObjectNotFound) {
		t.Errorf("FindModuleByAddr(1) error = %v, want %v", err, host.ErrObjectNotFound)
	}
	if got, _ := e.rt.NextModule(initial.ID()); got != a {
		t.Errorf("NextModule(host) = %v, want %v", got, a)
	}
	if got, _ := e.rt.NextModule(a.ID()); got != initial {
		t.Errorf("NextModule(last) = %v, want host", got)
	}
	if dir, _ := e.rt.ImageFolder(a.ID()); dir != filepath.Join(e.dir, "sub") {
		t.Errorf("ImageFolder() = %q", dir)
	}
	if name, _ := e.rt.ImageFilename(a.ID()); name != "a.so" {
		t.Errorf("ImageFilename() = %q, want a.so", name)
	}
	if _, err := e.rt.ImageFilename(999); !errors.Is(err, host.ErrObjectNotFound) {
		t.Errorf("ImageFilename(999) error = %v, want %v", err, host.ErrObjectNotFound)
	}
}

func TestCloseUnloadsInReverse(t *testing.T) {
	t.Parallel()

	mem := memory.NewVirtual()
	loader := imagetest.NewLoader(mem)
	backend, err := x86.New(mem)
	if err != nil {
		t.Fatalf("x86.New() error = %v", err)
	}
	rt, err := New(host.Options{Loader: loader, Memory: mem, Backend: backend, Freezer: host.NopFreezer})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dir := t.TempDir()
	var rec recorder
	for _, name := range []string{"a", "b"} {
		path := filepath.Join(dir, name+".so")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		loader.Add(path, &imagetest.Module{Initialize: ok, Unload: rec.entry(name, host.Status_Success)})
		if _, err := rt.MapImage(path, false); err != nil {
			t.Fatalf("MapImage() error = %v", err)
		}
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if calls := rec.get(); !slices.Equal(calls, []string{"b", "a"}) {
		t.Errorf("unload order = %v, want [b a]", calls)
	}
}
