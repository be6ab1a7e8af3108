// Package imagetest provides an in-process image loader whose entry points
// are Go functions.
package imagetest

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/wnxd/modhost/image"
	"github.com/wnxd/modhost/memory"
)

const (
	ImageSize   = 0x10000
	TextOffset  = 0x1000
	TextSize    = 0x4000
	CodeOffset  = 0x2000
	funcsOffset = 0x1000
	funcStride  = 0x10
)

// Entry is a module entry point: it receives the module id and image path
// and returns a status code.
type Entry func(self uint64, path string) uint32

type Func func(args ...any) uint64

// Module describes a fake image registered under a file base name.
type Module struct {
	Arch              image.Arch
	NoFrameworkInit   bool
	Preinitialize     Entry
	Initialize        Entry
	Unload            Entry
	OperationCallback func(affected uint64, op uint32, future bool)
	Funcs             map[string]Func
	// Code is copied to CodeOffset when the loader is backed by memory.
	Code []byte
}

type Loader struct {
	Arch   image.Arch
	Memory *memory.Virtual

	mu      sync.Mutex
	modules map[string]*Module
	next    uint64
	loaded  []string
	closed  []string
}

func NewLoader(mem *memory.Virtual) *Loader {
	return &Loader{
		Arch:    image.CurrentArch(),
		Memory:  mem,
		modules: make(map[string]*Module),
		next:    0x10000000,
	}
}

// Add registers m under the base name of path.
func (l *Loader) Add(path string, m *Module) {
	l.mu.Lock()
	l.modules[filepath.Base(path)] = m
	l.mu.Unlock()
}

// Loaded returns the paths passed to Load, in order.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.loaded)
}

// Closed returns the paths of closed images, in order.
func (l *Loader) Closed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.closed)
}

func (l *Loader) CurrentArch() image.Arch {
	return l.Arch
}

func (l *Loader) lookup(path string) (*Module, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.modules[filepath.Base(path)]
	return m, ok
}

func (l *Loader) Inspect(path string) (*image.Info, error) {
	m, ok := l.lookup(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, image.ErrBadSignature)
	}
	return l.info(m), nil
}

func (l *Loader) info(m *Module) *image.Info {
	arch := m.Arch
	if arch == image.ARCH_UNKNOWN {
		arch = l.Arch
	}
	info := &image.Info{
		Arch:    arch,
		Size:    ImageSize,
		Exports: make(map[string]uint64),
		Sections: []image.Section{
			{Name: ".text", Offset: TextOffset, Size: TextSize},
			{Name: ".data", Offset: TextOffset + TextSize, Size: 0x1000},
		},
	}
	for i, name := range exportNames(m) {
		info.Exports[name] = funcsOffset + uint64(i)*funcStride
	}
	return info
}

func exportNames(m *Module) []string {
	var names []string
	if !m.NoFrameworkInit {
		names = append(names, ExportFrameworkInit)
	}
	if m.Preinitialize != nil {
		names = append(names, ExportPreinitialize)
	}
	if m.Initialize != nil {
		names = append(names, ExportInitialize)
	}
	if m.Unload != nil {
		names = append(names, ExportUnload)
	}
	if m.OperationCallback != nil {
		names = append(names, ExportOperationCallback)
	}
	for _, name := range slices.Sorted(mapKeys(m.Funcs)) {
		names = append(names, name)
	}
	return names
}

func (l *Loader) Load(path string) (image.Image, error) {
	m, ok := l.lookup(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, image.ErrBadSignature)
	}
	l.mu.Lock()
	base := l.next
	l.next += ImageSize
	l.loaded = append(l.loaded, path)
	l.mu.Unlock()
	if l.Memory != nil {
		if err := l.Memory.Map(base, ImageSize, memory.MEM_PROT_ALL); err != nil {
			return nil, err
		}
		if len(m.Code) > 0 {
			if err := l.Memory.Write(base+CodeOffset, m.Code); err != nil {
				return nil, err
			}
		}
	}
	return &fakeImage{loader: l, module: m, path: path, base: base, info: l.info(m)}, nil
}

func (l *Loader) Host() (image.Image, error) {
	m := &Module{NoFrameworkInit: true}
	return &fakeImage{loader: l, module: m, path: "host", base: 0x400000, info: l.info(m)}, nil
}

type fakeImage struct {
	loader *Loader
	module *Module
	path   string
	base   uint64
	info   *image.Info
	closed bool
}

func (img *fakeImage) Path() string {
	return img.path
}

func (img *fakeImage) Base() uint64 {
	return img.base
}

func (img *fakeImage) Size() uint64 {
	return img.info.Size
}

func (img *fakeImage) Export(name string) uint64 {
	return img.info.Export(name)
}

func (img *fakeImage) Section(name string) (image.Section, error) {
	return img.info.Section(name)
}

func (img *fakeImage) Invoke(addr uint64, args ...any) (uint64, error) {
	if img.closed {
		return 0, image.ErrImageClosed
	}
	name, ok := img.exportAt(addr)
	if !ok {
		return 0, fmt.Errorf("%#x: %w", addr, image.ErrExportNotFound)
	}
	m := img.module
	switch name {
	case ExportFrameworkInit:
		// (initial, self, routine, path)
		if len(args) != 4 {
			return 0, fmt.Errorf("framework init: got %d arguments", len(args))
		}
		routine := toUint64(args[2])
		if routine == 0 {
			return 0, nil
		}
		return img.Invoke(routine, args[1], args[3])
	case ExportPreinitialize:
		return callEntry(m.Preinitialize, args)
	case ExportInitialize:
		return callEntry(m.Initialize, args)
	case ExportUnload:
		return callEntry(m.Unload, args)
	case ExportOperationCallback:
		if len(args) != 3 {
			return 0, fmt.Errorf("operation callback: got %d arguments", len(args))
		}
		m.OperationCallback(toUint64(args[0]), uint32(toUint64(args[1])), toUint64(args[2]) != 0)
		return 0, nil
	default:
		return m.Funcs[name](args...), nil
	}
}

func (img *fakeImage) exportAt(addr uint64) (string, bool) {
	for name, offset := range img.info.Exports {
		if img.base+offset == addr {
			return name, true
		}
	}
	return "", false
}

func (img *fakeImage) Close() error {
	if img.closed {
		return image.ErrImageClosed
	}
	img.closed = true
	img.loader.mu.Lock()
	img.loader.closed = append(img.loader.closed, img.path)
	img.loader.mu.Unlock()
	if img.loader.Memory != nil && img.path != "host" {
		return img.loader.Memory.Free(img.base, ImageSize)
	}
	return nil
}

func callEntry(entry Entry, args []any) (uint64, error) {
	if len(args) != 2 {
		return 0, fmt.Errorf("entry: got %d arguments", len(args))
	}
	path, _ := args[1].(string)
	return uint64(entry(toUint64(args[0]), path)), nil
}

func toUint64(v any) uint64 {
	switch v := v.(type) {
	case uint64:
		return v
	case uint32:
		return uint64(v)
	case uintptr:
		return uint64(v)
	case int:
		return uint64(v)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}
