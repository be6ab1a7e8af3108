//go:build windows

package native

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/wnxd/modhost/image"
	"github.com/wnxd/modhost/image/pe"
	"golang.org/x/sys/windows"
)

func inspectFile(path string) (*image.Info, error) {
	return pe.Inspect(path)
}

func (l *loader) Load(path string) (image.Image, error) {
	info, err := l.inspect(path)
	if err != nil {
		return nil, err
	}
	handle, err := windows.LoadLibrary(path)
	if err != nil {
		return nil, err
	}
	return &nativeImage{
		path:   path,
		info:   info,
		base:   uint64(handle),
		handle: uintptr(handle),
	}, nil
}

func (l *loader) Host() (image.Image, error) {
	var handle windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &handle); err != nil {
		return nil, err
	}
	// GetModuleHandleEx without the unchanged-refcount flag takes a reference
	path, err := moduleFileName(handle)
	if err != nil {
		windows.FreeLibrary(handle)
		return nil, err
	}
	info, err := l.inspect(path)
	if err != nil {
		windows.FreeLibrary(handle)
		return nil, err
	}
	return &nativeImage{path: path, info: info, base: uint64(handle), handle: uintptr(handle)}, nil
}

func moduleFileName(handle windows.Handle) (string, error) {
	buf := make([]uint16, windows.MAX_LONG_PATH)
	n, err := windows.GetModuleFileName(handle, &buf[0], uint32(len(buf)))
	if err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:n]), nil
}

func (img *nativeImage) Invoke(addr uint64, args ...any) (uint64, error) {
	if img.closed {
		return 0, image.ErrImageClosed
	}
	params := make([]uintptr, len(args))
	var keep []*uint16
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			p, err := windows.UTF16PtrFromString(v)
			if err != nil {
				return 0, err
			}
			keep = append(keep, p)
			params[i] = uintptr(unsafe.Pointer(p))
		case uintptr:
			params[i] = v
		case uint64:
			params[i] = uintptr(v)
		case uint32:
			params[i] = uintptr(v)
		case int:
			params[i] = uintptr(v)
		case bool:
			if v {
				params[i] = 1
			}
		default:
			return 0, fmt.Errorf("argument %d: unsupported type %T", i, arg)
		}
	}
	r1, _, _ := syscall.SyscallN(uintptr(addr), params...)
	runtime.KeepAlive(keep)
	return uint64(r1), nil
}

func (img *nativeImage) Close() error {
	if img.closed {
		return nil
	}
	img.closed = true
	return windows.FreeLibrary(windows.Handle(img.handle))
}
