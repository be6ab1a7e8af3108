//go:build linux || freebsd

package native

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/ebitengine/purego"
	"github.com/wnxd/modhost/image"
	"github.com/wnxd/modhost/image/elf"
)

func inspectFile(path string) (*image.Info, error) {
	return elf.Inspect(path)
}

func (l *loader) Load(path string) (image.Image, error) {
	info, err := l.inspect(path)
	if err != nil {
		return nil, err
	}
	name, offset, ok := anyExport(info)
	if !ok {
		return nil, image.ErrExportNotFound
	}
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, err
	}
	sym, err := purego.Dlsym(handle, name)
	if err != nil {
		purego.Dlclose(handle)
		return nil, err
	}
	return &nativeImage{
		path:   path,
		info:   info,
		base:   uint64(sym) - offset,
		handle: handle,
	}, nil
}

func (l *loader) Host() (image.Image, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	info, err := l.inspect(path)
	if err != nil {
		return nil, err
	}
	start, err := mappingStart(path)
	if err != nil {
		return nil, err
	}
	return &nativeImage{path: path, info: info, base: start}, nil
}

func mappingStart(path string) (uint64, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, err
	}
	defer fn.IgnoreClose(f)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 || fields[5] != path {
			continue
		}
		begin, _, _ := strings.Cut(fields[0], "-")
		return strconv.ParseUint(begin, 16, 64)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s: %w", path, image.ErrSectionNotFound)
}

func (img *nativeImage) Invoke(addr uint64, args ...any) (uint64, error) {
	if img.closed {
		return 0, image.ErrImageClosed
	}
	params := make([]uintptr, len(args))
	var keep [][]byte
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			buf := append([]byte(v), 0)
			keep = append(keep, buf)
			params[i] = uintptr(unsafePointer(buf))
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
	r1, _, _ := purego.SyscallN(uintptr(addr), params...)
	runtime.KeepAlive(keep)
	return uint64(r1), nil
}

func (img *nativeImage) Close() error {
	if img.closed {
		return nil
	}
	img.closed = true
	if img.handle == 0 {
		return nil
	}
	return purego.Dlclose(img.handle)
}
