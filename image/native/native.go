// Package native loads images into the running process with the platform
// dynamic loader.
package native

import (
	"github.com/wnxd/modhost/image"
)

type loader struct {
	inspect func(path string) (*image.Info, error)
}

// New returns the loader for the current platform.
func New() image.Loader {
	return &loader{inspect: inspectFile}
}

func (l *loader) CurrentArch() image.Arch {
	return image.CurrentArch()
}

func (l *loader) Inspect(path string) (*image.Info, error) {
	return l.inspect(path)
}

type nativeImage struct {
	path   string
	info   *image.Info
	base   uint64
	handle uintptr
	closed bool
}

func (img *nativeImage) Path() string {
	return img.path
}

func (img *nativeImage) Base() uint64 {
	return img.base
}

func (img *nativeImage) Size() uint64 {
	return img.info.Size
}

func (img *nativeImage) Export(name string) uint64 {
	return img.info.Export(name)
}

func (img *nativeImage) Section(name string) (image.Section, error) {
	return img.info.Section(name)
}

// anyExport picks an export to anchor the image base against.
func anyExport(info *image.Info) (string, uint64, bool) {
	for name, offset := range info.Exports {
		if offset != 0 {
			return name, offset, true
		}
	}
	return "", 0, false
}
