//go:build !linux && !freebsd && !windows

package native

import (
	"github.com/wnxd/modhost/image"
)

func inspectFile(path string) (*image.Info, error) {
	return nil, image.ErrArchUnsupported
}

func (l *loader) Load(path string) (image.Image, error) {
	return nil, image.ErrArchUnsupported
}

func (l *loader) Host() (image.Image, error) {
	return nil, image.ErrArchUnsupported
}

func (img *nativeImage) Invoke(addr uint64, args ...any) (uint64, error) {
	return 0, image.ErrArchUnsupported
}

func (img *nativeImage) Close() error {
	return nil
}
