package image

import (
	"io"
	"slices"
)

type Section struct {
	Name   string
	Offset uint64
	Size   uint64
}

// Info is the on-disk view of an image. Export values and section offsets
// are relative to the image base.
type Info struct {
	Arch     Arch
	Size     uint64
	Exports  map[string]uint64
	Sections []Section
}

type Image interface {
	io.Closer
	Path() string
	Base() uint64
	Size() uint64
	Export(name string) uint64
	Section(name string) (Section, error)
	Invoke(addr uint64, args ...any) (uint64, error)
}

type Loader interface {
	CurrentArch() Arch
	Inspect(path string) (*Info, error)
	Load(path string) (Image, error)
	Host() (Image, error)
}

func (info *Info) Export(name string) uint64 {
	if info == nil {
		return 0
	}
	return info.Exports[name]
}

func (info *Info) Section(name string) (Section, error) {
	if info != nil {
		if i := slices.IndexFunc(info.Sections, func(s Section) bool { return s.Name == name }); i >= 0 {
			return info.Sections[i], nil
		}
	}
	return Section{}, ErrSectionNotFound
}

// CodeSection returns the first executable code section known by name.
func (info *Info) CodeSection() (Section, error) {
	for _, name := range []string{".text", "__text"} {
		if s, err := info.Section(name); err == nil {
			return s, nil
		}
	}
	return Section{}, ErrSectionNotFound
}

func (s Section) Contains(base, addr uint64) bool {
	begin := base + s.Offset
	return addr >= begin && addr < begin+s.Size
}
