// Package elf reads architecture, exports and section layout from ELF images.
package elf

import (
	"debug/elf"
	"errors"
	"io"
	"math"

	"github.com/ZenLiuCN/fn"
	"github.com/wnxd/modhost/image"
)

func Inspect(path string) (*image.Info, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer fn.IgnoreClose(f)
	return inspect(f)
}

func InspectReader(r io.ReaderAt) (*image.Info, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return inspect(f)
}

func inspect(f *elf.File) (*image.Info, error) {
	begin, end := loadBounds(f)
	if end <= begin {
		return nil, image.ErrBadSignature
	}
	info := &image.Info{
		Arch:    machineToArch(f.Machine),
		Size:    end - begin,
		Exports: make(map[string]uint64),
	}
	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT:
		default:
			continue
		}
		switch elf.ST_BIND(sym.Info) {
		case elf.STB_GLOBAL, elf.STB_WEAK:
			info.Exports[sym.Name] = sym.Value - begin
		}
	}
	for _, section := range f.Sections {
		if section.Flags&elf.SHF_ALLOC == 0 || section.Addr < begin {
			continue
		}
		info.Sections = append(info.Sections, image.Section{
			Name:   section.Name,
			Offset: section.Addr - begin,
			Size:   section.Size,
		})
	}
	return info, nil
}

func loadBounds(f *elf.File) (uint64, uint64) {
	var begin uint64 = math.MaxUint64
	var end uint64 = 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < begin {
			begin = prog.Vaddr
		}
		if e := prog.Vaddr + prog.Memsz; e > end {
			end = e
		}
	}
	if end == 0 {
		return 0, 0
	}
	return begin &^ 0xfff, end
}

func machineToArch(machine elf.Machine) image.Arch {
	switch machine {
	case elf.EM_ARM:
		return image.ARCH_ARM
	case elf.EM_AARCH64:
		return image.ARCH_ARM64
	case elf.EM_386:
		return image.ARCH_X86
	case elf.EM_X86_64:
		return image.ARCH_X86_64
	default:
		return image.ARCH_UNKNOWN
	}
}
