// Package pe reads architecture, exports and section layout from PE images.
package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"io"

	"github.com/ZenLiuCN/fn"
	"github.com/wnxd/modhost/image"
)

type exportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

func Inspect(path string) (*image.Info, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, err
	}
	defer fn.IgnoreClose(f)
	return inspect(f)
}

func InspectReader(r io.ReaderAt) (*image.Info, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return inspect(f)
}

func inspect(f *pe.File) (*image.Info, error) {
	var (
		size uint64
		dir  pe.DataDirectory
	)
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		size = uint64(oh.SizeOfImage)
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
			dir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
		}
	case *pe.OptionalHeader64:
		size = uint64(oh.SizeOfImage)
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
			dir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
		}
	default:
		return nil, image.ErrBadSignature
	}
	info := &image.Info{
		Arch:    machineToArch(f.Machine),
		Size:    size,
		Exports: make(map[string]uint64),
	}
	for _, section := range f.Sections {
		info.Sections = append(info.Sections, image.Section{
			Name:   section.Name,
			Offset: uint64(section.VirtualAddress),
			Size:   uint64(section.VirtualSize),
		})
	}
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return info, nil
	}
	if err := readExports(f, dir, info.Exports); err != nil {
		return nil, err
	}
	return info, nil
}

func readExports(f *pe.File, dir pe.DataDirectory, exports map[string]uint64) error {
	var ed exportDirectory
	if err := binary.Read(io.NewSectionReader(rvaReader{f}, int64(dir.VirtualAddress), int64(dir.Size)), binary.LittleEndian, &ed); err != nil {
		return err
	}
	r := rvaReader{f}
	for i := range ed.NumberOfNames {
		nameRVA, err := r.uint32(ed.AddressOfNames + i*4)
		if err != nil {
			return err
		}
		ordinal, err := r.uint16(ed.AddressOfNameOrdinals + i*2)
		if err != nil {
			return err
		}
		if uint32(ordinal) >= ed.NumberOfFunctions {
			continue
		}
		funcRVA, err := r.uint32(ed.AddressOfFunctions + uint32(ordinal)*4)
		if err != nil {
			return err
		}
		// forwarders point back into the export directory
		if funcRVA >= dir.VirtualAddress && funcRVA < dir.VirtualAddress+dir.Size {
			continue
		}
		name, err := r.cstring(nameRVA)
		if err != nil {
			return err
		}
		exports[name] = uint64(funcRVA)
	}
	return nil
}

// rvaReader resolves relative virtual addresses through the section table.
type rvaReader struct {
	f *pe.File
}

func (r rvaReader) ReadAt(p []byte, off int64) (int, error) {
	rva := uint32(off)
	for _, s := range r.f.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+max(s.VirtualSize, s.Size) {
			return s.ReadAt(p, int64(rva-s.VirtualAddress))
		}
	}
	return 0, io.EOF
}

func (r rvaReader) uint32(rva uint32) (uint32, error) {
	var b [4]byte
	if _, err := r.ReadAt(b[:], int64(rva)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r rvaReader) uint16(rva uint32) (uint16, error) {
	var b [2]byte
	if _, err := r.ReadAt(b[:], int64(rva)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (r rvaReader) cstring(rva uint32) (string, error) {
	var buf bytes.Buffer
	var b [64]byte
	for {
		n, err := r.ReadAt(b[:], int64(rva))
		if i := bytes.IndexByte(b[:n], 0); i >= 0 {
			buf.Write(b[:i])
			return buf.String(), nil
		}
		if err != nil {
			return "", err
		}
		buf.Write(b[:n])
		rva += uint32(n)
	}
}

func machineToArch(machine uint16) image.Arch {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		return image.ARCH_ARM
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return image.ARCH_ARM64
	case pe.IMAGE_FILE_MACHINE_I386:
		return image.ARCH_X86
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return image.ARCH_X86_64
	default:
		return image.ARCH_UNKNOWN
	}
}
