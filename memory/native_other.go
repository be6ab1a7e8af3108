//go:build !unix && !windows

package memory

import "errors"

func (n *Native) PageSize() uint64 {
	return virtualPageSize
}

func (n *Native) Alloc(size uint64, prot MemProt) (MemRegion, error) {
	return MemRegion{}, errors.ErrUnsupported
}

func (n *Native) Free(addr, size uint64) error {
	return errors.ErrUnsupported
}

func (n *Native) Protect(addr, size uint64, prot MemProt) error {
	return errors.ErrUnsupported
}

func (n *Native) Patch(addr uint64, data []byte) error {
	return errors.ErrUnsupported
}
