// Package hook defines the code-patching backends used by the hook engine.
package hook

import (
	"errors"
	"io"

	"github.com/wnxd/modhost/image"
	"github.com/wnxd/modhost/memory"
)

var (
	ErrAlreadyPatched   = errors.New("address already patched")
	ErrNotPatched       = errors.New("address not patched")
	ErrRelativeCode     = errors.New("relocation of relative instruction unsupported")
	ErrFunctionTooShort = errors.New("function too short to patch")
	ErrDecode           = errors.New("instruction decode failed")
	ErrTrampoline       = errors.New("trampoline allocation failed")
)

// Patch is a prepared code patch. The source is untouched until Apply.
// Close restores the original bytes if applied and releases the trampoline.
// Apply and Restore write code only; callers serialize them.
type Patch interface {
	io.Closer
	Source() uint64
	// Size is the number of source bytes the patch replaces.
	Size() uint64
	// Trampoline executes the displaced instructions and continues in the
	// original code.
	Trampoline() uint64
	Apply() error
	Restore() error
}

type Backend interface {
	io.Closer
	Arch() image.Arch
	// Inline prepares a redirect of src to dst.
	Inline(src, dst uint64) (Patch, error)
	// Mid prepares a trap at src; execution resumes at the patch trampoline.
	Mid(src uint64) (Patch, error)
	// Trap is the single-byte trap opcode.
	Trap() byte
}

type BackendCtor func(memory.Memory) (Backend, error)

var backendMap = make(map[image.Arch]BackendCtor)

func Register(arch image.Arch, ctor BackendCtor) bool {
	if _, ok := backendMap[arch]; ok {
		return false
	}
	backendMap[arch] = ctor
	return true
}

func New(arch image.Arch, mem memory.Memory) (Backend, error) {
	if ctor, ok := backendMap[arch]; ok {
		return ctor(mem)
	}
	return nil, image.ErrArchUnsupported
}
