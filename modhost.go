// Package modhost attaches the plugin runtime to the current process.
//
// A runtime is created once per host process and owns every registry:
//
//	rt, err := modhost.Attach(host.Options{Logger: logger})
//	if err != nil {
//		return err
//	}
//	defer rt.Close()
//	n, err := rt.MapFolder("mods", false, false)
package modhost

import (
	"fmt"

	"github.com/wnxd/modhost/hook"
	_ "github.com/wnxd/modhost/hook/x86"
	"github.com/wnxd/modhost/host"
	"github.com/wnxd/modhost/image/native"
	internal "github.com/wnxd/modhost/internal/host"
	"github.com/wnxd/modhost/internal/trap"
	"github.com/wnxd/modhost/memory"
)

// Attach creates the runtime. Unset collaborators default to the platform
// loader, process memory, the hook backend of the loader's architecture and
// the platform trap handler, if there is one.
func Attach(opts host.Options) (host.Runtime, error) {
	if opts.Loader == nil {
		opts.Loader = native.New()
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewNative()
	}
	if opts.Backend == nil {
		backend, err := hook.New(opts.Loader.CurrentArch(), opts.Memory)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", host.ErrInvalidArch, err)
		}
		opts.Backend = backend
	}
	if opts.Traps == nil {
		opts.Traps = trap.Default()
	}
	rt, err := internal.New(opts)
	if err != nil {
		opts.Backend.Close()
		return nil, err
	}
	return rt, nil
}
