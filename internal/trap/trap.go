// Package trap installs the process trap handler that delivers breakpoint
// and mid hook traps to the runtime.
package trap

import (
	"errors"
	"sync/atomic"

	"github.com/wnxd/modhost/host"
)

var ErrInstalled = errors.New("trap handler already installed")

// current is the handler of the one runtime traps are routed to.
var current atomic.Pointer[host.TrapHandler]

// route claims the process trap path for handle.
func route(handle host.TrapHandler) error {
	if !current.CompareAndSwap(nil, &handle) {
		return ErrInstalled
	}
	return nil
}

func unroute() {
	current.Store(nil)
}

// dispatch passes cpu to the routed handler. Without one the trap is left
// to the next handler.
func dispatch(cpu *host.CPUContext) host.TrapResult {
	handle := current.Load()
	if handle == nil {
		return host.TrapResult_ContinueSearch
	}
	return (*handle)(cpu)
}
