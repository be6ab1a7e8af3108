package host

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/wnxd/modhost/host"
)

// patchGuard serializes code patching. Lock order is the guard, then the
// table locks, then the thread freeze: a frozen thread must never hold a
// lock the patcher still has to take.
type patchGuard struct {
	mu      sync.Mutex
	freezer host.Freezer
}

func (g *patchGuard) ctor(freezer host.Freezer) {
	g.freezer = freezer
}

// lock takes the guard and then locks in order.
func (g *patchGuard) lock(locks ...sync.Locker) (unlock func()) {
	g.mu.Lock()
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
		g.mu.Unlock()
	}
}

// frozen runs write with all other threads suspended. Callers hold the
// guard and prepare everything write needs beforehand; errors are wrapped
// only after threads resume. Threads are resumed on every exit path,
// including a panicking write.
func (g *patchGuard) frozen(write func() error) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if ferr := g.freezer.FreezeAllOtherThreads(); ferr != nil {
		return fmt.Errorf("%w: freeze threads: %w", host.ErrExternalError, ferr)
	}
	defer func() {
		if rerr := g.freezer.ResumeAllOtherThreads(); rerr != nil && err == nil {
			err = fmt.Errorf("%w: resume threads: %w", host.ErrExternalError, rerr)
		}
	}()
	return write()
}
