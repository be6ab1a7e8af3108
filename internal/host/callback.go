package host

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/wnxd/modhost/host"
)

// callbackState is either pending (no owner yet) or owned.
type callbackState interface {
	isCallbackState()
}

type pendingState struct{}

type ownedState struct {
	owner host.ModuleID
	ext   host.CallbackExtensions
}

func (pendingState) isCallbackState() {}
func (ownedState) isCallbackState()   {}

type subscriber struct {
	sub     host.Subscription
	routine host.CallbackRoutine
}

type callback struct {
	cm           *callbackManager
	name         string
	state        callbackState
	subs         []subscriber
	dispatchable bool
	deferred     bool
}

type callbackManager struct {
	cbMu      sync.RWMutex
	callbacks []*callback
	active    atomic.Int32
	nextSub   atomic.Uint64
}

func (cm *callbackManager) ctor() {
}

func (cm *callbackManager) dtor() {
	cm.cbMu.Lock()
	cm.callbacks = nil
	cm.cbMu.Unlock()
}

// find returns the live callback named name. Callers hold cbMu.
func (cm *callbackManager) find(name string) *callback {
	for _, cb := range cm.callbacks {
		if !cb.deferred && strings.EqualFold(cb.name, name) {
			return cb
		}
	}
	return nil
}

func (cb *callback) ObjectType() host.ObjectType { return host.ObjectType_Callback }

func (cb *callback) Name() string {
	return cb.name
}

func (cb *callback) Owner() (host.ModuleID, bool) {
	cb.cm.cbMu.RLock()
	defer cb.cm.cbMu.RUnlock()
	if s, ok := cb.state.(ownedState); ok {
		return s.owner, true
	}
	return 0, false
}

func (cb *callback) IsPartial() bool {
	cb.cm.cbMu.RLock()
	defer cb.cm.cbMu.RUnlock()
	_, ok := cb.state.(pendingState)
	return ok
}

func (cb *callback) IsDispatchable() bool {
	cb.cm.cbMu.RLock()
	defer cb.cm.cbMu.RUnlock()
	return cb.dispatchable
}

func (cb *callback) IsDeferredDeletion() bool {
	cb.cm.cbMu.RLock()
	defer cb.cm.cbMu.RUnlock()
	return cb.deferred
}

func (cb *callback) Subscribers() []host.Subscription {
	cb.cm.cbMu.RLock()
	defer cb.cm.cbMu.RUnlock()
	subs := make([]host.Subscription, len(cb.subs))
	for i, s := range cb.subs {
		subs[i] = s.sub
	}
	return subs
}

// CreateCallback creates the named callback, or completes a pending one
// created by early subscribers.
func (rt *Rt) CreateCallback(owner host.ModuleID, name string, ext host.CallbackExtensions) (host.Callback, error) {
	if name == "" {
		return nil, host.ErrInvalidParameter
	}
	if _, err := rt.lookup(owner); err != nil {
		return nil, fmt.Errorf("%w: %w", host.ErrInvalidParameter, err)
	}
	rt.cbMu.Lock()
	defer rt.cbMu.Unlock()
	if cb := rt.find(name); cb != nil {
		if _, ok := cb.state.(pendingState); !ok {
			return nil, fmt.Errorf("callback %q: %w", name, host.ErrAlreadyExists)
		}
		cb.state = ownedState{owner: owner, ext: ext}
		cb.dispatchable = !ext.NoDispatch
		return cb, nil
	}
	cb := &callback{
		cm:           &rt.callbackManager,
		name:         name,
		state:        ownedState{owner: owner, ext: ext},
		dispatchable: !ext.NoDispatch,
	}
	rt.callbacks = append(rt.callbacks, cb)
	return cb, nil
}

func (rt *Rt) LookupCallback(name string) (host.Callback, error) {
	rt.cbMu.RLock()
	defer rt.cbMu.RUnlock()
	if cb := rt.find(name); cb != nil {
		return cb, nil
	}
	return nil, fmt.Errorf("callback %q: %w", name, host.ErrObjectNotFound)
}

func (rt *Rt) CallbackExists(name string) bool {
	rt.cbMu.RLock()
	defer rt.cbMu.RUnlock()
	return rt.find(name) != nil
}

func (rt *Rt) RegisterCallback(name string, routine host.CallbackRoutine) (host.Subscription, error) {
	return rt.RegisterCallbackAt(name, -1, routine)
}

// RegisterCallbackAt inserts routine at position in the subscriber list; a
// negative position appends. Subscribing to an unknown name creates a
// pending callback.
func (rt *Rt) RegisterCallbackAt(name string, position int, routine host.CallbackRoutine) (host.Subscription, error) {
	if name == "" || routine == nil {
		return 0, host.ErrInvalidParameter
	}
	rt.cbMu.Lock()
	defer rt.cbMu.Unlock()
	cb := rt.find(name)
	if cb == nil {
		cb = &callback{cm: &rt.callbackManager, name: name, state: pendingState{}, dispatchable: true}
		rt.callbacks = append(rt.callbacks, cb)
	}
	if position < 0 {
		position = len(cb.subs)
	} else if position > len(cb.subs) {
		return 0, fmt.Errorf("position %d: %w", position, host.ErrInvalidParameter)
	}
	s := subscriber{sub: host.Subscription(rt.nextSub.Add(1)), routine: routine}
	// copy on write; notifies iterate a snapshot of the old slice
	cb.subs = slices.Insert(slices.Clip(cb.subs), position, s)
	return s.sub, nil
}

func (rt *Rt) UnregisterCallback(name string, sub host.Subscription) error {
	rt.cbMu.Lock()
	defer rt.cbMu.Unlock()
	cb := rt.find(name)
	if cb == nil {
		return fmt.Errorf("callback %q: %w", name, host.ErrObjectNotFound)
	}
	i := slices.IndexFunc(cb.subs, func(s subscriber) bool { return s.sub == sub })
	if i < 0 {
		return fmt.Errorf("callback %q subscription %d: %w", name, sub, host.ErrObjectNotFound)
	}
	cb.subs = slices.Delete(slices.Clone(cb.subs), i, i+1)
	return nil
}

// NotifyCallback dispatches to every subscriber in order. Destroyed
// callbacks are swept once the last concurrent notify returns.
func (rt *Rt) NotifyCallback(name string, affected host.Object, arg1, arg2 any) error {
	rt.cbMu.RLock()
	cb := rt.find(name)
	var ext host.CallbackExtensions
	var subs []subscriber
	if cb != nil {
		if s, ok := cb.state.(ownedState); ok && cb.dispatchable {
			ext = s.ext
			subs = cb.subs
		} else {
			cb = nil
		}
	}
	if cb == nil {
		rt.cbMu.RUnlock()
		return fmt.Errorf("callback %q: %w", name, host.ErrObjectNotFound)
	}
	rt.active.Add(1)
	rt.cbMu.RUnlock()
	defer func() {
		if rt.active.Add(-1) == 0 {
			rt.DeleteDeferredCallbacks()
		}
	}()

	if ext.Pre != nil {
		if err := ext.Pre(affected, arg1, arg2); err != nil {
			return err
		}
	}
	for _, s := range subs {
		inv := host.Invocation{Subscription: s.sub, Arg1: arg1, Arg2: arg2}
		if ext.PreInvoke != nil {
			if err := ext.PreInvoke(affected, inv); err != nil {
				continue
			}
		}
		s.routine(affected, arg1, arg2)
		if ext.PostInvoke != nil {
			ext.PostInvoke(affected, inv)
		}
	}
	if ext.Post != nil {
		ext.Post(affected, arg1, arg2)
	}
	return nil
}

// DestroyCallback flags an owned callback for deletion. Pending callbacks
// have no owner and cannot be destroyed here.
func (rt *Rt) DestroyCallback(owner host.ModuleID, handle host.Callback) error {
	cb, ok := handle.(*callback)
	if !ok || cb.cm != &rt.callbackManager {
		return host.ErrInvalidParameter
	}
	rt.cbMu.Lock()
	defer rt.cbMu.Unlock()
	if cb.deferred || !slices.Contains(rt.callbacks, cb) {
		return fmt.Errorf("callback %q: %w", cb.name, host.ErrObjectNotFound)
	}
	s, ok := cb.state.(ownedState)
	if !ok || s.owner != owner {
		return fmt.Errorf("callback %q: %w", cb.name, host.ErrAccessDenied)
	}
	cb.deferred = true
	return nil
}

// deferCallbacksOf flags every callback owned by owner for deletion.
func (rt *Rt) deferCallbacksOf(owner host.ModuleID) {
	rt.cbMu.Lock()
	defer rt.cbMu.Unlock()
	for _, cb := range rt.callbacks {
		if s, ok := cb.state.(ownedState); ok && s.owner == owner {
			cb.deferred = true
		}
	}
}

// DeleteDeferredCallbacks removes flagged callbacks unless a notify is in
// flight, and returns how many were removed.
func (rt *Rt) DeleteDeferredCallbacks() int {
	rt.cbMu.Lock()
	defer rt.cbMu.Unlock()
	if rt.active.Load() != 0 {
		return 0
	}
	n := len(rt.callbacks)
	rt.callbacks = slices.DeleteFunc(rt.callbacks, func(cb *callback) bool { return cb.deferred })
	return n - len(rt.callbacks)
}
