package host

// Interface is the lifecycle contract of a published interface.
type Interface interface {
	Create() error
	Destroy() error
	QueryVersion() (major, minor, patch int16)
}

type InterfaceEntry struct {
	Owner     ModuleID
	Name      string
	Interface Interface
}

func (InterfaceEntry) ObjectType() ObjectType { return ObjectType_Interface }

type Subscription uint64

type CallbackRoutine = func(affected Object, arg1, arg2 any)

// Invocation describes one subscriber call during a notify.
type Invocation struct {
	Subscription Subscription
	Arg1, Arg2   any
}

// CallbackExtensions wrap a notify. A Pre error aborts the notify; a
// PreInvoke error skips only that subscriber.
type CallbackExtensions struct {
	Pre        func(affected Object, arg1, arg2 any) error
	PreInvoke  func(affected Object, inv Invocation) error
	PostInvoke func(affected Object, inv Invocation)
	Post       func(affected Object, arg1, arg2 any)
	// NoDispatch makes NotifyCallback reject the callback.
	NoDispatch bool
}

type Callback interface {
	Object
	Name() string
	Owner() (ModuleID, bool)
	IsPartial() bool
	IsDispatchable() bool
	IsDeferredDeletion() bool
	Subscribers() []Subscription
}

type ObjectManager interface {
	CreateInterface(owner ModuleID, name string, obj Interface) error
	GetInterface(name string) (Interface, error)
	InterfaceExists(name string) bool
	DestroyInterface(owner ModuleID, name string) error
	Interfaces(owner ModuleID) []InterfaceEntry
	LookupInterfaceOwnerExport(name, export string) (uint64, error)

	CreateCallback(owner ModuleID, name string, ext CallbackExtensions) (Callback, error)
	LookupCallback(name string) (Callback, error)
	CallbackExists(name string) bool
	RegisterCallback(name string, routine CallbackRoutine) (Subscription, error)
	RegisterCallbackAt(name string, position int, routine CallbackRoutine) (Subscription, error)
	UnregisterCallback(name string, sub Subscription) error
	NotifyCallback(name string, affected Object, arg1, arg2 any) error
	DestroyCallback(owner ModuleID, cb Callback) error
	DeleteDeferredCallbacks() int
}
