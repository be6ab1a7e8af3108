package host

type ModuleID uint64

// Export names every module image may provide.
const (
	ExportFrameworkInit     = "__aurie_fwk_init"
	ExportPreinitialize     = "ModulePreinitialize"
	ExportInitialize        = "ModuleInitialize"
	ExportUnload            = "ModuleUnload"
	ExportOperationCallback = "ModuleOperationCallback"
)

type OperationType uint32

const (
	Operation_Unknown OperationType = iota
	Operation_Preinitialize
	Operation_Initialize
	Operation_Unload
)

func (op OperationType) String() string {
	switch op {
	case Operation_Preinitialize:
		return "preinitialize"
	case Operation_Initialize:
		return "initialize"
	case Operation_Unload:
		return "unload"
	default:
		return "unknown"
	}
}

// OperationCallback observes lifecycle transitions of other modules. future
// is true before the entry point runs and false after it returned.
type OperationCallback = func(affected Module, op OperationType, future bool)

type Module interface {
	Object
	ID() ModuleID
	Path() string
	Base() uint64
	Size() uint64
	IsHost() bool
	IsPreinitialized() bool
	IsInitialized() bool
	IsRuntimeLoaded() bool
	IsMarkedForPurge() bool
}

type ModuleManager interface {
	InitialModule() Module
	MapImage(path string, runtimeLoad bool) (Module, error)
	MapFolder(dir string, recursive, runtimeLoad bool) (int, error)
	UnmapImage(id ModuleID) error
	PurgeMarkedModules() error
	PreinitializeAll() error
	InitializeAll() error
	Modules() []Module
	ModuleByID(id ModuleID) (Module, error)
	FindModule(path string) (Module, error)
	FindModuleByAddr(addr uint64) (Module, error)
	NextModule(id ModuleID) (Module, error)
	ImageFolder(id ModuleID) (string, error)
	ImageFilename(id ModuleID) (string, error)
	SetOperationCallback(id ModuleID, callback OperationCallback) error
}
