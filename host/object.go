package host

type ObjectType int

const (
	ObjectType_Module ObjectType = iota
	ObjectType_Interface
	ObjectType_Allocation
	ObjectType_Hook
	ObjectType_Callback
)

func (t ObjectType) String() string {
	switch t {
	case ObjectType_Module:
		return "module"
	case ObjectType_Interface:
		return "interface"
	case ObjectType_Allocation:
		return "allocation"
	case ObjectType_Hook:
		return "hook"
	case ObjectType_Callback:
		return "callback"
	default:
		return "unknown"
	}
}

// Object is implemented by every runtime object kind.
type Object interface {
	ObjectType() ObjectType
}
