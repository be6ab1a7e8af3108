package imagetest

import (
	"iter"
	"maps"
)

// Export names mirrored from the host ABI.
const (
	ExportFrameworkInit     = "__aurie_fwk_init"
	ExportPreinitialize     = "ModulePreinitialize"
	ExportInitialize        = "ModuleInitialize"
	ExportUnload            = "ModuleUnload"
	ExportOperationCallback = "ModuleOperationCallback"
)

func mapKeys[V any](m map[string]V) iter.Seq[string] {
	return maps.Keys(m)
}
