package native

import "unsafe"

func unsafePointer(buf []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(buf))
}
