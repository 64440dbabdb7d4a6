package arena

import "unsafe"

// addrOf returns the address of a slice's backing array. The slice
// must be non-empty and must not be moved by the garbage collector,
// which holds for mmap'd memory since it is never managed by the Go
// allocator.
func addrOf(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}
