package malloc

import "unsafe"

// bytesAt views n bytes of live heap memory starting at addr as a Go byte
// slice. Used by Calloc (zero-fill), Realloc (copy-on-move) and perturb
// (M_PERTURB scrubbing on Free); the slice must not outlive the chunk it
// views.
func bytesAt(addr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
}
