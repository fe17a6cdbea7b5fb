package malloc

import "github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"

// guardFor computes the canary stamped into a chunk's descriptor when
// Heap.Hardening is enabled. It is a function of the chunk's own slot
// reference rather than a process-wide random seed, and it is stored in
// the descriptor, not in user memory. checkGuard therefore catches a
// descriptor whose guard field does not match its own slot; it does not
// catch writes past the requested bytes of user data, and a slot that is
// released and reused for a new chunk yields the same value again.
func guardFor(ref descpool.Ref) uint64 {
	x := ref.Pack() ^ 0x9e3779b97f4a7c15
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// checkGuard reports whether d's stored canary matches what it should be
// when hardening is enabled; always true when hardening is off.
func (h *Heap) checkGuard(d *descriptor) bool {
	if !h.Hardening {
		return true
	}
	return d.guard == guardFor(d.self)
}
