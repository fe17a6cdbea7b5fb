package malloc

import (
	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"
	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/pagemap"
)

// Close releases every OS mapping this Heap owns outright: each
// non-primary arena's heap segments and every chunk allocated directly
// via mmap. The primary arena's memory comes from the process's single
// synthetic program break (internal/pagemap.ExtendBreak), a resource
// shared the same way a real sbrk is shared process-wide, so Close
// leaves it mapped rather than tearing down state another Heap or a
// future NewHeap call may still be extending.
//
// It's not necessary to Close a Heap when exiting a process.
//
// h must not be used for any other call once Close returns, successfully
// or not.
func (h *Heap) Close() (err error) {
	h.dir.Each(func(_ uintptr, ref descpool.Ref) {
		d := h.pool.Get(ref)
		if d == nil || !d.isMmapped() {
			return
		}
		r := pagemap.Region{Addr: d.userPtr, Len: int(d.size())}
		if e := pagemap.Unmap(r); e != nil && err == nil {
			err = e
		}
	})

	for _, a := range h.am.snapshot() {
		a.mu.Lock()
		for _, seg := range a.heapSegs {
			if e := pagemap.Unmap(seg); e != nil && err == nil {
				err = e
			}
		}
		a.heapSegs = nil
		a.corrupt = true
		a.mu.Unlock()
	}

	return err
}
