package malloc

import "github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"

// Realloc resizes the chunk at ptr to hold at least n bytes, preserving
// its content up to the smaller of the old and new sizes. ptr == 0 is
// equivalent to Malloc(n). A non-zero ptr with n == 0 frees ptr and
// returns (0, nil) — REALLOC_ZERO_BYTES_FREES. On any growth failure the
// original block is left untouched and the error is returned; Realloc
// never frees ptr on failure.
func (h *Heap) Realloc(ptr uintptr, n uintptr) (uintptr, error) {
	if ptr == 0 {
		return h.Malloc(n)
	}
	if n == 0 {
		return 0, h.Free(ptr)
	}
	if n > (^uintptr(0))-headerOverhead-alignment {
		return 0, ErrInvalidArgument
	}
	nb := requestToChunkSize(n)

	ref, d, a, ok := h.descFor(ptr)
	if !ok {
		return 0, ErrInvalidArgument
	}
	if !h.checkGuard(d) {
		if a != nil {
			a.mu.Unlock()
		}
		return 0, ErrCorruption
	}

	if a == nil {
		return h.reallocMmapped(d, nb, n)
	}
	if a.corrupt {
		a.mu.Unlock()
		return 0, ErrCorruption
	}

	old := d.size()
	if nb <= old {
		h.shrinkInPlace(a, ref, d, nb)
		d.reqBytes = n
		if h.Hardening {
			d.guard = guardFor(d.self)
		}
		h.emit('r', d.userPtr, n)
		a.mu.Unlock()
		return d.userPtr, nil
	}
	if h.growInPlace(a, ref, d, nb) {
		d.reqBytes = n
		if h.Hardening {
			d.guard = guardFor(d.self)
		}
		h.emit('r', d.userPtr, n)
		a.mu.Unlock()
		return d.userPtr, nil
	}

	// Fallback: copy to a fresh chunk. Unlock a first — Malloc/Free
	// below acquire arena locks themselves, and the copy only needs
	// oldUsable and ptr, both already in hand.
	oldUsable := d.size() - headerOverhead
	a.mu.Unlock()

	newPtr, err := h.Malloc(n)
	if err != nil {
		return 0, err
	}
	copyLen := oldUsable
	if n < copyLen {
		copyLen = n
	}
	copy(bytesAt(newPtr, copyLen), bytesAt(ptr, copyLen))
	if err := h.Free(ptr); err != nil {
		return 0, err
	}
	h.emit('r', newPtr, n)
	return newPtr, nil
}

// shrinkInPlace splits off a free remainder when the contraction leaves
// at least minChunkSize bytes behind; the tail of a large chunk almost
// always does. Giving the space directly back to an adjacent top instead
// of parking it in the unsorted bin matches glibc's realloc, which always
// prefers handing slack back to top over growing the unsorted bin.
func (h *Heap) shrinkInPlace(a *arena, ref descpool.Ref, d *descriptor, nb uintptr) {
	remSize := d.size() - nb
	if remSize < minChunkSize {
		return
	}

	if d.mdNext == a.top {
		top := h.pool.Get(a.top)
		newTopPtr := d.userPtr + nb
		h.dir.Delete(top.userPtr)
		top.userPtr = newTopPtr
		top.setSize(top.size() + remSize)
		top.prevSize = 0
		top.mdPrev = ref
		h.registerChunk(top)
		d.setSize(nb)
		return
	}

	oldNext := d.mdNext
	d.setSize(nb)
	rem, remRef, err := h.newDescriptor()
	if err != nil {
		d.setSize(nb + remSize) // restore; pool exhaustion must not corrupt state
		return
	}
	rem.userPtr = d.userPtr + nb
	rem.setSize(remSize)
	rem.setPrevInUse(true)
	rem.arenaTag = a.tag
	rem.mdPrev = ref
	rem.mdNext = oldNext
	d.mdNext = remRef
	if nextD := h.pool.Get(oldNext); nextD != nil {
		nextD.mdPrev = remRef
		nextD.setPrevInUse(false)
		nextD.prevSize = remSize
	}
	if err := h.registerChunk(rem); err == nil {
		h.coalesceAndShelve(a, remRef, rem)
	}
}

// growInPlace attempts to extend d to nb bytes without moving it, either
// by consuming part of an adjacent top chunk or by absorbing a free,
// non-fastbin physical successor. Reports whether it succeeded.
func (h *Heap) growInPlace(a *arena, ref descpool.Ref, d *descriptor, nb uintptr) bool {
	if d.mdNext == a.top {
		need := nb - d.size()
		topRef := a.top
		for {
			if a.top != topRef {
				// growTop replaced top non-contiguously (a fencepost now
				// separates d from whatever top became); d can no longer
				// grow for free, so fall back to the copying path rather
				// than mutate a top chunk d isn't actually adjacent to.
				return false
			}
			top := h.pool.Get(a.top)
			if top.size() >= need && top.size()-need >= minChunkSize {
				newTopPtr := top.userPtr + need
				newTopSize := top.size() - need
				h.dir.Delete(top.userPtr)
				top.userPtr = newTopPtr
				top.setSize(newTopSize)
				top.prevSize = 0
				top.mdPrev = ref
				h.registerChunk(top)
				d.setSize(d.size() + need)
				return true
			}
			if err := h.growTop(a, need); err != nil {
				return false
			}
		}
	}

	nextRef := d.mdNext
	nextD := h.pool.Get(nextRef)
	if nextD == nil || nextD.inUse || nextD.inFastbin {
		return false
	}
	combined := d.size() + nextD.size()
	if combined < nb {
		return false
	}
	h.unlinkFromBin(a, nextRef, nextD)
	nnext := nextD.mdNext
	h.dir.Delete(nextD.userPtr)
	h.pool.Free(nextRef)
	d.mdNext = nnext
	if nnextD := h.pool.Get(nnext); nnextD != nil {
		nnextD.mdPrev = ref
		nnextD.setPrevInUse(true)
	}
	d.setSize(combined)
	if combined-nb >= minChunkSize {
		h.shrinkInPlace(a, ref, d, nb)
	}
	return true
}

// reallocMmapped resizes a directly-mmapped chunk by remapping: there is
// no splitting or coalescing on the mmap path, so any size change moves
// the block.
func (h *Heap) reallocMmapped(d *descriptor, nb, reqBytes uintptr) (uintptr, error) {
	if nb == d.size() {
		return d.userPtr, nil
	}
	oldUsable := d.size() - headerOverhead
	oldPtr := d.userPtr
	newPtr, err := h.Malloc(reqBytes)
	if err != nil {
		return 0, err
	}
	copyLen := oldUsable
	if reqBytes < copyLen {
		copyLen = reqBytes
	}
	copy(bytesAt(newPtr, copyLen), bytesAt(oldPtr, copyLen))
	if err := h.Free(oldPtr); err != nil {
		return 0, err
	}
	h.emit('r', newPtr, reqBytes)
	return newPtr, nil
}
