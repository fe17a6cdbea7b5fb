package malloc

import (
	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"
	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/pagemap"
)

// Free releases a pointer previously returned by Malloc, Calloc,
// Realloc, or Memalign. Freeing the zero value is a no-op, matching
// free(NULL).
func (h *Heap) Free(ptr uintptr) error {
	if ptr == 0 {
		return nil
	}

	ref, d, a, ok := h.descFor(ptr)
	if !ok {
		if pref, tomb, found := h.dir.Probe(ptr); found {
			if tomb {
				return ErrDoubleFree
			}
			if pd := h.pool.Get(pref); pd != nil && !pd.inUse {
				return ErrDoubleFree
			}
		}
		return ErrInvalidArgument
	}
	if !h.checkGuard(d) {
		if a != nil {
			a.mu.Unlock()
		}
		return ErrCorruption
	}
	h.perturb(d)

	if a == nil {
		return h.freeMmapped(d)
	}
	defer a.mu.Unlock()
	if a.corrupt {
		return ErrCorruption
	}

	size := d.size()
	h.freeToArena(a, ref, d)
	h.emit('f', ptr, size)
	return nil
}

func (h *Heap) freeMmapped(d *descriptor) error {
	r := pagemap.Region{Addr: d.userPtr, Len: int(d.size())}
	if err := pagemap.Unmap(r); err != nil {
		return ErrCorruption
	}
	size := d.size()
	h.dir.Update(d.userPtr, descpool.Ref{}, true)
	h.pool.Free(d.self)
	h.mmapCount.Add(-1)
	h.adaptMmapThreshold(size)
	h.emit('f', d.userPtr, size)
	return nil
}

// adaptMmapThreshold raises the dynamic mmap threshold to match the
// largest chunk freed through the mmap path, same as glibc's
// free()-time threshold adaptation, bounded at DEFAULT_MMAP_THRESHOLD_MAX
// (32 MiB) so a single outsized request can't push every future
// medium-sized allocation onto the mmap path.
func (h *Heap) adaptMmapThreshold(size uintptr) {
	const maxDynamicThreshold = 32 << 20
	h.tmu.Lock()
	defer h.tmu.Unlock()
	if !h.tunables.dynamicMmapThresh {
		return
	}
	if size > h.tunables.mmapThresh && size <= maxDynamicThreshold {
		h.tunables.mmapThresh = size
	}
}

// freeToArena runs the regular (non-mmap) free path: fastbin push for
// small-enough chunks, otherwise neighbour coalescing followed by
// placement in the unsorted bin (or absorption into top).
func (h *Heap) freeToArena(a *arena, ref descpool.Ref, d *descriptor) {
	d.inUse = false
	d.reqBytes = 0
	d.guard = 0

	size := d.size()
	if h.isFastSize(size) && d.mdNext != a.top {
		h.fastbinPush(a, fastbinIndex(size), ref, d)
		return
	}

	h.coalesceAndShelve(a, ref, d)
	if size >= fastbinConsolidationThreshold && a.haveFastChunks.Load() {
		h.mallocConsolidate(a)
	}
}

// coalesceAndShelve merges d with any free, non-fastbin physical
// neighbours and then either absorbs the result into top or deposits it
// in the unsorted bin.
func (h *Heap) coalesceAndShelve(a *arena, ref descpool.Ref, d *descriptor) {
	if !d.prevInUse() {
		if prevRef := d.mdPrev; !prevRef.IsZero() {
			if prevD := h.pool.Get(prevRef); prevD != nil && !prevD.inUse && !prevD.inFastbin && prevRef != a.top {
				h.unlinkFromBin(a, prevRef, prevD)
				prevD.setSize(prevD.size() + d.size())
				next := d.mdNext
				prevD.mdNext = next
				if nextD := h.pool.Get(next); nextD != nil {
					nextD.mdPrev = prevRef
				}
				h.dir.Delete(d.userPtr)
				h.pool.Free(ref)
				ref, d = prevRef, prevD
			}
		}
	}

	if nextRef := d.mdNext; !nextRef.IsZero() {
		if nextRef == a.top {
			top := h.pool.Get(a.top)
			oldTopPtr := top.userPtr
			top.setSize(top.size() + d.size())
			top.userPtr = d.userPtr
			top.prevSize = 0
			h.dir.Delete(oldTopPtr)
			h.dir.Delete(d.userPtr)
			h.registerChunk(top)
			top.mdPrev = d.mdPrev
			if pd := h.pool.Get(d.mdPrev); pd != nil {
				pd.mdNext = a.top
			}
			h.pool.Free(ref)
			if a.systemMem > h.tunables.trimThreshold {
				h.systrim(a, h.tunables.topPad())
				h.heapTrim(a)
			}
			return
		}
		if nextD := h.pool.Get(nextRef); nextD != nil {
			if !nextD.inUse && !nextD.inFastbin {
				h.unlinkFromBin(a, nextRef, nextD)
				d.setSize(d.size() + nextD.size())
				nnext := nextD.mdNext
				d.mdNext = nnext
				if nnextD := h.pool.Get(nnext); nnextD != nil {
					nnextD.mdPrev = ref
					if !nnextD.prevInUse() {
						nnextD.prevSize = d.size()
					}
				}
				h.dir.Delete(nextD.userPtr)
				h.pool.Free(nextRef)
			} else {
				nextD.setPrevInUse(false)
				nextD.prevSize = d.size()
			}
		}
	}

	h.insertUnsorted(a, ref, d)
	a.lastRemainder = descpool.Ref{}

	if a.systemMem > h.tunables.trimThreshold {
		h.systrim(a, h.tunables.topPad())
		h.heapTrim(a)
	}
}

// mallocConsolidate drains every fastbin through the same coalescing
// logic regular frees use, then clears haveFastChunks. Must be called
// with a.mu held.
func (h *Heap) mallocConsolidate(a *arena) {
	for idx := 0; idx < nFastbins; idx++ {
		h.fastbinDrain(a, idx, func(ref descpool.Ref, d *descriptor) {
			d.inUse = false
			h.coalesceAndShelve(a, ref, d)
		})
	}
	a.haveFastChunks.Store(false)
}
