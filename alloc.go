package malloc

import (
	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"
	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/pagemap"
)

// maxUnsortedIters bounds how many chunks a single allocation will drain
// out of the unsorted bin before giving up on finding them a home and
// falling through to the large-bin and top-chunk paths. Without a bound
// a pathological sequence of frees could make one Malloc call scan an
// unbounded chain.
const maxUnsortedIters = 10000

// Malloc returns a pointer to a region of at least n usable bytes. It
// never returns (0, nil): a successful call always returns a non-zero
// pointer.
func (h *Heap) Malloc(n uintptr) (uintptr, error) {
	if n > (^uintptr(0))-headerOverhead-alignment {
		return 0, ErrInvalidArgument
	}
	return h.allocChunk(requestToChunkSize(n), n)
}

// allocChunk is the shared entry point for turning an already-computed
// chunk size into a live, registered chunk. Malloc derives nb from a
// requested payload size; Memalign computes its own, larger nb to leave
// room for a front-alignment split, so the two share this rather than
// Malloc's request-to-chunk-size conversion.
func (h *Heap) allocChunk(nb, reqBytes uintptr) (uintptr, error) {
	if err := h.pool.Replenish(replenishCount); err != nil {
		return 0, ErrOutOfMemory
	}

	if nb >= h.tunables.mmapThresh && h.mmapAllowed() {
		if ptr, err := h.mallocViaMmap(nb, reqBytes); err == nil {
			h.emit('m', ptr, reqBytes)
			return ptr, nil
		}
		// Large mmap request failed; fall through and try the arena path,
		// exactly as glibc falls back when MMAP_MAX is exhausted.
	}

	a, err := h.acquireArena(nil)
	if err != nil {
		return 0, err
	}
	defer h.releaseArena(a)

	ptr, err := h.allocFromArena(a, nb, reqBytes)
	if err != nil {
		return 0, err
	}
	h.emit('m', ptr, reqBytes)
	return ptr, nil
}

// mallocViaMmap services a request directly with its own anonymous
// mapping, bypassing every arena and bin. The descriptor's arenaTag is 0,
// the universal marker for an mmapped chunk.
func (h *Heap) mallocViaMmap(nb, reqBytes uintptr) (uintptr, error) {
	r, err := pagemap.MapAnon(int(nb))
	if err != nil {
		return 0, ErrOutOfMemory
	}
	d, ref, err := h.newDescriptor()
	if err != nil {
		pagemap.Unmap(r)
		return 0, err
	}
	d.userPtr = r.Addr
	d.setSize(uintptr(r.Len))
	d.setIsMmapped(true)
	d.setPrevInUse(true)
	d.arenaTag = 0
	d.inUse = true
	d.reqBytes = reqBytes
	if h.Hardening {
		d.guard = guardFor(ref)
	}
	if err := h.registerChunk(d); err != nil {
		pagemap.Unmap(r)
		h.pool.Free(ref)
		return 0, err
	}
	h.mmapCount.Add(1)
	return d.userPtr, nil
}

// allocFromArena runs the seven-step allocation algorithm against an
// already-locked, already-topped arena.
func (h *Heap) allocFromArena(a *arena, nb, reqBytes uintptr) (uintptr, error) {
	// Step 1: fastbin exact match.
	if h.isFastSize(nb) {
		idx := fastbinIndex(nb)
		if _, d := h.fastbinPop(a, idx); d != nil {
			return h.finishAlloc(d, reqBytes), nil
		}
	}

	// Step 2: small-bin exact fit.
	if isSmallSize(nb) {
		idx := smallBinIndex(nb)
		if _, d := h.binPopHead(a, idx); d != nil {
			return h.finishAlloc(d, reqBytes), nil
		}
	}

	// Step 3: a large request forces a consolidation pass first, so
	// recently freed fastbin chunks get a chance to coalesce into
	// something big enough before we search further.
	if !isSmallSize(nb) && a.haveFastChunks.Load() {
		h.mallocConsolidate(a)
	}

	// Step 4: drain the unsorted bin, placing each chunk into its
	// regular bin unless it happens to satisfy this request exactly (or,
	// for a small request, can be split off the bin's one surviving
	// "last remainder" chunk).
	iters := 0
	for iters < maxUnsortedIters {
		ref, victim := h.binPopHead(a, unsortedBin)
		if victim == nil {
			break
		}
		iters++

		if victim.size() == nb {
			return h.finishAlloc(victim, reqBytes), nil
		}
		if isSmallSize(nb) && ref == a.lastRemainder && victim.size() >= nb+minChunkSize {
			a.lastRemainder = descpool.Ref{}
			return h.splitChunk(a, ref, victim, nb, reqBytes), nil
		}

		if isSmallSize(victim.size()) {
			h.binPushFront(a, smallBinIndex(victim.size()), ref, victim)
		} else {
			h.binInsertSorted(a, largeBinIndex(victim.size()), ref, victim)
		}
	}

	// Step 5: large-bin best-fit search.
	if !isSmallSize(nb) {
		idx := largeBinIndex(nb)
		if ref, victim := h.binBestFit(a, idx, nb); victim != nil {
			return h.splitChunk(a, ref, victim, nb, reqBytes), nil
		}
	}

	// Step 6: binmap scan for the next non-empty bin above our target.
	startIdx := binIndex(nb) + 1
	if startIdx < firstSmall {
		startIdx = firstSmall
	}
	for idx := a.binmap.nextSet(startIdx); idx != -1; idx = a.binmap.nextSet(idx + 1) {
		ref, victim := h.binBestFit(a, idx, nb)
		if victim == nil {
			a.binmap.clear(idx)
			continue
		}
		return h.splitChunk(a, ref, victim, nb, reqBytes), nil
	}

	// Step 7: carve the request off the top chunk, growing it if needed.
	return h.takeFromTop(a, nb, reqBytes)
}

// finishAlloc marks a chunk in-use, stamps hardening bookkeeping, sets its
// physical successor's PREV_INUSE bit, and hands back its user pointer.
// The successor update is a no-op on paths where it's already set (a fresh
// split, top-split, or fastbin pop); it's the only thing that keeps a
// whole chunk taken straight out of a regular or unsorted bin honest,
// since that chunk's successor still has PREV_INUSE clear from when this
// chunk was free.
func (h *Heap) finishAlloc(d *descriptor, reqBytes uintptr) uintptr {
	d.inUse = true
	d.reqBytes = reqBytes
	if h.Hardening {
		d.guard = guardFor(d.self)
	}
	if next := h.pool.Get(d.mdNext); next != nil {
		next.setPrevInUse(true)
	}
	return d.userPtr
}

// splitChunk carves nb bytes off the front of the chunk at ref, pushing
// any sufficiently large remainder into the unsorted bin. If the leftover
// is too small to host its own descriptor usefully, the whole chunk is
// handed to the caller instead.
func (h *Heap) splitChunk(a *arena, ref descpool.Ref, d *descriptor, nb, reqBytes uintptr) uintptr {
	total := d.size()
	remSize := total - nb
	oldNext := d.mdNext

	if remSize < minChunkSize {
		return h.finishAlloc(d, reqBytes)
	}

	d.setSize(nb)
	rem, remRef, err := h.newDescriptor()
	if err != nil {
		d.setSize(total)
		return h.finishAlloc(d, reqBytes)
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
		h.insertUnsorted(a, remRef, rem)
		a.lastRemainder = remRef
	}
	return h.finishAlloc(d, reqBytes)
}

// takeFromTop splits the allocated chunk off the low end of the arena's
// top chunk, growing top first if it isn't currently big enough to leave
// a valid remainder top behind.
func (h *Heap) takeFromTop(a *arena, nb, reqBytes uintptr) (uintptr, error) {
	for {
		top := h.pool.Get(a.top)
		if top != nil && top.size() >= nb+minChunkSize {
			remPtr := top.userPtr + nb
			remSize := top.size() - nb
			topRef := a.top

			nd, nref, err := h.newDescriptor()
			if err != nil {
				return 0, err
			}
			nd.userPtr = remPtr
			nd.setSize(remSize)
			nd.setPrevInUse(true)
			nd.arenaTag = a.tag
			nd.mdPrev = topRef

			top.setSize(nb)
			top.mdNext = nref
			if err := h.registerChunk(nd); err != nil {
				return 0, err
			}
			a.top = nref
			return h.finishAlloc(top, reqBytes), nil
		}
		if err := h.growTop(a, nb); err != nil {
			return 0, err
		}
	}
}
