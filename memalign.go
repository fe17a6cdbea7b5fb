package malloc

import "github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/pagemap"

// Memalign returns a pointer to n usable bytes aligned to alignAt, which
// must be a power of two. Requests at or above the mmap threshold are
// served by a single exactly-aligned mapping (internal/pagemap.MapAligned
// already over-maps and trims, so no front-misalignment bookkeeping is
// needed on that path); smaller requests are carved out of the arena with
// enough slack to cut an aligned boundary, and the front sliver — if any
// — is shelved as an ordinary free chunk rather than wasted.
func (h *Heap) Memalign(alignAt, n uintptr) (uintptr, error) {
	if alignAt == 0 || alignAt&(alignAt-1) != 0 || alignAt > (^uintptr(0))/2 {
		return 0, ErrInvalidArgument
	}
	if alignAt <= alignment {
		return h.Malloc(n)
	}
	if n > (^uintptr(0))-headerOverhead-alignAt-minChunkSize {
		return 0, ErrInvalidArgument
	}
	nb := requestToChunkSize(n)

	if nb >= h.tunables.mmapThresh && h.mmapAllowed() {
		return h.memalignViaMmap(alignAt, nb, n)
	}
	return h.memalignInArena(alignAt, nb, n)
}

func (h *Heap) memalignViaMmap(alignAt, nb, reqBytes uintptr) (uintptr, error) {
	r, err := pagemap.MapAligned(int(nb), int(alignAt))
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
	h.emit('m', d.userPtr, reqBytes)
	return d.userPtr, nil
}

func (h *Heap) memalignInArena(alignAt, nb, reqBytes uintptr) (uintptr, error) {
	// alignAt of slack plus minChunkSize: when the first aligned address
	// leaves a front sliver too small to be a chunk, the cut moves one more
	// alignAt forward, and nb bytes must still remain after it.
	nb2 := nb + alignAt + minChunkSize
	ptr, err := h.allocChunk(nb2, reqBytes)
	if err != nil {
		return 0, err
	}

	ref, ok := h.dir.Lookup(ptr)
	if !ok {
		return 0, ErrCorruption
	}
	d := h.pool.Get(ref)
	if d == nil {
		return 0, ErrCorruption
	}
	a := h.am.arenaFor(d.arenaTag)
	if a == nil {
		return 0, ErrCorruption
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	aligned := roundUp(ptr, alignAt)
	if aligned == ptr {
		return ptr, nil
	}
	front := aligned - ptr
	if front < minChunkSize {
		aligned += alignAt
		front += alignAt
	}

	total := d.size()
	oldNext := d.mdNext

	d.setSize(front)
	d.inUse = false

	nd, nref, err := h.newDescriptor()
	if err != nil {
		// Can't split; undo and hand back the whole (over-sized, but
		// correctly aligned-enough-to-fail) chunk by freeing it and
		// reporting the failure — never leave a half-split chunk live.
		d.setSize(total)
		d.inUse = true
		h.freeToArena(a, ref, d)
		return 0, err
	}
	nd.userPtr = aligned
	nd.setSize(total - front)
	nd.setPrevInUse(false) // front sliver (d) is free
	nd.prevSize = front
	nd.arenaTag = a.tag
	nd.mdPrev = ref
	nd.mdNext = oldNext
	d.mdNext = nref
	if nextD := h.pool.Get(oldNext); nextD != nil {
		nextD.mdPrev = nref
	}
	if err := h.registerChunk(nd); err != nil {
		d.setSize(total)
		d.inUse = true
		d.mdNext = oldNext
		if nextD := h.pool.Get(oldNext); nextD != nil {
			nextD.mdPrev = ref
		}
		h.pool.Free(nref)
		h.freeToArena(a, ref, d)
		return 0, err
	}

	h.insertUnsorted(a, ref, d)
	nd.inUse = true
	nd.reqBytes = reqBytes
	if h.Hardening {
		nd.guard = guardFor(nref)
	}
	h.emit('m', nd.userPtr, reqBytes)
	return nd.userPtr, nil
}

// PosixMemalign is Memalign with the additional posix_memalign contract:
// alignAt must be a power of two that is also a multiple of the platform
// word size.
func (h *Heap) PosixMemalign(alignAt, n uintptr) (uintptr, error) {
	const wordSize = uintptr(8)
	if alignAt%wordSize != 0 {
		return 0, ErrInvalidArgument
	}
	return h.Memalign(alignAt, n)
}

// Valloc returns a page-aligned pointer to n usable bytes.
func (h *Heap) Valloc(n uintptr) (uintptr, error) {
	return h.Memalign(uintptr(pagemap.PageSize), n)
}

// Pvalloc returns a page-aligned pointer to at least n bytes, rounded up
// to a whole number of pages.
func (h *Heap) Pvalloc(n uintptr) (uintptr, error) {
	return h.Memalign(uintptr(pagemap.PageSize), roundUp(n, uintptr(pagemap.PageSize)))
}

// Package-level convenience wrappers operating on the default Heap.

func Memalign(alignAt, n uintptr) (uintptr, error)      { return theHeap().Memalign(alignAt, n) }
func PosixMemalign(alignAt, n uintptr) (uintptr, error) { return theHeap().PosixMemalign(alignAt, n) }
func Valloc(n uintptr) (uintptr, error)                 { return theHeap().Valloc(n) }
func Pvalloc(n uintptr) (uintptr, error)                { return theHeap().Pvalloc(n) }
