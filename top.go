package malloc

import (
	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"
	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/pagemap"
)

// The top chunk and system growth.
const (
	defaultTopPad          = 0
	mmapAsMorecoreSize     = 1 << 20 // fallback region size once brk growth fails
	defaultTrimThreshold   = 128 * 1024
)

// newDescriptor allocates a fresh, zeroed descriptor from the shared pool.
// Callers check the error before touching any bin or arena field, so a
// pool exhaustion never leaves partially-mutated heap state behind.
func (h *Heap) newDescriptor() (*descriptor, descpool.Ref, error) {
	d, ref, err := h.pool.Alloc()
	if err != nil {
		return nil, descpool.Ref{}, ErrOutOfMemory
	}
	d.self = ref
	return d, ref, nil
}

// registerChunk creates the directory entry for a live chunk's user
// pointer. An Insert always wins over a pre-existing tombstone at the
// same key (the mmap-reuse case); any other duplicate key is a caller
// bug.
func (h *Heap) registerChunk(d *descriptor) error {
	if err := h.dir.Insert(d.userPtr, d.self); err != nil {
		return ErrCorruption
	}
	return nil
}

// ensureTop lazily brings an arena up on its first use, creating the
// initial top chunk. Must be called with a.mu held.
func (h *Heap) ensureTop(a *arena) error {
	if !a.top.IsZero() {
		return nil
	}
	return h.growTop(a, minChunkSize)
}

// growTop extends or replaces an arena's top chunk so it can satisfy a
// request of at least `need` bytes.
func (h *Heap) growTop(a *arena, need uintptr) error {
	if a.id == 0 {
		return h.growPrimary(a, need)
	}
	return h.growNonPrimary(a, need)
}

func (h *Heap) growPrimary(a *arena, need uintptr) error {
	pad := h.tunables.topPad()
	size := roundUp(need+pad+minChunkSize, uintptr(pagemap.PageSize))

	if a.contiguous {
		if newBrk, err := pagemap.ExtendBreak(int(size)); err == nil {
			return h.absorbOrReplaceTop(a, pagemap.Region{Addr: newBrk - size, Len: int(size)}, true)
		}
		a.contiguous = false // once non-contiguous, always non-contiguous
	}

	fallback := size
	if fallback < mmapAsMorecoreSize {
		fallback = mmapAsMorecoreSize
	}
	r, err := pagemap.MapAnon(int(fallback))
	if err != nil {
		return ErrOutOfMemory
	}
	return h.absorbOrReplaceTop(a, r, false)
}

func (h *Heap) growNonPrimary(a *arena, need uintptr) error {
	size := roundUp(need+minChunkSize, uintptr(heapMaxSize))
	if size < heapMaxSize {
		size = heapMaxSize
	}
	r, err := pagemap.MapAligned(int(size), heapMaxSize)
	if err != nil {
		return ErrOutOfMemory
	}
	a.heapSegs = append(a.heapSegs, r)
	return h.absorbOrReplaceTop(a, r, false)
}

// absorbOrReplaceTop either extends the current top chunk in place
// (contiguous growth whose new region directly follows the old top) or
// installs a double fencepost after the old top and makes the new region
// the arena's new top.
func (h *Heap) absorbOrReplaceTop(a *arena, r pagemap.Region, contiguous bool) error {
	oldTop := h.pool.Get(a.top)

	if contiguous && oldTop != nil && oldTop.userPtr+oldTop.size() == r.Addr {
		oldTop.setSize(oldTop.size() + uintptr(r.Len))
		a.systemMem += uintptr(r.Len)
		return nil
	}

	if oldTop != nil {
		if err := h.installFencepost(a, oldTop); err != nil {
			return err
		}
		// oldTop is no longer the sentinel; it is ordinary free space
		// whose neighbours are now both allocated (the fencepost ahead,
		// and top's own invariant guarantees whatever precedes it was
		// already allocated), so it belongs in the unsorted bin rather
		// than being left reachable only via a future backward coalesce.
		h.insertUnsorted(a, a.top, oldTop)
		if fp := h.pool.Get(oldTop.mdNext); fp != nil {
			fp.setPrevInUse(false)
			fp.prevSize = oldTop.size()
		}
	}

	nd, nref, err := h.newDescriptor()
	if err != nil {
		return err
	}
	nd.userPtr = r.Addr
	nd.setSize(uintptr(r.Len))
	nd.setPrevInUse(true)
	nd.arenaTag = a.tag
	if err := h.registerChunk(nd); err != nil {
		return err
	}
	a.top = nref
	a.systemMem += uintptr(r.Len)
	return nil
}

// installFencepost caps the chunk physically preceding a discontinuity
// with two always-allocated MIN-sized chunks, so forward coalescing can
// never walk across the boundary.
func (h *Heap) installFencepost(a *arena, prevTop *descriptor) error {
	base := prevTop.userPtr + prevTop.size()
	var prevRef descpool.Ref = prevTop.self
	for i := 0; i < 2; i++ {
		fd, fref, err := h.newDescriptor()
		if err != nil {
			return err
		}
		fd.userPtr = base + uintptr(i)*minChunkSize
		fd.setSize(minChunkSize)
		fd.setPrevInUse(true)
		fd.arenaTag = a.tag
		fd.inUse = true
		if err := h.registerChunk(fd); err != nil {
			return err
		}
		fd.mdPrev = prevRef
		h.pool.Get(prevRef).mdNext = fref
		prevRef = fref
	}
	return nil
}

// systrim releases pages from the high end of the primary arena's top via
// a negative ExtendBreak when the unused portion of top exceeds pad.
// Returns true if anything was released.
func (h *Heap) systrim(a *arena, pad uintptr) bool {
	if a.id != 0 || !a.contiguous {
		return false
	}
	top := h.pool.Get(a.top)
	if top == nil {
		return false
	}
	size := top.size()
	extra := size - pad
	extra &^= uintptr(pagemap.PageSize - 1)
	if extra == 0 || extra > size {
		return false
	}
	if _, err := pagemap.ExtendBreak(-int(extra)); err != nil {
		return false
	}
	top.setSize(size - extra)
	a.systemMem -= extra
	return true
}

// heapTrim releases whole heap segments of a non-primary arena whose top
// has swallowed the entire segment. A segment's top is never md-linked to
// the previous segment's fencepost (segments never coalesce into each
// other), so unmapping one simply drops its top descriptor; the next
// allocation's ensureTop lazily maps a replacement the same way the
// arena's very first segment was mapped.
func (h *Heap) heapTrim(a *arena) bool {
	if a.id == 0 {
		return false
	}
	top := h.pool.Get(a.top)
	if top == nil || len(a.heapSegs) < 2 {
		return false // never unmap the arena's one and only segment
	}
	last := a.heapSegs[len(a.heapSegs)-1]
	if top.userPtr != last.Addr || top.size() < uintptr(last.Len) {
		return false
	}
	if err := pagemap.Unmap(last); err != nil {
		return false
	}
	h.dir.Delete(top.userPtr)
	h.pool.Free(a.top)
	a.top = descpool.Ref{}
	a.heapSegs = a.heapSegs[:len(a.heapSegs)-1]
	a.systemMem -= uintptr(last.Len)
	return true
}
