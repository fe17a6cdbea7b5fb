package malloc

import "github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"

// Regular-bin list operations. Each bin is a plain circular doubly-linked
// list of real chunks — no sentinel node — threaded through binFd/binBk.
// a.bins[idx] holds the head reference; zero means the bin is empty.

// binUnlink splices d out of bin idx's list and clears the binmap bit if
// the bin becomes empty.
func (h *Heap) binUnlink(a *arena, idx int, ref descpool.Ref, d *descriptor) {
	if d.binFd == ref && d.binBk == ref {
		a.bins[idx] = descpool.Ref{}
		a.binmap.clear(idx)
		d.binFd, d.binBk = descpool.Ref{}, descpool.Ref{}
		d.binIdx = 0
		return
	}
	fd := h.pool.Get(d.binFd)
	bk := h.pool.Get(d.binBk)
	fd.binBk = d.binBk
	bk.binFd = d.binFd
	if a.bins[idx] == ref {
		a.bins[idx] = d.binFd
	}
	d.binFd, d.binBk = descpool.Ref{}, descpool.Ref{}
	d.binIdx = 0
}

// binPushFront inserts d at the head of bin idx (LIFO order: small bins
// and the unsorted bin are consumed most-recently-inserted-first).
func (h *Heap) binPushFront(a *arena, idx int, ref descpool.Ref, d *descriptor) {
	d.binIdx = idx
	head := a.bins[idx]
	if head.IsZero() {
		d.binFd, d.binBk = ref, ref
		a.bins[idx] = ref
		a.binmap.set(idx)
		return
	}
	headD := h.pool.Get(head)
	tail := headD.binBk
	tailD := h.pool.Get(tail)
	d.binFd = head
	d.binBk = tail
	headD.binBk = ref
	tailD.binFd = ref
	a.bins[idx] = ref
	a.binmap.set(idx)
}

// binPopHead removes and returns the head of bin idx, or (zero, nil) if
// the bin is empty.
func (h *Heap) binPopHead(a *arena, idx int) (descpool.Ref, *descriptor) {
	head := a.bins[idx]
	if head.IsZero() {
		return descpool.Ref{}, nil
	}
	d := h.pool.Get(head)
	h.binUnlink(a, idx, head, d)
	return head, d
}

// binInsertSorted threads a large chunk into bin idx ordered from largest
// (the head) to smallest along binFd. binBestFit still scans the whole
// list for the smallest chunk >= nb.
func (h *Heap) binInsertSorted(a *arena, idx int, ref descpool.Ref, d *descriptor) {
	d.binIdx = idx
	head := a.bins[idx]
	if head.IsZero() {
		d.binFd, d.binBk = ref, ref
		a.bins[idx] = ref
		a.binmap.set(idx)
		return
	}
	size := d.size()
	cur := head
	for {
		curD := h.pool.Get(cur)
		if curD.size() <= size {
			break
		}
		cur = curD.binFd
		if cur == head {
			break
		}
	}
	curD := h.pool.Get(cur)
	prev := curD.binBk
	prevD := h.pool.Get(prev)
	d.binFd = cur
	d.binBk = prev
	curD.binBk = ref
	prevD.binFd = ref
	if size > h.pool.Get(head).size() {
		a.bins[idx] = ref
	}
	a.binmap.set(idx)
}

// binBestFit scans bin idx for the smallest chunk with size >= nb,
// unlinks it, and returns it. Returns (zero, nil) if none fits.
func (h *Heap) binBestFit(a *arena, idx int, nb uintptr) (descpool.Ref, *descriptor) {
	head := a.bins[idx]
	if head.IsZero() {
		return descpool.Ref{}, nil
	}
	var best descpool.Ref
	var bestD *descriptor
	cur := head
	for {
		curD := h.pool.Get(cur)
		if curD.size() >= nb {
			if bestD == nil || curD.size() < bestD.size() {
				best, bestD = cur, curD
			}
		}
		cur = curD.binFd
		if cur == head {
			break
		}
	}
	if bestD == nil {
		return descpool.Ref{}, nil
	}
	h.binUnlink(a, idx, best, bestD)
	return best, bestD
}

// unlinkFromBin removes d from whichever regular bin it currently sits
// in, using its own binIdx bookkeeping; a no-op if it isn't in one.
func (h *Heap) unlinkFromBin(a *arena, ref descpool.Ref, d *descriptor) {
	if d.binIdx == 0 {
		return
	}
	h.binUnlink(a, d.binIdx, ref, d)
}

// insertUnsorted places a freed or split-off remainder chunk into the
// unsorted bin, the staging area drained at the start of every
// allocation that falls through the fast paths.
func (h *Heap) insertUnsorted(a *arena, ref descpool.Ref, d *descriptor) {
	h.binPushFront(a, unsortedBin, ref, d)
}
