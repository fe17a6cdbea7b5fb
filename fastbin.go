package malloc

import "github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"

// maxFastChunkSize is the largest chunk size any fastbin slot can ever
// hold; Heap.tunables.maxFastSize (the M_MXFAST knob) may set a lower
// runtime ceiling but never a higher one.
const maxFastChunkSize = minChunkSize + (nFastbins-1)*alignment

func (h *Heap) isFastSize(nb uintptr) bool {
	return nb <= h.tunables.maxFastSize && nb <= maxFastChunkSize
}

// fastbinPush is the lock-free Treiber-stack push: it CASes the bin head
// itself, never a copy of a stale successor, so a concurrent pop can
// never observe a torn chain.
func (h *Heap) fastbinPush(a *arena, idx int, ref descpool.Ref, d *descriptor) {
	d.inFastbin = true
	for {
		old := a.fastbins[idx].Load()
		d.fastNext = descpool.Unpack(old)
		if a.fastbins[idx].CompareAndSwap(old, ref.Pack()) {
			a.haveFastChunks.Store(true)
			return
		}
	}
}

// fastbinPop is the matching Treiber-stack pop.
func (h *Heap) fastbinPop(a *arena, idx int) (descpool.Ref, *descriptor) {
	for {
		old := a.fastbins[idx].Load()
		if old == 0 {
			return descpool.Ref{}, nil
		}
		ref := descpool.Unpack(old)
		d := h.pool.Get(ref)
		if d == nil {
			return descpool.Ref{}, nil
		}
		next := d.fastNext.Pack()
		if a.fastbins[idx].CompareAndSwap(old, next) {
			d.fastNext = descpool.Ref{}
			d.inFastbin = false
			return ref, d
		}
	}
}

// fastbinDrain pops every chunk out of bin idx and calls f on each,
// leaving the bin empty. Used only by mallocConsolidate, which already
// holds the arena mutex, so there is no concurrent pusher to race.
func (h *Heap) fastbinDrain(a *arena, idx int, f func(descpool.Ref, *descriptor)) {
	for {
		ref, d := h.fastbinPop(a, idx)
		if d == nil {
			return
		}
		f(ref, d)
	}
}
