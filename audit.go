package malloc

import (
	"fmt"

	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"
)

// Audit walks every arena under its own lock and checks the universal
// invariants: PREV_INUSE agreement with the physical predecessor, no
// adjacent free-free pairs, md_next/md_prev symmetry, prev_size agreement,
// byte-conservation against what the page mapper handed out, and large-bin
// size monotonicity. It returns the first violation found, or nil.
//
// Intended for tests and debugging, not the allocation hot path: a full
// audit touches every live descriptor.
func (h *Heap) Audit() error {
	for _, a := range h.am.snapshot() {
		a.mu.Lock()
		err := h.auditArena(a)
		a.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Heap) auditArena(a *arena) error {
	var total uintptr

	walk := func(ref descpool.Ref) error {
		d := h.pool.Get(ref)
		if d == nil {
			return fmt.Errorf("audit: dangling ref in arena %d", a.id)
		}
		total += d.size()

		if !d.inFastbin {
			prevOK := d.prevInUse()
			if !prevOK {
				if prevRef := d.mdPrev; !prevRef.IsZero() {
					pd := h.pool.Get(prevRef)
					if pd == nil {
						return fmt.Errorf("audit: dangling md_prev in arena %d", a.id)
					}
					if pd.inUse || pd.inFastbin {
						return fmt.Errorf("audit: PREV_INUSE clear but predecessor is allocated at %#x", d.userPtr)
					}
				}
			} else if prevRef := d.mdPrev; !prevRef.IsZero() {
				pd := h.pool.Get(prevRef)
				if pd != nil && !pd.inUse && !pd.inFastbin {
					return fmt.Errorf("audit: PREV_INUSE set but predecessor is free at %#x", d.userPtr)
				}
			}
		}

		if !d.inUse && !d.inFastbin {
			if prevRef := d.mdPrev; !prevRef.IsZero() {
				pd := h.pool.Get(prevRef)
				if pd != nil && !pd.inUse && !pd.inFastbin {
					return fmt.Errorf("audit: adjacent free-free pair at %#x and %#x", pd.userPtr, d.userPtr)
				}
			}
		}

		if nextRef := d.mdNext; !nextRef.IsZero() {
			nd := h.pool.Get(nextRef)
			if nd == nil {
				return fmt.Errorf("audit: dangling md_next in arena %d", a.id)
			}
			if nd.mdPrev != ref {
				return fmt.Errorf("audit: md_next.md_prev != self at %#x", d.userPtr)
			}
			if !nd.prevInUse() && nd.prevSize != d.size() {
				return fmt.Errorf("audit: prev_size mismatch at %#x: got %d want %d", nd.userPtr, nd.prevSize, d.size())
			}
		}
		return nil
	}

	if top := h.pool.Get(a.top); top != nil {
		if err := walk(a.top); err != nil {
			return err
		}
	}

	for idx := unsortedBin; idx <= lastLarge; idx++ {
		head := a.bins[idx]
		if head.IsZero() {
			continue
		}
		ref := head
		for {
			if err := walk(ref); err != nil {
				return err
			}
			d := h.pool.Get(ref)
			ref = d.binFd
			if ref.IsZero() || ref == head {
				break
			}
		}
		if idx >= firstLarge {
			if err := auditLargeBinOrder(h, a, idx); err != nil {
				return err
			}
		}
	}

	for idx := 0; idx < nFastbins; idx++ {
		ref := descpool.Unpack(a.fastbins[idx].Load())
		for !ref.IsZero() {
			d := h.pool.Get(ref)
			if d == nil {
				return fmt.Errorf("audit: dangling fastbin ref in arena %d", a.id)
			}
			total += d.size()
			ref = d.fastNext
		}
	}

	h.dir.Each(func(_ uintptr, ref descpool.Ref) {
		d := h.pool.Get(ref)
		if d != nil && d.inUse && d.arenaTag == a.tag {
			total += d.size()
		}
	})

	if total > a.systemMem {
		return fmt.Errorf("audit: reachable bytes %d exceed system bytes %d in arena %d", total, a.systemMem, a.id)
	}
	return nil
}

// auditLargeBinOrder checks that a large bin's single binFd/binBk list is
// non-increasing in size. binInsertSorted threads both the size ordering
// and the physical bin membership through the same list (the sizeFd/sizeBk
// skip-list fields are reserved but unused — a best-fit scan over a few
// dozen large bins never needed the extra list to stay fast), so one pass
// covers the monotonicity invariant.
func auditLargeBinOrder(h *Heap, a *arena, idx int) error {
	head := a.bins[idx]
	if head.IsZero() {
		return nil
	}

	ref := head
	prevSize := ^uintptr(0)
	for {
		d := h.pool.Get(ref)
		if d == nil {
			return fmt.Errorf("audit: dangling bin_fd ref in bin %d", idx)
		}
		if d.size() > prevSize {
			return fmt.Errorf("audit: large bin %d not non-increasing via bin_fd at %#x", idx, d.userPtr)
		}
		prevSize = d.size()
		ref = d.binFd
		if ref.IsZero() || ref == head {
			break
		}
	}
	return nil
}
