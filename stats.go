package malloc

import (
	"fmt"
	"io"
	"os"

	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"
)

// Mallinfo summarizes heap usage, field-for-field with glibc's struct
// mallinfo2 (the fields that still mean something once metadata is
// out-of-line; arena/ordblks/smblks keep their original names even
// though this allocator's bin layout no longer matches dlmalloc's).
type Mallinfo struct {
	Arena    uintptr // non-mmapped bytes currently held by all arenas
	Ordblks  int     // number of free chunks in the large/unsorted bins
	Smblks   int     // number of free chunks in the small bins and fastbins
	Hblks    uintptr // number of mmapped chunks
	Hblkhd   uintptr // bytes held in mmapped chunks
	Uordblks uintptr // bytes currently allocated
	Fordblks uintptr // bytes currently free (in a bin, not counting top)
	Keepcost uintptr // bytes held in the arenas' top chunks
}

// Mallinfo reports a point-in-time usage summary across every arena and
// every mmapped chunk, locking each arena in turn (never more than one at
// once, so it cannot deadlock against a concurrent allocation) and then
// walking the directory once, unlocked, for the mmap tally and the
// allocated-bytes total.
func (h *Heap) Mallinfo() Mallinfo {
	var mi Mallinfo

	for _, a := range h.am.snapshot() {
		a.mu.Lock()
		mi.Arena += a.systemMem
		if top := h.pool.Get(a.top); top != nil {
			mi.Keepcost += top.size()
		}
		for idx := unsortedBin; idx <= lastLarge; idx++ {
			head := a.bins[idx]
			if head.IsZero() {
				continue
			}
			ref := head
			for {
				d := h.pool.Get(ref)
				if d == nil {
					break
				}
				mi.Fordblks += d.size()
				if idx >= firstSmall && idx <= lastSmall {
					mi.Smblks++
				} else {
					mi.Ordblks++
				}
				ref = d.binFd
				if ref.IsZero() || ref == head {
					break
				}
			}
		}
		for idx := 0; idx < nFastbins; idx++ {
			ref := descpool.Unpack(a.fastbins[idx].Load())
			for !ref.IsZero() {
				d := h.pool.Get(ref)
				if d == nil {
					break
				}
				mi.Fordblks += d.size()
				mi.Smblks++
				ref = d.fastNext
			}
		}
		a.mu.Unlock()
	}

	h.dir.Each(func(_ uintptr, ref descpool.Ref) {
		d := h.pool.Get(ref)
		if d == nil || !d.inUse {
			return
		}
		if d.isMmapped() {
			mi.Hblks++
			mi.Hblkhd += d.size()
		} else {
			mi.Uordblks += d.size()
		}
	})

	return mi
}

// MallocStats writes a short human-readable usage report to standard
// error, the same destination glibc's malloc_stats uses.
func (h *Heap) MallocStats() {
	h.writeStats(os.Stderr)
}

func (h *Heap) writeStats(w io.Writer) {
	mi := h.Mallinfo()
	fmt.Fprintf(w, "Arenas: %d\n", len(h.am.snapshot()))
	fmt.Fprintf(w, "system bytes     = %10d\n", mi.Arena)
	fmt.Fprintf(w, "in use bytes     = %10d\n", mi.Uordblks)
	fmt.Fprintf(w, "free bytes       = %10d\n", mi.Fordblks)
	fmt.Fprintf(w, "top bytes        = %10d\n", mi.Keepcost)
	fmt.Fprintf(w, "mmapped chunks   = %10d\n", mi.Hblks)
	fmt.Fprintf(w, "mmapped bytes    = %10d\n", mi.Hblkhd)
}

// Package-level convenience wrappers operating on the default Heap.

func GetMallinfo() Mallinfo { return theHeap().Mallinfo() }
func MallocStats()          { theHeap().MallocStats() }
