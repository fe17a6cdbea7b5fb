package malloc

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"
	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/pagemap"
)

// heapMaxSize is the size and alignment of a non-primary arena's heap
// segment; a growth that needs more gets a segment of the next multiple of
// heapMaxSize, still heapMaxSize-aligned. Nothing recovers an arena by
// masking a chunk pointer: the owning arena always comes from the
// descriptor's arenaTag.
const heapMaxSize = 1 << 20

// arena is an independent heap with its own bins, top chunk, and mutex.
type arena struct {
	mu sync.Mutex

	id  uint32 // 0 == primary
	tag uint32 // value stored in descriptor.arenaTag for chunks owned here

	bins   [nBins]descpool.Ref // head ref per regular bin (zero = empty); chunks link circularly via binFd/binBk, no dedicated sentinel node
	binmap binmap

	fastbins [nFastbins]atomic.Uint64 // packed descpool.Ref, Treiber-stack heads
	haveFastChunks atomic.Bool

	top           descpool.Ref
	lastRemainder descpool.Ref

	contiguous bool // primary arena only: true until a non-contiguous mmap fallback happens
	systemMem  uintptr
	heapSegs   []pagemap.Region // non-primary: the heap segments owned by this arena

	corrupt bool

	next *arena // circular singly-linked arena list

	attached atomic.Int32 // approximate count of goroutines affine to this arena
}

// arenaManager owns the arena list and approximates thread affinity.
type arenaManager struct {
	mu       sync.Mutex
	primary  *arena
	all      []*arena
	arenaMax int
	rr       atomic.Uint32 // round-robin probe cursor for contention-driven migration
}

func newArenaManager() *arenaManager {
	am := &arenaManager{arenaMax: 8 * runtime.NumCPU()}
	p := &arena{id: 0, tag: 1, contiguous: true}
	p.next = p
	am.primary = p
	am.all = []*arena{p}
	return am
}

// acquire picks an arena to serve the next allocation and returns it
// locked. It tries the hinted arena (the caller's last-used arena) with a
// non-blocking TryLock first, then probes siblings round-robin, growing
// a new arena if the manager isn't already at its cap, and finally
// blocks on whichever existing arena has the fewest goroutines attached.
// Go exposes no portable goroutine-local storage, so affinity is
// approximate: with a nil hint the round-robin probe alone decides which
// arena goes first.
func (am *arenaManager) acquire(hint *arena) *arena {
	if hint != nil && hint.mu.TryLock() {
		if !hint.corrupt {
			hint.attached.Add(1)
			return hint
		}
		hint.mu.Unlock()
	}

	am.mu.Lock()
	all := am.all
	am.mu.Unlock()

	n := len(all)
	start := int(am.rr.Add(1))
	for i := 0; i < n; i++ {
		a := all[(start+i)%n]
		if a.mu.TryLock() {
			if !a.corrupt {
				a.attached.Add(1)
				return a
			}
			a.mu.Unlock()
		}
	}

	if n < am.arenaMax {
		if a := am.grow(); a != nil {
			a.mu.Lock()
			a.attached.Add(1)
			return a
		}
	}

	// Every arena is contended and we're at the arena cap: block on
	// whichever arena currently has the fewest goroutines affine to it
	// rather than always piling onto the primary arena.
	least := am.leastAttached(all)
	least.mu.Lock()
	least.attached.Add(1)
	return least
}

// leastAttached returns the arena with the smallest attached count,
// breaking ties toward the primary arena (first in all).
func (am *arenaManager) leastAttached(all []*arena) *arena {
	best := am.primary
	for _, a := range all {
		if a.attached.Load() < best.attached.Load() {
			best = a
		}
	}
	return best
}

// grow creates and registers a new non-primary arena, linking it into the
// circular arena list.
func (am *arenaManager) grow() *arena {
	am.mu.Lock()
	defer am.mu.Unlock()

	if len(am.all) >= am.arenaMax {
		return nil
	}

	a := &arena{id: uint32(len(am.all)), tag: uint32(len(am.all)) + 1}
	last := am.all[len(am.all)-1]
	a.next = last.next
	last.next = a
	am.all = append(am.all, a)
	return a
}

// snapshot returns a copy of the current arena list, safe to range over
// without holding am.mu (used by MallocTrim and the stats walk, neither
// of which may hold am.mu while separately locking each arena in turn).
func (am *arenaManager) snapshot() []*arena {
	am.mu.Lock()
	defer am.mu.Unlock()
	out := make([]*arena, len(am.all))
	copy(out, am.all)
	return out
}

// arenaFor recovers the owning arena by its tag, the only authoritative
// mapping from descriptor.arenaTag to an *arena (0 = mmapped, 1 = primary
// arena, N+1 = non-primary arena N).
func (am *arenaManager) arenaFor(tag uint32) *arena {
	if tag == 0 {
		return nil
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	for _, a := range am.all {
		if a.tag == tag {
			return a
		}
	}
	return nil
}
