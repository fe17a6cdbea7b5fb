package malloc

import (
	"sync"
	"sync/atomic"

	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"
	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/linhash"
)

// replenishCount is how many free descriptor slots allocChunk (the
// allocation path behind Malloc, Calloc and Memalign) makes sure exist
// before it touches an arena. Free and Realloc do not replenish; the
// Realloc and Memalign steps that need a fresh descriptor undo their
// change when none is available.
const replenishCount = 16

// Heap is a self-contained allocator instance: a descriptor pool, a
// metadata directory keyed by user pointer, and an arena manager. The
// zero value is not usable; construct one with NewHeap.
type Heap struct {
	pool *descpool.Pool[descriptor]
	dir  *linhash.Table[descpool.Ref]
	am   *arenaManager

	tmu      sync.Mutex
	tunables tunables

	// mmapCount tracks live chunks allocated directly via mmap, so
	// M_MMAP_MAX can cap the mmap path independently of arena state.
	mmapCount atomic.Int32

	// Hardening enables request-size/guard canary bookkeeping on every
	// chunk, checked on Free and Realloc.
	Hardening bool

	// Hook, if non-nil, is called after every successful mutating
	// operation with a single-letter opcode ('m' malloc, 'f' free, 'r'
	// realloc, 'c' calloc), the affected user pointer, and the size
	// involved.
	Hook func(op byte, ptr uintptr, n uintptr)
}

// NewHeap constructs a ready-to-use, independent allocator instance.
// Construction does not touch the operating system: the first arena's
// top chunk is created lazily on the first allocation.
func NewHeap() *Heap {
	h := &Heap{
		pool:     descpool.New[descriptor](),
		dir:      linhash.New[descpool.Ref](),
		am:       newArenaManager(),
		tunables: defaultTunables(),
	}
	return h
}

var (
	defaultHeapOnce sync.Once
	defaultHeap     *Heap
)

// theHeap returns the process-wide default Heap, created on first use.
func theHeap() *Heap {
	defaultHeapOnce.Do(func() { defaultHeap = NewHeap() })
	return defaultHeap
}

func (h *Heap) acquireArena(hint *arena) (*arena, error) {
	a := h.am.acquire(hint)
	if a.corrupt {
		h.releaseArena(a)
		return nil, ErrCorruption
	}
	if err := h.ensureTop(a); err != nil {
		h.releaseArena(a)
		return nil, err
	}
	return a, nil
}

// releaseArena undoes acquireArena/arenaManager.acquire: it drops the
// affinity count acquire bumped and unlocks the arena.
func (h *Heap) releaseArena(a *arena) {
	a.attached.Add(-1)
	a.mu.Unlock()
}

func (h *Heap) emit(op byte, ptr, n uintptr) {
	if h.Hook != nil {
		h.Hook(op, ptr, n)
	}
}

// descFor resolves a live user pointer to its descriptor and, for an
// arena-owned (non-mmapped) chunk, its locked owning arena; a == nil
// means ptr names an mmapped chunk, which has no arena to lock. ok is
// false if ptr isn't a currently-live allocation (never allocated,
// already freed, or a stale mmap-slot tombstone). The caller must
// unlock a non-nil returned arena.
func (h *Heap) descFor(ptr uintptr) (ref descpool.Ref, d *descriptor, a *arena, ok bool) {
	ref, tomb, found := h.dir.Probe(ptr)
	if !found || tomb {
		return descpool.Ref{}, nil, nil, false
	}
	d = h.pool.Get(ref)
	if d == nil || !d.inUse {
		return descpool.Ref{}, nil, nil, false
	}
	if d.isMmapped() {
		return ref, d, nil, true
	}
	a = h.am.arenaFor(d.arenaTag)
	if a == nil {
		return descpool.Ref{}, nil, nil, false
	}
	a.mu.Lock()
	// Re-check after acquiring the lock: a racing Free could have
	// removed or replaced the entry between Probe and Lock.
	ref2, tomb2, found2 := h.dir.Probe(ptr)
	if !found2 || tomb2 || ref2 != ref || !d.inUse {
		a.mu.Unlock()
		return descpool.Ref{}, nil, nil, false
	}
	return ref, d, a, true
}
