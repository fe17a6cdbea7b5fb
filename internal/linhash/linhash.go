// Package linhash implements Larson-style linear hashing: the metadata
// directory. It maps a chunk's user pointer to an arbitrary value (the
// heap package instantiates it over a descriptor reference) through a
// two-level directory-of-segments layout that grows and shrinks one
// bucket at a time.
package linhash

import (
	"errors"
	"sync"

	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"
)

// ErrOutOfMemory is returned when the bucket-record pool cannot grow.
var ErrOutOfMemory = errors.New("linhash: out of memory")

// ErrDuplicateKey is returned by Insert when the key is already present:
// Insert is for fresh keys only, callers that mean to replace must call
// Update.
var ErrDuplicateKey = errors.New("linhash: duplicate key")

const (
	defaultSegmentLen = 256
	defaultDirLen     = 1024 / defaultSegmentLen // segments, not buckets
	defaultMinLoad    = 2
	defaultMaxLoad    = 3
)

type bucket[V any] struct {
	key   uintptr
	value V
	tomb  bool
	next  descpool.Ref
}

// Table is a Larson linear-hash table keyed by uintptr (a chunk's user
// pointer) and valued by V (typically a descriptor reference).
type Table[V any] struct {
	mu sync.RWMutex

	pool   *descpool.Pool[bucket[V]]
	dir    [][]descpool.Ref // directory of segments; each segment is segLen heads
	segLen uint64

	n        uint64 // initial bucket count N
	l        uint64 // number of doublings L
	p        uint64 // next bucket to split
	maxp     uint64 // N * 2^L
	bincount uint64
	count    uint64
	minLoad  int64
	maxLoad  int64
}

// New creates a directory with the default segment length (256) and
// initial directory length (1024 buckets, i.e. 4 segments).
func New[V any]() *Table[V] {
	return NewSized[V](defaultSegmentLen, defaultDirLen)
}

// NewSized creates a directory with an explicit segment length and
// initial segment count, both of which must be powers of two.
func NewSized[V any](segLen, initialSegments int) *Table[V] {
	t := &Table[V]{
		pool:   descpool.New[bucket[V]](),
		segLen: uint64(segLen),
		n:      uint64(segLen * initialSegments),
		minLoad: defaultMinLoad,
		maxLoad: defaultMaxLoad,
	}
	t.maxp = t.n
	t.bincount = t.n
	for i := 0; i < initialSegments; i++ {
		t.dir = append(t.dir, make([]descpool.Ref, segLen))
	}
	return t
}

// jenkinsOneAtATime is Bob Jenkins' one-at-a-time finalizer over the key's
// bytes. lookup3 itself is a 3-word mix tuned for buffers; for a single
// machine-word key the one-at-a-time avalanche finishes the same job with
// far less code.
func jenkinsOneAtATime(key uintptr) uint64 {
	var h uint64
	k := uint64(key)
	for i := 0; i < 8; i++ {
		h += (k >> (uint(i) * 8)) & 0xff
		h += h << 10
		h ^= h >> 6
	}
	h += h << 3
	h ^= h >> 11
	h += h << 15
	return h
}

func modPow2(x, y uint64) uint64 { return x & (y - 1) }

func (t *Table[V]) bindex(key uintptr) uint64 {
	jh := jenkinsOneAtATime(key)
	l := modPow2(jh, t.maxp)
	if l < t.p {
		l = modPow2(jh, t.maxp<<1)
	}
	return l
}

func (t *Table[V]) headRef(bindex uint64) (*[]descpool.Ref, int) {
	seg := bindex / t.segLen
	off := bindex % t.segLen
	for uint64(len(t.dir)) <= seg {
		t.dir = append(t.dir, make([]descpool.Ref, t.segLen))
	}
	return &t.dir[seg], int(off)
}

func (t *Table[V]) load() int64 {
	if t.bincount == 0 {
		return 0
	}
	return int64(t.count / t.bincount)
}

// Lookup returns the value for key and true if present (and not a
// tombstone). It takes only a read lock: in the heap engine this is the
// lock-free-relative-to-the-arena-mutex path free() uses to discover a
// chunk's owning arena before acquiring any arena lock.
func (t *Table[V]) Lookup(key uintptr) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero V
	bi := t.bindex(key)
	segp, off := t.headRefRO(bi)
	ref := (*segp)[off]
	for !ref.IsZero() {
		b := t.pool.Get(ref)
		if b.key == key {
			if b.tomb {
				return zero, false
			}
			return b.value, true
		}
		ref = b.next
	}
	return zero, false
}

// Probe is like Lookup but also reports tombstones, letting a caller
// distinguish "never inserted" from "inserted, then deleted" for keys
// that must never be silently treated as absent (e.g. double-free
// detection).
func (t *Table[V]) Probe(key uintptr) (value V, tomb bool, found bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bi := t.bindex(key)
	segp, off := t.headRefRO(bi)
	ref := (*segp)[off]
	for !ref.IsZero() {
		b := t.pool.Get(ref)
		if b.key == key {
			return b.value, b.tomb, true
		}
		ref = b.next
	}
	var zero V
	return zero, false, false
}

// headRefRO is the read-only counterpart of headRef: it must never grow
// the directory (Lookup only takes an RLock), so an out-of-range bindex
// simply reports "no such bucket yet", i.e. an empty chain.
func (t *Table[V]) headRefRO(bindex uint64) (*[]descpool.Ref, int) {
	seg := bindex / t.segLen
	off := bindex % t.segLen
	if seg >= uint64(len(t.dir)) {
		empty := []descpool.Ref{}
		return &empty, 0
	}
	return &t.dir[seg], int(off)
}

// Insert adds a fresh key. It fails with ErrDuplicateKey if key is already
// present and live; a tombstone at the same key (a freshly-unmapped
// address being re-registered) is overwritten in place and the key
// becomes live again.
func (t *Table[V]) Insert(key uintptr, value V) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bi := t.bindex(key)
	segp, off := t.headRef(bi)
	for ref := (*segp)[off]; !ref.IsZero(); {
		b := t.pool.Get(ref)
		if b.key == key && !b.tomb {
			return ErrDuplicateKey
		}
		if b.key == key && b.tomb {
			b.value = value
			b.tomb = false
			t.count++
			t.expandCheck()
			return nil
		}
		ref = b.next
	}

	rec, ref, err := t.pool.Alloc()
	if err != nil {
		return ErrOutOfMemory
	}
	rec.key = key
	rec.value = value
	rec.next = (*segp)[off]
	(*segp)[off] = ref
	t.count++
	t.expandCheck()
	return nil
}

// Update atomically replaces the value for an existing key, or tombstones
// it (tomb=true, storing the value passed in; the heap passes the zero
// value) so that a later Insert at
// the same key — e.g. the kernel handing back a just-unmapped address —
// correctly overwrites the tombstone rather than colliding with it.
func (t *Table[V]) Update(key uintptr, value V, tombstone bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	bi := t.bindex(key)
	segp, off := t.headRef(bi)
	for ref := (*segp)[off]; !ref.IsZero(); {
		b := t.pool.Get(ref)
		if b.key == key {
			if b.tomb != tombstone {
				if tombstone {
					t.count--
				} else {
					t.count++
				}
			}
			b.value = value
			b.tomb = tombstone
			return true
		}
		ref = b.next
	}
	return false
}

// Delete removes key and reports whether it was present. Triggers a
// contraction check.
func (t *Table[V]) Delete(key uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	bi := t.bindex(key)
	segp, off := t.headRef(bi)
	var prev descpool.Ref
	ref := (*segp)[off]
	for !ref.IsZero() {
		b := t.pool.Get(ref)
		if b.key == key {
			if prev.IsZero() {
				(*segp)[off] = b.next
			} else {
				t.pool.Get(prev).next = b.next
			}
			t.pool.Free(ref)
			if !b.tomb {
				t.count--
			}
			t.contractCheck()
			return true
		}
		prev = ref
		ref = b.next
	}
	return false
}

// Each walks every live, non-tombstoned (key, value) pair. Used by the
// consistency audit; f must not mutate the table.
func (t *Table[V]) Each(f func(key uintptr, value V)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, seg := range t.dir {
		for _, head := range seg {
			ref := head
			for !ref.IsZero() {
				b := t.pool.Get(ref)
				if !b.tomb {
					f(b.key, b.value)
				}
				ref = b.next
			}
		}
	}
}

// Len reports the number of live (non-tombstoned) entries.
func (t *Table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.count)
}

// expandTable splits bucket p against the next modulus, preserving the
// relative order of records within both the old and the new chain.
func (t *Table[V]) expandCheck() {
	if t.load() <= t.maxLoad {
		return
	}
	t.expandTable()
}

func (t *Table[V]) expandTable() {
	newBindex := t.maxp + t.p
	newSegp, newOff := t.headRef(newBindex)
	oldSegp, oldOff := t.headRef(t.p)

	var oldHead, oldTail, newHead, newTail descpool.Ref
	ref := (*oldSegp)[oldOff]
	for !ref.IsZero() {
		b := t.pool.Get(ref)
		next := b.next
		b.next = descpool.Ref{}
		if modPow2(jenkinsOneAtATime(b.key), t.maxp<<1) == newBindex {
			if newTail.IsZero() {
				newHead = ref
			} else {
				t.pool.Get(newTail).next = ref
			}
			newTail = ref
		} else {
			if oldTail.IsZero() {
				oldHead = ref
			} else {
				t.pool.Get(oldTail).next = ref
			}
			oldTail = ref
		}
		ref = next
	}
	(*oldSegp)[oldOff] = oldHead
	(*newSegp)[newOff] = newHead

	t.p++
	if t.p == t.maxp {
		t.maxp <<= 1
		t.p = 0
		t.l++
	}
	t.bincount++
}

// contractTable is symmetric to expansion: it splices the top bucket's
// records back into the bucket that produced it.
func (t *Table[V]) contractCheck() {
	if t.l == 0 || t.load() >= t.minLoad {
		return
	}
	t.contractTable()
}

func (t *Table[V]) contractTable() {
	var srcIndex, tgtIndex uint64
	if t.p == 0 {
		tgtIndex = (t.maxp >> 1) - 1
		srcIndex = t.maxp - 1
	} else {
		tgtIndex = t.p - 1
		srcIndex = t.maxp + t.p - 1
	}

	srcSegp, srcOff := t.headRef(srcIndex)
	tgtSegp, tgtOff := t.headRef(tgtIndex)

	srcHead := (*srcSegp)[srcOff]
	if srcHead.IsZero() {
		// nothing to move, still update the counters below
	} else if (*tgtSegp)[tgtOff].IsZero() {
		(*tgtSegp)[tgtOff] = srcHead
	} else {
		tail := (*tgtSegp)[tgtOff]
		for !t.pool.Get(tail).next.IsZero() {
			tail = t.pool.Get(tail).next
		}
		t.pool.Get(tail).next = srcHead
	}
	(*srcSegp)[srcOff] = descpool.Ref{}

	if t.p == 0 {
		t.maxp >>= 1
		t.p = t.maxp - 1
		t.l--
	} else {
		t.p--
	}
	t.bincount--
}
