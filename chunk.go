package malloc

import "github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/descpool"

// Low three bits of a descriptor's size field. A heap overflow on user
// data can only ever scribble over more user data, never this record.
const (
	flagPrevInUse    = uintptr(1) << 0
	flagIsMmapped    = uintptr(1) << 1
	flagNonMainArena = uintptr(1) << 2
	flagMask         = flagPrevInUse | flagIsMmapped | flagNonMainArena
)

const (
	alignment     = 16
	minChunkSize  = 32
	headerOverhead = 16
)

// descriptor is the out-of-line chunk metadata record. Every link field is
// a descpool.Ref rather than a Go pointer, so the pool's bitmap-indexed
// slab is the sole owner of storage and the audit walk in audit.go can
// never dereference a dangling descriptor.
type descriptor struct {
	userPtr  uintptr
	szFlags  uintptr // low 3 bits: flags; remaining bits: chunk size
	prevSize uintptr

	binFd, binBk   descpool.Ref // regular-bin doubly-linked list
	sizeFd, sizeBk descpool.Ref // large-bin size-ordered skip list
	fastNext       descpool.Ref // fastbin singly-linked list
	mdPrev, mdNext descpool.Ref // physical-neighbour order

	arenaTag uint32 // 0 = mmapped, 1 = primary arena, N+1 = non-primary arena N

	self descpool.Ref // this descriptor's own reference, for O(1) self-identification

	// inUse distinguishes an allocated chunk from one currently sitting
	// in a bin. Top and free-bin chunks are always false; fenceposts are
	// always true.
	inUse bool

	// inFastbin is true only while this chunk sits in one of the
	// lock-free fastbin stacks; such a chunk is never a coalesce
	// candidate until mallocConsolidate drains it into a regular bin.
	inFastbin bool

	// binIdx is the regular-bin slot (unsortedBin..lastLarge) this
	// descriptor currently occupies, or 0 if it is not linked into any
	// regular bin (allocated, top, fencepost, or in a fastbin).
	binIdx int

	// Hardening-mode fields: only meaningful when the owning Heap has
	// Hardening enabled.
	reqBytes uintptr
	guard    uint64
}

func (d *descriptor) size() uintptr           { return d.szFlags &^ flagMask }
func (d *descriptor) setSize(n uintptr)       { d.szFlags = (n &^ flagMask) | (d.szFlags & flagMask) }
func (d *descriptor) prevInUse() bool         { return d.szFlags&flagPrevInUse != 0 }
func (d *descriptor) isMmapped() bool         { return d.szFlags&flagIsMmapped != 0 }
func (d *descriptor) nonMainArena() bool      { return d.szFlags&flagNonMainArena != 0 }

func (d *descriptor) setPrevInUse(v bool)    { d.setFlag(flagPrevInUse, v) }
func (d *descriptor) setIsMmapped(v bool)    { d.setFlag(flagIsMmapped, v) }
func (d *descriptor) setNonMainArena(v bool) { d.setFlag(flagNonMainArena, v) }

func (d *descriptor) setFlag(bit uintptr, v bool) {
	if v {
		d.szFlags |= bit
	} else {
		d.szFlags &^= bit
	}
}

// roundUp rounds n up to the next multiple of m, m a power of two.
func roundUp(n, m uintptr) uintptr { return (n + m - 1) &^ (m - 1) }

// requestToChunkSize converts a requested payload size into the chunk size
// that must be carved out of a bin or the top chunk:
// nb = align_up(request_bytes + HEADER_OVERHEAD, ALIGNMENT).
func requestToChunkSize(request uintptr) uintptr {
	nb := roundUp(request+headerOverhead, alignment)
	if nb < minChunkSize {
		nb = minChunkSize
	}
	return nb
}
