// Package descpool implements the descriptor pool: a slab of fixed-size
// records served from bitmap-indexed blocks. It never calls back into the
// heap it serves — it only ever asks the page mapper for more address
// space.
//
// Records are referenced by Ref, a (block, slot) pair rather than a raw Go
// pointer: every link in the chunk model is an index into this pool,
// which also makes the consistency audit walk trivially memory-safe.
package descpool

import (
	"errors"
	"math/bits"

	"github.com/SRI-CSL/sri-glibc-malloc-sub000/internal/pagemap"
)

// ErrOutOfMemory is returned when the page mapper refuses to grow the pool.
var ErrOutOfMemory = errors.New("descpool: out of memory")

// slotsPerBlock is the number of records per mapped block. 4096 gives a
// 64-word occupancy bitmap for one page-ish sized mapping per record size.
const slotsPerBlock = 4096

// Ref addresses one live record in a Pool. block is the 1-based block
// index (0 means "no record"), so the zero Ref is always the canonical
// "no reference" value — no separate validity bit needed, which also lets
// a Ref be packed losslessly into a uint64 for lock-free fastbin CAS (see
// Pack/Unpack).
type Ref struct {
	block uint32
	slot  uint32
}

// IsZero reports whether r is the zero Ref, used as a "no reference" value.
func (r Ref) IsZero() bool { return r.block == 0 }

// Pack encodes r as a uint64 suitable for atomic.Uint64, e.g. a fastbin's
// lock-free LIFO head.
func (r Ref) Pack() uint64 { return uint64(r.block)<<32 | uint64(r.slot) }

// Unpack decodes a uint64 produced by Pack back into a Ref.
func Unpack(v uint64) Ref { return Ref{block: uint32(v >> 32), slot: uint32(v)} }

type block struct {
	region  pagemap.Region
	data    []byte
	occ     []uint64 // occupancy bitmap, 1 = free slot, 0 = in use
	free    int
}

// Pool is a slab allocator for fixed-size records of type T.
type Pool[T any] struct {
	recSize int
	blocks  []*block
}

// New creates a pool for records of type T.
func New[T any]() *Pool[T] {
	var zero T
	return &Pool[T]{recSize: sizeOf(zero)}
}

func sizeOf[T any](zero T) int {
	return int(unsafeSizeof(zero))
}

// Alloc returns a fresh zeroed record and its Ref. It maps a new block on
// demand; Alloc and Replenish are the only paths through which descpool
// talks to the OS.
func (p *Pool[T]) Alloc() (*T, Ref, error) {
	for i, b := range p.blocks {
		if b.free > 0 {
			slot := b.claimFree()
			rec := p.record(i, slot)
			*rec = *new(T)
			return rec, Ref{block: uint32(i) + 1, slot: uint32(slot)}, nil
		}
	}

	b, err := p.newBlock()
	if err != nil {
		return nil, Ref{}, err
	}
	idx := len(p.blocks)
	p.blocks = append(p.blocks, b)
	slot := b.claimFree()
	rec := p.record(idx, slot)
	*rec = *new(T)
	return rec, Ref{block: uint32(idx) + 1, slot: uint32(slot)}, nil
}

// Replenish ensures at least n free slots exist without allocating any of
// them, so a subsequent bounded sequence of Alloc calls cannot fail.
func (p *Pool[T]) Replenish(n int) error {
	have := 0
	for _, b := range p.blocks {
		have += b.free
	}
	for have < n {
		b, err := p.newBlock()
		if err != nil {
			return err
		}
		p.blocks = append(p.blocks, b)
		have += b.free
	}
	return nil
}

// Free releases the record referenced by ref.
func (p *Pool[T]) Free(ref Ref) {
	if ref.IsZero() {
		return
	}
	b := p.blocks[ref.block-1]
	b.release(int(ref.slot))
}

// Get dereferences ref.
func (p *Pool[T]) Get(ref Ref) *T {
	if ref.IsZero() {
		return nil
	}
	return p.record(int(ref.block-1), int(ref.slot))
}

func (p *Pool[T]) record(blockIdx, slot int) *T {
	b := p.blocks[blockIdx]
	off := slot * p.recSize
	return (*T)(ptrAt(b.data, off))
}

func (p *Pool[T]) newBlock() (*block, error) {
	size := slotsPerBlock*p.recSize + wordsFor(slotsPerBlock)*8
	r, err := pagemap.MapAnon(size)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	data := r.Bytes()
	occWords := wordsFor(slotsPerBlock)
	occBytes := data[slotsPerBlock*p.recSize:]
	occ := bytesAsUint64(occBytes, occWords)
	for i := range occ {
		occ[i] = ^uint64(0)
	}
	if slotsPerBlock%64 != 0 {
		// shouldn't happen for 4096, kept defensive for other slotsPerBlock values
		last := slotsPerBlock % 64
		occ[occWords-1] = (uint64(1) << uint(last)) - 1
	}
	return &block{region: r, data: data, occ: occ, free: slotsPerBlock}, nil
}

func wordsFor(slots int) int { return (slots + 63) / 64 }

func (b *block) claimFree() int {
	for w, word := range b.occ {
		if word == 0 {
			continue
		}
		bit := bits.TrailingZeros64(word)
		b.occ[w] &^= 1 << uint(bit)
		b.free--
		return w*64 + bit
	}
	panic("descpool: claimFree called on full block")
}

func (b *block) release(slot int) {
	w, bit := slot/64, slot%64
	b.occ[w] |= 1 << uint(bit)
	b.free++
}
