package malloc

import (
	"math"
	"sync"
	"testing"

	"github.com/cznic/mathutil"
)

// quota bounds the fuzz tests' total outstanding bytes; kept well below the
// 128 MiB a process-local slab allocator might use, since every allocation
// here round-trips through a real mmap.
const quota = 4 << 20

var fuzzMax = 4096

// fuzzAllocateVerifyShuffleFree drives an allocate/verify/shuffle/free fuzz
// loop against uintptr-returning Heap.Malloc/Free: allocate random-sized
// chunks until quota bytes are outstanding, fill each with its own
// deterministic byte stream, verify every byte against the same PRNG
// sequence replayed from its starting position, optionally shuffle the
// free order, then free everything and audit.
func fuzzAllocateVerifyShuffleFree(t *testing.T, shuffle bool) {
	h := NewHeap()
	rem := quota
	type span struct {
		ptr  uintptr
		size int
	}
	var spans []span

	rng, err := mathutil.NewFC32(0, math.MaxInt32, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(42)
	pos := rng.Pos()

	for rem > 0 {
		size := int(rng.Next())%fuzzMax + 1
		rem -= size
		ptr, err := h.Malloc(uintptr(size))
		if err != nil {
			t.Fatal(err)
		}
		buf := bytesAt(ptr, uintptr(size))
		for i := range buf {
			buf[i] = byte(rng.Next())
		}
		spans = append(spans, span{ptr, size})
	}

	rng.Seek(pos)
	for i, sp := range spans {
		if g, e := sp.size, int(rng.Next())%fuzzMax+1; g != e {
			t.Fatalf("span %d: size %d, want %d", i, g, e)
		}
		buf := bytesAt(sp.ptr, uintptr(sp.size))
		for j, g := range buf {
			if e := byte(rng.Next()); g != e {
				t.Fatalf("span %d byte %d: got %#02x want %#02x", i, j, g, e)
			}
		}
	}

	if shuffle {
		for i := range spans {
			j := int(rng.Next()) % len(spans)
			spans[i], spans[j] = spans[j], spans[i]
		}
	}

	for _, sp := range spans {
		if err := h.Free(sp.ptr); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.Audit(); err != nil {
		t.Fatal(err)
	}
}

func TestFuzzAllocateVerifyFree(t *testing.T)        { fuzzAllocateVerifyShuffleFree(t, false) }
func TestFuzzAllocateVerifyShuffleFree(t *testing.T) { fuzzAllocateVerifyShuffleFree(t, true) }

func TestMallocZero(t *testing.T) {
	h := NewHeap()
	ptr, err := h.Malloc(0)
	if err != nil {
		t.Fatal(err)
	}
	if ptr == 0 {
		t.Fatal("malloc(0) returned nil")
	}
	if ptr%alignment != 0 {
		t.Fatalf("malloc(0) pointer %#x not %d-aligned", ptr, alignment)
	}
	if err := h.Free(ptr); err != nil {
		t.Fatal(err)
	}
}

func TestDoubleFree(t *testing.T) {
	h := NewHeap()
	ptr, err := h.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(ptr); err == nil {
		t.Fatal("second Free succeeded, want an error")
	}
}

func TestCallocZeroed(t *testing.T) {
	h := NewHeap()
	ptr, err := h.Calloc(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	buf := bytesAt(ptr, 16*8)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#02x", i, b)
		}
	}
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := h.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if err := h.Audit(); err != nil {
		t.Fatal(err)
	}
}

func TestCallocOverflow(t *testing.T) {
	h := NewHeap()
	if _, err := h.Calloc(^uintptr(0), 2); err == nil {
		t.Fatal("Calloc did not reject an overflowing c*s")
	}
}

// TestSmallBinLIFOReuse checks that freeing and immediately re-requesting
// the same small size returns the same pointer, since the
// chunk lands on top of its fastbin stack and nothing else touches that
// bin in between.
func TestSmallBinLIFOReuse(t *testing.T) {
	h := NewHeap()
	p1, err := h.Malloc(24)
	if err != nil {
		t.Fatal(err)
	}
	// guard keeps p1 from sitting right below top: a fast-sized chunk
	// adjacent to top is folded into top on Free instead of going onto a
	// fastbin.
	guard, err := h.Malloc(24)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Free(p1); err != nil {
		t.Fatal(err)
	}
	p2, err := h.Malloc(24)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatalf("p1 %#x != p2 %#x, want LIFO reuse", p1, p2)
	}
	if h.MallocUsableSize(p2) < 24 {
		t.Fatalf("usable size %d < 24", h.MallocUsableSize(p2))
	}
	h.Free(p2)
	h.Free(guard)
}

// TestForwardCoalesce checks that three adjacent chunks freed
// out of allocation order coalesce into one chunk whose size is at least
// three chunk-sizes, and the audit confirms no free-free adjacency survives
// anywhere else in the arena.
func TestForwardCoalesce(t *testing.T) {
	h := NewHeap()
	a, err := h.Malloc(200)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.Malloc(200)
	if err != nil {
		t.Fatal(err)
	}
	c, err := h.Malloc(200)
	if err != nil {
		t.Fatal(err)
	}
	// guard keeps the coalesced a+b+c run from being absorbed straight
	// into top, which would otherwise leave no free chunk behind to find
	// in a regular bin.
	guard, err := h.Malloc(200)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Free(a); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(c); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(b); err != nil {
		t.Fatal(err)
	}

	nb := requestToChunkSize(200)
	arenas := h.am.snapshot()
	arenas[0].mu.Lock()
	var maxFree uintptr
	for idx := unsortedBin; idx <= lastLarge; idx++ {
		head := arenas[0].bins[idx]
		if head.IsZero() {
			continue
		}
		ref := head
		for {
			d := h.pool.Get(ref)
			if d.size() > maxFree {
				maxFree = d.size()
			}
			ref = d.binFd
			if ref.IsZero() || ref == head {
				break
			}
		}
	}
	arenas[0].mu.Unlock()

	if maxFree < 3*nb {
		t.Fatalf("largest free chunk %d bytes, want >= %d (3x chunksize(200))", maxFree, 3*nb)
	}
	h.Free(guard)
	if err := h.Audit(); err != nil {
		t.Fatal(err)
	}
}

// TestMallocTrimReleasesTop checks that a single oversized allocation
// followed by a free leaves its pages in top, and that an explicit
// MallocTrim(0) then reports that it released memory.
func TestMallocTrimReleasesTop(t *testing.T) {
	h := NewHeap()
	h.Mallopt(MMmapThreshold, 1<<20) // keep this request on the arena/top path
	// A high trim threshold stops Free's own automatic systrim call from
	// firing, so the slack this test checks for is still there when
	// MallocTrim is called explicitly below.
	h.Mallopt(MTrimThreshold, 10<<20)

	ptr, err := h.Malloc(200000)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Free(ptr); err != nil {
		t.Fatal(err)
	}

	if !h.MallocTrim(0) {
		t.Fatal("MallocTrim reported no bytes released")
	}
}

// TestMmapPath checks that requests at or above the mmap
// threshold bypass the arena entirely; freeing one removes its directory
// entry without touching any regular bin.
func TestMmapPath(t *testing.T) {
	h := NewHeap()
	const big = 262144 // > defaultMmapThreshold

	p, err := h.Malloc(big)
	if err != nil {
		t.Fatal(err)
	}
	ref, ok := h.dir.Lookup(p)
	if !ok {
		t.Fatal("mmap chunk not registered in directory")
	}
	d := h.pool.Get(ref)
	if d == nil || !d.isMmapped() {
		t.Fatal("large allocation did not take the mmap path")
	}

	q, err := h.Malloc(big)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Free(p); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.dir.Lookup(p); ok {
		t.Fatal("freed mmap chunk still present in directory")
	}

	h.Free(q)
}

func TestPosixMemalign(t *testing.T) {
	h := NewHeap()
	ptr, err := h.PosixMemalign(4096, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if ptr%4096 != 0 {
		t.Fatalf("pointer %#x not 4096-aligned", ptr)
	}
	if h.MallocUsableSize(ptr) < 1000 {
		t.Fatalf("usable size %d < 1000", h.MallocUsableSize(ptr))
	}
	if err := h.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if err := h.Audit(); err != nil {
		t.Fatal(err)
	}
}

func TestReallocNoopWhenAlreadyBigEnough(t *testing.T) {
	h := NewHeap()
	ptr, err := h.Malloc(200)
	if err != nil {
		t.Fatal(err)
	}
	usable := h.MallocUsableSize(ptr)
	ptr2, err := h.Realloc(ptr, usable)
	if err != nil {
		t.Fatal(err)
	}
	if ptr != ptr2 {
		t.Fatalf("realloc to the same usable size moved the block: %#x -> %#x", ptr, ptr2)
	}
	h.Free(ptr2)
}

func TestReallocZeroFrees(t *testing.T) {
	h := NewHeap()
	ptr, err := h.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}
	ret, err := h.Realloc(ptr, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 0 {
		t.Fatalf("realloc(p, 0) returned %#x, want 0", ret)
	}
	if err := h.Free(ptr); err == nil {
		t.Fatal("pointer freed by realloc(p, 0) should already be invalid")
	}
}

func TestReallocGrowPreservesContent(t *testing.T) {
	h := NewHeap()
	ptr, err := h.Malloc(32)
	if err != nil {
		t.Fatal(err)
	}
	buf := bytesAt(ptr, 32)
	for i := range buf {
		buf[i] = byte(i)
	}

	grown, err := h.Realloc(ptr, 4096)
	if err != nil {
		t.Fatal(err)
	}
	got := bytesAt(grown, 32)
	for i, b := range got {
		if b != byte(i) {
			t.Fatalf("byte %d corrupted across realloc: got %#02x want %#02x", i, b, byte(i))
		}
	}
	h.Free(grown)
	if err := h.Audit(); err != nil {
		t.Fatal(err)
	}
}

// TestConcurrentMallocFree exercises the cross-arena free path: two
// threads pinned to distinct arenas exchange pointers before freeing.
// Go offers no portable way to pin a goroutine to a specific OS thread or
// arena, so this instead drives enough concurrent goroutines against one
// Heap's shared arena manager that TryLock-based affinity will route them
// across more than one arena, then has every goroutine free a pointer
// originally allocated by a different one.
func TestConcurrentMallocFree(t *testing.T) {
	h := NewHeap()
	const perGoroutine = 200
	const workers = 8

	ptrs := make(chan uintptr, workers*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				ptr, err := h.Malloc(300)
				if err != nil {
					t.Error(err)
					return
				}
				ptrs <- ptr
			}
		}()
	}
	wg.Wait()
	close(ptrs)

	var all []uintptr
	for p := range ptrs {
		all = append(all, p)
	}

	var fwg sync.WaitGroup
	chunks := make(chan uintptr, len(all))
	for _, p := range all {
		chunks <- p
	}
	close(chunks)
	for g := 0; g < workers; g++ {
		fwg.Add(1)
		go func() {
			defer fwg.Done()
			for p := range chunks {
				if err := h.Free(p); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	fwg.Wait()

	if err := h.Audit(); err != nil {
		t.Fatal(err)
	}
}

// TestClose checks that Close unmaps everything it is responsible for: a
// directly-mmapped chunk and any non-primary arenas' heap segments,
// without touching the primary arena's shared program break.
func TestClose(t *testing.T) {
	h := NewHeap()
	const big = 262144 // > defaultMmapThreshold

	if _, err := h.Malloc(big); err != nil {
		t.Fatal(err)
	}

	// Contend across goroutines so acquireArena's round-robin probe and
	// TryLock fallback actually grow non-primary arenas, the same way
	// TestConcurrentMallocFree does.
	const workers = 8
	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := h.Malloc(300); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	for _, a := range h.am.snapshot() {
		if a.id == 0 {
			continue
		}
		if len(a.heapSegs) != 0 {
			t.Fatalf("arena %d still holds heap segments after Close", a.id)
		}
		if !a.corrupt {
			t.Fatalf("arena %d not marked unusable after Close", a.id)
		}
	}
}
