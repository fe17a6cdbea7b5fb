package malloc

// Calloc returns a pointer to c*s usable bytes, all zeroed, matching
// calloc's overflow contract: a c*s product that would wrap returns
// ErrInvalidArgument rather than silently allocating less than asked.
func (h *Heap) Calloc(c, s uintptr) (uintptr, error) {
	if c != 0 && s > (^uintptr(0))/c {
		return 0, ErrInvalidArgument
	}
	n := c * s
	ptr, err := h.Malloc(n)
	if err != nil {
		return 0, err
	}
	buf := bytesAt(ptr, n)
	for i := range buf {
		buf[i] = 0
	}
	h.emit('c', ptr, n)
	return ptr, nil
}

// MallocUsableSize reports the number of bytes actually usable at ptr,
// which is always at least as large as the size originally requested: the
// allocator may have rounded up to a bin size or consumed a remainder
// that wasn't worth splitting off.
func (h *Heap) MallocUsableSize(ptr uintptr) uintptr {
	if ptr == 0 {
		return 0
	}
	_, d, a, ok := h.descFor(ptr)
	if !ok {
		return 0
	}
	if a != nil {
		a.mu.Unlock()
	}
	return d.size() - headerOverhead
}

// MallocTrim walks every arena and releases address space back to the
// operating system wherever top (or, for non-primary arenas, a fully-free
// trailing heap segment) holds more than pad bytes of slack. It reports
// whether anything was actually released.
func (h *Heap) MallocTrim(pad uintptr) bool {
	arenas := h.am.snapshot()
	released := false
	for _, a := range arenas {
		a.mu.Lock()
		if h.systrim(a, pad) {
			released = true
		}
		for h.heapTrim(a) {
			released = true
		}
		a.mu.Unlock()
	}
	return released
}

// Package-level convenience wrappers operating on the default Heap.

func Malloc(n uintptr) (uintptr, error)       { return theHeap().Malloc(n) }
func Free(ptr uintptr) error                  { return theHeap().Free(ptr) }
func Realloc(ptr, n uintptr) (uintptr, error) { return theHeap().Realloc(ptr, n) }

func Calloc(c, s uintptr) (uintptr, error) { return theHeap().Calloc(c, s) }
func MallocUsableSize(ptr uintptr) uintptr { return theHeap().MallocUsableSize(ptr) }
func MallocTrim(pad uintptr) bool          { return theHeap().MallocTrim(pad) }
