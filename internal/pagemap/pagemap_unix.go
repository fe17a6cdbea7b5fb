//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

// Package pagemap: unix mapping backend.
//
// Built on golang.org/x/sys/unix rather than the raw syscall package for
// mmap/mprotect/madvise.
package pagemap

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapAnon maps a fresh, zeroed, anonymous read/write region.
func MapAnon(size int) (Region, error) {
	if size <= 0 {
		return Region{}, ErrRefused
	}
	size = roundUpPage(size)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		if err == unix.ENOMEM {
			return Region{}, ErrOutOfAddressSpace
		}
		return Region{}, ErrRefused
	}
	return Region{Addr: uintptr(unsafe.Pointer(&b[0])), Len: size}, nil
}

// Unmap releases a previously mapped region.
func Unmap(r Region) error {
	if r.Len == 0 {
		return nil
	}
	b := unsafeBytes(r.Addr, r.Len)
	if err := unix.Munmap(b); err != nil {
		return ErrRefused
	}
	return nil
}

// breakReservation is the size of the address-space slab reserved up front
// to emulate a monotonically-growing program break. Go programs cannot
// safely call the libc sbrk underneath the runtime's own page allocator,
// so the break is a committed prefix of a PROT_NONE reservation instead.
const breakReservation = 1 << 34 // 16 GiB of address space, nothing committed

type breaker struct {
	mu        sync.Mutex
	base      uintptr
	reserved  int
	committed int
	failed    bool
}

var theBreak breaker
var breakInit sync.Once

func ensureBreak() error {
	var initErr error
	breakInit.Do(func() {
		b, err := unix.Mmap(-1, 0, breakReservation, unix.PROT_NONE, unix.MAP_SHARED|unix.MAP_ANON|unix.MAP_NORESERVE)
		if err != nil {
			initErr = ErrOutOfAddressSpace
			theBreak.failed = true
			return
		}
		theBreak.base = uintptr(unsafe.Pointer(&b[0]))
		theBreak.reserved = breakReservation
	})
	if theBreak.failed {
		return ErrOutOfAddressSpace
	}
	return initErr
}

// ExtendBreak grows (delta > 0) or shrinks (delta < 0) the synthetic
// program break by delta bytes, rounded to whole pages, and returns the
// address of the new break. delta == 0 probes the current break position
// without mutating it, detecting "foreign" break movement is therefore
// not possible in this Go port (no other code shares the reservation), but
// the probe still lets callers re-read the watermark after a concurrent
// ExtendBreak.
func ExtendBreak(delta int) (uintptr, error) {
	if err := ensureBreak(); err != nil {
		return 0, err
	}

	theBreak.mu.Lock()
	defer theBreak.mu.Unlock()

	if delta == 0 {
		return theBreak.base + uintptr(theBreak.committed), nil
	}

	newCommitted := theBreak.committed + delta
	if newCommitted < 0 {
		return 0, ErrRefused
	}
	rounded := roundUpPage(newCommitted)
	if rounded > theBreak.reserved {
		return 0, ErrOutOfAddressSpace
	}

	if delta > 0 {
		lo := roundUpPage(theBreak.committed)
		hi := rounded
		if hi > lo {
			region := unsafeBytes(theBreak.base+uintptr(lo), hi-lo)
			if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
				return 0, ErrRefused
			}
		}
	} else {
		lo := rounded
		hi := roundUpPage(theBreak.committed)
		if hi > lo {
			region := unsafeBytes(theBreak.base+uintptr(lo), hi-lo)
			unix.Mprotect(region, unix.PROT_NONE)
			unix.Madvise(region, unix.MADV_DONTNEED)
		}
	}

	theBreak.committed = newCommitted
	return theBreak.base + uintptr(theBreak.committed), nil
}
