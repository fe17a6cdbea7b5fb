// Package pagemap: Windows mapping backend, built on the
// CreateFileMapping + MapViewOfFile two-step mapping idiom.
package pagemap

import (
	"errors"
	"os"
	"sync"
	"syscall"
)

var handleMap = struct {
	sync.Mutex
	m map[uintptr]syscall.Handle
}{m: map[uintptr]syscall.Handle{}}

// MapAnon maps a fresh, zeroed, anonymous read/write region.
func MapAnon(size int) (Region, error) {
	if size <= 0 {
		return Region{}, ErrRefused
	}
	size = roundUpPage(size)

	flProtect := uint32(syscall.PAGE_READWRITE)
	dwDesiredAccess := uint32(syscall.FILE_MAP_WRITE)
	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, errno := syscall.CreateFileMapping(syscall.InvalidHandle, nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return Region{}, ErrRefused
	}

	addr, errno := syscall.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if addr == 0 {
		syscall.CloseHandle(h)
		return Region{}, ErrRefused
	}
	_ = errno

	handleMap.Lock()
	handleMap.m[addr] = h
	handleMap.Unlock()

	return Region{Addr: addr, Len: size}, nil
}

// Unmap releases a previously mapped region.
func Unmap(r Region) error {
	if r.Len == 0 {
		return nil
	}
	if err := syscall.UnmapViewOfFile(r.Addr); err != nil {
		return ErrRefused
	}

	handleMap.Lock()
	h, ok := handleMap.m[r.Addr]
	delete(handleMap.m, r.Addr)
	handleMap.Unlock()
	if !ok {
		return errors.New("pagemap: unknown base address")
	}

	return os.NewSyscallError("CloseHandle", syscall.CloseHandle(h))
}

const breakReservation = 1 << 32 // smaller reservation; Windows VirtualAlloc is coarser

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
	breakInit.Do(func() {
		addr, _, _ := syscall.NewLazyDLL("kernel32.dll").NewProc("VirtualAlloc").Call(
			0, uintptr(breakReservation), 0x2000 /* MEM_RESERVE */, syscall.PAGE_NOACCESS)
		if addr == 0 {
			theBreak.failed = true
			return
		}
		theBreak.base = addr
		theBreak.reserved = breakReservation
	})
	if theBreak.failed {
		return ErrOutOfAddressSpace
	}
	return nil
}

// ExtendBreak grows or shrinks the synthetic program break by delta bytes.
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
			virtualAlloc := syscall.NewLazyDLL("kernel32.dll").NewProc("VirtualAlloc")
			addr, _, _ := virtualAlloc.Call(theBreak.base+uintptr(lo), uintptr(hi-lo), 0x1000 /* MEM_COMMIT */, syscall.PAGE_READWRITE)
			if addr == 0 {
				return 0, ErrRefused
			}
		}
	}

	theBreak.committed = newCommitted
	return theBreak.base + uintptr(theBreak.committed), nil
}
