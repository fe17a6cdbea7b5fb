package descpool

import "unsafe"

func unsafeSizeof[T any](zero T) uintptr {
	return unsafe.Sizeof(zero)
}

func ptrAt(data []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&data[off])
}

func bytesAsUint64(b []byte, n int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), n)
}
