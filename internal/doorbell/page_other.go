//go:build !linux

package doorbell

import "unsafe"

// mapPage falls back to heap memory on platforms without mmap. Allocating
// words keeps the page 4-byte aligned for the atomic views.
func mapPage() ([]byte, func() error, error) {
	words := make([]uint32, PageSize/4)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), PageSize)
	return mem, func() error { return nil }, nil
}
