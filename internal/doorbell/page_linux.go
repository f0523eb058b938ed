//go:build linux

package doorbell

import "golang.org/x/sys/unix"

// mapPage allocates the doorbell backing as an anonymous shared mapping so
// it behaves like the real hypervisor-shared page.
func mapPage() ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
