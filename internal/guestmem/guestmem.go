// Package guestmem provides checked, typed access to fixed-layout memory
// regions shared with a guest. The backing mapping can be revoked while the
// guest still holds references, so every access returns an error instead of
// assuming the bytes are there.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnmapped = errors.New("guestmem: region is not mapped")
	ErrBounds   = errors.New("guestmem: access out of bounds")
)

// Region is a window over guest-shared bytes. Remap and Revoke may be called
// at any time; accesses that lose the race fail with ErrUnmapped.
type Region struct {
	mu  sync.Mutex
	buf []byte
}

func NewRegion(buf []byte) *Region {
	return &Region{buf: buf}
}

// Revoke detaches the backing bytes. Subsequent accesses fail until Remap.
func (r *Region) Revoke() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}

func (r *Region) Remap(buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = buf
}

func (r *Region) view(off, size int) ([]byte, error) {
	if r.buf == nil {
		return nil, ErrUnmapped
	}
	if off < 0 || size < 0 || off+size > len(r.buf) {
		return nil, fmt.Errorf("%w: [%#x, %#x) in %#x bytes", ErrBounds, off, off+size, len(r.buf))
	}
	return r.buf[off : off+size], nil
}

func (r *Region) ReadU8(off int) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.view(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Region) WriteU8(off int, v uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.view(off, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (r *Region) ReadU32(off int) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.view(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Region) WriteU32(off int, v uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.view(off, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (r *Region) ReadU64(off int) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.view(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Region) WriteU64(off int, v uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.view(off, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (r *Region) ReadBytes(off int, dst []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.view(off, len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (r *Region) WriteBytes(off int, src []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.view(off, len(src))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}
