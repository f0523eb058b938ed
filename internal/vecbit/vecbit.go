// Package vecbit provides 256-entry interrupt vector sets laid out as eight
// 32-bit words, matching the x2APIC IRR/ISR/TMR register banks.
package vecbit

import (
	"math/bits"
	"sync/atomic"
)

// Words is the number of 32-bit words backing a vector set.
const Words = 8

// Set records one bit per interrupt vector. Word i covers vectors
// [32*i, 32*i+31] with the same bit ordering as the hardware register bank,
// so a word can be returned directly from a register read.
type Set [Words]uint32

func (s *Set) Insert(vector uint8) {
	s[vector>>5] |= 1 << (vector & 31)
}

func (s *Set) Remove(vector uint8) {
	s[vector>>5] &^= 1 << (vector & 31)
}

func (s *Set) Test(vector uint8) bool {
	return s[vector>>5]&(1<<(vector&31)) != 0
}

func (s *Set) Clear() {
	*s = Set{}
}

func (s *Set) Empty() bool {
	for _, w := range s {
		if w != 0 {
			return false
		}
	}
	return true
}

// ScanHighest returns the highest vector present in the set, or 0 when the
// set holds none. Vector 0 itself is never a deliverable interrupt vector,
// so the two cases do not need to be distinguished.
func (s *Set) ScanHighest() uint8 {
	for i := Words - 1; i >= 0; i-- {
		if s[i] != 0 {
			return uint8(i<<5 + bits.Len32(s[i]) - 1)
		}
	}
	return 0
}

// Atomic is a vector set shared between CPUs. Any goroutine may insert
// vectors; only the owning CPU drains or clears them.
type Atomic struct {
	words [Words]atomic.Uint32
}

func (a *Atomic) Insert(vector uint8) {
	a.words[vector>>5].Or(1 << (vector & 31))
}

// TestAndClear removes vector from the set and reports whether it was
// present.
func (a *Atomic) TestAndClear(vector uint8) bool {
	mask := uint32(1) << (vector & 31)
	return a.words[vector>>5].And(^mask)&mask != 0
}

// ScanHighest returns the highest vector visible in the set, or 0 when none
// is. Inserts racing the scan are picked up on the caller's next pass.
func (a *Atomic) ScanHighest() uint8 {
	for i := Words - 1; i >= 0; i-- {
		if w := a.words[i].Load(); w != 0 {
			return uint8(i<<5 + bits.Len32(w) - 1)
		}
	}
	return 0
}

// Drain removes every vector from the set, merging them into dst, and
// reports whether any vector was drained.
func (a *Atomic) Drain(dst *Set) bool {
	drained := false
	for i := range a.words {
		if w := a.words[i].Swap(0); w != 0 {
			dst[i] |= w
			drained = true
		}
	}
	return drained
}
