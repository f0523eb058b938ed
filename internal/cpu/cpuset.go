package cpu

import (
	"math/bits"
	"sync/atomic"
)

// MaxCPUs bounds the CPU indices a set can hold.
const MaxCPUs = 512

const setWords = MaxCPUs / 64

// CpuSet is a bitmap of CPUs selected by dense CPU index, not APIC ID.
type CpuSet struct {
	words [setWords]uint64
}

func (s *CpuSet) Insert(cpu int) {
	s.words[cpu>>6] |= 1 << (cpu & 63)
}

func (s *CpuSet) Remove(cpu int) {
	s.words[cpu>>6] &^= 1 << (cpu & 63)
}

func (s *CpuSet) Contains(cpu int) bool {
	return s.words[cpu>>6]&(1<<(cpu&63)) != 0
}

// ForEach calls fn for every CPU in the set in ascending index order.
func (s *CpuSet) ForEach(fn func(cpu int)) {
	for i, w := range s.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			w &^= 1 << bit
			fn(i<<6 + bit)
		}
	}
}

// AtomicCpuSet is a CPU bitmap writable from any CPU. It records which
// senders have posted IPI requests for the owning CPU.
type AtomicCpuSet struct {
	words [setWords]atomic.Uint64
}

func (s *AtomicCpuSet) Insert(cpu int) {
	s.words[cpu>>6].Or(1 << (cpu & 63))
}

// Drain removes every CPU from the set, calling fn for each in ascending
// index order. Inserts racing the drain are observed either now or on the
// owner's next pass.
func (s *AtomicCpuSet) Drain(fn func(cpu int)) {
	for i := range s.words {
		w := s.words[i].Swap(0)
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			w &^= 1 << bit
			fn(i<<6 + bit)
		}
	}
}
