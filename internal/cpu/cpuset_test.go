package cpu

import (
	"sync"
	"testing"
)

func TestCpuSetBasics(t *testing.T) {
	var s CpuSet

	for _, cpu := range []int{5, 64, 300, 511} {
		s.Insert(cpu)
	}
	if !s.Contains(64) || s.Contains(63) {
		t.Fatal("membership wrong after inserts")
	}

	s.Remove(64)
	if s.Contains(64) {
		t.Fatal("cpu 64 still present after remove")
	}

	var seen []int
	s.ForEach(func(cpu int) { seen = append(seen, cpu) })
	want := []int{5, 300, 511}
	if len(seen) != len(want) {
		t.Fatalf("visited %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("visited %v, want ascending %v", seen, want)
		}
	}
}

func TestAtomicCpuSetDrain(t *testing.T) {
	var s AtomicCpuSet
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 16; i++ {
				s.Insert(base*16 + i)
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[int]bool)
	s.Drain(func(cpu int) { seen[cpu] = true })
	if len(seen) != 128 {
		t.Fatalf("drained %d cpus, want 128", len(seen))
	}

	// The drain leaves the set empty.
	s.Drain(func(cpu int) { t.Fatalf("second drain saw cpu %d", cpu) })
}
