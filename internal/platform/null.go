package platform

import (
	"github.com/aegisvm/aegis/internal/cpu"
	"github.com/aegisvm/aegis/internal/doorbell"
)

// Null discards every notification. It backs single-CPU benchmarks and
// tests that exercise the APIC alone; anything sending cross-CPU traffic
// over it will wait forever for receivers that were never told.
type Null struct{}

var _ cpu.Platform = Null{}

func (Null) PostIRQ(from uint32, icr uint64) error { return nil }

func (Null) SpecificEOI(vector uint8, vmpl uint8) error { return nil }

func (Null) RegisterDoorbell(apicID uint32, page *doorbell.Page) error { return nil }
