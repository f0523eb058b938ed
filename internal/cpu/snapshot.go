package cpu

import (
	"encoding/gob"
	"fmt"

	"github.com/aegisvm/aegis/internal/vecbit"
)

// Snapshot support ----------------------------------------------------------

func init() {
	// Register snapshot types for gob encoding/decoding so APIC state can
	// travel inside serialized machine snapshots.
	gob.Register(&apicSnapshot{})
}

type apicSnapshot struct {
	APICID     uint32
	IRR        vecbit.Set
	AllowedIRR vecbit.Set
	TMR        vecbit.Set
	HostTMR    vecbit.Set

	ISRStack [16]uint8
	ISRDepth int

	Activated      bool
	UpdateRequired bool
	LazyEOIPending bool
}

// CaptureSnapshot captures the persistable APIC state. Snapshots are only
// valid between guest entries: an interrupt handed to the guest but not
// yet consumed cannot be represented, so capture fails while one is in
// flight.
func (l *LocalApic) CaptureSnapshot() (any, error) {
	if l.interruptDelivered || l.interruptQueued {
		return nil, fmt.Errorf("cpu: apic %#x has an undelivered interrupt in flight", l.apicID)
	}

	return &apicSnapshot{
		APICID:         l.apicID,
		IRR:            l.irr,
		AllowedIRR:     l.allowedIRR,
		TMR:            l.tmr,
		HostTMR:        l.hostTMR,
		ISRStack:       l.isrStack,
		ISRDepth:       l.isrStackIndex,
		Activated:      l.activated,
		UpdateRequired: l.updateRequired,
		LazyEOIPending: l.lazyEOIPending,
	}, nil
}

// RestoreSnapshot replaces the APIC state with a captured snapshot. The
// snapshot must belong to the same APIC ID; interrupt identity is tied to
// it.
func (l *LocalApic) RestoreSnapshot(snap any) error {
	data, ok := snap.(*apicSnapshot)
	if !ok {
		return fmt.Errorf("cpu: invalid apic snapshot type %T", snap)
	}
	if data.APICID != l.apicID {
		return fmt.Errorf("cpu: snapshot for apic %#x restored on apic %#x", data.APICID, l.apicID)
	}

	l.irr = data.IRR
	l.allowedIRR = data.AllowedIRR
	l.tmr = data.TMR
	l.hostTMR = data.HostTMR
	l.isrStack = data.ISRStack
	l.isrStackIndex = data.ISRDepth
	l.activated = data.Activated
	l.lazyEOIPending = data.LazyEOIPending
	l.interruptDelivered = false
	l.interruptQueued = false

	// Force a presentation pass so restored pending state is re-evaluated
	// against the live CPU.
	l.updateRequired = true
	return nil
}
