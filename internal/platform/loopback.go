// Package platform implements the host notification channel the interrupt
// core runs on. Loopback plays the hypervisor's part in-process and is what
// tests and the stress tool run against; Null discards everything for
// single-CPU benchmarks.
package platform

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aegisvm/aegis/internal/cpu"
	"github.com/aegisvm/aegis/internal/doorbell"
)

// Sink is the receive side of one CPU: posted interrupts land in its
// hardware IRR and doorbell writes are followed by a wake. *cpu.Area
// implements it.
type Sink interface {
	APICID() uint32
	SignalIRQ(vector uint8)
	Wake()
}

// EOIRecord is one level-sensitive acknowledgement echoed to the host.
type EOIRecord struct {
	Vector uint8
	VMPL   uint8
}

// Loopback routes posted interrupts between in-process CPUs and carries the
// host side of the doorbell protocol. Sinks and doorbells are registered
// during bringup; routing afterwards only takes the read lock.
type Loopback struct {
	mu    sync.RWMutex
	sinks []Sink
	byID  map[uint32]Sink
	pages map[uint32]*doorbell.Page
	eois  []EOIRecord
	onEOI func(vector uint8, vmpl uint8)
}

var _ cpu.Platform = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{
		byID:  make(map[uint32]Sink),
		pages: make(map[uint32]*doorbell.Page),
	}
}

// AddSink registers a CPU's receive side.
func (l *Loopback) AddSink(s Sink) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[s.APICID()]; ok {
		return fmt.Errorf("platform: duplicate sink for apic %#x", s.APICID())
	}
	l.sinks = append(l.sinks, s)
	l.byID[s.APICID()] = s
	return nil
}

// SetEOIHandler installs an observer for SpecificEOI echoes, typically to
// re-raise a level-sensitive source. Echoes are recorded either way.
func (l *Loopback) SetEOIHandler(fn func(vector uint8, vmpl uint8)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEOI = fn
}

// PostIRQ delivers a fixed edge interrupt to the CPUs the ICR addresses.
func (l *Loopback) PostIRQ(from uint32, icr uint64) error {
	req := cpu.Icr(icr)
	if req.MessageType() != cpu.MessageTypeFixed {
		return fmt.Errorf("platform: unsupported message type %d", req.MessageType())
	}
	vector := req.Vector()

	l.mu.RLock()
	defer l.mu.RUnlock()

	switch req.DestinationShorthand() {
	case cpu.DestOnlySelf:
		// Self-addressed requests are handled on the sending CPU and must
		// never reach the platform.
		return fmt.Errorf("platform: self shorthand posted by apic %#x", from)

	case cpu.DestAllWithSelf:
		for _, s := range l.sinks {
			s.SignalIRQ(vector)
		}

	case cpu.DestAllButSelf:
		for _, s := range l.sinks {
			if s.APICID() != from {
				s.SignalIRQ(vector)
			}
		}

	default:
		if req.LogicalDestination() {
			matched := false
			for _, s := range l.sinks {
				if cpu.LogicalMatch(req.Destination(), s.APICID()) {
					s.SignalIRQ(vector)
					matched = true
				}
			}
			if !matched {
				slog.Debug("platform: logical irq matched no sink",
					"dest", req.Destination(), "vector", vector)
			}
			return nil
		}
		s := l.byID[req.Destination()]
		if s == nil {
			slog.Debug("platform: irq destination absent",
				"dest", req.Destination(), "vector", vector)
			return nil
		}
		s.SignalIRQ(vector)
	}
	return nil
}

// SpecificEOI records a level-sensitive acknowledgement and invokes the
// installed observer.
func (l *Loopback) SpecificEOI(vector uint8, vmpl uint8) error {
	l.mu.Lock()
	l.eois = append(l.eois, EOIRecord{Vector: vector, VMPL: vmpl})
	fn := l.onEOI
	l.mu.Unlock()

	if fn != nil {
		fn(vector, vmpl)
	}
	return nil
}

// DrainEOIs returns the acknowledgements recorded since the last drain.
func (l *Loopback) DrainEOIs() []EOIRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.eois
	l.eois = nil
	return out
}

// RegisterDoorbell attaches a CPU's doorbell page so host-side signalling
// can reach it.
func (l *Loopback) RegisterDoorbell(apicID uint32, page *doorbell.Page) error {
	if page == nil {
		return fmt.Errorf("platform: nil doorbell page for apic %#x", apicID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pages[apicID]; ok {
		return fmt.Errorf("platform: doorbell already registered for apic %#x", apicID)
	}
	l.pages[apicID] = page
	return nil
}

func (l *Loopback) lookup(apicID uint32) (*doorbell.Page, Sink, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	page := l.pages[apicID]
	if page == nil {
		return nil, nil, fmt.Errorf("platform: no doorbell registered for apic %#x", apicID)
	}
	// A doorbell is only registered through a sink's area, so the sink may
	// be absent only when bringup is incomplete.
	return page, l.byID[apicID], nil
}

// Host-side signalling -----------------------------------------------------
//
// These perform exactly the doorbell writes a hypervisor would, then wake
// the target CPU the way its doorbell exception would.

// SignalVector posts an edge-triggered host interrupt to a CPU.
func (l *Loopback) SignalVector(apicID uint32, vmpl int, vector uint8) error {
	page, sink, err := l.lookup(apicID)
	if err != nil {
		return err
	}
	if err := page.SignalVector(vmpl, vector); err != nil {
		return err
	}
	if sink != nil {
		sink.Wake()
	}
	return nil
}

// SignalLevelSensitive posts a level-triggered host interrupt to a CPU.
func (l *Loopback) SignalLevelSensitive(apicID uint32, vmpl int, vector uint8) error {
	page, sink, err := l.lookup(apicID)
	if err != nil {
		return err
	}
	if err := page.SignalLevelSensitive(vmpl, vector); err != nil {
		return err
	}
	if sink != nil {
		sink.Wake()
	}
	return nil
}

// SignalMultiple posts a batch of edge-triggered vectors under a single
// wake, the burst pattern that drives the multiple-vectors drain path.
func (l *Loopback) SignalMultiple(apicID uint32, vmpl int, vectors ...uint8) error {
	page, sink, err := l.lookup(apicID)
	if err != nil {
		return err
	}
	for _, v := range vectors {
		if err := page.SignalVector(vmpl, v); err != nil {
			return fmt.Errorf("platform: posting vector %#x: %w", v, err)
		}
	}
	if sink != nil {
		sink.Wake()
	}
	return nil
}

// SignalEvents raises wake-only event flags on a CPU's doorbell.
func (l *Loopback) SignalEvents(apicID uint32, flags doorbell.Status) error {
	page, sink, err := l.lookup(apicID)
	if err != nil {
		return err
	}
	page.SignalEvents(flags)
	if sink != nil {
		sink.Wake()
	}
	return nil
}
