package smp

import (
	"sync/atomic"

	"github.com/aegisvm/aegis/internal/cpu"
)

// GuestState is the simulated guest CPU the cluster presents interrupts
// to, standing in for the hardware register state a production backend
// would hold. All methods except Taken must run on the owning CPU's
// goroutine.
type GuestState struct {
	tpr    uint8
	intOn  bool
	shadow bool

	// One injection slot plus one queued virtual interrupt, the same
	// capacity the hardware state offers.
	injected uint8
	queued   uint8

	taken [256]atomic.Uint64
}

var _ cpu.CPUState = (*GuestState)(nil)

func NewGuestState() *GuestState {
	return &GuestState{intOn: true}
}

func (g *GuestState) TPR() uint8              { return g.tpr }
func (g *GuestState) SetTPR(value uint8)      { g.tpr = value }
func (g *GuestState) InterruptsEnabled() bool { return g.intOn }
func (g *GuestState) InInterruptShadow() bool { return g.shadow }

// SetInterruptsEnabled toggles the simulated RFLAGS.IF.
func (g *GuestState) SetInterruptsEnabled(on bool) { g.intOn = on }

// SetInterruptShadow toggles the simulated interrupt shadow.
func (g *GuestState) SetInterruptShadow(on bool) { g.shadow = on }

func (g *GuestState) TryDeliverInterrupt(vector uint8) bool {
	if g.injected != 0 {
		return false
	}
	g.injected = vector
	return true
}

func (g *GuestState) QueueInterrupt(vector uint8) {
	g.queued = vector
}

func (g *GuestState) CheckAndClearPendingInterruptEvent() uint8 {
	v := g.injected
	g.injected = 0
	return v
}

func (g *GuestState) CheckAndClearPendingVirtualInterrupt() uint8 {
	v := g.queued
	g.queued = 0
	return v
}

// runOnce simulates one guest execution window: an injected event is
// taken unconditionally, the way hardware delivers it on entry, while a
// queued virtual interrupt waits until the guest is interruptible. The
// second result reports the queued case.
func (g *GuestState) runOnce() (uint8, bool) {
	if v := g.injected; v != 0 {
		g.injected = 0
		g.taken[v].Add(1)
		return v, false
	}
	if v := g.queued; v != 0 && g.intOn && !g.shadow {
		g.queued = 0
		g.taken[v].Add(1)
		return v, true
	}
	return 0, false
}

// Taken counts how often the simulated guest consumed a vector. Safe from
// any goroutine.
func (g *GuestState) Taken(vector uint8) uint64 {
	return g.taken[vector].Load()
}
