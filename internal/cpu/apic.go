package cpu

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/aegisvm/aegis/internal/doorbell"
	"github.com/aegisvm/aegis/internal/vecbit"
)

// x2APIC register numbers as the guest addresses them.
const (
	RegAPICID  uint64 = 0x802
	RegTPR     uint64 = 0x808
	RegPPR     uint64 = 0x80A
	RegEOI     uint64 = 0x80B
	RegISR0    uint64 = 0x810
	RegISR7    uint64 = 0x817
	RegTMR0    uint64 = 0x818
	RegTMR7    uint64 = 0x81F
	RegIRR0    uint64 = 0x820
	RegIRR7    uint64 = 0x827
	RegICR     uint64 = 0x830
	RegSelfIPI uint64 = 0x83F
)

// LocalApic emulates one guest CPU's local APIC. A LocalApic is owned by
// the CPU it belongs to and must only be touched from that CPU's context;
// other CPUs reach it through the atomic posting windows on the owning
// Area, never directly.
//
// In-service interrupts are kept as a stack of vectors rather than a
// bitmap. Priority classes are strictly increasing up the stack, so the
// top is always the highest-priority in-service vector and the ISR
// registers can be reconstructed from the stack on demand.
type LocalApic struct {
	apicID uint32

	irr        vecbit.Set
	allowedIRR vecbit.Set
	tmr        vecbit.Set
	hostTMR    vecbit.Set

	isrStack      [16]uint8
	isrStackIndex int

	activated          bool
	updateRequired     bool
	interruptDelivered bool
	interruptQueued    bool
	lazyEOIPending     bool

	page      *doorbell.Page
	platform  Platform
	router    ICRRouter
	guestVMPL uint8
}

func NewLocalApic(apicID uint32) *LocalApic {
	return &LocalApic{apicID: apicID}
}

func (l *LocalApic) APICID() uint32 { return l.apicID }

// SetDoorbell attaches the shared page drained by ConsumeHostInterrupts.
func (l *LocalApic) SetDoorbell(page *doorbell.Page) {
	l.page = page
	if page != nil {
		l.guestVMPL = uint8(page.GuestVMPL())
	}
}

// SetPlatform wires the host channel used for level-sensitive EOI echoes.
func (l *LocalApic) SetPlatform(p Platform) {
	l.platform = p
}

// SetRouter wires the cross-CPU path for guest ICR writes. Without a
// router, destinations other than self fail with ErrApicAccess.
func (l *LocalApic) SetRouter(r ICRRouter) {
	l.router = r
}

func (l *LocalApic) Active() bool { return l.activated }

// Activate switches host interrupt filtering from the default policy to
// the guest-configured allow list. The guest requests activation exactly
// once; a second activation means the caller lost track of registration
// state and continuing would silently change the filtering policy.
func (l *LocalApic) Activate() {
	if l.activated {
		panic(fmt.Sprintf("cpu: apic %#x activated twice", l.apicID))
	}
	l.activated = true
	slog.Debug("cpu: apic activated", "apic_id", l.apicID)
}

// ConfigureVector adds or removes a vector from the set of host interrupts
// the guest accepts once activated.
func (l *LocalApic) ConfigureVector(vector uint8, allowed bool) {
	if allowed {
		l.allowedIRR.Insert(vector)
	} else {
		l.allowedIRR.Remove(vector)
	}
}

// PostInterrupt records vector as pending and schedules a presentation
// pass. Level-sensitive vectors are tracked in the TMR until their EOI.
func (l *LocalApic) PostInterrupt(vector uint8, levelSensitive bool) {
	l.irr.Insert(vector)
	if levelSensitive {
		l.tmr.Insert(vector)
	}
	l.updateRequired = true
}

// postSeveral records a whole word of edge-triggered vectors.
func (l *LocalApic) postSeveral(word int, w uint32) {
	base := uint8(word << 5)
	for w != 0 {
		bit := bits.TrailingZeros32(w)
		w &^= 1 << bit
		l.PostInterrupt(base+uint8(bit), false)
	}
}

// signalOneHostInterrupt applies the host filtering policy to a single
// vector and posts it when allowed. Before activation every vector from 31
// up passes; afterwards only vectors the guest configured.
func (l *LocalApic) signalOneHostInterrupt(vector uint8, levelSensitive bool) bool {
	var allowed bool
	if l.activated {
		allowed = l.allowedIRR.Test(vector)
	} else {
		allowed = vector >= 31
	}
	if !allowed {
		return false
	}
	l.PostInterrupt(vector, levelSensitive)
	return true
}

// ConsumeHostInterrupts drains the doorbell page into the IRR. The page is
// hypervisor-writable, so every word is taken with the same
// compare-and-swap discipline the hardware protocol defines and nothing
// read from it is trusted beyond the filtering policy.
func (l *LocalApic) ConsumeHostInterrupts() {
	if l.page == nil {
		return
	}
	d := l.page.SelectDescriptor()
	if d == nil {
		// Multi-VMPL signalling with no event pending for the guest VMPL.
		return
	}

	// A level-sensitive vector occupies the single pending slot and must
	// be claimed together with its level flag.
	flags := d.Status()
	if flags.LevelSensitive() {
		var vector uint8
		for {
			vector = flags.PendingVector()
			newFlags := flags.WithPendingVector(0) &^ doorbell.StatusLevelSensitive
			cur, ok := d.CASStatus(flags, newFlags)
			flags = cur
			if ok {
				break
			}
		}
		if l.signalOneHostInterrupt(vector, true) {
			l.hostTMR.Insert(vector)
		}
	}

	if flags.MultipleVectors() {
		// Clear the flag before scanning the bank: vectors posted after
		// the clear will raise it again, vectors posted before it are
		// picked up by the swaps below.
		d.AndStatus(^doorbell.StatusMultipleVectors)

		if flags.Vector31() {
			d.AndStatus(^doorbell.StatusVector31)
			l.signalOneHostInterrupt(31, false)
		}

		for word := 1; word < vecbit.Words; word++ {
			w := d.SwapIRRWord(word)
			if l.activated {
				w &= l.allowedIRR[word]
			}
			l.postSeveral(word, w)
		}
	} else if flags.PendingVector() != 0 {
		// Single-shot claim: when it fails another vector has arrived and
		// the next pass will pick everything up.
		if _, ok := d.CASStatus(flags, flags.WithPendingVector(0)); ok {
			l.signalOneHostInterrupt(flags.PendingVector(), false)
		}
	}
}

// rewindPendingInterrupt returns an unconsumed vector from the top of the
// ISR stack to the IRR. The vector must be the most recent delivery; a
// mismatch means the delivery bookkeeping is corrupt.
func (l *LocalApic) rewindPendingInterrupt(vector uint8) {
	if l.isrStackIndex == 0 {
		panic(fmt.Sprintf("cpu: apic %#x rewind of %#x with empty isr stack", l.apicID, vector))
	}
	if l.isrStack[l.isrStackIndex-1] != vector {
		panic(fmt.Sprintf("cpu: apic %#x rewind of %#x but %#x is in service",
			l.apicID, vector, l.isrStack[l.isrStackIndex-1]))
	}
	l.irr.Insert(vector)
	l.isrStackIndex--
	l.updateRequired = true
}

// checkDeliveredInterrupts reconciles the APIC with the guest CPU state:
// interrupts handed to the guest but not consumed move back to the IRR,
// and a completed lazy EOI retires its in-service vector.
func (l *LocalApic) checkDeliveredInterrupts(cs CPUState, eoi EOIChannel) {
	if l.interruptDelivered {
		if vector := cs.CheckAndClearPendingInterruptEvent(); vector != 0 {
			l.rewindPendingInterrupt(vector)
			l.lazyEOIPending = false
		}
		l.interruptDelivered = false
	}

	if l.interruptQueued {
		if vector := cs.CheckAndClearPendingVirtualInterrupt(); vector != 0 {
			l.rewindPendingInterrupt(vector)
			l.lazyEOIPending = false
		}
		l.interruptQueued = false
	}

	// A cleared guest flag means the guest finished the interrupt and
	// skipped its EOI write; perform the EOI for it now.
	if l.lazyEOIPending && eoi != nil {
		set, err := eoi.NoEOIRequired()
		if err == nil && !set {
			if l.isrStackIndex == 0 {
				panic(fmt.Sprintf("cpu: apic %#x lazy eoi with empty isr stack", l.apicID))
			}
			l.PerformEOI()
		}
	}
}

// pprWithTPR computes the processor priority: the higher priority class of
// the top in-service vector and the task priority.
func (l *LocalApic) pprWithTPR(tpr uint8) uint8 {
	var inService uint8
	if l.isrStackIndex != 0 {
		inService = l.isrStack[l.isrStackIndex-1]
	}
	if inService>>4 > tpr>>4 {
		return inService
	}
	return tpr
}

func (l *LocalApic) ppr(cs CPUState) uint8 {
	return l.pprWithTPR(cs.TPR())
}

func clearGuestEOIPending(eoi EOIChannel) {
	if eoi != nil {
		// Nothing can be done about a failure here; the guest simply sees
		// no lazy EOI offer.
		_ = eoi.SetNoEOIRequired(false)
	}
}

// deliverInterruptImmediately injects vector for the next guest entry if
// the guest is interruptible and the vector outranks the processor
// priority.
func (l *LocalApic) deliverInterruptImmediately(vector uint8, cs CPUState) bool {
	if !cs.InterruptsEnabled() || cs.InInterruptShadow() {
		return false
	}
	if vector>>4 <= l.ppr(cs)>>4 {
		return false
	}
	return cs.TryDeliverInterrupt(vector)
}

// PresentInterrupts runs one presentation pass before reentering the
// guest: drain the host doorbell, reconcile earlier deliveries, then
// deliver or queue the highest-priority pending vector.
func (l *LocalApic) PresentInterrupts(cs CPUState, eoi EOIChannel) {
	l.ConsumeHostInterrupts()

	if !l.updateRequired {
		return
	}

	// Reconcile all earlier deliveries before selecting another vector.
	l.checkDeliveredInterrupts(cs, eoi)

	vector := l.irr.ScanHighest()
	var current uint8
	if l.isrStackIndex != 0 {
		current = l.isrStack[l.isrStackIndex-1]
	}

	// Any previous lazy EOI offer is stale once interrupt state changes.
	l.lazyEOIPending = false
	clearGuestEOIPending(eoi)

	// The candidate must outrank the highest in-service vector. The task
	// priority deliberately plays no part here: a vector below TPR still
	// leaves the IRR now and waits in service for the TPR to drop, rather
	// than being rescanned on every pass.
	if vector&0xF0 > current&0xF0 {
		tryLazyEOI := false
		if l.deliverInterruptImmediately(vector, cs) {
			l.interruptDelivered = true
			// The in-service top is unambiguous after an immediate
			// delivery, so a lazy EOI can be offered.
			tryLazyEOI = true
		} else {
			cs.QueueInterrupt(vector)
			l.interruptQueued = true
			// With a lower-priority vector already in service, the EOI
			// handler could not tell which of the two a lazy EOI belongs
			// to.
			tryLazyEOI = l.isrStackIndex == 0
		}

		// Mark the vector in service. If the guest does not consume it,
		// the next reconciliation pulls it back off the stack.
		l.irr.Remove(vector)
		l.isrStack[l.isrStackIndex] = vector
		l.isrStackIndex++

		// Level-sensitive vectors always need an explicit EOI to reach
		// their source, and an offer is only unambiguous when nothing else
		// is waiting behind this vector.
		if tryLazyEOI && !l.tmr.Test(vector) && l.irr.ScanHighest() == 0 {
			if eoi != nil && eoi.SetNoEOIRequired(true) == nil {
				l.lazyEOIPending = true
			}
		}
	}
	l.updateRequired = false
}

func (l *LocalApic) performHostEOI(vector uint8) {
	if l.platform == nil {
		panic(fmt.Sprintf("cpu: apic %#x host eoi for %#x without a platform", l.apicID, vector))
	}
	// The host accepted this interrupt as level-sensitive, so a refused
	// EOI leaves the line stuck forever.
	if err := l.platform.SpecificEOI(vector, l.guestVMPL); err != nil {
		panic(fmt.Sprintf("cpu: apic %#x host eoi for %#x: %v", l.apicID, vector, err))
	}
}

// PerformEOI retires the top in-service vector. Level-sensitive vectors of
// host origin are acknowledged back to the host so the source can rearm.
func (l *LocalApic) PerformEOI() {
	if l.isrStackIndex == 0 {
		return
	}
	l.isrStackIndex--
	vector := l.isrStack[l.isrStackIndex]
	if l.tmr.Test(vector) {
		if l.hostTMR.Test(vector) {
			l.performHostEOI(vector)
			l.hostTMR.Remove(vector)
		}
		l.tmr.Remove(vector)
	}
	l.updateRequired = true
	l.lazyEOIPending = false
}

// isrWord reconstructs one ISR register from the in-service stack.
func (l *LocalApic) isrWord(word int) uint32 {
	var w uint32
	for i := 0; i < l.isrStackIndex; i++ {
		if int(l.isrStack[i]>>5) == word {
			w |= 1 << (l.isrStack[i] & 31)
		}
	}
	return w
}

// ReadRegister services a guest APIC register read. Delivered but
// unconsumed interrupts are reconciled first so the returned state is
// coherent with what the guest has actually taken.
func (l *LocalApic) ReadRegister(cs CPUState, eoi EOIChannel, register uint64) (uint64, error) {
	l.checkDeliveredInterrupts(cs, eoi)

	switch {
	case register == RegAPICID:
		return uint64(l.apicID), nil
	case register >= RegIRR0 && register <= RegIRR7:
		return uint64(l.irr[register-RegIRR0]), nil
	case register >= RegISR0 && register <= RegISR7:
		return uint64(l.isrWord(int(register - RegISR0))), nil
	case register >= RegTMR0 && register <= RegTMR7:
		return uint64(l.tmr[register-RegTMR0]), nil
	case register == RegTPR:
		return uint64(cs.TPR()), nil
	case register == RegPPR:
		return uint64(l.ppr(cs)), nil
	default:
		return 0, ErrApicAccess
	}
}

func (l *LocalApic) handleICRWrite(icr Icr) error {
	// Only fixed, edge-triggered, asserted requests can be emulated.
	if icr.MessageType() != MessageTypeFixed {
		return ErrApicAccess
	}
	if icr.TriggerModeLevel() || !icr.Assert() {
		return ErrApicAccess
	}

	if icr.DestinationShorthand() == DestOnlySelf {
		l.PostInterrupt(icr.Vector(), false)
		return nil
	}
	if l.router == nil {
		return ErrApicAccess
	}
	l.router.RouteICR(l.apicID, icr)
	return nil
}

// WriteRegister services a guest APIC register write, reconciling
// delivered interrupts first for the same reason as ReadRegister.
func (l *LocalApic) WriteRegister(cs CPUState, eoi EOIChannel, register, value uint64) error {
	l.checkDeliveredInterrupts(cs, eoi)

	switch register {
	case RegTPR:
		if value > 0xFF {
			return ErrApicAccess
		}
		cs.SetTPR(uint8(value))
		return nil
	case RegEOI:
		l.PerformEOI()
		return nil
	case RegICR:
		return l.handleICRWrite(Icr(value))
	case RegSelfIPI:
		if value > 0xFF {
			return ErrApicAccess
		}
		l.PostInterrupt(uint8(value), false)
		return nil
	default:
		return ErrApicAccess
	}
}
