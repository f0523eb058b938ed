// Package doorbell implements the shared page through which an untrusted
// hypervisor posts interrupts into a confidential VM. The page holds one
// descriptor per VMPL; each descriptor has a status word and a bank of seven
// IRR words covering vectors 32..255. Both sides touch the page only through
// 32-bit atomics, and the consuming side must tolerate arbitrary concurrent
// writes since the hypervisor is outside the trust boundary.
package doorbell

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// PageSize is the size of the shared doorbell mapping.
	PageSize = 4096

	// NumVMPL is the number of per-VMPL descriptors in the page.
	NumVMPL = 4

	descriptorSize = 32
)

// Descriptor is one VMPL's interrupt window in the doorbell page.
type Descriptor struct {
	status *atomic.Uint32
	irr    [7]*atomic.Uint32
}

// Status returns a snapshot of the descriptor status word.
func (d *Descriptor) Status() Status {
	return Status(d.status.Load())
}

// CASStatus replaces old with new and reports success, returning the
// current value on failure.
func (d *Descriptor) CASStatus(old, new Status) (Status, bool) {
	if d.status.CompareAndSwap(uint32(old), uint32(new)) {
		return new, true
	}
	return Status(d.status.Load()), false
}

// AndStatus clears the bits missing from mask.
func (d *Descriptor) AndStatus(mask Status) {
	d.status.And(uint32(mask))
}

func (d *Descriptor) orStatus(mask Status) {
	d.status.Or(uint32(mask))
}

// SwapIRRWord empties one word of the descriptor IRR bank and returns its
// contents. word indexes the 256-bit vector space by 32-bit words; the bank
// holds words 1..7 (vector 32 upward).
func (d *Descriptor) SwapIRRWord(word int) uint32 {
	return d.irr[word-1].Swap(0)
}

func (d *Descriptor) orIRRWord(word int, bits uint32) {
	d.irr[word-1].Or(bits)
}

// Page is a mapped doorbell page. The multi-VMPL flag mirrors the
// hypervisor feature of the same name: when set, events for the guest VMPL
// are announced through a summary bit in descriptor 0 and carried in the
// guest VMPL's own descriptor.
type Page struct {
	mem   []byte
	unmap func() error
	vmpl  [NumVMPL]Descriptor

	multiVMPL bool
	guestVMPL int
}

// NewPage maps a zeroed doorbell page. guestVMPL selects the descriptor
// consumed by the guest drain and must be 1..3 when multiVMPL is set.
func NewPage(multiVMPL bool, guestVMPL int) (*Page, error) {
	if guestVMPL < 0 || guestVMPL >= NumVMPL {
		return nil, fmt.Errorf("doorbell: guest VMPL %d out of range", guestVMPL)
	}
	if multiVMPL && guestVMPL == 0 {
		return nil, fmt.Errorf("doorbell: multi-VMPL signalling needs a guest VMPL above 0")
	}

	mem, unmap, err := mapPage()
	if err != nil {
		return nil, fmt.Errorf("doorbell: mapping page: %w", err)
	}

	p := &Page{
		mem:       mem,
		unmap:     unmap,
		multiVMPL: multiVMPL,
		guestVMPL: guestVMPL,
	}
	for v := range p.vmpl {
		base := v * descriptorSize
		p.vmpl[v].status = wordAt(mem, base)
		for i := range p.vmpl[v].irr {
			p.vmpl[v].irr[i] = wordAt(mem, base+4+4*i)
		}
	}
	return p, nil
}

// wordAt views four page bytes as an atomic word. The mapping is
// page-aligned so any 4-byte offset is naturally aligned.
func wordAt(mem []byte, off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&mem[off]))
}

func (p *Page) Close() error {
	if p.unmap == nil {
		return nil
	}
	err := p.unmap()
	p.unmap = nil
	p.mem = nil
	return err
}

func (p *Page) GuestVMPL() int { return p.guestVMPL }

// VMPL returns the descriptor for one VMPL.
func (p *Page) VMPL(vmpl int) *Descriptor {
	return &p.vmpl[vmpl]
}

// SelectDescriptor chooses the descriptor the guest drain should consume.
// With multi-VMPL signalling it first claims the guest VMPL's summary bit in
// descriptor 0, returning nil when no event is pending for the guest VMPL.
func (p *Page) SelectDescriptor() *Descriptor {
	if !p.multiVMPL {
		return &p.vmpl[0]
	}
	summary := VMPLEventMask(p.guestVMPL)
	if Status(p.vmpl[0].status.Load())&summary == 0 {
		return nil
	}
	p.vmpl[0].status.And(^uint32(summary))
	return &p.vmpl[p.guestVMPL]
}

// ProcessEvents acknowledges the wake-only event flags on descriptor 0. The
// no-further-signal bit is cleared first; events arriving after that point
// raise a fresh signal instead of being lost.
func (p *Page) ProcessEvents() {
	flags := Status(p.vmpl[0].status.Load())

	p.vmpl[0].status.And(^uint32(StatusNoFurtherSignal))

	if flags.IPIPending() {
		// IPIs wake the CPU but carry no payload of their own.
		p.vmpl[0].status.And(^uint32(StatusIPIPending))
	}
	if flags.TimerPending() {
		// No timer scheduling exists yet, so expirations are dropped.
		p.vmpl[0].status.And(^uint32(StatusTimerPending))
	}
}

// SignalVector posts an edge-triggered vector from the host side. The
// single pending slot is used when free; otherwise the descriptor switches
// to multiple-vectors mode and the vector lands in the IRR bank, which can
// only represent vectors 31 and up.
func (p *Page) SignalVector(vmpl int, vector uint8) error {
	if vmpl < 0 || vmpl >= NumVMPL {
		return fmt.Errorf("doorbell: VMPL %d out of range", vmpl)
	}
	d := &p.vmpl[vmpl]
	for {
		old := d.Status()
		if old.PendingVector() == 0 && !old.LevelSensitive() {
			if _, ok := d.CASStatus(old, old.WithPendingVector(vector)); ok {
				break
			}
			continue
		}
		switch {
		case vector == 31:
			d.orStatus(StatusVector31 | StatusMultipleVectors)
		case vector >= 32:
			// IRR bit first: the consumer clears the multiple-vectors flag
			// before scanning the bank, so writing in the other order could
			// strand the vector.
			d.orIRRWord(int(vector)>>5, 1<<(vector&31))
			d.orStatus(StatusMultipleVectors)
		default:
			return fmt.Errorf("doorbell: vector %#x needs the pending slot", vector)
		}
		break
	}
	p.signalSummary(vmpl)
	return nil
}

// SignalLevelSensitive posts a level-triggered vector. Level interrupts only
// travel through the pending slot, so the call fails when it is occupied.
func (p *Page) SignalLevelSensitive(vmpl int, vector uint8) error {
	if vmpl < 0 || vmpl >= NumVMPL {
		return fmt.Errorf("doorbell: VMPL %d out of range", vmpl)
	}
	d := &p.vmpl[vmpl]
	for {
		old := d.Status()
		if old.PendingVector() != 0 || old.LevelSensitive() {
			return fmt.Errorf("doorbell: pending slot busy, vector %#x not posted", vector)
		}
		if _, ok := d.CASStatus(old, old.WithPendingVector(vector)|StatusLevelSensitive); ok {
			p.signalSummary(vmpl)
			return nil
		}
	}
}

// SignalEvents raises wake-only event flags on descriptor 0.
func (p *Page) SignalEvents(flags Status) {
	p.vmpl[0].orStatus(flags)
}

func (p *Page) signalSummary(vmpl int) {
	if p.multiVMPL && vmpl >= 1 {
		p.vmpl[0].orStatus(VMPLEventMask(vmpl))
	}
}
