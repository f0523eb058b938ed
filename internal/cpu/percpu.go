package cpu

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aegisvm/aegis/internal/doorbell"
	"github.com/aegisvm/aegis/internal/vecbit"
)

// Area is one CPU's slice of the service layer. Most fields belong to the
// owning CPU alone; the atomic request and IRR windows are the only state
// other CPUs may touch, which is what lets the rest go unlocked.
type Area struct {
	cpuIndex int
	apicID   uint32
	dir      *Directory

	apic     *LocalApic
	priority TaskPriority
	eoi      EOIChannel

	// Cross-CPU windows.
	board       ipiBoard
	ipiRequests AtomicCpuSet  // senders with a posted board
	hwIRR       vecbit.Atomic // vectors posted by the platform
	guestIPI    vecbit.Atomic // guest vectors from other CPUs' ICR writes

	online         atomic.Bool
	ipiParticipant atomic.Bool

	wake     chan struct{}
	handlers [256]func(*Area)
}

func (a *Area) CPUIndex() int  { return a.cpuIndex }
func (a *Area) APICID() uint32 { return a.apicID }

func (a *Area) Apic() *LocalApic { return a.apic }

// Priority is the CPU's service-layer task priority cell.
func (a *Area) Priority() *TaskPriority { return &a.priority }

// SetCallingArea attaches the guest calling area used for the lazy EOI
// handshake. Must happen before the CPU starts presenting interrupts.
func (a *Area) SetCallingArea(eoi EOIChannel) {
	a.eoi = eoi
}

// AttachDoorbell registers page with the platform and wires it into the
// host drain. Registration failure leaves the CPU unreachable for host
// interrupts, which the rest of the system is not prepared to survive.
func (a *Area) AttachDoorbell(page *doorbell.Page) {
	if err := a.dir.platform.RegisterDoorbell(a.apicID, page); err != nil {
		panic(fmt.Sprintf("cpu %d: registering doorbell: %v", a.cpuIndex, err))
	}
	a.apic.SetDoorbell(page)
}

// MarkOnline publishes the CPU as fully started.
func (a *Area) MarkOnline() {
	a.online.Store(true)
}

func (a *Area) Online() bool { return a.online.Load() }

// MarkIPIParticipant adds the CPU to the broadcast IPI target set. CPUs
// join before going online so no broadcast can miss a started CPU.
func (a *Area) MarkIPIParticipant() {
	a.ipiParticipant.Store(true)
}

func (a *Area) IPIParticipant() bool { return a.ipiParticipant.Load() }

// Wake nudges the CPU's service loop. Safe from any goroutine; multiple
// wakes coalesce.
func (a *Area) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// WakeChan is the channel the CPU's service loop blocks on.
func (a *Area) WakeChan() <-chan struct{} { return a.wake }

// SignalIRQ is the platform's entry point: the hardware-plane vector is
// recorded and the CPU woken to service it.
func (a *Area) SignalIRQ(vector uint8) {
	a.hwIRR.Insert(vector)
	a.Wake()
}

// SetIRQHandler binds a handler to a hardware vector. Handlers run with
// the task priority raised to the vector's class. Bind before the CPU
// starts; the handler table is not synchronized.
func (a *Area) SetIRQHandler(vector uint8, h func(*Area)) {
	a.handlers[vector] = h
}

// ServiceIRQs drains the hardware IRR highest-first, dispatching every
// vector whose priority class exceeds the current task priority. Lower
// vectors stay pending until the priority drops.
func (a *Area) ServiceIRQs() {
	for {
		vector := a.hwIRR.ScanHighest()
		if vector == 0 || vector>>4 <= a.priority.Level() {
			return
		}
		if !a.hwIRR.TestAndClear(vector) {
			continue
		}
		a.dispatchIRQ(vector)
	}
}

func (a *Area) dispatchIRQ(vector uint8) {
	g := RaiseTpr(&a.priority, vector>>4)
	defer g.Release()

	if vector == IPIVector {
		a.HandleIPIInterrupt()
		return
	}
	if h := a.handlers[vector]; h != nil {
		h(a)
		return
	}
	slog.Debug("cpu: dropping unhandled irq", "cpu", a.cpuIndex, "vector", vector)
}

// PostGuestIPI records a guest-plane vector sent to this CPU by another
// CPU's ICR write. The owner folds it into its local APIC on the next
// presentation pass.
func (a *Area) PostGuestIPI(vector uint8) {
	a.guestIPI.Insert(vector)
	a.Wake()
}

func (a *Area) foldGuestIPIs() {
	var pending vecbit.Set
	if a.guestIPI.Drain(&pending) {
		for word, w := range pending {
			a.apic.postSeveral(word, w)
		}
	}
}

// Present runs one interrupt presentation pass against the guest CPU
// state: fold cross-CPU guest IPIs, then let the APIC drain the doorbell
// and deliver or queue the best pending vector.
func (a *Area) Present(cs CPUState) {
	a.foldGuestIPIs()
	a.apic.PresentInterrupts(cs, a.eoi)
}

// ReadRegister services a guest APIC register read on this CPU.
func (a *Area) ReadRegister(cs CPUState, register uint64) (uint64, error) {
	return a.apic.ReadRegister(cs, a.eoi, register)
}

// WriteRegister services a guest APIC register write on this CPU.
func (a *Area) WriteRegister(cs CPUState, register, value uint64) error {
	return a.apic.WriteRegister(cs, a.eoi, register, value)
}

// Directory owns the per-CPU areas. Areas are created while the system is
// still single-threaded and never move or disappear afterward, so
// cross-CPU references need no further coordination.
type Directory struct {
	platform Platform
	areas    []*Area
	byAPICID map[uint32]*Area
}

func NewDirectory(platform Platform) *Directory {
	return &Directory{
		platform: platform,
		byAPICID: make(map[uint32]*Area),
	}
}

// Create allocates the area for the next CPU index. Call only during
// single-threaded bringup.
func (d *Directory) Create(apicID uint32) (*Area, error) {
	if _, ok := d.byAPICID[apicID]; ok {
		return nil, fmt.Errorf("cpu: duplicate APIC ID %#x", apicID)
	}
	if len(d.areas) >= MaxCPUs {
		return nil, fmt.Errorf("cpu: more than %d CPUs", MaxCPUs)
	}
	a := &Area{
		cpuIndex: len(d.areas),
		apicID:   apicID,
		dir:      d,
		apic:     NewLocalApic(apicID),
		wake:     make(chan struct{}, 1),
	}
	a.apic.SetPlatform(d.platform)
	a.apic.SetRouter(d)
	d.areas = append(d.areas, a)
	d.byAPICID[apicID] = a
	return a, nil
}

func (d *Directory) Len() int { return len(d.areas) }

// ByIndex returns the area for a CPU index, nil when absent.
func (d *Directory) ByIndex(cpu int) *Area {
	if cpu < 0 || cpu >= len(d.areas) {
		return nil
	}
	return d.areas[cpu]
}

// ByAPICID returns the area owning an APIC ID, nil when absent.
func (d *Directory) ByAPICID(id uint32) *Area {
	return d.byAPICID[id]
}

// ForEach visits every created area in CPU index order.
func (d *Directory) ForEach(fn func(*Area)) {
	for _, a := range d.areas {
		fn(a)
	}
}

// RouteICR implements the cross-CPU path for guest ICR writes: the vector
// lands in each destination's guest IPI window and the destination CPUs
// are kicked through the platform. Destinations that match no CPU are
// dropped, matching what the hardware would do with the same write.
func (d *Directory) RouteICR(fromAPICID uint32, icr Icr) {
	vector := icr.Vector()

	switch icr.DestinationShorthand() {
	case DestAllWithSelf, DestAllButSelf:
		excludeSelf := icr.DestinationShorthand() == DestAllButSelf
		for _, a := range d.areas {
			if excludeSelf && a.apicID == fromAPICID {
				continue
			}
			a.PostGuestIPI(vector)
		}
		// One broadcast kick reaches everyone else; the sender needs no
		// kick since it is the CPU executing this write.
		d.postKick(fromAPICID, kickICR().WithDestinationShorthand(DestAllButSelf))

	default:
		if icr.LogicalDestination() {
			dest := icr.Destination()
			matched := false
			for _, a := range d.areas {
				if !LogicalMatch(dest, a.apicID) {
					continue
				}
				matched = true
				a.PostGuestIPI(vector)
				if a.apicID != fromAPICID {
					d.postKick(fromAPICID, kickICR().WithDestination(a.apicID))
				}
			}
			if !matched {
				slog.Debug("cpu: logical icr matched no cpu", "dest", dest, "vector", vector)
			}
			return
		}

		a := d.ByAPICID(icr.Destination())
		if a == nil {
			slog.Debug("cpu: icr destination absent", "dest", icr.Destination(), "vector", vector)
			return
		}
		a.PostGuestIPI(vector)
		if a.apicID != fromAPICID {
			d.postKick(fromAPICID, kickICR().WithDestination(a.apicID))
		}
	}
}

func kickICR() Icr {
	return Icr(0).WithVector(IPIVector).WithAssert(true)
}

// postKick asks the platform to interrupt the destination CPUs. The
// platform is the only way to reach another CPU, so losing it means
// losing cross-CPU interrupts entirely.
func (d *Directory) postKick(fromAPICID uint32, icr Icr) {
	if err := d.platform.PostIRQ(fromAPICID, uint64(icr)); err != nil {
		panic(fmt.Sprintf("cpu: posting irq %#x: %v", uint64(icr), err))
	}
}
