package cpu

import (
	"strings"
	"testing"

	"github.com/aegisvm/aegis/internal/doorbell"
)

// testPlatform routes posted IRQs straight into the destination areas, the
// way a hypervisor would deliver them.
type testPlatform struct {
	dir  *Directory
	eois []uint8
}

func (p *testPlatform) PostIRQ(from uint32, icr uint64) error {
	req := Icr(icr)
	switch req.DestinationShorthand() {
	case DestAllButSelf:
		p.dir.ForEach(func(a *Area) {
			if a.APICID() != from {
				a.SignalIRQ(req.Vector())
			}
		})
	case DestAllWithSelf:
		p.dir.ForEach(func(a *Area) {
			a.SignalIRQ(req.Vector())
		})
	default:
		if a := p.dir.ByAPICID(req.Destination()); a != nil {
			a.SignalIRQ(req.Vector())
		}
	}
	return nil
}

func (p *testPlatform) SpecificEOI(vector uint8, vmpl uint8) error {
	p.eois = append(p.eois, vector)
	return nil
}

func (p *testPlatform) RegisterDoorbell(apicID uint32, page *doorbell.Page) error {
	return nil
}

func newTestDirectory(t *testing.T, apicIDs ...uint32) *Directory {
	t.Helper()
	platform := &testPlatform{}
	dir := NewDirectory(platform)
	platform.dir = dir
	for _, id := range apicIDs {
		if _, err := dir.Create(id); err != nil {
			t.Fatalf("Create(%#x): %v", id, err)
		}
	}
	return dir
}

func TestDirectoryCreate(t *testing.T) {
	dir := newTestDirectory(t, 1, 2, 5)

	if got := dir.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	if _, err := dir.Create(2); err == nil {
		t.Fatal("duplicate APIC ID accepted")
	}
	if a := dir.ByIndex(1); a == nil || a.APICID() != 2 {
		t.Fatalf("ByIndex(1) = %v", a)
	}
	if a := dir.ByIndex(3); a != nil {
		t.Fatalf("ByIndex(3) = %v, want nil", a)
	}
	if a := dir.ByAPICID(5); a == nil || a.CPUIndex() != 2 {
		t.Fatalf("ByAPICID(5) = %v", a)
	}
	if a := dir.ByAPICID(9); a != nil {
		t.Fatalf("ByAPICID(9) = %v, want nil", a)
	}
}

func TestServiceIRQOrder(t *testing.T) {
	dir := newTestDirectory(t, 1)
	a := dir.ByIndex(0)

	var order []uint8
	record := func(v uint8) func(*Area) {
		return func(*Area) { order = append(order, v) }
	}
	a.SetIRQHandler(0x35, record(0x35))
	a.SetIRQHandler(0x72, record(0x72))

	a.SignalIRQ(0x35)
	a.SignalIRQ(0x72)
	a.ServiceIRQs()

	if len(order) != 2 || order[0] != 0x72 || order[1] != 0x35 {
		t.Fatalf("dispatch order %#v, want [0x72 0x35]", order)
	}
}

func TestServiceIRQRespectsPriority(t *testing.T) {
	dir := newTestDirectory(t, 1)
	a := dir.ByIndex(0)

	fired := false
	a.SetIRQHandler(0x35, func(*Area) { fired = true })
	a.SignalIRQ(0x35)

	g := RaiseTpr(a.Priority(), 0x7)
	a.ServiceIRQs()
	if fired {
		t.Fatal("class 3 vector dispatched at priority 7")
	}
	g.Release()

	a.ServiceIRQs()
	if !fired {
		t.Fatal("vector not dispatched after priority dropped")
	}
}

func TestUnboundVectorDropped(t *testing.T) {
	dir := newTestDirectory(t, 1)
	a := dir.ByIndex(0)

	a.SignalIRQ(0x44)
	a.ServiceIRQs()
	if got := a.hwIRR.ScanHighest(); got != 0 {
		t.Fatalf("hw irr still holds %#x after drop", got)
	}
}

func TestWakeCoalesces(t *testing.T) {
	dir := newTestDirectory(t, 1)
	a := dir.ByIndex(0)

	a.Wake()
	a.Wake()

	<-a.WakeChan()
	select {
	case <-a.WakeChan():
		t.Fatal("two wake tokens for coalesced wakes")
	default:
	}
}

func TestGuestIPIPhysicalDelivery(t *testing.T) {
	dir := newTestDirectory(t, 1, 2)
	a0, a1 := dir.ByIndex(0), dir.ByIndex(1)
	cs0, cs1 := newFakeCPUState(), newFakeCPUState()

	icr := Icr(0).WithVector(0x60).WithAssert(true).WithDestination(a1.APICID())
	if err := a0.WriteRegister(cs0, RegICR, uint64(icr)); err != nil {
		t.Fatalf("icr write: %v", err)
	}

	// The destination got kicked on the hardware plane and the vector
	// waits in its guest IPI window.
	if got := a1.hwIRR.ScanHighest(); got != IPIVector {
		t.Fatalf("kick vector = %#x, want %#x", got, IPIVector)
	}
	a1.ServiceIRQs()
	a1.Present(cs1)
	cs1.consume(t, 0x60)

	// The sender's own state never saw the vector.
	a0.Present(cs0)
	if cs0.delivered != 0 {
		t.Fatalf("sender delivered %#x", cs0.delivered)
	}
}

func TestGuestIPILogicalDelivery(t *testing.T) {
	dir := newTestDirectory(t, 0x11, 0x22, 0x05)
	sender := dir.ByIndex(2)
	cs := newFakeCPUState()

	// Cluster 1, member mask 0b10: only APIC 0x11 matches.
	icr := Icr(0).WithVector(0x71).WithAssert(true).
		WithLogicalDestination(true).WithDestination(0x0001_0002)
	if err := sender.WriteRegister(cs, RegICR, uint64(icr)); err != nil {
		t.Fatalf("icr write: %v", err)
	}

	cs11, cs22 := newFakeCPUState(), newFakeCPUState()
	dir.ByAPICID(0x11).Present(cs11)
	cs11.consume(t, 0x71)
	dir.ByAPICID(0x22).Present(cs22)
	if cs22.delivered != 0 {
		t.Fatalf("apic 0x22 delivered %#x on a foreign logical destination", cs22.delivered)
	}
}

func TestGuestIPIBroadcast(t *testing.T) {
	dir := newTestDirectory(t, 1, 2, 3)
	sender := dir.ByIndex(0)
	cs := newFakeCPUState()

	icr := Icr(0).WithVector(0x66).WithAssert(true).
		WithDestinationShorthand(DestAllButSelf)
	if err := sender.WriteRegister(cs, RegICR, uint64(icr)); err != nil {
		t.Fatalf("icr write: %v", err)
	}

	for i := 1; i < 3; i++ {
		csi := newFakeCPUState()
		dir.ByIndex(i).Present(csi)
		csi.consume(t, 0x66)
	}
	sender.Present(cs)
	if cs.delivered != 0 {
		t.Fatalf("sender delivered %#x on all-but-self", cs.delivered)
	}

	// All-including-self reaches the sender too.
	icr = icr.WithDestinationShorthand(DestAllWithSelf)
	if err := sender.WriteRegister(cs, RegICR, uint64(icr)); err != nil {
		t.Fatalf("icr write: %v", err)
	}
	sender.Present(cs)
	cs.consume(t, 0x66)
}

func TestGuestIPIAbsentDestinationDropped(t *testing.T) {
	dir := newTestDirectory(t, 1)
	a := dir.ByIndex(0)
	cs := newFakeCPUState()

	icr := Icr(0).WithVector(0x60).WithAssert(true).WithDestination(0x99)
	if err := a.WriteRegister(cs, RegICR, uint64(icr)); err != nil {
		t.Fatalf("icr write: %v", err)
	}
	a.Present(cs)
	if cs.delivered != 0 {
		t.Fatalf("delivered %#x for an absent destination", cs.delivered)
	}
}

func TestAttachDoorbellWiresApic(t *testing.T) {
	dir := newTestDirectory(t, 1)
	a := dir.ByIndex(0)
	page := newHostPage(t)
	a.AttachDoorbell(page)

	cs := newFakeCPUState()
	if err := page.SignalVector(0, 0x42); err != nil {
		t.Fatalf("SignalVector: %v", err)
	}
	a.Present(cs)
	cs.consume(t, 0x42)
}

func TestDirectoryRejectsOverflow(t *testing.T) {
	platform := &testPlatform{}
	dir := NewDirectory(platform)
	platform.dir = dir

	for i := 0; i < MaxCPUs; i++ {
		if _, err := dir.Create(uint32(i)); err != nil {
			t.Fatalf("Create(%d): %v", i, err)
		}
	}
	if _, err := dir.Create(MaxCPUs); err == nil {
		t.Fatal("directory grew past its capacity")
	} else if !strings.Contains(err.Error(), "more than") {
		t.Fatalf("unexpected error %v", err)
	}
}
