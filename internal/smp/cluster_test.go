package smp

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegisvm/aegis/internal/config"
	"github.com/aegisvm/aegis/internal/cpu"
	"github.com/aegisvm/aegis/internal/guestmem"
	"github.com/aegisvm/aegis/internal/itrace"
	"github.com/aegisvm/aegis/internal/platform"
	"github.com/aegisvm/aegis/internal/protocol"
)

func newTestCluster(t *testing.T, cfg config.Config) (*Cluster, *platform.Loopback) {
	t.Helper()
	lb := platform.NewLoopback()
	c, err := New(cfg, lb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c, lb
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClusterBringup(t *testing.T) {
	c, _ := newTestCluster(t, config.Default(4))

	if c.Len() != 4 {
		t.Fatalf("Len = %d, want 4", c.Len())
	}
	for i := 0; i < c.Len(); i++ {
		a := c.Node(i).Area()
		if !a.Online() {
			t.Errorf("cpu %d not online", i)
		}
		if !a.IPIParticipant() {
			t.Errorf("cpu %d not an IPI participant", i)
		}
	}
	if c.Node(-1) != nil || c.Node(4) != nil {
		t.Fatal("out of range Node lookup returned a node")
	}

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("second Start did not fail")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(config.Config{}, platform.NewLoopback()); err == nil {
		t.Fatal("New accepted an empty topology")
	}
}

func TestCallLifecycle(t *testing.T) {
	c, err := New(config.Default(1), platform.NewLoopback())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n := c.Node(0)

	if err := n.Call(func(*cpu.Area) error { return nil }); err == nil {
		t.Fatal("Call before Start did not fail")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.Call(func(*cpu.Area) error { return nil }); err != nil {
		t.Fatalf("Call on running cluster: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := n.Call(func(*cpu.Area) error { return nil }); err == nil {
		t.Fatal("Call after Close did not fail")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestGuestIPIRoundTrip(t *testing.T) {
	c, _ := newTestCluster(t, config.Default(2))

	icr := cpu.Icr(0).WithVector(0x40).WithDestination(1).WithAssert(true)
	err := c.Node(0).Call(func(a *cpu.Area) error {
		return a.WriteRegister(c.Node(0).guest, cpu.RegICR, uint64(icr))
	})
	if err != nil {
		t.Fatalf("ICR write: %v", err)
	}

	waitFor(t, "vector 0x40 on cpu 1", func() bool {
		return c.Node(1).Guest().Taken(0x40) == 1
	})
}

func TestGuestIPIBroadcast(t *testing.T) {
	c, _ := newTestCluster(t, config.Default(4))

	icr := cpu.Icr(0).WithVector(0x40).WithAssert(true).
		WithDestinationShorthand(cpu.DestAllButSelf)
	err := c.Node(0).Call(func(a *cpu.Area) error {
		return a.WriteRegister(c.Node(0).guest, cpu.RegICR, uint64(icr))
	})
	if err != nil {
		t.Fatalf("ICR write: %v", err)
	}

	for i := 1; i < c.Len(); i++ {
		waitFor(t, "broadcast vector on receiver", func() bool {
			return c.Node(i).Guest().Taken(0x40) == 1
		})
	}
	if got := c.Node(0).Guest().Taken(0x40); got != 0 {
		t.Fatalf("sender took its own all-but-self broadcast %d times", got)
	}
}

func TestSelfIPIRegister(t *testing.T) {
	c, _ := newTestCluster(t, config.Default(1))

	err := c.Node(0).Call(func(a *cpu.Area) error {
		return a.WriteRegister(c.Node(0).guest, cpu.RegSelfIPI, 0x42)
	})
	if err != nil {
		t.Fatalf("self IPI write: %v", err)
	}

	waitFor(t, "self IPI vector", func() bool {
		return c.Node(0).Guest().Taken(0x42) == 1
	})
}

func TestHostVectorDelivery(t *testing.T) {
	cfg := config.Default(1)
	cfg.AllowedVectors = []uint8{0x50}
	c, lb := newTestCluster(t, cfg)

	if err := lb.SignalVector(0, 0, 0x50); err != nil {
		t.Fatalf("SignalVector: %v", err)
	}
	waitFor(t, "host vector 0x50", func() bool {
		return c.Node(0).Guest().Taken(0x50) == 1
	})
}

func TestHostVectorFiltered(t *testing.T) {
	cfg := config.Default(1)
	cfg.AllowedVectors = []uint8{0x50}
	c, lb := newTestCluster(t, cfg)

	// 0x33 was never configured, so the host filter drops it. The allowed
	// vector behind it must still come through.
	if err := lb.SignalVector(0, 0, 0x33); err != nil {
		t.Fatalf("SignalVector: %v", err)
	}
	if err := lb.SignalVector(0, 0, 0x50); err != nil {
		t.Fatalf("SignalVector: %v", err)
	}

	waitFor(t, "allowed vector 0x50", func() bool {
		return c.Node(0).Guest().Taken(0x50) == 1
	})
	if got := c.Node(0).Guest().Taken(0x33); got != 0 {
		t.Fatalf("filtered vector taken %d times", got)
	}
}

func TestMultiVMPLSignalling(t *testing.T) {
	cfg := config.Default(1)
	cfg.MultiVMPL = true
	cfg.GuestVMPL = 1
	cfg.AllowedVectors = []uint8{0x44, 0x45}
	c, lb := newTestCluster(t, cfg)

	// A vector for VMPL 0 must never reach a guest running at VMPL 1.
	if err := lb.SignalVector(0, 0, 0x45); err != nil {
		t.Fatalf("SignalVector vmpl 0: %v", err)
	}
	if err := lb.SignalVector(0, 1, 0x44); err != nil {
		t.Fatalf("SignalVector vmpl 1: %v", err)
	}

	waitFor(t, "guest VMPL vector 0x44", func() bool {
		return c.Node(0).Guest().Taken(0x44) == 1
	})
	if got := c.Node(0).Guest().Taken(0x45); got != 0 {
		t.Fatalf("vector for another VMPL taken %d times", got)
	}
}

func TestHostIRQHandler(t *testing.T) {
	lb := platform.NewLoopback()
	c, err := New(config.Default(1), lb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	var hits atomic.Int64
	c.Node(0).SetIRQHandler(0x70, func() { hits.Add(1) })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.Node(0).Area().SignalIRQ(0x70)
	waitFor(t, "irq handler", func() bool { return hits.Load() == 1 })
}

// tallyMessage is a multicast payload: every receiver adds the carried
// value to a shared counter.
type tallyMessage struct {
	value uint32
	total *atomic.Int64
}

func (m *tallyMessage) CopyToShared(buf []byte) int {
	binary.LittleEndian.PutUint32(buf, m.value)
	return 4
}

func (m *tallyMessage) Invoke(shared []byte) {
	m.total.Add(int64(binary.LittleEndian.Uint32(shared)))
}

// bumpMessage is a unicast payload: the receiver increments the value and
// the sender reads it back.
type bumpMessage struct {
	value uint32
}

func (m *bumpMessage) CopyToShared(buf []byte) int {
	binary.LittleEndian.PutUint32(buf, m.value)
	return 4
}

func (m *bumpMessage) InvokeMut(shared []byte) {
	binary.LittleEndian.PutUint32(shared, binary.LittleEndian.Uint32(shared)+1)
}

func (m *bumpMessage) CopyFromShared(shared []byte) {
	m.value = binary.LittleEndian.Uint32(shared)
}

func TestMessageBroadcast(t *testing.T) {
	c, _ := newTestCluster(t, config.Default(4))

	var total atomic.Int64
	err := c.Node(0).Call(func(a *cpu.Area) error {
		a.SendMulticast(cpu.TargetAll, &tallyMessage{value: 3, total: &total})
		return nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := total.Load(); got != 12 {
		t.Fatalf("total = %d, want 12 from 4 CPUs", got)
	}
}

func TestMessageUnicastEcho(t *testing.T) {
	c, _ := newTestCluster(t, config.Default(2))

	m := &bumpMessage{value: 4}
	err := c.Node(0).Call(func(a *cpu.Area) error {
		a.SendUnicast(1, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if m.value != 5 {
		t.Fatalf("echoed value = %d, want 5", m.value)
	}
}

func TestMessageSendsCross(t *testing.T) {
	// Every CPU sends to its ring neighbour at the same time. The send spin
	// services incoming requests under the task channel, so the crossing
	// sends cannot deadlock.
	c, _ := newTestCluster(t, config.Default(4))

	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < c.Len(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Node(i).Call(func(a *cpu.Area) error {
				next := (a.CPUIndex() + 1) % 4
				a.SendMulticast(cpu.TargetSingle(next), &tallyMessage{value: 1, total: &total})
				return nil
			})
			if err != nil {
				t.Errorf("cpu %d Call: %v", i, err)
			}
		}()
	}
	wg.Wait()

	if got := total.Load(); got != 4 {
		t.Fatalf("total = %d, want 4", got)
	}
}

func TestRequestServicesProtocol(t *testing.T) {
	cfg := config.Default(1)
	cfg.CPUs[0].APICID = 5
	c, _ := newTestCluster(t, cfg)
	n := c.Node(0)

	params := &protocol.Params{RCX: cpu.RegAPICID}
	if err := n.Request(protocol.ReqReadRegister, params); err != nil {
		t.Fatalf("read apic id: %v", err)
	}
	if params.RDX != 5 {
		t.Fatalf("apic id = %#x, want 5", params.RDX)
	}

	params = &protocol.Params{RCX: cpu.RegTPR, RDX: 0x30}
	if err := n.Request(protocol.ReqWriteRegister, params); err != nil {
		t.Fatalf("write tpr: %v", err)
	}
	params = &protocol.Params{RCX: cpu.RegTPR}
	if err := n.Request(protocol.ReqReadRegister, params); err != nil {
		t.Fatalf("read tpr: %v", err)
	}
	if params.RDX != 0x30 {
		t.Fatalf("tpr = %#x, want 0x30", params.RDX)
	}

	err := n.Request(protocol.ReqReadRegister, &protocol.Params{RCX: 0x900})
	if !errors.Is(err, protocol.ErrInvalidParameter) {
		t.Fatalf("unknown register error = %v", err)
	}
	if code := protocol.ResultCode(err); code != protocol.ResultInvalidParameter {
		t.Fatalf("result code = %#x, want invalid parameter", code)
	}

	err = n.Request(9, &protocol.Params{})
	if !errors.Is(err, protocol.ErrUnsupportedCall) {
		t.Fatalf("unsupported request error = %v", err)
	}

	if pending, err := n.CallingArea().CallPending(); err != nil || pending {
		t.Fatalf("call pending after requests = %v, %v", pending, err)
	}
}

func TestRequestRevokedCallingArea(t *testing.T) {
	c, _ := newTestCluster(t, config.Default(1))
	n := c.Node(0)

	n.Region().Revoke()
	err := n.Request(protocol.ReqQueryFeatures, &protocol.Params{})
	if !errors.Is(err, guestmem.ErrUnmapped) {
		t.Fatalf("request on revoked calling area = %v", err)
	}
}

func TestLazyEOIDeferredRetirement(t *testing.T) {
	cfg := config.Default(1)
	cfg.AllowedVectors = []uint8{0x40, 0x50}
	c, lb := newTestCluster(t, cfg)
	n := c.Node(0)

	readISR := func() uint64 {
		var isr uint64
		err := n.Call(func(a *cpu.Area) error {
			var err error
			isr, err = a.ReadRegister(n.guest, cpu.RegISR0+2)
			return err
		})
		if err != nil {
			t.Fatalf("ISR read: %v", err)
		}
		return isr
	}

	// The first vector is taken through the lazy EOI offer, so it stays in
	// service until interrupt activity brings the APIC back in.
	if err := lb.SignalVector(0, 0, 0x40); err != nil {
		t.Fatalf("SignalVector: %v", err)
	}
	waitFor(t, "vector 0x40", func() bool { return n.Guest().Taken(0x40) == 1 })
	if isr := readISR(); isr != 1<<0 {
		t.Fatalf("ISR word 2 = %#x, want vector 0x40 in service", isr)
	}

	// The second delivery retires the first vector on its way in and then
	// parks itself the same way.
	if err := lb.SignalVector(0, 0, 0x50); err != nil {
		t.Fatalf("SignalVector: %v", err)
	}
	waitFor(t, "vector 0x50", func() bool { return n.Guest().Taken(0x50) == 1 })
	if isr := readISR(); isr != 1<<16 {
		t.Fatalf("ISR word 2 = %#x, want only vector 0x50 in service", isr)
	}

	if set, err := n.CallingArea().NoEOIRequired(); err != nil || set {
		t.Fatalf("lazy EOI flag left set: %v, %v", set, err)
	}
}

func TestTraceCapturesDelivery(t *testing.T) {
	buf := &itrace.Buffer{}
	if err := itrace.Open(buf); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer itrace.Close()

	cfg := config.Default(1)
	cfg.AllowedVectors = []uint8{0x50}
	c, lb := newTestCluster(t, cfg)

	if err := lb.SignalVector(0, 0, 0x50); err != nil {
		t.Fatalf("SignalVector: %v", err)
	}
	waitFor(t, "traced vector", func() bool {
		return c.Node(0).Guest().Taken(0x50) == 1
	})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := itrace.Close(); err != nil {
		t.Fatalf("trace close: %v", err)
	}

	events, err := itrace.Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	counts := itrace.CountByKind(events)
	if counts[itrace.KindWake] == 0 {
		t.Error("no wake events traced")
	}
	if counts[itrace.KindDeliver] == 0 {
		t.Error("no delivery events traced")
	}
}
