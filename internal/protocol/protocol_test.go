package protocol

import (
	"errors"
	"testing"

	"github.com/aegisvm/aegis/internal/cpu"
	"github.com/aegisvm/aegis/internal/platform"
)

type guestState struct {
	tpr       uint8
	delivered uint8
	queued    uint8
}

func (g *guestState) TPR() uint8              { return g.tpr }
func (g *guestState) SetTPR(value uint8)      { g.tpr = value }
func (g *guestState) InterruptsEnabled() bool { return true }
func (g *guestState) InInterruptShadow() bool { return false }

func (g *guestState) TryDeliverInterrupt(vector uint8) bool {
	g.delivered = vector
	return true
}

func (g *guestState) QueueInterrupt(vector uint8) { g.queued = vector }

func (g *guestState) CheckAndClearPendingInterruptEvent() uint8 {
	v := g.delivered
	g.delivered = 0
	return v
}

func (g *guestState) CheckAndClearPendingVirtualInterrupt() uint8 {
	v := g.queued
	g.queued = 0
	return v
}

func newTestArea(t *testing.T) *cpu.Area {
	t.Helper()
	dir := cpu.NewDirectory(platform.Null{})
	a, err := dir.Create(7)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func TestQueryFeatures(t *testing.T) {
	a := newTestArea(t)
	cs := &guestState{}

	params := &Params{RCX: 0xFFFF}
	if err := Handle(a, cs, ReqQueryFeatures, params); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if params.RCX != 0 {
		t.Fatalf("RCX = %#x, want 0 feature bits", params.RCX)
	}
}

func TestReadRegister(t *testing.T) {
	a := newTestArea(t)
	cs := &guestState{}

	params := &Params{RCX: cpu.RegAPICID}
	if err := Handle(a, cs, ReqReadRegister, params); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if params.RDX != 7 {
		t.Fatalf("RDX = %#x, want apic id 7", params.RDX)
	}

	params = &Params{RCX: 0x999}
	err := Handle(a, cs, ReqReadRegister, params)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("err = %v, want ErrInvalidParameter", err)
	}
}

func TestWriteRegister(t *testing.T) {
	a := newTestArea(t)
	cs := &guestState{}

	params := &Params{RCX: cpu.RegTPR, RDX: 0x30}
	if err := Handle(a, cs, ReqWriteRegister, params); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if cs.tpr != 0x30 {
		t.Fatalf("tpr = %#x, want 0x30", cs.tpr)
	}

	params = &Params{RCX: cpu.RegTPR, RDX: 0x1FF}
	if err := Handle(a, cs, ReqWriteRegister, params); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("err = %v, want ErrInvalidParameter", err)
	}
}

func TestUnknownRequest(t *testing.T) {
	a := newTestArea(t)
	cs := &guestState{}

	err := Handle(a, cs, 0x17, &Params{})
	if !errors.Is(err, ErrUnsupportedCall) {
		t.Fatalf("err = %v, want ErrUnsupportedCall", err)
	}
}

func TestResultCodes(t *testing.T) {
	cases := []struct {
		err  error
		want uint64
	}{
		{nil, ResultSuccess},
		{ErrInvalidParameter, ResultInvalidParameter},
		{ErrUnsupportedCall, ResultUnsupportedCall},
		{errors.New("other"), ResultInvalidRequest},
	}
	for _, tc := range cases {
		if got := ResultCode(tc.err); got != tc.want {
			t.Fatalf("ResultCode(%v) = %#x, want %#x", tc.err, got, tc.want)
		}
	}
}
