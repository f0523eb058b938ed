package doorbell

import (
	"fmt"
	"strings"
)

// Status is the 32-bit status word at the head of a doorbell descriptor.
// Bits 0-7 carry a single pending vector; the rest are event flags.
type Status uint32

const (
	StatusNMIPending      Status = 1 << 8
	StatusMCPending       Status = 1 << 9
	StatusLevelSensitive  Status = 1 << 10
	StatusIPIPending      Status = 1 << 11
	StatusTimerPending    Status = 1 << 12
	StatusGuestMSRAccess  Status = 1 << 13
	StatusMultipleVectors Status = 1 << 14
	StatusNoFurtherSignal Status = 1 << 15
	StatusNoEOIRequired   Status = 1 << 16

	// StatusVector31 stands in for vector 31, which the IRR bank (vectors
	// 32..255) cannot represent.
	StatusVector31 Status = 1 << 31

	statusVectorMask Status = 0xFF
)

// VMPLEventMask returns the descriptor 0 summary bit announcing events for
// vmpl, which must be 1..3.
func VMPLEventMask(vmpl int) Status {
	return 1 << (16 + vmpl)
}

func (s Status) PendingVector() uint8 { return uint8(s) }

func (s Status) WithPendingVector(v uint8) Status {
	return s&^statusVectorMask | Status(v)
}

func (s Status) NMIPending() bool      { return s&StatusNMIPending != 0 }
func (s Status) MCPending() bool       { return s&StatusMCPending != 0 }
func (s Status) LevelSensitive() bool  { return s&StatusLevelSensitive != 0 }
func (s Status) IPIPending() bool      { return s&StatusIPIPending != 0 }
func (s Status) TimerPending() bool    { return s&StatusTimerPending != 0 }
func (s Status) GuestMSRAccess() bool  { return s&StatusGuestMSRAccess != 0 }
func (s Status) MultipleVectors() bool { return s&StatusMultipleVectors != 0 }
func (s Status) NoFurtherSignal() bool { return s&StatusNoFurtherSignal != 0 }
func (s Status) NoEOIRequired() bool   { return s&StatusNoEOIRequired != 0 }
func (s Status) Vector31() bool        { return s&StatusVector31 != 0 }

func (s Status) VMPLEvents(vmpl int) bool { return s&VMPLEventMask(vmpl) != 0 }

func (s Status) String() string {
	var parts []string
	if v := s.PendingVector(); v != 0 {
		parts = append(parts, fmt.Sprintf("vector=%#x", v))
	}
	for _, f := range []struct {
		mask Status
		name string
	}{
		{StatusNMIPending, "nmi"},
		{StatusMCPending, "mc"},
		{StatusLevelSensitive, "level"},
		{StatusIPIPending, "ipi"},
		{StatusTimerPending, "timer"},
		{StatusGuestMSRAccess, "msr"},
		{StatusMultipleVectors, "multi"},
		{StatusNoFurtherSignal, "nosignal"},
		{StatusNoEOIRequired, "noeoi"},
		{StatusVector31, "vector31"},
	} {
		if s&f.mask != 0 {
			parts = append(parts, f.name)
		}
	}
	for vmpl := 1; vmpl <= 3; vmpl++ {
		if s.VMPLEvents(vmpl) {
			parts = append(parts, fmt.Sprintf("vmpl%d", vmpl))
		}
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, ",")
}
