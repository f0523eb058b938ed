// Package protocol services the guest-facing APIC protocol: the request
// codes a confidential guest issues to query, read and write its emulated
// APIC. The caller owns the guest register file and maps returned errors to
// protocol result codes for the guest.
package protocol

import (
	"errors"
	"fmt"

	"github.com/aegisvm/aegis/internal/cpu"
)

// APIC protocol request codes.
const (
	ReqQueryFeatures uint32 = 0
	ReqReadRegister  uint32 = 1
	ReqWriteRegister uint32 = 2
)

var (
	// ErrInvalidParameter covers every APIC access the emulator refused.
	ErrInvalidParameter = errors.New("protocol: invalid parameter")
	// ErrUnsupportedCall is returned for request codes outside the
	// protocol.
	ErrUnsupportedCall = errors.New("protocol: unsupported call")
)

// Protocol result codes returned to the guest.
const (
	ResultSuccess          uint64 = 0
	ResultUnsupportedCall  uint64 = 0x8000_0002
	ResultInvalidParameter uint64 = 0x8000_0005
	ResultInvalidRequest   uint64 = 0x8000_0006
)

// Params is the slice of the guest register file the protocol reads and
// writes.
type Params struct {
	RCX uint64
	RDX uint64
	R8  uint64
}

// Handle services one APIC protocol request on the calling CPU, mutating
// params in place.
func Handle(a *cpu.Area, cs cpu.CPUState, request uint32, params *Params) error {
	switch request {
	case ReqQueryFeatures:
		// No features are supported beyond the base feature set.
		params.RCX = 0
		return nil

	case ReqReadRegister:
		value, err := a.ReadRegister(cs, params.RCX)
		if err != nil {
			return fmt.Errorf("%w: reading register %#x", ErrInvalidParameter, params.RCX)
		}
		params.RDX = value
		return nil

	case ReqWriteRegister:
		if err := a.WriteRegister(cs, params.RCX, params.RDX); err != nil {
			return fmt.Errorf("%w: writing register %#x", ErrInvalidParameter, params.RCX)
		}
		return nil

	default:
		return fmt.Errorf("%w: request %#x", ErrUnsupportedCall, request)
	}
}

// ResultCode maps a Handle error to the code reported to the guest.
func ResultCode(err error) uint64 {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrInvalidParameter):
		return ResultInvalidParameter
	case errors.Is(err, ErrUnsupportedCall):
		return ResultUnsupportedCall
	default:
		return ResultInvalidRequest
	}
}
