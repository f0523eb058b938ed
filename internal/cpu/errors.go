package cpu

import "errors"

// ErrApicAccess is returned for guest APIC protocol violations: unknown
// registers, malformed register values, and ICR contents that cannot be
// emulated. The guest receives it as an invalid-parameter failure and may
// retry; it never indicates corrupted emulator state.
var ErrApicAccess = errors.New("cpu: invalid apic access")
