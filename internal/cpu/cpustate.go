package cpu

import "github.com/aegisvm/aegis/internal/doorbell"

// CPUState is the guest CPU interrupt state the APIC emulator reads and
// manipulates while presenting interrupts. Implementations wrap whatever
// holds the real register state: a hardware VMSA on SEV-SNP, a TD vCPU
// descriptor on TDX, or a plain struct in tests.
type CPUState interface {
	// TPR returns the guest task priority register.
	TPR() uint8
	SetTPR(value uint8)

	// InterruptsEnabled reports whether the guest can take an interrupt at
	// the next entry (RFLAGS.IF equivalent).
	InterruptsEnabled() bool

	// InInterruptShadow reports whether the guest sits in an interrupt
	// shadow where injection must be deferred.
	InInterruptShadow() bool

	// TryDeliverInterrupt injects vector for delivery at the next guest
	// entry. It reports false when the state cannot accept an injection
	// right now.
	TryDeliverInterrupt(vector uint8) bool

	// QueueInterrupt arranges for vector to be delivered once the guest
	// becomes interruptible.
	QueueInterrupt(vector uint8)

	// CheckAndClearPendingInterruptEvent removes and returns a previously
	// injected vector the guest has not consumed, or 0.
	CheckAndClearPendingInterruptEvent() uint8

	// CheckAndClearPendingVirtualInterrupt removes and returns a previously
	// queued vector the guest has not consumed, or 0.
	CheckAndClearPendingVirtualInterrupt() uint8
}

// EOIChannel is the guest-visible lazy EOI flag, normally a byte in the
// per-CPU calling area. Accesses can fail when the guest unmaps the area;
// failures disable the lazy EOI optimization rather than propagate.
type EOIChannel interface {
	NoEOIRequired() (bool, error)
	SetNoEOIRequired(set bool) error
}

// Platform is the host notification channel: everything the interrupt core
// needs from whatever runs underneath it. Production backends speak a
// hypervisor interface; tests use an in-process loopback.
type Platform interface {
	// PostIRQ asks the host to deliver the hardware interrupt described by
	// icr on behalf of the CPU with APIC ID from.
	PostIRQ(from uint32, icr uint64) error

	// SpecificEOI acknowledges a level-sensitive host interrupt at its
	// source on behalf of the given VMPL.
	SpecificEOI(vector uint8, vmpl uint8) error

	// RegisterDoorbell connects a CPU's doorbell page to the host.
	RegisterDoorbell(apicID uint32, page *doorbell.Page) error
}

// ICRRouter carries guest interprocessor interrupts written to the ICR
// register to their destination CPUs. Self-targeted shorthands never reach
// the router.
type ICRRouter interface {
	RouteICR(fromAPICID uint32, icr Icr)
}
