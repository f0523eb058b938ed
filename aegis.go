// Package aegis emulates the interrupt plumbing of a privileged VM
// service layer: per-CPU x2APIC state, host-injected doorbell events,
// and a cross-CPU messaging fabric built on IPIs. A Cluster runs one
// goroutine per virtual CPU and exposes each CPU's APIC through
// MSR-style register accesses.
package aegis

import (
	"github.com/aegisvm/aegis/internal/config"
	"github.com/aegisvm/aegis/internal/cpu"
	"github.com/aegisvm/aegis/internal/guestmem"
	"github.com/aegisvm/aegis/internal/platform"
	"github.com/aegisvm/aegis/internal/protocol"
	"github.com/aegisvm/aegis/internal/smp"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Cluster is a running set of virtual CPUs sharing one interrupt fabric.
type Cluster = smp.Cluster

// Node is one virtual CPU of a Cluster together with its guest-visible
// state: APIC area, simulated guest, shared memory region and calling area.
type Node = smp.Node

// GuestState simulates the guest side of a CPU: interrupt flag, shadow,
// task priority and the single hardware injection slot.
type GuestState = smp.GuestState

// Area is the per-CPU interrupt area: the APIC plus host IRQ plumbing.
type Area = cpu.Area

// Directory maps APIC IDs to per-CPU areas and routes ICR writes.
type Directory = cpu.Directory

// LocalApic is one CPU's emulated x2APIC.
type LocalApic = cpu.LocalApic

// Icr is the raw value of an interrupt command register write.
type Icr = cpu.Icr

// Target selects the CPUs addressed by a message send.
type Target = cpu.Target

// CpuSet is a fixed-size bitmap of CPU indexes.
type CpuSet = cpu.CpuSet

// Message is a multicast IPI payload.
type Message = cpu.Message

// MessageMut is a unicast IPI payload whose shared bytes the receiver
// may rewrite.
type MessageMut = cpu.MessageMut

// Loopback is an in-process interrupt plane connecting a cluster's CPUs.
type Loopback = platform.Loopback

// Config describes a cluster: its CPUs and the stress-run parameters.
type Config = config.Config

// CPUConfig describes one virtual CPU.
type CPUConfig = config.CPUConfig

// StressConfig holds the messaging stress-run parameters.
type StressConfig = config.StressConfig

// Params carries the argument and result registers of a protocol call.
type Params = protocol.Params

// Region is a bounds-checked window of shared guest memory.
type Region = guestmem.Region

// CallingArea is the per-CPU mailbox used for protocol calls and the
// lazy EOI handshake.
type CallingArea = guestmem.CallingArea

// x2APIC register numbers accepted by ReadRegister and WriteRegister.
const (
	RegAPICID  = cpu.RegAPICID
	RegTPR     = cpu.RegTPR
	RegPPR     = cpu.RegPPR
	RegEOI     = cpu.RegEOI
	RegISR0    = cpu.RegISR0
	RegISR7    = cpu.RegISR7
	RegTMR0    = cpu.RegTMR0
	RegTMR7    = cpu.RegTMR7
	RegIRR0    = cpu.RegIRR0
	RegIRR7    = cpu.RegIRR7
	RegICR     = cpu.RegICR
	RegSelfIPI = cpu.RegSelfIPI
)

// Task priority levels used by the messaging core.
const (
	LevelNormal = cpu.LevelNormal
	LevelSynch  = cpu.LevelSynch
	LevelIPI    = cpu.LevelIPI
)

// IPIVector is the fixed vector cross-CPU messages ride on.
const IPIVector = cpu.IPIVector

// Cluster limits.
const (
	MaxCPUs        = cpu.MaxCPUs
	MaxMessageSize = cpu.MaxMessageSize
)

// Broadcast targets.
var (
	// TargetAll addresses every messaging participant, the sender included.
	TargetAll = cpu.TargetAll
	// TargetAllButSelf addresses every participant except the sender.
	TargetAllButSelf = cpu.TargetAllButSelf
)

// Protocol request codes accepted by Node.Request.
const (
	ReqQueryFeatures = protocol.ReqQueryFeatures
	ReqReadRegister  = protocol.ReqReadRegister
	ReqWriteRegister = protocol.ReqWriteRegister
)

// Protocol result codes, as reported by ResultCode.
const (
	ResultSuccess          = protocol.ResultSuccess
	ResultUnsupportedCall  = protocol.ResultUnsupportedCall
	ResultInvalidParameter = protocol.ResultInvalidParameter
	ResultInvalidRequest   = protocol.ResultInvalidRequest
)

// Common sentinel errors.
var (
	ErrApicAccess       = cpu.ErrApicAccess
	ErrUnmapped         = guestmem.ErrUnmapped
	ErrInvalidParameter = protocol.ErrInvalidParameter
	ErrUnsupportedCall  = protocol.ErrUnsupportedCall
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New builds a cluster from cfg on the given interrupt plane. The cluster
// is fully wired but idle until Start; the caller must Close it.
func New(cfg Config, lb *Loopback) (*Cluster, error) {
	return smp.New(cfg, lb)
}

// NewLoopback creates an empty in-process interrupt plane.
func NewLoopback() *Loopback {
	return platform.NewLoopback()
}

// DefaultConfig returns a runnable configuration for a cluster of n CPUs.
func DefaultConfig(n int) Config {
	return config.Default(n)
}

// LoadConfig reads, normalizes and validates a YAML cluster
// configuration from path.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// ParseConfig parses, normalizes and validates a YAML cluster
// configuration.
func ParseConfig(data []byte) (Config, error) {
	return config.Parse(data)
}

// TargetSingle addresses one CPU by dense index.
func TargetSingle(index int) Target {
	return cpu.TargetSingle(index)
}

// TargetMultiple addresses the CPUs in set.
func TargetMultiple(set CpuSet) Target {
	return cpu.TargetMultiple(set)
}

// ResultCode maps a protocol error to the result code the guest observes.
func ResultCode(err error) uint64 {
	return protocol.ResultCode(err)
}
