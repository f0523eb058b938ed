// Package config loads the YAML topology and policy documents consumed by
// the cluster helpers and the ipistress tool.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/aegisvm/aegis/internal/cpu"
	"github.com/aegisvm/aegis/internal/doorbell"
	"gopkg.in/yaml.v3"
)

// Defaults applied by normalization.
const (
	DefaultGuestVMPL    = 1
	DefaultRounds       = 64
	DefaultPayloadBytes = 64
)

// Config describes a virtual cluster: its CPUs, the privilege level the
// guest runs at, and the interrupt policy applied before the guest takes
// over with register writes of its own.
type Config struct {
	CPUs []CPUConfig `yaml:"cpus"`

	// MultiVMPL selects the multi-VMPL doorbell layout. GuestVMPL names
	// the privilege level whose events the guest drains; it defaults to
	// 1 with MultiVMPL set and is ignored otherwise.
	MultiVMPL bool `yaml:"multiVmpl,omitempty"`
	GuestVMPL int  `yaml:"guestVmpl,omitempty"`

	// AllowedVectors are opened for host signalling on every CPU at
	// construction time.
	AllowedVectors []uint8 `yaml:"allowedVectors,omitempty"`

	Stress StressConfig `yaml:"stress,omitempty"`
}

// CPUConfig describes one virtual CPU.
type CPUConfig struct {
	APICID uint32 `yaml:"apicId"`
}

// StressConfig parameterizes the ipistress rounds.
type StressConfig struct {
	Rounds       int `yaml:"rounds,omitempty"`
	PayloadBytes int `yaml:"payloadBytes,omitempty"`
}

func (c *Config) normalize() {
	if c.MultiVMPL && c.GuestVMPL == 0 {
		c.GuestVMPL = DefaultGuestVMPL
	}
	if c.Stress.Rounds == 0 {
		c.Stress.Rounds = DefaultRounds
	}
	if c.Stress.PayloadBytes == 0 {
		c.Stress.PayloadBytes = DefaultPayloadBytes
	}
}

// Default returns an n-CPU topology with sequential APIC IDs, a
// single-VMPL doorbell layout and default stress parameters.
func Default(n int) Config {
	c := Config{CPUs: make([]CPUConfig, n)}
	for i := range c.CPUs {
		c.CPUs[i].APICID = uint32(i)
	}
	c.normalize()
	return c
}

// Validate reports the first structural problem with the config.
func (c Config) Validate() error {
	if len(c.CPUs) == 0 {
		return fmt.Errorf("config: at least one cpu required")
	}
	if len(c.CPUs) > cpu.MaxCPUs {
		return fmt.Errorf("config: %d cpus exceeds the limit of %d", len(c.CPUs), cpu.MaxCPUs)
	}
	seen := make(map[uint32]bool, len(c.CPUs))
	for _, cc := range c.CPUs {
		if seen[cc.APICID] {
			return fmt.Errorf("config: duplicate apic id %#x", cc.APICID)
		}
		seen[cc.APICID] = true
	}
	if c.GuestVMPL < 0 || c.GuestVMPL >= doorbell.NumVMPL {
		return fmt.Errorf("config: guest vmpl %d out of range", c.GuestVMPL)
	}
	if c.MultiVMPL && c.GuestVMPL == 0 {
		return fmt.Errorf("config: multi-VMPL signalling needs a guest vmpl above 0")
	}
	vectors := make(map[uint8]bool, len(c.AllowedVectors))
	for _, v := range c.AllowedVectors {
		if vectors[v] {
			return fmt.Errorf("config: duplicate allowed vector %#x", v)
		}
		vectors[v] = true
	}
	if c.Stress.Rounds < 1 {
		return fmt.Errorf("config: stress rounds must be positive, got %d", c.Stress.Rounds)
	}
	if c.Stress.PayloadBytes < 0 || c.Stress.PayloadBytes > cpu.MaxMessageSize {
		return fmt.Errorf("config: stress payload of %d bytes exceeds the %d byte message limit",
			c.Stress.PayloadBytes, cpu.MaxMessageSize)
	}
	return nil
}

// APICIDs returns the configured APIC IDs in declaration order.
func (c Config) APICIDs() []uint32 {
	ids := make([]uint32, len(c.CPUs))
	for i, cc := range c.CPUs {
		ids[i] = cc.APICID
	}
	return ids
}

// Parse decodes and validates a topology document.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads and parses a topology file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Write encodes c as YAML.
func (c Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}
