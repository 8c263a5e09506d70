// Package cpufeature answers whether the running processor exposes the
// RDRAND and RDSEED instructions.
//
// The host answers come from golang.org/x/sys/cpu, which runs CPUID once
// during package initialisation. The flags never change for the lifetime of
// the process, so every query is a plain read.
package cpufeature

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// Probe reports instruction availability. Implementations must be cheap and
// free of side effects; entropy sources consult them on every request.
type Probe interface {
	// HasRandomInstruction reports whether RDRAND may be executed.
	HasRandomInstruction() bool

	// HasSeedInstruction reports whether RDSEED may be executed.
	HasSeedInstruction() bool
}

type hostProbe struct{}

func (hostProbe) HasRandomInstruction() bool { return cpu.X86.HasRDRAND }
func (hostProbe) HasSeedInstruction() bool   { return cpu.X86.HasRDSEED }

// Host returns the probe for the running CPU. On non-x86 architectures both
// queries report false.
func Host() Probe {
	return hostProbe{}
}

// Static is a probe with fixed answers.
type Static struct {
	Random bool
	Seed   bool
}

func (s Static) HasRandomInstruction() bool { return s.Random }
func (s Static) HasSeedInstruction() bool   { return s.Seed }

type maskedProbe struct {
	inner         Probe
	disableRandom bool
	disableSeed   bool
}

func (m maskedProbe) HasRandomInstruction() bool {
	return !m.disableRandom && m.inner.HasRandomInstruction()
}

func (m maskedProbe) HasSeedInstruction() bool {
	return !m.disableSeed && m.inner.HasSeedInstruction()
}

// Mask wraps p so that an instruction disabled by the operator is reported
// absent. A nil p masks the host probe.
func Mask(p Probe, disableRandom, disableSeed bool) Probe {
	if p == nil {
		p = Host()
	}
	if !disableRandom && !disableSeed {
		return p
	}
	return maskedProbe{inner: p, disableRandom: disableRandom, disableSeed: disableSeed}
}

// Report is a printable snapshot of a probe.
type Report struct {
	Arch   string `json:"arch"`
	RDRAND bool   `json:"rdrand"`
	RDSEED bool   `json:"rdseed"`
}

// Describe snapshots p.
func Describe(p Probe) Report {
	return Report{
		Arch:   runtime.GOARCH,
		RDRAND: p.HasRandomInstruction(),
		RDSEED: p.HasSeedInstruction(),
	}
}
