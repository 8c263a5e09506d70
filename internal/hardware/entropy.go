// Package hardware exposes the x86 RDRAND and RDSEED instructions as byte
// sources.
//
// Two sources are provided:
//   - RandomSource drives RDRAND (conditioned DRBG output)
//   - SeedSource drives RDSEED (conditioned entropy, suitable for seeding)
//
// Both consult a cpufeature.Probe on every request and fail with
// ErrNotImplemented when the instruction is absent. Constructing a source
// never fails. The instruction may transiently report failure; each request
// tolerates a bounded number of such failures (the retry budget) before it
// returns ErrRetriesExhausted.
//
// Exactly one fill strategy is compiled in, selected by build constraints:
//
//	amd64                  asm-step       Go loop over an assembly RDRAND/RDSEED step
//	amd64,hwrng_bytecode   bytecode-step  same loop, step emitted as raw opcode bytes
//	amd64,hwrng_asmloop    asm-block      whole fill loop in assembly
//	386                    asm-step       32-bit step
//	other, purego          none
//
// scripts/test-strategies.sh runs the tests under each tag.
//
// The package does not log and never falls back to another source; callers
// that want a fallback chain compose one themselves.
package hardware

import (
	"errors"
	"fmt"
	"sync/atomic"

	"hwrng/internal/cpufeature"
)

// Entropy errors
var (
	ErrNotImplemented   = errors.New("hardware: instruction not implemented on this platform")
	ErrRetriesExhausted = errors.New("hardware: retry budget exhausted")
)

// UnsupportedError reports that an instruction cannot be used at all.
type UnsupportedError struct {
	Instruction string
	Reason      string
}

func (e *UnsupportedError) Error() string {
	return e.Instruction + ": " + e.Reason
}

func (e *UnsupportedError) Unwrap() error { return ErrNotImplemented }

// ExhaustedError reports that a fill strategy ran out of retries before the
// buffer was complete.
type ExhaustedError struct {
	Instruction string
	Strategy    string
	Retries     int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s exhausted its retry budget of %d", e.Instruction, e.Strategy, e.Retries)
}

func (e *ExhaustedError) Unwrap() error { return ErrRetriesExhausted }

// Kind identifies the instruction behind a source.
type Kind int

const (
	KindRandom Kind = iota
	KindSeed
)

// String returns the instruction mnemonic.
func (k Kind) String() string {
	switch k {
	case KindRandom:
		return "RDRAND"
	case KindSeed:
		return "RDSEED"
	default:
		return "Unknown"
	}
}

// Default retry budgets. RDSEED underflows far more often than RDRAND
// because it waits on the entropy conditioner rather than the DRBG.
const (
	DefaultRandomRetries = 8
	DefaultSeedRetries   = 64
)

// EntropySource is a hardware-backed byte source.
type EntropySource interface {
	// Name returns the instruction mnemonic.
	Name() string

	// Available reports whether the instruction can be used right now.
	Available() bool

	// Retries returns the per-request retry budget.
	Retries() int

	// SetRetries replaces the retry budget. Negative values are treated as
	// zero.
	SetRetries(n int)

	// GenerateBlock fills out completely or returns an error. A nil out is a
	// no-op; a non-nil empty out is a programming error and panics.
	GenerateBlock(out []byte) error

	// DiscardBytes generates and throws away at least n bytes.
	DiscardBytes(n int) error
}

// Option configures a source.
type Option func(*options)

type options struct {
	retries int
	probe   cpufeature.Probe
}

// WithRetries sets the retry budget. Negative values are treated as zero.
func WithRetries(n int) Option {
	return func(o *options) {
		o.retries = max(n, 0)
	}
}

// WithProbe replaces the host capability probe.
func WithProbe(p cpufeature.Probe) Option {
	return func(o *options) {
		if p != nil {
			o.probe = p
		}
	}
}

func buildOptions(retries int, opts []Option) options {
	o := options{retries: retries, probe: cpufeature.Host()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RandomSource generates bytes with RDRAND.
type RandomSource struct {
	probe   cpufeature.Probe
	retries atomic.Int64
}

// NewRandomSource creates an RDRAND source.
func NewRandomSource(opts ...Option) *RandomSource {
	o := buildOptions(DefaultRandomRetries, opts)
	s := &RandomSource{probe: o.probe}
	s.retries.Store(int64(o.retries))
	return s
}

func (s *RandomSource) Name() string     { return KindRandom.String() }
func (s *RandomSource) Available() bool  { return haveStrategy && s.probe.HasRandomInstruction() }
func (s *RandomSource) Retries() int     { return int(s.retries.Load()) }
func (s *RandomSource) SetRetries(n int) { s.retries.Store(int64(max(n, 0))) }

func (s *RandomSource) GenerateBlock(out []byte) error {
	return generate(KindRandom, s.probe.HasRandomInstruction(), out, s.Retries(), Strategy, fillRandom)
}

func (s *RandomSource) DiscardBytes(n int) error {
	return discard(n, s.GenerateBlock)
}

// SeedSource generates bytes with RDSEED.
type SeedSource struct {
	probe   cpufeature.Probe
	retries atomic.Int64
}

// NewSeedSource creates an RDSEED source.
func NewSeedSource(opts ...Option) *SeedSource {
	o := buildOptions(DefaultSeedRetries, opts)
	s := &SeedSource{probe: o.probe}
	s.retries.Store(int64(o.retries))
	return s
}

func (s *SeedSource) Name() string     { return KindSeed.String() }
func (s *SeedSource) Available() bool  { return haveStrategy && s.probe.HasSeedInstruction() }
func (s *SeedSource) Retries() int     { return int(s.retries.Load()) }
func (s *SeedSource) SetRetries(n int) { s.retries.Store(int64(max(n, 0))) }

func (s *SeedSource) GenerateBlock(out []byte) error {
	return generate(KindSeed, s.probe.HasSeedInstruction(), out, s.Retries(), Strategy, fillSeed)
}

func (s *SeedSource) DiscardBytes(n int) error {
	return discard(n, s.GenerateBlock)
}

// New returns the source for kind.
func New(kind Kind, opts ...Option) EntropySource {
	if kind == KindSeed {
		return NewSeedSource(opts...)
	}
	return NewRandomSource(opts...)
}

// generate checks the request against the capability answer and runs fill.
// The scratch word lives on this frame and fill wipes it before returning.
func generate(k Kind, available bool, out []byte, retries int, strategy string, fill fillFunc) error {
	if out != nil && len(out) == 0 {
		panic("hardware: GenerateBlock called with a non-nil empty buffer")
	}

	if !available {
		return &UnsupportedError{
			Instruction: k.String(),
			Reason:      fmt.Sprintf("%s is not available on this platform", lowerMnemonic(k)),
		}
	}
	if fill == nil {
		return &UnsupportedError{
			Instruction: k.String(),
			Reason:      "failed to find a suitable implementation",
		}
	}

	var scratch scratchWord
	if !fill(out, &scratch, retries) {
		return &ExhaustedError{Instruction: k.String(), Strategy: strategy, Retries: retries}
	}
	return nil
}

func lowerMnemonic(k Kind) string {
	switch k {
	case KindRandom:
		return "rdrand"
	case KindSeed:
		return "rdseed"
	default:
		return "unknown"
	}
}
