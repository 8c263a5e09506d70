package health

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"hwrng/internal/hardware"
	"hwrng/internal/security"
)

// SampleSize is the number of bytes a sample check draws per run.
const SampleSize = 32

// Generator fills a buffer completely or fails.
type Generator interface {
	GenerateBlock(out []byte) error
}

// Source is a named chain member.
type Source interface {
	Generator
	Name() string
}

// SourceCheck draws SampleSize bytes from gen on every run. A source that
// is absent or out of retries is degraded, since the chain routes around
// it. Any other failure, output that is constant (all zero or all ones),
// or a sample that repeats the previous one is unhealthy.
func SourceCheck(gen Generator) Check {
	return sampleCheck(gen, func(err error) Status {
		if errors.Is(err, hardware.ErrNotImplemented) || errors.Is(err, hardware.ErrRetriesExhausted) {
			return StatusDegraded
		}
		return StatusUnhealthy
	})
}

// ChainCheck is SourceCheck for the whole chain. The chain already skips
// absent and exhausted sources, so any error it returns is unhealthy.
func ChainCheck(gen Generator) Check {
	return sampleCheck(gen, func(error) Status { return StatusUnhealthy })
}

func sampleCheck(gen Generator, classify func(error) Status) Check {
	var (
		mu   sync.Mutex
		last [sha256.Size]byte
		seen bool
	)

	return func(ctx context.Context) CheckResult {
		var sample [SampleSize]byte
		defer security.Wipe(sample[:])

		if err := gen.GenerateBlock(sample[:]); err != nil {
			return CheckResult{
				Status:  classify(err),
				Message: "sample failed",
				Error:   err.Error(),
			}
		}

		if stuck(sample[:]) {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("constant output 0x%02x", sample[0]),
			}
		}

		digest := sha256.Sum256(sample[:])
		mu.Lock()
		repeated := seen && digest == last
		last, seen = digest, true
		mu.Unlock()

		if repeated {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "sample repeated the previous one",
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: "sample ok",
			Details: map[string]interface{}{"bytes": SampleSize},
		}
	}
}

func stuck(b []byte) bool {
	if len(b) == 0 || (b[0] != 0x00 && b[0] != 0xff) {
		return false
	}
	for _, v := range b[1:] {
		if v != b[0] {
			return false
		}
	}
	return true
}

// PoolCheck reports the kernel entropy estimate returned by read. A pool
// below lowWater bits is degraded.
func PoolCheck(read func() (int, error), lowWater int) Check {
	return func(ctx context.Context) CheckResult {
		bits, err := read()
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "cannot read entropy count",
				Error:   err.Error(),
			}
		}

		details := map[string]interface{}{
			"entropy_bits":   bits,
			"low_water_bits": lowWater,
		}
		if bits < lowWater {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "pool below low-water mark",
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "pool ok",
			Details: details,
		}
	}
}
