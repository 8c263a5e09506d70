package chain

import (
	"fmt"

	"hwrng/internal/config"
	"hwrng/internal/cpufeature"
	"hwrng/internal/hardware"
	"hwrng/internal/logging"
	"hwrng/internal/metrics"
	"hwrng/internal/tpm"
)

// Deps carries the collaborators Build cannot derive from configuration.
type Deps struct {
	// Probe replaces the host capability probe.
	Probe cpufeature.Probe

	// TPMOpener replaces the TPM device opener.
	TPMOpener tpm.Opener

	Logger  *logging.Logger
	Metrics *metrics.SourceMetrics
}

// Build assembles the chain described by cfg.Sources. Disabled
// instructions are masked in the probe rather than dropped, so they still
// show up as skipped sources.
func Build(cfg *config.Config, deps Deps) (*Chain, error) {
	probe := cpufeature.Mask(deps.Probe, cfg.RDRAND.Disabled, cfg.RDSEED.Disabled)

	sources := make([]Source, 0, len(cfg.Sources))
	for _, name := range cfg.Sources {
		src, err := NewSource(name, cfg, probe, deps.TPMOpener)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, ErrEmpty
	}

	return New(sources,
		WithAttempts(cfg.Chain.Attempts),
		WithBackoff(cfg.Chain.Backoff()),
		WithLogger(deps.Logger),
		WithMetrics(deps.Metrics),
	), nil
}

// NewSource constructs the named source.
func NewSource(name string, cfg *config.Config, probe cpufeature.Probe, opener tpm.Opener) (Source, error) {
	switch name {
	case config.SourceRDSEED:
		return hardware.NewSeedSource(
			hardware.WithRetries(cfg.RDSEED.Retries),
			hardware.WithProbe(probe),
		), nil
	case config.SourceRDRAND:
		return hardware.NewRandomSource(
			hardware.WithRetries(cfg.RDRAND.Retries),
			hardware.WithProbe(probe),
		), nil
	case config.SourceTPM:
		return tpm.NewSource(cfg.TPM.Device, tpm.WithOpener(opener)), nil
	case config.SourceOS:
		return OSSource{}, nil
	default:
		return nil, fmt.Errorf("chain: unknown source %q", name)
	}
}
