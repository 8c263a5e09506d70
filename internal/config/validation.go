package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// ErrInvalidConfig is matched by every error ValidateConfig returns.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	return e.Warning
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// Check runs every validation rule and returns all findings, warnings
// included.
func Check(c *Config) ValidationErrors {
	errs := validateSchema(c)

	if c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateSources(c)...)
	errs = append(errs, validateFeeder(&c.Feeder)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	return errs
}

// ValidateConfig returns the error-level findings of Check, or nil.
// Warnings never fail validation.
func ValidateConfig(c *Config) error {
	errs := Check(c).Errors()
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateSources(c *Config) ValidationErrors {
	var errs ValidationErrors

	usable := false
	for _, s := range c.Sources {
		switch s {
		case SourceRDRAND:
			usable = usable || !c.RDRAND.Disabled
		case SourceRDSEED:
			usable = usable || !c.RDSEED.Disabled
		case SourceTPM, SourceOS:
			usable = true
		}
	}
	if len(c.Sources) > 0 && !usable {
		errs = append(errs, ValidationError{
			Field:   "sources",
			Message: "every listed source is disabled",
		})
	}

	if c.HasSource(SourceTPM) {
		if c.TPM.Device == "" {
			errs = append(errs, ValidationError{
				Field:   "tpm.device",
				Message: "no TPM device found; the tpm source will be skipped",
				Warning: true,
			})
		} else if _, err := os.Stat(c.TPM.Device); err != nil {
			errs = append(errs, ValidationError{
				Field:   "tpm.device",
				Message: fmt.Sprintf("%s is not accessible; the tpm source will be skipped", c.TPM.Device),
				Warning: true,
			})
		}
	}

	return errs
}

func validateFeeder(f *FeederConfig) ValidationErrors {
	var errs ValidationErrors

	if f.Enabled && f.Device == "" {
		errs = append(errs, ValidationError{
			Field:   "feeder.device",
			Message: "required when the feeder is enabled",
		})
	}
	if f.Enabled && f.CreditPercent == 0 {
		errs = append(errs, ValidationError{
			Field:   "feeder.credit_percent",
			Message: "zero credit feeds the pool without raising its estimate",
			Warning: true,
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if l.Output == "file" && l.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.file_path",
			Message: "required when output is file",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen",
			Message: fmt.Sprintf("invalid address %q: %v", m.Listen, err),
		}}
	}
	return nil
}
