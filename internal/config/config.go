// Package config handles configuration loading, validation, and hot reload
// for hwrngd and hwrand.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"hwrng/internal/hardware"
)

// Version is the current configuration schema version.
const Version = 1

// Source names accepted in Config.Sources, in default fallback order.
const (
	SourceRDSEED = "rdseed"
	SourceRDRAND = "rdrand"
	SourceTPM    = "tpm"
	SourceOS     = "os"
)

// KnownSources lists every source name the chain can build.
var KnownSources = []string{SourceRDSEED, SourceRDRAND, SourceTPM, SourceOS}

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Sources is the fallback chain, tried in order.
	Sources []string `toml:"sources" json:"sources" yaml:"sources"`

	RDRAND InstructionConfig `toml:"rdrand" json:"rdrand" yaml:"rdrand"`
	RDSEED InstructionConfig `toml:"rdseed" json:"rdseed" yaml:"rdseed"`

	Chain   ChainConfig   `toml:"chain" json:"chain" yaml:"chain"`
	Feeder  FeederConfig  `toml:"feeder" json:"feeder" yaml:"feeder"`
	TPM     TPMConfig     `toml:"tpm" json:"tpm" yaml:"tpm"`
	DRBG    DRBGConfig    `toml:"drbg" json:"drbg" yaml:"drbg"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// InstructionConfig tunes one hardware instruction.
type InstructionConfig struct {
	// Retries is the per-request retry budget.
	Retries int `toml:"retries" json:"retries" yaml:"retries"`

	// Disabled masks the instruction even when the CPU advertises it.
	Disabled bool `toml:"disabled" json:"disabled" yaml:"disabled"`
}

// ChainConfig controls retries of an exhausted source before falling back.
type ChainConfig struct {
	Attempts  int `toml:"attempts" json:"attempts" yaml:"attempts"`
	BackoffMs int `toml:"backoff_ms" json:"backoff_ms" yaml:"backoff_ms"`
}

// Backoff returns the pause between attempts.
func (c ChainConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMs) * time.Millisecond
}

// FeederConfig controls the kernel entropy pool feeder.
type FeederConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Device is the character device the ioctls are issued against.
	Device string `toml:"device" json:"device" yaml:"device"`

	IntervalMs    int `toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
	ChunkBytes    int `toml:"chunk_bytes" json:"chunk_bytes" yaml:"chunk_bytes"`
	CreditPercent int `toml:"credit_percent" json:"credit_percent" yaml:"credit_percent"`

	// LowWaterBits is the pool level below which the feeder submits data.
	LowWaterBits int `toml:"low_water_bits" json:"low_water_bits" yaml:"low_water_bits"`
}

// Interval returns the feeder wake-up period.
func (f FeederConfig) Interval() time.Duration {
	return time.Duration(f.IntervalMs) * time.Millisecond
}

// TPMConfig selects the TPM device. An empty device means auto-detect.
type TPMConfig struct {
	Device string `toml:"device" json:"device" yaml:"device"`
}

// DRBGConfig controls the RDSEED-seeded generator.
type DRBGConfig struct {
	ReseedBytes int `toml:"reseed_bytes" json:"reseed_bytes" yaml:"reseed_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format (text, json).
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output (stdout, stderr, file).
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is used when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// MetricsConfig holds the HTTP listener for /metrics and /healthz. An
// empty address disables the listener.
type MetricsConfig struct {
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Sources: slices.Clone(KnownSources),
		RDRAND:  InstructionConfig{Retries: hardware.DefaultRandomRetries},
		RDSEED:  InstructionConfig{Retries: hardware.DefaultSeedRetries},
		Chain: ChainConfig{
			Attempts:  3,
			BackoffMs: 10,
		},
		Feeder: FeederConfig{
			Enabled:       true,
			Device:        "/dev/random",
			IntervalMs:    1000,
			ChunkBytes:    64,
			CreditPercent: 50,
			LowWaterBits:  3072,
		},
		TPM:  TPMConfig{Device: defaultTPMPath()},
		DRBG: DRBGConfig{ReseedBytes: 1 << 20},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9464"},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path. A missing file yields the defaults.
// TOML, JSON, and YAML are recognised by extension; other names are
// auto-detected. Environment overrides are applied but the result is not
// validated; use Loader for that.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Sources = slices.Clone(c.Sources)
	return &clone
}

// Encode writes the configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// HasSource reports whether name appears in the fallback chain.
func (c *Config) HasSource(name string) bool {
	return slices.Contains(c.Sources, name)
}

// ApplyEnvOverrides applies HWRNG_* environment variables to the
// configuration. Malformed numeric or boolean values are reported together.
func (c *Config) ApplyEnvOverrides() error {
	e := envReader{}

	if v, ok := os.LookupEnv("HWRNG_SOURCES"); ok && v != "" {
		var sources []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(strings.ToLower(s)); s != "" {
				sources = append(sources, s)
			}
		}
		c.Sources = sources
	}

	e.int("HWRNG_RDRAND_RETRIES", &c.RDRAND.Retries)
	e.bool("HWRNG_RDRAND_DISABLED", &c.RDRAND.Disabled)
	e.int("HWRNG_RDSEED_RETRIES", &c.RDSEED.Retries)
	e.bool("HWRNG_RDSEED_DISABLED", &c.RDSEED.Disabled)

	e.int("HWRNG_CHAIN_ATTEMPTS", &c.Chain.Attempts)
	e.int("HWRNG_CHAIN_BACKOFF_MS", &c.Chain.BackoffMs)

	e.bool("HWRNG_FEEDER_ENABLED", &c.Feeder.Enabled)
	e.string("HWRNG_FEEDER_DEVICE", &c.Feeder.Device)
	e.int("HWRNG_FEEDER_INTERVAL_MS", &c.Feeder.IntervalMs)
	e.int("HWRNG_FEEDER_CHUNK_BYTES", &c.Feeder.ChunkBytes)
	e.int("HWRNG_FEEDER_CREDIT_PERCENT", &c.Feeder.CreditPercent)
	e.int("HWRNG_FEEDER_LOW_WATER_BITS", &c.Feeder.LowWaterBits)

	e.string("HWRNG_TPM_DEVICE", &c.TPM.Device)
	e.int("HWRNG_DRBG_RESEED_BYTES", &c.DRBG.ReseedBytes)

	e.string("HWRNG_LOG_LEVEL", &c.Logging.Level)
	e.string("HWRNG_LOG_FORMAT", &c.Logging.Format)
	e.string("HWRNG_LOG_OUTPUT", &c.Logging.Output)
	e.string("HWRNG_LOG_PATH", &c.Logging.FilePath)

	e.string("HWRNG_METRICS_LISTEN", &c.Metrics.Listen)

	if len(e.errs) > 0 {
		return fmt.Errorf("config: environment overrides: %w", e.errs)
	}
	return nil
}

func defaultTPMPath() string {
	for _, p := range []string{"/dev/tpmrm0", "/dev/tpm0"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
