// Package feeder tops up the kernel entropy pool from the fallback chain.
//
// On every tick the feeder reads the kernel's entropy estimate. While it
// is below the low-water mark, a chunk is drawn from the chain into a
// locked buffer, handed to the kernel with a partial credit, and wiped.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hwrng/internal/logging"
	"hwrng/internal/metrics"
	"hwrng/internal/security"
)

// ErrUnsupported is returned by OpenPool where the kernel interface is
// not available.
var ErrUnsupported = errors.New("feeder: kernel entropy pool not supported on this platform")

// Pool is the kernel entropy pool.
type Pool interface {
	// EntropyCount returns the kernel's entropy estimate in bits.
	EntropyCount() (int, error)

	// AddEntropy mixes data into the pool and credits bits.
	AddEntropy(data []byte, bits int) error

	Close() error
}

// Filler produces random bytes.
type Filler interface {
	Fill(ctx context.Context, p []byte) error
}

// Config controls the feed loop.
type Config struct {
	Interval      time.Duration
	ChunkBytes    int
	CreditPercent int
	LowWaterBits  int
}

// Credit returns the bits credited per chunk.
func (c Config) Credit() int {
	return c.ChunkBytes * 8 * c.CreditPercent / 100
}

func (c Config) validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("feeder: interval must be positive, got %s", c.Interval)
	case c.ChunkBytes <= 0:
		return fmt.Errorf("feeder: chunk size must be positive, got %d", c.ChunkBytes)
	case c.CreditPercent < 0 || c.CreditPercent > 100:
		return fmt.Errorf("feeder: credit percent must be within 0..100, got %d", c.CreditPercent)
	}
	return nil
}

// Feeder runs the feed loop.
type Feeder struct {
	src     Filler
	pool    Pool
	logger  *logging.Logger
	metrics *metrics.SourceMetrics

	mu  sync.Mutex
	cfg Config
	buf *security.SecureBytes
}

// Option configures a Feeder.
type Option func(*Feeder)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Feeder) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics records pool level, credited bits, and cycles.
func WithMetrics(m *metrics.SourceMetrics) Option {
	return func(f *Feeder) {
		f.metrics = m
	}
}

// New creates a feeder drawing from src into pool.
func New(src Filler, pool Pool, cfg Config, opts ...Option) (*Feeder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	buf, err := security.NewSecureBytes(cfg.ChunkBytes)
	if err != nil {
		return nil, fmt.Errorf("feeder: allocate buffer: %w", err)
	}

	f := &Feeder{
		src:    src,
		pool:   pool,
		cfg:    cfg,
		buf:    buf,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Config returns the active configuration.
func (f *Feeder) Config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// SetConfig replaces the configuration. The interval takes effect on the
// next tick.
func (f *Feeder) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cfg.ChunkBytes != f.cfg.ChunkBytes {
		buf, err := security.NewSecureBytes(cfg.ChunkBytes)
		if err != nil {
			return fmt.Errorf("feeder: allocate buffer: %w", err)
		}
		f.buf.Destroy()
		f.buf = buf
	}
	f.cfg = cfg
	return nil
}

// Step runs one feed cycle and reports whether data was submitted.
func (f *Feeder) Step(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.FeedCyclesTotal.Inc()
	}

	level, err := f.pool.EntropyCount()
	if err != nil {
		return false, fmt.Errorf("feeder: read entropy count: %w", err)
	}
	if f.metrics != nil {
		f.metrics.PoolEntropyBits.Set(int64(level))
	}

	if level >= f.cfg.LowWaterBits {
		if f.metrics != nil {
			f.metrics.SkippedFeedTotal.Inc()
		}
		return false, nil
	}

	buf := f.buf.Bytes()
	defer security.Wipe(buf)

	if err := f.src.Fill(ctx, buf); err != nil {
		return false, fmt.Errorf("feeder: draw chunk: %w", err)
	}

	credit := f.cfg.Credit()
	if err := f.pool.AddEntropy(buf, credit); err != nil {
		return false, fmt.Errorf("feeder: add entropy: %w", err)
	}

	if f.metrics != nil {
		f.metrics.CreditedBits.Add(uint64(credit))
	}
	f.logger.Debug("fed kernel pool",
		"pool_bits", level,
		"chunk_bytes", len(buf),
		"credit_bits", credit,
	)
	return true, nil
}

// Run feeds the pool until ctx is cancelled. Cycle failures are logged
// and do not stop the loop.
func (f *Feeder) Run(ctx context.Context) error {
	interval := f.Config().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := f.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("feed cycle failed", "error", err)
		}

		if next := f.Config().Interval; next != interval {
			interval = next
			ticker.Reset(interval)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close wipes the chunk buffer and closes the pool.
func (f *Feeder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf.Destroy()
	return f.pool.Close()
}
