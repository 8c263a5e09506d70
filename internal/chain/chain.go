// Package chain composes entropy sources into an ordered fallback chain.
//
// A request is offered to each source in turn. A source whose instruction
// or device is absent is skipped at once. A source that runs out of
// retries is tried again after a short backoff, up to a fixed number of
// attempts, before the chain moves on. Any other failure moves on
// immediately. The chain fails only when every source has failed, and
// then wipes the caller's buffer.
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"hwrng/internal/hardware"
	"hwrng/internal/logging"
	"hwrng/internal/metrics"
	"hwrng/internal/security"
)

// ErrAllSourcesFailed is matched by the error Fill returns when no source
// could serve a request.
var ErrAllSourcesFailed = errors.New("chain: all sources failed")

// ErrEmpty is returned when a chain has no sources.
var ErrEmpty = errors.New("chain: no sources configured")

// Source is one link in the chain.
type Source interface {
	Name() string
	GenerateBlock(out []byte) error
}

// Defaults for New.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 10 * time.Millisecond
)

// Chain is an ordered fallback over sources. It is safe for concurrent use
// as long as its sources are.
type Chain struct {
	sources  []Source
	attempts int
	backoff  time.Duration
	logger   *logging.Logger
	metrics  *metrics.SourceMetrics

	mu   sync.Mutex
	last string
}

// Option configures a Chain.
type Option func(*Chain)

// WithAttempts sets how many times an exhausted source is tried.
func WithAttempts(n int) Option {
	return func(c *Chain) {
		c.attempts = max(n, 1)
	}
}

// WithBackoff sets the pause between attempts on an exhausted source.
func WithBackoff(d time.Duration) Option {
	return func(c *Chain) {
		c.backoff = max(d, 0)
	}
}

// WithLogger sets the logger. Fallbacks are logged at debug level.
func WithLogger(l *logging.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records per-source fills and failures.
func WithMetrics(m *metrics.SourceMetrics) Option {
	return func(c *Chain) {
		c.metrics = m
	}
}

// New creates a chain over sources, tried in order.
func New(sources []Source, opts ...Option) *Chain {
	c := &Chain{
		sources:  append([]Source(nil), sources...),
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns "chain".
func (c *Chain) Name() string { return "chain" }

// Sources returns the source names in order.
func (c *Chain) Sources() []string {
	names := make([]string, len(c.sources))
	for i, s := range c.sources {
		names[i] = s.Name()
	}
	return names
}

// Members returns the sources in order.
func (c *Chain) Members() []Source {
	return slices.Clone(c.sources)
}

// Last returns the name of the source that served the most recent
// successful request, or "" if none has.
func (c *Chain) Last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Read fills p completely or returns an error.
func (c *Chain) Read(p []byte) (int, error) {
	if err := c.Fill(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// GenerateBlock fills out completely or returns an error.
func (c *Chain) GenerateBlock(out []byte) error {
	return c.Fill(context.Background(), out)
}

// Fill fills p from the first source that can serve it.
func (c *Chain) Fill(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if len(c.sources) == 0 {
		return ErrEmpty
	}

	var errs []error
	for i, src := range c.sources {
		err := c.try(ctx, src, p)
		if err == nil {
			c.mu.Lock()
			c.last = src.Name()
			c.mu.Unlock()
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			security.Wipe(p)
			return fmt.Errorf("chain: %w", ctxErr)
		}

		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		if i < len(c.sources)-1 {
			c.logger.Debug("falling back",
				"source", src.Name(),
				"next", c.sources[i+1].Name(),
				"error", err,
			)
			if c.metrics != nil {
				c.metrics.FallbacksTotal.Inc()
			}
		}
	}

	security.Wipe(p)
	if c.metrics != nil {
		c.metrics.ChainFailures.Inc()
	}
	c.logger.Warn("all sources failed", "sources", len(c.sources), "bytes", len(p))
	return fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
}

// try runs src, retrying while it reports an exhausted retry budget.
func (c *Chain) try(ctx context.Context, src Source, p []byte) error {
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err = src.GenerateBlock(p)
		if err == nil {
			if c.metrics != nil {
				c.metrics.RecordFill(src.Name(), len(p), time.Since(start))
			}
			return nil
		}

		kind := failureKind(err)
		if c.metrics != nil {
			c.metrics.RecordFailure(src.Name(), kind)
		}
		if kind != metrics.FailureExhausted || attempt == c.attempts {
			return err
		}

		if werr := sleep(ctx, c.backoff); werr != nil {
			return werr
		}
	}
	return err
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, hardware.ErrNotImplemented):
		return metrics.FailureUnsupported
	case errors.Is(err, hardware.ErrRetriesExhausted):
		return metrics.FailureExhausted
	default:
		return metrics.FailureOther
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close closes every source that holds a resource.
func (c *Chain) Close() error {
	var errs []error
	for _, src := range c.sources {
		if closer, ok := src.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
