package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"hwrng/internal/chain"
	"hwrng/internal/config"
	"hwrng/internal/cpufeature"
	"hwrng/internal/feeder"
	"hwrng/internal/health"
	"hwrng/internal/logging"
	"hwrng/internal/metrics"
	"hwrng/internal/tpm"
)

const (
	shutdownTimeout = 5 * time.Second
	healthInterval  = 30 * time.Second
)

// options holds the collaborators tests replace.
type options struct {
	probe     cpufeature.Probe
	tpmOpener tpm.Opener
	openPool  func(device string) (feeder.Pool, error)

	// verbose pins the log level to debug across reloads.
	verbose bool
}

func openKernelPool(device string) (feeder.Pool, error) {
	p, err := feeder.OpenPool(device)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// liveChain forwards to whichever chain the last configuration built.
type liveChain struct {
	p atomic.Pointer[chain.Chain]
}

func (l *liveChain) Fill(ctx context.Context, p []byte) error {
	return l.p.Load().Fill(ctx, p)
}

func (l *liveChain) GenerateBlock(p []byte) error {
	return l.p.Load().GenerateBlock(p)
}

type daemon struct {
	opts     options
	logger   *logging.Logger
	registry *metrics.Registry
	metrics  *metrics.SourceMetrics
	checker  *health.Checker
	chain    liveChain
	feeder   *feeder.Feeder
	pool     feeder.Pool

	// applyMu serializes reloads; each one rebuilds the chain and
	// replaces its source checks.
	applyMu sync.Mutex

	mu     sync.Mutex
	listen string
	addr   net.Addr
	ready  chan struct{}
}

func newDaemon(cfg *config.Config, logger *logging.Logger, opts options) (*daemon, error) {
	if opts.openPool == nil {
		opts.openPool = openKernelPool
	}

	registry := metrics.NewRegistry("hwrng", "")
	d := &daemon{
		opts:     opts,
		logger:   logger,
		registry: registry,
		metrics:  metrics.NewSourceMetrics(registry),
		checker:  health.NewChecker(),
		listen:   cfg.Metrics.Listen,
		ready:    make(chan struct{}),
	}

	c, err := d.buildChain(cfg)
	if err != nil {
		return nil, err
	}
	d.chain.p.Store(c)
	d.checker.SetChain(&d.chain)
	d.checker.SetSources(healthSources(c))
	d.checker.Require(health.GateChain)
	d.checker.Open(health.GateChain)
	d.checker.Require(health.GateServing)

	if cfg.Feeder.Enabled {
		if err := d.startFeeder(cfg); err != nil {
			logger.Warn("kernel pool feeder disabled", "device", cfg.Feeder.Device, "error", err)
		}
	}

	logger.Info("chain ready",
		"sources", c.Sources(),
		"attempts", cfg.Chain.Attempts,
		"feeder", d.feeder != nil,
	)
	return d, nil
}

func (d *daemon) buildChain(cfg *config.Config) (*chain.Chain, error) {
	return chain.Build(cfg, chain.Deps{
		Probe:     d.opts.probe,
		TPMOpener: d.opts.tpmOpener,
		Logger:    d.logger.WithComponent("chain"),
		Metrics:   d.metrics,
	})
}

func healthSources(c *chain.Chain) []health.Source {
	members := c.Members()
	srcs := make([]health.Source, len(members))
	for i, m := range members {
		srcs[i] = m
	}
	return srcs
}

func feederConfig(c config.FeederConfig) feeder.Config {
	return feeder.Config{
		Interval:      c.Interval(),
		ChunkBytes:    c.ChunkBytes,
		CreditPercent: c.CreditPercent,
		LowWaterBits:  c.LowWaterBits,
	}
}

func (d *daemon) startFeeder(cfg *config.Config) error {
	pool, err := d.opts.openPool(cfg.Feeder.Device)
	if err != nil {
		return err
	}

	f, err := feeder.New(&d.chain, pool, feederConfig(cfg.Feeder),
		feeder.WithLogger(d.logger.WithComponent("feeder")),
		feeder.WithMetrics(d.metrics),
	)
	if err != nil {
		pool.Close()
		return err
	}
	d.feeder = f
	d.pool = pool
	d.checker.SetPool(pool.EntropyCount, cfg.Feeder.LowWaterBits)
	d.checker.Require(health.GateFeeder)
	return nil
}

// apply swaps in a reloaded configuration. The metrics listener and the
// feeder device are fixed at startup.
func (d *daemon) apply(cfg *config.Config) error {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	c, err := d.buildChain(cfg)
	if err != nil {
		return err
	}

	if d.feeder != nil {
		if err := d.feeder.SetConfig(feederConfig(cfg.Feeder)); err != nil {
			c.Close()
			return err
		}
	}

	old := d.chain.p.Swap(c)
	d.checker.SetSources(healthSources(c))
	if d.pool != nil {
		d.checker.SetPool(d.pool.EntropyCount, cfg.Feeder.LowWaterBits)
	}
	if err := old.Close(); err != nil {
		d.logger.Warn("closing previous chain", "error", err)
	}

	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil && !d.opts.verbose {
		d.logger.SetLevel(level)
	}

	if cfg.Metrics.Listen != d.listen {
		d.logger.Warn("metrics.listen changes need a restart", "current", d.listen)
	}
	return nil
}

func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.registry.HTTPHandler())
	mux.Handle("/healthz", d.checker.HealthHandler())
	mux.Handle("/livez", d.checker.LivenessHandler())
	mux.Handle("/readyz", d.checker.ReadinessHandler())
	return mux
}

// run serves HTTP and feeds the pool until ctx is cancelled.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg  sync.WaitGroup
		srv *http.Server
	)
	errCh := make(chan error, 1)

	if d.listen != "" {
		ln, err := net.Listen("tcp", d.listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", d.listen, err)
		}
		d.mu.Lock()
		d.addr = ln.Addr()
		d.mu.Unlock()

		srv = &http.Server{
			Handler:           d.handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errCh <- err:
				default:
				}
			}
		}()
		d.logger.Info("serving metrics and health", "addr", ln.Addr().String())
	}

	if d.feeder != nil {
		d.checker.Open(health.GateFeeder)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.checker.Close(health.GateFeeder)
			_ = d.feeder.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.checker.Run(ctx, healthInterval)
	}()

	d.checker.Check(ctx)
	d.checker.Open(health.GateServing)
	close(d.ready)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	d.checker.Close(health.GateServing)
	cancel()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	wg.Wait()

	return errors.Join(runErr, d.close())
}

func (d *daemon) close() error {
	var errs []error
	if d.feeder != nil {
		errs = append(errs, d.feeder.Close())
	}
	if c := d.chain.p.Load(); c != nil {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// boundAddr returns the listener address once run has started serving.
func (d *daemon) boundAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}
