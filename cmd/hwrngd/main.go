// Command hwrngd is the hardware RNG daemon.
//
// It builds the configured fallback chain (RDSEED, RDRAND, TPM, OS), keeps
// the kernel entropy pool topped up from it, and serves Prometheus
// metrics and health probes. Retry budgets, chain order, feeder settings
// and the log level are reloaded when the configuration file changes.
//
// Usage:
//
//	hwrngd [flags]
//
// Flags:
//
//	-config string
//	    Configuration file (default: search ./config.* then the platform config dir)
//	-check
//	    Validate the configuration and exit
//	-no-mlock
//	    Do not lock process memory
//	-verbose
//	    Force debug logging
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hwrng/internal/config"
	"hwrng/internal/logging"
	"hwrng/internal/security"
)

var (
	configPath = flag.String("config", "", "configuration file")
	checkOnly  = flag.Bool("check", false, "validate the configuration and exit")
	noMlock    = flag.Bool("no-mlock", false, "do not lock process memory")
	verbose    = flag.Bool("verbose", false, "force debug logging")
)

func main() {
	flag.Parse()

	path := *configPath
	if path == "" {
		if found := config.FindConfigFile(); found != "" {
			path = found
		}
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hwrngd: %v\n", err)
		os.Exit(1)
	}
	defer loader.Close()

	if *checkOnly {
		for _, w := range loader.Warnings() {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w.Error())
		}
		fmt.Printf("%s: ok\n", loader.Path())
		return
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hwrngd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	for _, w := range loader.Warnings() {
		logger.Warn("configuration", "field", w.Field, "problem", w.Message)
	}

	if !*noMlock {
		if err := security.LockProcessMemory(); err != nil {
			logger.Warn("memory not locked", "error", err)
		}
	}

	d, err := newDaemon(cfg, logger, options{verbose: *verbose})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	loader.OnChange(func(cfg *config.Config) {
		if err := d.apply(cfg); err != nil {
			logger.Error("reload failed", "error", err)
			return
		}
		logger.Info("configuration reloaded", "sources", cfg.Sources)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("configuration hot reload disabled", "error", err)
	}
	go func() {
		for err := range loader.Errors() {
			logger.Error("configuration reload rejected", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.run(ctx); err != nil {
		logger.Error("daemon stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("daemon stopped")
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := loggingConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if *verbose {
		lc.Level = logging.LevelDebug
	}
	return logging.New(lc)
}

func loggingConfig(c config.LoggingConfig) (*logging.Config, error) {
	lc := logging.DefaultConfig()
	lc.Component = "hwrngd"

	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = level

	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	lc.Format = format

	if c.Output != "" {
		lc.Output = c.Output
	}
	lc.FilePath = c.FilePath
	return lc, nil
}
