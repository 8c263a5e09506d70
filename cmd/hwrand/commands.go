package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"hwrng/internal/chain"
	"hwrng/internal/config"
	"hwrng/internal/cpufeature"
	"hwrng/internal/drbg"
	"hwrng/internal/hardware"
	"hwrng/internal/logging"
	"hwrng/internal/security"
	"hwrng/internal/tpm"
)

// maxGenBytes bounds a single gen request.
const maxGenBytes = 1 << 30

type probeOutput struct {
	cpufeature.Report
	Strategy string `json:"strategy"`
}

func cmdProbe(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return parseError(err)
	}

	out := probeOutput{
		Report:   cpufeature.Describe(cpufeature.Host()),
		Strategy: hardware.Strategy,
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(stdout, "arch:     %s\n", out.Arch)
	fmt.Fprintf(stdout, "strategy: %s\n", out.Strategy)
	fmt.Fprintf(stdout, "RDRAND:   %s\n", yesNo(out.RDRAND))
	fmt.Fprintf(stdout, "RDSEED:   %s\n", yesNo(out.RDSEED))
	return nil
}

// parseError maps flag parsing failures to usage errors. The flag package
// has already printed the details.
func parseError(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return err
	}
	return fmt.Errorf("%w: %v", errUsage, err)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

type genOptions struct {
	n          int
	source     string
	format     string
	retries    int
	configPath string
	verbose    bool
}

func cmdGen(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("gen", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts genOptions
	fs.IntVar(&opts.n, "n", 32, "number of bytes")
	fs.StringVar(&opts.source, "source", "rdrand", "rdrand, rdseed, chain, drbg, tpm or os")
	fs.StringVar(&opts.format, "format", "hex", "hex, base64 or raw")
	fs.IntVar(&opts.retries, "retries", -1, "retry budget for rdrand/rdseed (-1: from config)")
	fs.StringVar(&opts.configPath, "config", "", "path to config file")
	fs.BoolVar(&opts.verbose, "v", false, "log source fallbacks to stderr")
	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: hwrand gen [options]

The rdrand and rdseed retry budgets cover a whole request, not each word.
RDSEED drains quickly, so requests beyond a few hundred bytes usually need
a larger -retries, or -source drbg to stretch one RDSEED-seeded key.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return parseError(err)
	}

	if opts.n <= 0 || opts.n > maxGenBytes {
		return fmt.Errorf("%w: -n must be within 1..%d", errUsage, maxGenBytes)
	}
	switch opts.format {
	case "hex", "base64":
	case "raw":
		if f, ok := stdout.(*os.File); ok && isTerminal(f) {
			return fmt.Errorf("%w: refusing to write raw bytes to a terminal", errUsage)
		}
	default:
		return fmt.Errorf("%w: unknown format %q", errUsage, opts.format)
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	src, closeSrc, err := openSource(opts.source, cfg, opts.retries, newLogger(opts.verbose, stderr))
	if err != nil {
		return err
	}
	defer closeSrc()

	buf, err := security.NewSecureBytes(opts.n)
	if err != nil {
		return err
	}
	defer buf.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := src.Fill(ctx, buf.Bytes()); err != nil {
		return explainExhausted(opts.source, err)
	}

	return writeOutput(stdout, buf.Bytes(), opts.format)
}

func cmdDiscard(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("discard", flag.ContinueOnError)
	fs.SetOutput(stderr)
	n := fs.Int("n", 1024, "number of bytes to discard")
	source := fs.String("source", "rdrand", "rdrand or rdseed")
	retries := fs.Int("retries", -1, "retry budget (-1: from config)")
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return parseError(err)
	}

	if *n < 0 {
		return fmt.Errorf("%w: -n must not be negative", errUsage)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	var src hardware.EntropySource
	switch *source {
	case config.SourceRDRAND, config.SourceRDSEED:
		src = hardwareSource(*source, cfg, *retries)
	default:
		return fmt.Errorf("%w: discard supports rdrand and rdseed, not %q", errUsage, *source)
	}

	if err := src.DiscardBytes(*n); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "discarded %d bytes from %s\n", *n, src.Name())
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return config.LoadFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(verbose bool, w io.Writer) *logging.Logger {
	if !verbose {
		return logging.Discard()
	}
	l, err := logging.New(&logging.Config{
		Level:     logging.LevelDebug,
		Format:    logging.FormatText,
		Writer:    w,
		Component: "hwrand",
	})
	if err != nil {
		return logging.Discard()
	}
	return l
}

// filler adapts every source kind to a context-aware fill.
type filler interface {
	Fill(ctx context.Context, p []byte) error
}

type blockFiller struct {
	gen interface{ GenerateBlock([]byte) error }
}

func (b blockFiller) Fill(_ context.Context, p []byte) error {
	return b.gen.GenerateBlock(p)
}

// explainExhausted points at the usual remedies when a bare instruction
// source runs out of retries.
func explainExhausted(source string, err error) error {
	if source != config.SourceRDRAND && source != config.SourceRDSEED {
		return err
	}
	if !errors.Is(err, hardware.ErrRetriesExhausted) {
		return err
	}
	return fmt.Errorf("%w (raise -retries or use -source drbg)", err)
}

func hardwareSource(name string, cfg *config.Config, retries int) hardware.EntropySource {
	probe := cpufeature.Mask(nil, cfg.RDRAND.Disabled, cfg.RDSEED.Disabled)
	if name == config.SourceRDSEED {
		if retries < 0 {
			retries = cfg.RDSEED.Retries
		}
		return hardware.NewSeedSource(hardware.WithRetries(retries), hardware.WithProbe(probe))
	}
	if retries < 0 {
		retries = cfg.RDRAND.Retries
	}
	return hardware.NewRandomSource(hardware.WithRetries(retries), hardware.WithProbe(probe))
}

func openSource(name string, cfg *config.Config, retries int, logger *logging.Logger) (filler, func(), error) {
	noop := func() {}

	switch name {
	case config.SourceRDRAND, config.SourceRDSEED:
		return blockFiller{hardwareSource(name, cfg, retries)}, noop, nil

	case config.SourceTPM:
		src := tpm.NewSource(cfg.TPM.Device)
		return blockFiller{src}, func() { src.Close() }, nil

	case config.SourceOS:
		return blockFiller{chain.OSSource{}}, noop, nil

	case "chain", "drbg":
		if retries >= 0 {
			cfg.RDRAND.Retries = retries
			cfg.RDSEED.Retries = retries
		}
		c, err := chain.Build(cfg, chain.Deps{Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		if name == "chain" {
			return c, func() { c.Close() }, nil
		}
		g := drbg.New(c, cfg.DRBG.ReseedBytes)
		return blockFiller{g}, func() {
			g.Close()
			c.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown source %q", errUsage, name)
	}
}

func writeOutput(w io.Writer, data []byte, format string) error {
	var err error
	switch format {
	case "raw":
		_, err = w.Write(data)
	case "base64":
		_, err = fmt.Fprintln(w, base64.StdEncoding.EncodeToString(data))
	default:
		_, err = fmt.Fprintln(w, hex.EncodeToString(data))
	}
	return err
}

// isTerminal reports whether f is a character device.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
