// Package tpm draws random bytes from a TPM 2.0 device with TPM2_GetRandom.
//
// A Source is a fallback behind the CPU instructions: it is slower and
// shares the device with other TPM users, but it is independent of the
// CPU's DRNG. When no device can be opened the Source reports
// ErrTPMNotAvailable, which matches hardware.ErrNotImplemented so a
// fallback chain skips it.
package tpm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"hwrng/internal/hardware"
)

// MaxChunk is the largest request sent in one TPM2_GetRandom. TPMs cap the
// response at the size of their largest digest.
const MaxChunk = 32

// maxEmptyResponses bounds consecutive zero-length responses before the
// request is abandoned.
const maxEmptyResponses = 4

// TPM errors
var (
	ErrTPMNotAvailable = fmt.Errorf("tpm: hardware not available: %w", hardware.ErrNotImplemented)
	ErrTPMClosed       = errors.New("tpm: source closed")
	ErrShortRead       = errors.New("tpm: device returned no random bytes")
)

// Opener opens a transport to the device at path.
type Opener func(path string) (transport.TPMCloser, error)

// Source generates bytes with TPM2_GetRandom. It is safe for concurrent
// use; requests are serialised on the device.
type Source struct {
	mu         sync.Mutex
	devicePath string
	open       Opener
	tpm        transport.TPMCloser
	closed     bool
}

// Option configures a Source.
type Option func(*Source)

// WithOpener replaces the device opener.
func WithOpener(open Opener) Option {
	return func(s *Source) {
		if open != nil {
			s.open = open
		}
	}
}

// NewSource creates a Source for devicePath. An empty path selects the
// first device DetectDevice finds. The device is opened on first use.
func NewSource(devicePath string, opts ...Option) *Source {
	if devicePath == "" {
		devicePath = DetectDevice()
	}
	s := &Source{devicePath: devicePath, open: openDevice}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns "TPM".
func (s *Source) Name() string { return "TPM" }

// Device returns the device path, or "" when none was found.
func (s *Source) Device() string { return s.devicePath }

// Available reports whether a device path is known and the source is open
// or openable.
func (s *Source) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureOpen() == nil
}

// GenerateBlock fills out with TPM random bytes, MaxChunk at a time. A nil
// out is a no-op.
func (s *Source) GenerateBlock(out []byte) error {
	if len(out) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return err
	}

	empty := 0
	for len(out) > 0 {
		n := min(len(out), MaxChunk)
		rsp, err := tpm2.GetRandom{BytesRequested: uint16(n)}.Execute(s.tpm)
		if err != nil {
			return fmt.Errorf("tpm: GetRandom: %w", err)
		}

		got := copy(out, rsp.RandomBytes.Buffer)
		clear(rsp.RandomBytes.Buffer)
		if got == 0 {
			empty++
			if empty >= maxEmptyResponses {
				return ErrShortRead
			}
			continue
		}
		empty = 0
		out = out[got:]
	}
	return nil
}

// Close releases the device. A closed Source cannot be reopened.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.tpm == nil {
		return nil
	}
	err := s.tpm.Close()
	s.tpm = nil
	return err
}

func (s *Source) ensureOpen() error {
	if s.closed {
		return ErrTPMClosed
	}
	if s.tpm != nil {
		return nil
	}
	if s.devicePath == "" {
		return ErrTPMNotAvailable
	}

	t, err := s.open(s.devicePath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTPMNotAvailable, s.devicePath, err)
	}
	s.tpm = t
	return nil
}
