// Package drbg stretches a hardware seed source into an arbitrarily long
// stream.
//
// The generator is a fast-key-erasure ChaCha20 construction: each request
// runs ChaCha20 under the current key with a zero nonce, uses the first
// 32 bytes of keystream as the next key and hands out the rest. The key is
// re-derived with HKDF-SHA256 from fresh seed material (RDSEED by default)
// after every ReseedBytes of output.
package drbg

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"hwrng/internal/security"
)

const (
	// SeedSize is the number of seed bytes drawn per reseed.
	SeedSize = 32

	// DefaultReseedBytes is the output allowance between reseeds.
	DefaultReseedBytes = 1 << 20

	// maxRequest bounds the keystream produced under one key.
	maxRequest = 64 << 10

	reseedInfo = "hwrng-drbg-reseed-v1"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("drbg: generator closed")

// Seeder supplies seed material.
type Seeder interface {
	GenerateBlock(out []byte) error
}

// Generator is a ChaCha20 DRBG. It is safe for concurrent use.
type Generator struct {
	mu          sync.Mutex
	seeder      Seeder
	reseedBytes int

	key         [chacha20.KeySize]byte
	seeded      bool
	sinceReseed int
	reseeds     uint64
	closed      bool
}

// New creates a generator over seeder. reseedBytes <= 0 selects
// DefaultReseedBytes. The first seed is drawn on first use.
func New(seeder Seeder, reseedBytes int) *Generator {
	if reseedBytes <= 0 {
		reseedBytes = DefaultReseedBytes
	}
	return &Generator{seeder: seeder, reseedBytes: reseedBytes}
}

// Name returns "DRBG".
func (g *Generator) Name() string { return "DRBG" }

// Read fills b completely. It fails only when reseeding fails or the
// generator is closed, and then reports how many bytes were produced.
func (g *Generator) Read(b []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return 0, ErrClosed
	}

	total := len(b)
	for len(b) > 0 {
		if !g.seeded || g.sinceReseed >= g.reseedBytes {
			if err := g.reseed(); err != nil {
				return total - len(b), err
			}
		}

		n := min(len(b), maxRequest, g.reseedBytes-g.sinceReseed)
		if err := g.generate(b[:n]); err != nil {
			return total - len(b), err
		}
		g.sinceReseed += n
		b = b[n:]
	}
	return total, nil
}

// GenerateBlock fills out completely or returns an error.
func (g *Generator) GenerateBlock(out []byte) error {
	if len(out) == 0 {
		return nil
	}
	_, err := g.Read(out)
	return err
}

// Reseed forces a reseed before the next output.
func (g *Generator) Reseed() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	return g.reseed()
}

// Reseeds returns how many times the key has been derived from the seeder.
func (g *Generator) Reseeds() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reseeds
}

// Close wipes the key. Further reads fail with ErrClosed.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	security.Wipe(g.key[:])
	g.closed = true
	g.seeded = false
	return nil
}

// reseed mixes fresh seed material with the current key.
func (g *Generator) reseed() error {
	var seed [SeedSize]byte
	defer security.Wipe(seed[:])

	if err := g.seeder.GenerateBlock(seed[:]); err != nil {
		return fmt.Errorf("drbg: reseed: %w", err)
	}

	var next [chacha20.KeySize]byte
	defer security.Wipe(next[:])

	kdf := hkdf.New(sha256.New, seed[:], g.key[:], []byte(reseedInfo))
	if _, err := io.ReadFull(kdf, next[:]); err != nil {
		return fmt.Errorf("drbg: derive key: %w", err)
	}

	g.key = next
	g.seeded = true
	g.sinceReseed = 0
	g.reseeds++
	return nil
}

// generate writes len(out) keystream bytes and ratchets the key.
func (g *Generator) generate(out []byte) error {
	var nonce [chacha20.NonceSize]byte
	stream, err := chacha20.NewUnauthenticatedCipher(g.key[:], nonce[:])
	if err != nil {
		return fmt.Errorf("drbg: %w", err)
	}

	var zero [chacha20.KeySize]byte
	stream.XORKeyStream(g.key[:], zero[:])

	clear(out)
	stream.XORKeyStream(out, out)
	return nil
}
