package chain

import (
	"crypto/rand"
	"fmt"
)

// OSSource reads from the operating system's CSPRNG.
type OSSource struct{}

// Name returns "OS".
func (OSSource) Name() string { return "OS" }

// GenerateBlock fills out from crypto/rand.
func (OSSource) GenerateBlock(out []byte) error {
	if len(out) == 0 {
		return nil
	}
	if _, err := rand.Read(out); err != nil {
		return fmt.Errorf("os: %w", err)
	}
	return nil
}
