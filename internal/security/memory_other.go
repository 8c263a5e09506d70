//go:build !unix

package security

import (
	"errors"
	"runtime"
	"sync"
)

// SecureBytes is a byte slice that is zeroed when destroyed. Memory locking
// is not attempted on this platform.
type SecureBytes struct {
	data []byte
	mu   sync.Mutex
}

// NewSecureBytes allocates size bytes.
func NewSecureBytes(size int) (*SecureBytes, error) {
	sb := &SecureBytes{
		data: make([]byte, size),
	}

	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})

	return sb, nil
}

// Bytes returns the underlying slice. Do not retain it past Destroy.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Len returns the buffer length.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Locked always reports false here.
func (s *SecureBytes) Locked() bool { return false }

// Destroy wipes the buffer. It is safe to call more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}
	Wipe(s.data)
	s.data = nil
}

// LockProcessMemory is unsupported on this platform.
func LockProcessMemory() error {
	return errors.New("security: memory locking not supported on this platform")
}
