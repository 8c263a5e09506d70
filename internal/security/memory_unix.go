//go:build unix

package security

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// SecureBytes is a byte slice that is zeroed when destroyed and locked into
// RAM when privileges allow, so random material never reaches swap.
type SecureBytes struct {
	data   []byte
	locked bool
	mu     sync.Mutex
}

// NewSecureBytes allocates size bytes and tries to mlock them. Failure to
// lock is not an error: unprivileged processes still get wiping.
func NewSecureBytes(size int) (*SecureBytes, error) {
	sb := &SecureBytes{
		data: make([]byte, size),
	}

	if len(sb.data) > 0 && unix.Mlock(sb.data) == nil {
		sb.locked = true
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

// Locked reports whether the buffer is pinned in RAM.
func (s *SecureBytes) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Destroy wipes and unlocks the buffer. It is safe to call more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}

	Wipe(s.data)
	if s.locked {
		_ = unix.Munlock(s.data)
		s.locked = false
	}
	s.data = nil
}

// LockProcessMemory pins current and future pages of the process. Used by
// the daemon before it starts handling random material.
func LockProcessMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}
