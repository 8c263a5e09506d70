// Package security holds memory hygiene helpers for hardware-generated
// material:
//   - Wipe zeroes buffers that held random output
//   - SecureBytes is a wiped-on-destroy buffer, mlocked where the OS allows
package security

import "runtime"

// Wipe overwrites data with zeros.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	clear(data)

	// Keep the writes observable so they are not dropped as dead stores.
	runtime.KeepAlive(data)
}

// IsZero reports whether every byte of data is zero. It inspects all bytes
// regardless of where the first non-zero byte sits.
func IsZero(data []byte) bool {
	var acc byte
	for _, b := range data {
		acc |= b
	}
	return acc == 0
}

// GuardedExec runs fn with buf and wipes buf afterwards, including when fn
// panics.
func GuardedExec(buf []byte, fn func([]byte) error) error {
	defer Wipe(buf)
	return fn(buf)
}
