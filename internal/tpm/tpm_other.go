//go:build !linux

package tpm

import "github.com/google/go-tpm/tpm2/transport"

// DetectDevice returns "" on platforms without a supported TPM device node.
func DetectDevice() string {
	return ""
}

func openDevice(string) (transport.TPMCloser, error) {
	return nil, ErrTPMNotAvailable
}
