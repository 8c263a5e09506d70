//go:build linux

package tpm

import (
	"os"

	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

// DetectDevice returns the first TPM device that can be opened for
// reading and writing, or "".
func DetectDevice() string {
	for _, path := range tpmDevicePaths {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			f.Close()
			return path
		}
	}
	return ""
}

func openDevice(path string) (transport.TPMCloser, error) {
	return transport.OpenTPM(path)
}
