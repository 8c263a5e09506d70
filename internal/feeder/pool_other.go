//go:build !linux || mips || mipsle || mips64 || mips64le || ppc64 || ppc64le || sparc64

package feeder

// KernelPool is unavailable on this platform.
type KernelPool struct{}

// OpenPool always fails with ErrUnsupported.
func OpenPool(string) (*KernelPool, error) {
	return nil, ErrUnsupported
}

func (*KernelPool) EntropyCount() (int, error)   { return 0, ErrUnsupported }
func (*KernelPool) AddEntropy([]byte, int) error { return ErrUnsupported }
func (*KernelPool) Close() error                 { return nil }
