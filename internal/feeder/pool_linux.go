//go:build linux && !(mips || mipsle || mips64 || mips64le || ppc64 || ppc64le || sparc64)

package feeder

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"hwrng/internal/security"
)

// ioctl request numbers from <linux/random.h>, generic _IOC encoding.
const (
	rndGetEntCnt  = 0x80045200 // _IOR('R', 0x00, int)
	rndAddEntropy = 0x40085203 // _IOW('R', 0x03, int[2])
)

// rand_pool_info header: entropy_count and buf_size, both int.
const poolInfoHeader = 8

type ioctlFunc func(fd uintptr, req uint, arg unsafe.Pointer) error

func sysIoctl(fd uintptr, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// KernelPool drives /dev/random through RNDGETENTCNT and RNDADDENTROPY.
// Adding entropy needs CAP_SYS_ADMIN.
type KernelPool struct {
	mu    sync.Mutex
	file  *os.File
	ioctl ioctlFunc
	req   *security.SecureBytes
}

// OpenPool opens device, normally /dev/random.
func OpenPool(device string) (*KernelPool, error) {
	f, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("feeder: open %s: %w", device, err)
	}
	return &KernelPool{file: f, ioctl: sysIoctl}, nil
}

// EntropyCount returns the kernel's entropy estimate in bits.
func (p *KernelPool) EntropyCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var count int32
	if err := p.ioctl(p.file.Fd(), rndGetEntCnt, unsafe.Pointer(&count)); err != nil {
		return 0, fmt.Errorf("RNDGETENTCNT: %w", err)
	}
	return int(count), nil
}

// AddEntropy submits data and credits bits. The request is assembled in a
// locked buffer that is wiped afterwards.
func (p *KernelPool) AddEntropy(data []byte, bits int) error {
	if len(data) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.req == nil || p.req.Len() < poolInfoHeader+len(data) {
		if p.req != nil {
			p.req.Destroy()
		}
		req, err := security.NewSecureBytes(poolInfoHeader + len(data))
		if err != nil {
			return err
		}
		p.req = req
	}

	req := p.req.Bytes()[:poolInfoHeader+len(data)]
	defer security.Wipe(req)
	encodePoolInfo(req, data, bits)

	if err := p.ioctl(p.file.Fd(), rndAddEntropy, unsafe.Pointer(&req[0])); err != nil {
		return fmt.Errorf("RNDADDENTROPY: %w", err)
	}
	return nil
}

// encodePoolInfo lays out struct rand_pool_info in dst.
func encodePoolInfo(dst, data []byte, bits int) {
	binary.NativeEndian.PutUint32(dst[0:4], uint32(int32(bits)))
	binary.NativeEndian.PutUint32(dst[4:8], uint32(int32(len(data))))
	copy(dst[poolInfoHeader:], data)
}

// Close releases the device.
func (p *KernelPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.req != nil {
		p.req.Destroy()
		p.req = nil
	}
	return p.file.Close()
}
