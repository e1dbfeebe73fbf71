package devmem

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dmtcp-tools/dmtcpdiag/internal/bytesize"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
)

// HostProvider is the default Provider backend. It allocates a page-aligned
// anonymous mapping backed by a sealed memfd, standing in for a GPU runtime
// that would otherwise export a real dma-buf. The memfd is a genuine kernel
// object: closing it releases the backing pages exactly as a real dma-buf
// exporter would on teardown.
type HostProvider struct {
	pageSize int

	mu      sync.Mutex
	regions map[int]*region // keyed by fd
}

type region struct {
	data []byte
}

// NewHostProvider constructs a HostProvider using the runtime page size.
func NewHostProvider() *HostProvider {
	return &HostProvider{
		pageSize: unix.Getpagesize(),
		regions:  make(map[int]*region),
	}
}

func (p *HostProvider) PageSize() int {
	return p.pageSize
}

// Allocate creates a memfd sealed against resizing, maps it, and returns a
// Buffer wrapping the fd. The mapping's backing pages are what every
// Copy* method and the NIC bind operations ultimately reference.
func (p *HostProvider) Allocate(ctx context.Context, size bytesize.ByteSize) (Buffer, error) {
	if err := ValidateAllocationSize(size, p.pageSize); err != nil {
		return Buffer{}, err
	}

	fd, err := unix.MemfdCreate("dmtcpdiag-devbuf", unix.MFD_ALLOW_SEALING)
	if err != nil {
		return Buffer{}, dmerrors.Wrap(dmerrors.ConfigurationError, "memfd_create failed", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return Buffer{}, dmerrors.Wrap(dmerrors.ConfigurationError, "ftruncate on device buffer memfd failed", err)
	}

	// Seal against further size/grow/shrink changes: once exported, the
	// buffer's length is fixed for the process lifetime (§3 invariant).
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_GROW|unix.F_SEAL_SHRINK); err != nil {
		unix.Close(fd)
		return Buffer{}, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to seal device buffer memfd", err)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return Buffer{}, dmerrors.Wrap(dmerrors.ConfigurationError, "mmap of device buffer failed", err)
	}

	p.mu.Lock()
	p.regions[fd] = &region{data: data}
	p.mu.Unlock()

	return Buffer{FD: fd, Offset: 0, Size: size}, nil
}

func (p *HostProvider) lookup(buf Buffer) (*region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.regions[buf.FD]
	if !ok {
		return nil, dmerrors.New(dmerrors.ConfigurationError, "unknown device buffer fd")
	}
	return r, nil
}

func (p *HostProvider) CopyHostToDevice(ctx context.Context, buf Buffer, dstOff int64, src []byte) error {
	r, err := p.lookup(buf)
	if err != nil {
		return err
	}
	if dstOff < 0 || dstOff+int64(len(src)) > int64(len(r.data)) {
		return dmerrors.New(dmerrors.ConfigurationError, fmt.Sprintf("host-to-device copy out of bounds: off=%d len=%d size=%d", dstOff, len(src), len(r.data)))
	}
	copy(r.data[dstOff:], src)
	return nil
}

func (p *HostProvider) CopyDeviceToDevice(ctx context.Context, dst Buffer, dstOff int64, src Buffer, srcOff int64, length int) error {
	dr, err := p.lookup(dst)
	if err != nil {
		return err
	}
	sr, err := p.lookup(src)
	if err != nil {
		return err
	}
	if srcOff < 0 || srcOff+int64(length) > int64(len(sr.data)) {
		return dmerrors.New(dmerrors.ConfigurationError, "device-to-device copy source out of bounds")
	}
	if dstOff < 0 || dstOff+int64(length) > int64(len(dr.data)) {
		return dmerrors.New(dmerrors.ConfigurationError, "device-to-device copy destination out of bounds")
	}
	copy(dr.data[dstOff:dstOff+int64(length)], sr.data[srcOff:srcOff+int64(length)])
	return nil
}

func (p *HostProvider) CopyDeviceToHost(ctx context.Context, dst []byte, src Buffer, srcOff int64, length int) error {
	sr, err := p.lookup(src)
	if err != nil {
		return err
	}
	if srcOff < 0 || srcOff+int64(length) > int64(len(sr.data)) {
		return dmerrors.New(dmerrors.ConfigurationError, "device-to-host copy source out of bounds")
	}
	if len(dst) < length {
		return dmerrors.New(dmerrors.ConfigurationError, "device-to-host copy destination too small")
	}
	copy(dst[:length], sr.data[srcOff:srcOff+int64(length)])
	return nil
}

// Release unmaps the buffer and closes its fd. Safe to call once per
// successful Allocate; idempotent against a buffer that was never allocated
// by this provider.
func (p *HostProvider) Release(buf Buffer) error {
	p.mu.Lock()
	r, ok := p.regions[buf.FD]
	if ok {
		delete(p.regions, buf.FD)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	var firstErr error
	if err := unix.Munmap(r.data); err != nil {
		firstErr = err
	}
	if err := unix.Close(buf.FD); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return dmerrors.Wrap(dmerrors.ConfigurationError, "failed to release device buffer", firstErr)
	}
	return nil
}
