// Package devmem abstracts allocation of a device-resident buffer exported
// as a dma-buf file descriptor. The NIC control plane, receive engine, and
// transmit engine never touch the backing memory directly: they hold a
// Buffer value and a Provider capable of moving bytes into and out of it.
//
// HostProvider is the default backend: it stands in for a GPU runtime by
// allocating page-aligned anonymous memory and exporting it through a sealed
// memfd, which is a real kernel file descriptor with dma-buf-like close and
// ownership semantics, even though no device memory is actually involved.
// Any backend that can produce a page-aligned region and a referenceable fd
// satisfies the contract.
package devmem

import (
	"context"

	"github.com/dmtcp-tools/dmtcpdiag/internal/bytesize"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
)

// Buffer is a contiguous device-resident region of fixed byte length,
// associated with a dma-buf file descriptor and a byte offset within the
// exported object. It is created once at startup and destroyed at process
// exit; it is never resized. fd refers to the same backing store for the
// lifetime of the process.
type Buffer struct {
	FD     int
	Offset int64
	Size   bytesize.ByteSize
}

// Provider is the abstract device-memory capability the rest of the core
// depends on. Any backend satisfying this interface — including a
// host-memory mock — plugs into the NIC control plane and data-plane
// engines unmodified.
type Provider interface {
	// Allocate reserves size bytes of device memory page-aligned to the
	// provider's page size and returns a Buffer wrapping a dma-buf fd. size
	// must be a positive multiple of the page size; ConfigurationError
	// otherwise.
	Allocate(ctx context.Context, size bytesize.ByteSize) (Buffer, error)

	// CopyHostToDevice copies len(src) bytes from host memory into buf at
	// dstOff. Synchronous with respect to the caller: on return the bytes
	// are visible to the NIC.
	CopyHostToDevice(ctx context.Context, buf Buffer, dstOff int64, src []byte) error

	// CopyDeviceToDevice copies length bytes from src at srcOff into dst at
	// dstOff. Synchronous with respect to the caller.
	CopyDeviceToDevice(ctx context.Context, dst Buffer, dstOff int64, src Buffer, srcOff int64, length int) error

	// CopyDeviceToHost copies length bytes from src at srcOff into dst,
	// which must be at least length bytes long. Used by the receive engine
	// to stage a fragment out of the shared buffer for validation/reporting.
	CopyDeviceToHost(ctx context.Context, dst []byte, src Buffer, srcOff int64, length int) error

	// PageSize reports the provider's allocation granularity.
	PageSize() int

	// Release destroys the Buffer and any kernel-side handles it owns
	// (dma-buf fd close). Idempotent.
	Release(buf Buffer) error
}

// ValidateAllocationSize enforces the "positive multiple of the page size"
// invariant shared by every Provider implementation before any syscall runs.
func ValidateAllocationSize(size bytesize.ByteSize, pageSize int) error {
	if size == 0 {
		return dmerrors.New(dmerrors.ConfigurationError, "device buffer size must be non-zero")
	}
	if !size.IsPageMultiple(pageSize) {
		return dmerrors.New(dmerrors.ConfigurationError, "device buffer size must be a multiple of the page size")
	}
	return nil
}
