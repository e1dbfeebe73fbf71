package devmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmtcp-tools/dmtcpdiag/internal/bytesize"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
)

func TestHostProvider_AllocateRejectsNonPageMultiple(t *testing.T) {
	p := NewHostProvider()
	_, err := p.Allocate(context.Background(), bytesize.ByteSize(p.PageSize()+1))
	require.Error(t, err)
	kind, ok := dmerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dmerrors.ConfigurationError, kind)
}

func TestHostProvider_AllocateRejectsZero(t *testing.T) {
	p := NewHostProvider()
	_, err := p.Allocate(context.Background(), 0)
	require.Error(t, err)
}

func TestHostProvider_AllocateAndRelease(t *testing.T) {
	p := NewHostProvider()
	buf, err := p.Allocate(context.Background(), bytesize.ByteSize(p.PageSize()))
	require.NoError(t, err)
	assert.Positive(t, buf.FD)
	assert.EqualValues(t, p.PageSize(), buf.Size)

	require.NoError(t, p.Release(buf))
	// releasing twice is a no-op, not an error
	require.NoError(t, p.Release(buf))
}

func TestHostProvider_HostToDeviceToHostRoundtrip(t *testing.T) {
	p := NewHostProvider()
	ctx := context.Background()
	buf, err := p.Allocate(ctx, bytesize.ByteSize(p.PageSize()))
	require.NoError(t, err)
	defer p.Release(buf)

	payload := []byte("the quick brown fox")
	require.NoError(t, p.CopyHostToDevice(ctx, buf, 64, payload))

	out := make([]byte, len(payload))
	require.NoError(t, p.CopyDeviceToHost(ctx, out, buf, 64, len(payload)))
	assert.Equal(t, payload, out)
}

func TestHostProvider_DeviceToDeviceCopy(t *testing.T) {
	p := NewHostProvider()
	ctx := context.Background()
	buf, err := p.Allocate(ctx, bytesize.ByteSize(2*p.PageSize()))
	require.NoError(t, err)
	defer p.Release(buf)

	payload := []byte("fragment payload")
	require.NoError(t, p.CopyHostToDevice(ctx, buf, 0, payload))
	require.NoError(t, p.CopyDeviceToDevice(ctx, buf, 4096, buf, 0, len(payload)))

	out := make([]byte, len(payload))
	require.NoError(t, p.CopyDeviceToHost(ctx, out, buf, 4096, len(payload)))
	assert.Equal(t, payload, out)
}

func TestHostProvider_CopyOutOfBoundsFails(t *testing.T) {
	p := NewHostProvider()
	ctx := context.Background()
	buf, err := p.Allocate(ctx, bytesize.ByteSize(p.PageSize()))
	require.NoError(t, err)
	defer p.Release(buf)

	err = p.CopyHostToDevice(ctx, buf, int64(buf.Size)-1, []byte("too long for the tail"))
	require.Error(t, err)
}

func TestHostProvider_UnknownBufferFails(t *testing.T) {
	p := NewHostProvider()
	ctx := context.Background()
	bogus := Buffer{FD: 99999, Size: bytesize.ByteSize(p.PageSize())}
	err := p.CopyHostToDevice(ctx, bogus, 0, []byte("x"))
	require.Error(t, err)
}
