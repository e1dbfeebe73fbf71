package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "dmtcpdiag", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false

	shutdown, err := Init(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	err = shutdown(ctx)
	assert.NoError(t, err)

	assert.False(t, IsEnabled())
}

func TestTracerReturnsNoOp(t *testing.T) {
	tracer = nil
	enabled = false

	tr := Tracer()
	require.NotNil(t, tr)
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartSpan(ctx, "test.operation")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)

	span.End()
}

func TestSpanFromContext(t *testing.T) {
	ctx := context.Background()

	span := SpanFromContext(ctx)
	require.NotNil(t, span)
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()

	require.NotPanics(t, func() {
		AddEvent(ctx, "test.event")
	})
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()

	require.NotPanics(t, func() {
		RecordError(ctx, nil)
	})

	require.NotPanics(t, func() {
		RecordError(ctx, errors.New("test error"))
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()

	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Ok, "success")
	})

	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Error, "failed")
	})
}

func TestSetAttributes(t *testing.T) {
	ctx := context.Background()

	require.NotPanics(t, func() {
		SetAttributes(ctx, Interface("eth0"))
	})
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()

	traceID := TraceID(ctx)
	assert.Equal(t, "", traceID)
}

func TestSpanID(t *testing.T) {
	ctx := context.Background()

	spanID := SpanID(ctx)
	assert.Equal(t, "", spanID)
}

func TestAttributeHelpers(t *testing.T) {
	t.Run("Role", func(t *testing.T) {
		attr := Role("listener")
		assert.Equal(t, AttrRole, string(attr.Key))
		assert.Equal(t, "listener", attr.Value.AsString())
	})

	t.Run("Interface", func(t *testing.T) {
		attr := Interface("eth0")
		assert.Equal(t, AttrInterface, string(attr.Key))
		assert.Equal(t, "eth0", attr.Value.AsString())
	})

	t.Run("IfIndexAttr", func(t *testing.T) {
		attr := IfIndexAttr(3)
		assert.Equal(t, AttrIfIndex, string(attr.Key))
		assert.Equal(t, int64(3), attr.Value.AsInt64())
	})

	t.Run("PeerAddr", func(t *testing.T) {
		attr := PeerAddr("192.168.1.100:9999")
		assert.Equal(t, AttrPeerAddr, string(attr.Key))
		assert.Equal(t, "192.168.1.100:9999", attr.Value.AsString())
	})

	t.Run("NetlinkFamily", func(t *testing.T) {
		attr := NetlinkFamily("ethtool")
		assert.Equal(t, AttrNetlinkFamily, string(attr.Key))
		assert.Equal(t, "ethtool", attr.Value.AsString())
	})

	t.Run("QueueRange", func(t *testing.T) {
		attrs := QueueRange(4, 8)
		require.Len(t, attrs, 2)
		assert.Equal(t, AttrQueueStart, string(attrs[0].Key))
		assert.Equal(t, int64(4), attrs[0].Value.AsInt64())
		assert.Equal(t, AttrQueueCount, string(attrs[1].Key))
		assert.Equal(t, int64(8), attrs[1].Value.AsInt64())
	})

	t.Run("DmabufID", func(t *testing.T) {
		attr := DmabufID(7)
		assert.Equal(t, AttrDmabufID, string(attr.Key))
		assert.Equal(t, int64(7), attr.Value.AsInt64())
	})

	t.Run("DmabufFD", func(t *testing.T) {
		attr := DmabufFD(42)
		assert.Equal(t, AttrDmabufFD, string(attr.Key))
		assert.Equal(t, int64(42), attr.Value.AsInt64())
	})

	t.Run("BufferBytes", func(t *testing.T) {
		attr := BufferBytes(1048576)
		assert.Equal(t, AttrBufferBytes, string(attr.Key))
		assert.Equal(t, int64(1048576), attr.Value.AsInt64())
	})

	t.Run("Fragment", func(t *testing.T) {
		attrs := Fragment(4096, 1024, 3)
		require.Len(t, attrs, 3)
		assert.Equal(t, AttrFragOffset, string(attrs[0].Key))
		assert.Equal(t, AttrFragSize, string(attrs[1].Key))
		assert.Equal(t, AttrFragToken, string(attrs[2].Key))
	})

	t.Run("PageAligned", func(t *testing.T) {
		attr := PageAligned(true)
		assert.Equal(t, AttrPageAligned, string(attr.Key))
		assert.True(t, attr.Value.AsBool())
	})

	t.Run("Completion", func(t *testing.T) {
		attrs := Completion(10, 20)
		require.Len(t, attrs, 2)
		assert.Equal(t, AttrCompletionLo, string(attrs[0].Key))
		assert.Equal(t, int64(10), attrs[0].Value.AsInt64())
		assert.Equal(t, AttrCompletionHi, string(attrs[1].Key))
		assert.Equal(t, int64(20), attrs[1].Value.AsInt64())
	})

	t.Run("ErrorKind", func(t *testing.T) {
		attr := ErrorKind("KernelUnsupported")
		assert.Equal(t, AttrErrorKind, string(attr.Key))
		assert.Equal(t, "KernelUnsupported", attr.Value.AsString())
	})
}

func TestStartNICSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartNICSpan(ctx, SpanNICBindRx, "netdev", "eth0")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	newCtx2, span2 := StartNICSpan(ctx, SpanNICConfigureRSS, "ethtool", "eth1", DmabufID(1))
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()
}

func TestStartRxSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartRxSpan(ctx, SpanRxReceiveFragment, Fragment(0, 4096, 1)...)
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}

func TestStartTxSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartTxSpan(ctx, SpanTxWaitCompletion, Completion(0, 1)...)
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}
