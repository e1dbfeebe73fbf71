package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for dmTCP operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// ========================================================================
	// Run identity
	// ========================================================================
	AttrRole      = "dmtcp.role" // "listener" or "sender"
	AttrInterface = "dmtcp.interface"
	AttrIfIndex   = "dmtcp.ifindex"
	AttrPeerAddr  = "dmtcp.peer_addr"

	// ========================================================================
	// NIC control plane
	// ========================================================================
	AttrNetlinkFamily = "dmtcp.netlink_family" // "ethtool" or "netdev"
	AttrQueueStart    = "dmtcp.queue_start"
	AttrQueueCount    = "dmtcp.queue_count"
	AttrHeaderSplit   = "dmtcp.header_split"
	AttrRSSQueues     = "dmtcp.rss_queues"

	// ========================================================================
	// dma-buf / bindings
	// ========================================================================
	AttrDmabufFD    = "dmtcp.dmabuf_fd"
	AttrDmabufID    = "dmtcp.dmabuf_id"
	AttrBufferBytes = "dmtcp.buffer_bytes"
	AttrBufferOff   = "dmtcp.buffer_offset"

	// ========================================================================
	// Fragments / completions
	// ========================================================================
	AttrFragOffset    = "dmtcp.frag_offset"
	AttrFragSize      = "dmtcp.frag_size"
	AttrFragToken     = "dmtcp.frag_token"
	AttrPageAligned   = "dmtcp.page_aligned"
	AttrTotalReceived = "dmtcp.total_received"
	AttrTotalSent     = "dmtcp.total_sent"
	AttrValidationErr = "dmtcp.validation_errors"
	AttrCompletionLo  = "dmtcp.completion_lo"
	AttrCompletionHi  = "dmtcp.completion_hi"

	// ========================================================================
	// Errors
	// ========================================================================
	AttrErrorKind = "dmtcp.error_kind" // ConfigurationError, KernelUnsupported, FlowSteeringLeak, ...
)

// Span names for operations.
const (
	SpanNICRxQueueCount      = "nic.rx_queue_count"
	SpanNICSetHeaderSplit    = "nic.set_header_split"
	SpanNICResetFlowSteering = "nic.reset_flow_steering"
	SpanNICConfigureRSS      = "nic.configure_rss"
	SpanNICConfigureChannels = "nic.configure_channels"
	SpanNICInstallFlowRule   = "nic.install_flow_rule"
	SpanNICBindRx            = "nic.bind_rx"
	SpanNICBindTx            = "nic.bind_tx"
	SpanRxServe              = "rx.serve"
	SpanRxReceiveFragment    = "rx.receive_fragment"
	SpanTxSend               = "tx.send"
	SpanTxWaitCompletion     = "tx.wait_completion"
	SpanOrchestratorRun      = "orchestrator.run"
	SpanOrchestratorSelfTest = "orchestrator.self_test"
)

// Role returns an attribute for the process role.
func Role(role string) attribute.KeyValue {
	return attribute.String(AttrRole, role)
}

// Interface returns an attribute for the NIC name.
func Interface(name string) attribute.KeyValue {
	return attribute.String(AttrInterface, name)
}

// IfIndexAttr returns an attribute for the resolved kernel ifindex.
func IfIndexAttr(ifindex int) attribute.KeyValue {
	return attribute.Int(AttrIfIndex, ifindex)
}

// PeerAddr returns an attribute for the remote address.
func PeerAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrPeerAddr, addr)
}

// NetlinkFamily returns an attribute for the genetlink family name used in a
// control-plane call ("ethtool" or "netdev").
func NetlinkFamily(name string) attribute.KeyValue {
	return attribute.String(AttrNetlinkFamily, name)
}

// QueueRange returns attributes describing an RX/TX queue range.
func QueueRange(start, count int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrQueueStart, start),
		attribute.Int(AttrQueueCount, count),
	}
}

// DmabufID returns an attribute for a kernel-assigned dmabuf binding id.
func DmabufID(id int) attribute.KeyValue {
	return attribute.Int(AttrDmabufID, id)
}

// DmabufFD returns an attribute for the dma-buf file descriptor.
func DmabufFD(fd int) attribute.KeyValue {
	return attribute.Int(AttrDmabufFD, fd)
}

// BufferBytes returns an attribute for an allocated device-buffer size.
func BufferBytes(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrBufferBytes, int64(n))
}

// Fragment returns attributes describing one received fragment.
func Fragment(offset, size, token int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrFragOffset, offset),
		attribute.Int(AttrFragSize, size),
		attribute.Int(AttrFragToken, token),
	}
}

// PageAligned returns an attribute recording whether a fragment landed on a
// page boundary.
func PageAligned(aligned bool) attribute.KeyValue {
	return attribute.Bool(AttrPageAligned, aligned)
}

// Completion returns attributes describing one drained TX completion range.
func Completion(lo, hi uint32) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrCompletionLo, int64(lo)),
		attribute.Int64(AttrCompletionHi, int64(hi)),
	}
}

// ErrorKind returns an attribute naming one of the error taxonomy kinds.
func ErrorKind(kind string) attribute.KeyValue {
	return attribute.String(AttrErrorKind, kind)
}

// StartNICSpan starts a span for a NIC control-plane call over a genetlink
// family, tagging the interface and family name as attributes.
func StartNICSpan(ctx context.Context, spanName, family, iface string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		NetlinkFamily(family),
		Interface(iface),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, spanName, trace.WithAttributes(allAttrs...))
}

// StartRxSpan starts a span for a receive-engine operation.
func StartRxSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, spanName, trace.WithAttributes(attrs...))
}

// StartTxSpan starts a span for a transmit-engine operation.
func StartTxSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, spanName, trace.WithAttributes(attrs...))
}
