package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation
// and querying across the NIC control plane, RX engine, and TX engine.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Run identity
	// ========================================================================
	KeyRole      = "role"      // "listener" or "sender"
	KeyInterface = "interface" // NIC name
	KeyIfIndex   = "ifindex"   // resolved kernel ifindex
	KeyPeerAddr  = "peer_addr" // remote address once connected/accepted

	// ========================================================================
	// NIC control plane
	// ========================================================================
	KeyFamily      = "netlink_family" // "ethtool" or "netdev"
	KeyQueueStart  = "queue_start"
	KeyQueueCount  = "queue_count"
	KeyHeaderSplit = "header_split"
	KeyRSSQueues   = "rss_queues"

	// ========================================================================
	// dma-buf / bindings
	// ========================================================================
	KeyDmabufFD    = "dmabuf_fd"
	KeyDmabufID    = "dmabuf_id"
	KeyBufferBytes = "buffer_bytes"
	KeyBufferOff   = "buffer_offset"

	// ========================================================================
	// Fragments / completions
	// ========================================================================
	KeyFragOffset      = "frag_offset"
	KeyFragSize        = "frag_size"
	KeyFragToken       = "frag_token"
	KeyPageAligned     = "page_aligned"
	KeyTotalReceived   = "total_received"
	KeyTotalSent       = "total_sent"
	KeyValidationErr   = "validation_errors"
	KeyLinearCount     = "linear_count"
	KeyCompletionLo    = "completion_lo"
	KeyCompletionHi    = "completion_hi"
	KeyCompletionCount = "completion_count"

	// ========================================================================
	// Errors
	// ========================================================================
	KeyError     = "error"
	KeyErrorKind = "error_kind" // ConfigurationError, KernelUnsupported, FlowSteeringLeak, ...
)

// Err returns a slog attribute for an error value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorKind returns a slog attribute naming one of the §7 error taxonomy kinds.
func ErrorKind(kind string) slog.Attr {
	return slog.String(KeyErrorKind, kind)
}

// IfIndex returns a slog attribute for an interface index.
func IfIndex(ifindex int) slog.Attr {
	return slog.Int(KeyIfIndex, ifindex)
}

// Queue returns a slog attribute pair describing an RX/TX queue range.
func Queue(start, count int) []any {
	return []any{KeyQueueStart, start, KeyQueueCount, count}
}

// DmabufID returns a slog attribute for a kernel-assigned dmabuf id.
func DmabufID(id int) slog.Attr {
	return slog.Int(KeyDmabufID, id)
}

// Fragment returns slog attribute pairs describing one received fragment.
func Fragment(offset, size int, token int) []any {
	return []any{KeyFragOffset, offset, KeyFragSize, size, KeyFragToken, token}
}

// Completion returns slog attribute pairs describing one drained TX completion.
func Completion(lo, hi uint32) []any {
	return []any{KeyCompletionLo, lo, KeyCompletionHi, hi}
}
