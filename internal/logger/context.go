package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds run-scoped logging context: the identifiers that
// distinguish one dmTCP session (a listener accept, or a sender run) from
// another across every log line it produces.
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	Role      string    // "listener" or "sender"
	Interface string    // NIC name (-f)
	IfIndex   int       // resolved ifindex
	PeerAddr  string    // remote address once connected/accepted
	DmabufID  int       // active RX or TX dmabuf binding id, once bound
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given role (listener/sender).
func NewLogContext(role string) *LogContext {
	return &LogContext{
		Role:      role,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithInterface returns a copy with the interface name/index set
func (lc *LogContext) WithInterface(name string, ifindex int) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Interface = name
		clone.IfIndex = ifindex
	}
	return clone
}

// WithPeer returns a copy with the peer address set
func (lc *LogContext) WithPeer(addr string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.PeerAddr = addr
	}
	return clone
}

// WithBinding returns a copy with the active dmabuf binding id set
func (lc *LogContext) WithBinding(dmabufID int) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.DmabufID = dmabufID
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
