// Package metrics exposes the Prometheus counters, histograms, and gauges
// the receive engine, transmit engine, and NIC control plane update as they
// run. The registry is opt-in: nothing in pkg/rx, pkg/tx, or pkg/nic fails
// if metrics were never initialized, since the diagnostic tool must still
// run on a host with no Prometheus scraper.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmtcp-tools/dmtcpdiag/internal/logger"
)

// Registry bundles every metric this repository emits under one
// prometheus.Registerer, constructed once per process.
type Registry struct {
	FragmentsReceived   prometheus.Counter
	BytesReceived       prometheus.Counter
	PageAlignedFrags    prometheus.Counter
	NonPageAlignedFrags prometheus.Counter
	LinearFrags         prometheus.Counter
	ValidationErrors    prometheus.Counter

	BytesSent          prometheus.Counter
	CompletionsDrained prometheus.Counter
	CompletionWait     prometheus.Histogram

	NICCallDuration *prometheus.HistogramVec
}

var (
	initOnce sync.Once
	current  *Registry
)

// InitRegistry builds and registers the metric set exactly once. Subsequent
// calls return the first Registry built, so callers never accidentally
// double-register collectors against the default registerer.
func InitRegistry() *Registry {
	initOnce.Do(func() {
		current = newRegistry(prometheus.DefaultRegisterer)
	})
	return current
}

// IsEnabled reports whether InitRegistry has run yet.
func IsEnabled() bool {
	return current != nil
}

// GetRegistry returns the initialized Registry, or nil if metrics were
// never enabled. Every call site must treat a nil Registry as "do nothing".
func GetRegistry() *Registry {
	return current
}

func newRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		FragmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmtcpdiag", Subsystem: "rx", Name: "fragments_received_total",
			Help: "DMABUF fragment descriptors processed by the receive engine.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmtcpdiag", Subsystem: "rx", Name: "bytes_received_total",
			Help: "Bytes copied device-to-device from received fragments.",
		}),
		PageAlignedFrags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmtcpdiag", Subsystem: "rx", Name: "page_aligned_fragments_total",
			Help: "Fragments whose offset continued the previous fragment's page.",
		}),
		NonPageAlignedFrags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmtcpdiag", Subsystem: "rx", Name: "non_page_aligned_fragments_total",
			Help: "Fragments that started a new contiguity run.",
		}),
		LinearFrags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmtcpdiag", Subsystem: "rx", Name: "linear_fragments_total",
			Help: "LINEAR-variant descriptors counted but not copied.",
		}),
		ValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmtcpdiag", Subsystem: "rx", Name: "validation_errors_total",
			Help: "Byte mismatches observed in validation mode.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmtcpdiag", Subsystem: "tx", Name: "bytes_sent_total",
			Help: "Bytes reported sent by the zero-copy transmit engine.",
		}),
		CompletionsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmtcpdiag", Subsystem: "tx", Name: "completions_drained_total",
			Help: "Zero-copy completions drained from the socket error queue.",
		}),
		CompletionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dmtcpdiag", Subsystem: "tx", Name: "completion_wait_seconds",
			Help:    "Time spent waiting for each zero-copy completion.",
			Buckets: prometheus.DefBuckets,
		}),
		NICCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dmtcpdiag", Subsystem: "nic", Name: "call_duration_seconds",
			Help:    "Generic netlink request latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		r.FragmentsReceived, r.BytesReceived, r.PageAlignedFrags,
		r.NonPageAlignedFrags, r.LinearFrags, r.ValidationErrors,
		r.BytesSent, r.CompletionsDrained, r.CompletionWait, r.NICCallDuration,
	)
	return r
}

// ServeHTTP starts a metrics listener on addr and blocks until ctx is
// canceled or the server fails. It is optional: cmd/dmtcpdiag only calls
// this when cfg.Metrics.Enabled is set.
func ServeHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down metrics listener", "addr", addr)
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
