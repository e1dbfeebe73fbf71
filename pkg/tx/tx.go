// Package tx implements the transmit engine of §4.4: a single-outstanding,
// zero-copy send loop driven from a device-resident buffer.
package tx

import (
	"context"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dmtcp-tools/dmtcpdiag/internal/logger"
	"github.com/dmtcp-tools/dmtcpdiag/internal/telemetry"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/devmem"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/metrics"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/nic"
)

// maxSegments bounds how many chunks a single line_size payload may be
// split into when max_chunk segmentation is active.
const maxSegments = 1024

// DefaultCompletionWait matches spec.md §5's default wait_completion
// deadline.
const DefaultCompletionWait = 750 * time.Millisecond

// Stats is the snapshot the engine returns on shutdown.
type Stats struct {
	TotalSent          int64
	CompletionsObserved int64
	MaxCompletionWait  time.Duration
}

// Engine owns one transmit run.
type Engine struct {
	Controller *nic.Controller
	Buffer     devmem.Buffer
	Provider   devmem.Provider
	Ifindex    int
	Interface  string

	LineSize        int
	MaxChunk        int
	CompletionWait  time.Duration
	Source          Source

	stats Stats
}

// Send executes the full §4.4 sequence against peerAddr, optionally
// binding the local socket to localAddr first.
func (e *Engine) Send(ctx context.Context, peerAddr, localAddr string) (Stats, error) {
	ctx, span := telemetry.StartTxSpan(ctx, telemetry.SpanTxSend)
	defer span.End()

	if e.CompletionWait == 0 {
		e.CompletionWait = DefaultCompletionWait
	}
	if e.LineSize > 0 && e.MaxChunk > 0 {
		segments := (e.LineSize + e.MaxChunk - 1) / e.MaxChunk
		if segments > maxSegments {
			return e.stats, dmerrors.New(dmerrors.ConfigurationError, "line_size would exceed the maximum segment count for the configured max_chunk")
		}
	}

	fd, err := e.socket()
	if err != nil {
		return e.stats, err
	}
	defer unix.Close(fd)

	binding, err := e.Controller.BindTx(ctx, e.Ifindex, e.Buffer.FD)
	if err != nil {
		return e.stats, err
	}
	defer binding.Close()

	if localAddr != "" {
		sa, _, err := resolveSockaddr(localAddr)
		if err != nil {
			return e.stats, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to resolve local address", err)
		}
		if err := unix.Bind(fd, sa); err != nil {
			return e.stats, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to bind local address", err)
		}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, soZerocopy, 1); err != nil {
		return e.stats, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to enable SO_ZEROCOPY", err)
	}

	peerSA, _, err := resolveSockaddr(peerAddr)
	if err != nil {
		return e.stats, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to resolve peer address", err)
	}
	if err := unix.Connect(fd, peerSA); err != nil {
		return e.stats, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to connect to peer", err)
	}

	lctx := logger.NewLogContext("sender").WithInterface(e.Interface, e.Ifindex).WithPeer(peerAddr).WithBinding(binding.TxDmabufID)
	ctx = logger.WithContext(ctx, lctx)

	return e.stats, e.producerLoop(ctx, fd, binding.TxDmabufID)
}

func (e *Engine) socket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to create tx socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to set SO_REUSEADDR", err)
	}
	if e.Interface != "" {
		if err := unix.BindToDevice(fd, e.Interface); err != nil {
			unix.Close(fd)
			return -1, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to bind socket to interface", err)
		}
	}
	return fd, nil
}

func (e *Engine) producerLoop(ctx context.Context, fd, txDmabufID int) error {
	var deviceOffset int64

	for int64(e.stats.TotalSent) < int64(e.Buffer.Size) {
		payload, err := e.Source.Next(e.LineSize)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return dmerrors.Wrap(dmerrors.ConfigurationError, "source exhausted with an error", err)
		}
		if len(payload) == 0 {
			n, err := unix.Write(fd, nil)
			if err != nil {
				return dmerrors.Wrap(dmerrors.TransientIO, "zero-length send failed", err)
			}
			logger.DebugCtx(ctx, "zero-length send", "n", n)
			continue
		}

		if deviceOffset+int64(len(payload)) > int64(e.Buffer.Size) {
			deviceOffset = 0
		}
		if err := e.Provider.CopyHostToDevice(ctx, e.Buffer, deviceOffset, payload); err != nil {
			return dmerrors.Wrap(dmerrors.ConfigurationError, "host-to-device staging copy failed", err)
		}

		segments := segmentOffsets(deviceOffset, len(payload), e.MaxChunk)

		for _, seg := range segments {
			n, err := sendZerocopySegment(fd, txDmabufID, seg.offset, seg.length)
			if err != nil {
				return dmerrors.Wrap(dmerrors.TransientIO, "zero-copy send failed", err)
			}
			e.stats.TotalSent += int64(n)
			if metrics.IsEnabled() {
				metrics.GetRegistry().BytesSent.Add(float64(n))
			}

			waitStart := time.Now()
			lo, hi, err := waitCompletion(fd, e.CompletionWait)
			waited := time.Since(waitStart)
			if waited > e.stats.MaxCompletionWait {
				e.stats.MaxCompletionWait = waited
			}
			if err != nil {
				return err
			}
			e.stats.CompletionsObserved++
			if metrics.IsEnabled() {
				metrics.GetRegistry().CompletionsDrained.Inc()
				metrics.GetRegistry().CompletionWait.Observe(waited.Seconds())
			}
			logger.DebugCtx(ctx, "completion drained", logger.Completion(lo, hi)...)
		}

		deviceOffset += int64(len(payload))
	}

	return nil
}

type segment struct {
	offset int64
	length int
}

// segmentOffsets splits [base, base+length) into chunks of at most
// maxChunk bytes, or a single segment when maxChunk is 0.
func segmentOffsets(base int64, length, maxChunk int) []segment {
	if maxChunk <= 0 {
		return []segment{{offset: base, length: length}}
	}
	var segments []segment
	remaining := length
	off := base
	for remaining > 0 {
		n := maxChunk
		if n > remaining {
			n = remaining
		}
		segments = append(segments, segment{offset: off, length: n})
		off += int64(n)
		remaining -= n
	}
	return segments
}
