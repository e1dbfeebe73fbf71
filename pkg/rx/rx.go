// Package rx implements the receive engine of §4.3: a single-threaded
// accept-then-read loop that pulls dmTCP fragment descriptors off a
// listening socket's ancillary data and stages their payload out of the
// shared device buffer.
package rx

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dmtcp-tools/dmtcpdiag/internal/logger"
	"github.com/dmtcp-tools/dmtcpdiag/internal/telemetry"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/devmem"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/metrics"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/nic"
)

// settlingInterval is the pause after RSS reconfiguration the NIC needs
// before flow steering and binding requests are reliable.
const settlingInterval = 200 * time.Millisecond

// controlBufferFragments sizes the ancillary-data buffer to hold this many
// fragment descriptors per receive call (§9 open question: any size that
// holds enough descriptors for one receive is acceptable).
const controlBufferFragments = 64

// Validator seeds each received region against an expected repeating byte
// sequence 0, 1, ..., modulus-1.
type Validator struct {
	Modulus   int
	Threshold int
}

// DefaultValidationThreshold matches spec.md §4.3's default mismatch
// tolerance before validation failures become fatal.
const DefaultValidationThreshold = 20

func (v *Validator) threshold() int {
	if v == nil || v.Threshold <= 0 {
		return DefaultValidationThreshold
	}
	return v.Threshold
}

// Stats is the snapshot the engine returns on shutdown.
type Stats struct {
	TotalReceived     int64
	PageAligned       int64
	NonPageAligned    int64
	LinearCount       int64
	ValidationErrors  int64
}

// Engine owns one receive run: its NIC controller, device buffer, and the
// accept loop's lifetime.
type Engine struct {
	Controller *nic.Controller
	Buffer     devmem.Buffer
	Provider   devmem.Provider
	Ifindex    int
	Queues     []int
	Validator  *Validator

	// ServerAddr/ClientAddr/Port parameterize the §4.3 step-1
	// install_flow_rule call. ServerAddr is required; ClientAddr empty
	// falls back to a 3-tuple rule.
	ServerAddr string
	ClientAddr string
	Port       uint16

	staging devmem.Buffer
	stats   Stats
}

// Staging returns the contiguous device-resident staging region fragments
// are reassembled into, indexed by cumulative-received count (§4.3 step 3).
// Only valid between Serve's staging allocation and the matching Release;
// tests that want to observe the §8 round-trip property read this buffer
// before letting Serve/readLoop tear it down.
func (e *Engine) Staging() devmem.Buffer {
	return e.staging
}

// Serve executes the full §4.3 sequence: NIC setup, accept, read loop,
// teardown. It returns the accumulated Stats regardless of how the loop
// exited, alongside a non-nil error only for fatal conditions.
func (e *Engine) Serve(ctx context.Context, listenAddr string) (Stats, error) {
	ctx, span := telemetry.StartRxSpan(ctx, telemetry.SpanRxServe)
	defer span.End()

	if err := e.configureNIC(ctx); err != nil {
		return e.stats, err
	}

	binding, err := e.Controller.BindRx(ctx, e.Ifindex, e.Buffer.FD, e.Queues)
	if err != nil {
		return e.stats, err
	}
	defer binding.Close()

	// The staging region is sized to the shared device buffer, per §8's
	// round-trip property bound (|B| <= device_buffer.size).
	staging, err := e.Provider.Allocate(ctx, e.Buffer.Size)
	if err != nil {
		return e.stats, err
	}
	e.staging = staging

	lctx := logger.NewLogContext("listener").WithInterface("", e.Ifindex).WithBinding(binding.DmabufID)
	ctx = logger.WithContext(ctx, lctx)

	listenFD, err := e.listen(listenAddr)
	if err != nil {
		e.Provider.Release(staging)
		return e.stats, err
	}
	defer unix.Close(listenFD)

	connFD, peer, err := e.accept(listenFD)
	if err != nil {
		e.Provider.Release(staging)
		return e.stats, err
	}
	defer unix.Close(connFD)
	// Freed first, ahead of the sockets and the RX binding, per §4.3 step 4.
	defer e.Provider.Release(staging)

	logger.InfoCtx(ctx, "accepted connection", "peer", peer)

	return e.stats, e.readLoop(ctx, connFD, binding.DmabufID)
}

func (e *Engine) configureNIC(ctx context.Context) error {
	if err := e.Controller.ResetFlowSteering(ctx, e.Ifindex); err != nil {
		return err
	}
	if err := e.Controller.SetHeaderSplit(ctx, e.Ifindex, true); err != nil {
		return err
	}

	startQueue := 0
	if len(e.Queues) > 0 {
		startQueue = e.Queues[0]
	}
	if err := e.Controller.ConfigureRSS(ctx, e.Ifindex, startQueue); err != nil {
		return err
	}

	if e.ServerAddr != "" {
		if err := e.Controller.InstallFlowRule(ctx, e.Ifindex, e.ServerAddr, e.ClientAddr, e.Port, startQueue); err != nil {
			logger.WarnCtx(ctx, "install_flow_rule failed, relying on RSS alone", logger.Err(err))
		}
	}

	time.Sleep(settlingInterval)
	return nil
}

func (e *Engine) listen(addr string) (int, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return -1, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to resolve listen address", err)
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to create listen socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to set SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to bind listen socket", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return -1, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to listen", err)
	}
	return fd, nil
}

func (e *Engine) accept(listenFD int) (int, string, error) {
	connFD, sa, err := unix.Accept4(listenFD, 0)
	if err != nil {
		return -1, "", dmerrors.Wrap(dmerrors.TransientIO, "accept failed", err)
	}
	return connFD, sockaddrString(sa), nil
}

// readLoop implements the §4.3 step-3 receive loop.
func (e *Engine) readLoop(ctx context.Context, connFD, activeDmabufID int) error {
	payload := make([]byte, 4096)
	control := make([]byte, controlBufferFragments*sizeofDmabufCmsg*2)

	var endptr uint64
	haveEndptr := false
	var received int64

	for {
		n, oobn, _, _, err := unix.Recvmsg(connFD, payload, control, msgSockDevmem)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			continue
		case err != nil:
			logger.WarnCtx(ctx, "recvmsg soft error, continuing", logger.Err(err), logger.ErrorKind(string(dmerrors.TransientIO)))
			continue
		case n == 0 && oobn == 0:
			logger.InfoCtx(ctx, "peer closed connection")
			return nil
		}

		frags, linear, err := parseControlMessages(control[:oobn])
		if err != nil {
			return dmerrors.Wrap(dmerrors.FlowSteeringLeak, "failed to parse control messages", err)
		}
		if len(frags) == 0 && linear == 0 {
			return dmerrors.New(dmerrors.FlowSteeringLeak, "received message with no devmem descriptors while dmTCP was expected")
		}

		e.stats.LinearCount += int64(linear)
		if metrics.IsEnabled() {
			metrics.GetRegistry().LinearFrags.Add(float64(linear))
		}

		for _, frag := range frags {
			if int(frag.DmabufID) != activeDmabufID {
				return dmerrors.New(dmerrors.FlowSteeringLeak, "fragment dmabuf_id does not match active rx binding")
			}

			if haveEndptr && endptr == frag.FragOffset {
				e.stats.PageAligned++
				if metrics.IsEnabled() {
					metrics.GetRegistry().PageAlignedFrags.Inc()
				}
			} else {
				e.stats.NonPageAligned++
				if metrics.IsEnabled() {
					metrics.GetRegistry().NonPageAlignedFrags.Inc()
				}
			}
			endptr = frag.FragOffset + uint64(frag.FragSize)
			haveEndptr = true

			// Device-to-device copy into the contiguous staging region,
			// indexed by cumulative-received count, per §4.3 step 3.
			if err := e.Provider.CopyDeviceToDevice(ctx, e.staging, received, e.Buffer, int64(frag.FragOffset), int(frag.FragSize)); err != nil {
				return dmerrors.Wrap(dmerrors.FlowSteeringLeak, "device-to-device staging copy failed", err)
			}

			received += int64(frag.FragSize)
			e.stats.TotalReceived = received
			if metrics.IsEnabled() {
				metrics.GetRegistry().FragmentsReceived.Inc()
				metrics.GetRegistry().BytesReceived.Add(float64(frag.FragSize))
			}

			if e.Validator != nil {
				fragStart := received - int64(frag.FragSize)
				readBack := make([]byte, frag.FragSize)
				if err := e.Provider.CopyDeviceToHost(ctx, readBack, e.staging, fragStart, int(frag.FragSize)); err != nil {
					return dmerrors.Wrap(dmerrors.FlowSteeringLeak, "failed to read back staging region for validation", err)
				}
				mismatches := validate(readBack, fragStart, e.Validator.Modulus)
				if mismatches > 0 {
					e.stats.ValidationErrors += int64(mismatches)
					if metrics.IsEnabled() {
						metrics.GetRegistry().ValidationErrors.Add(float64(mismatches))
					}
					if e.stats.ValidationErrors > int64(e.Validator.threshold()) {
						return dmerrors.New(dmerrors.ValidationFailure, "validation mismatch count exceeded threshold")
					}
				}
			}

			if err := returnToken(connFD, frag.FragToken); err != nil {
				logger.WarnCtx(ctx, "failed to return fragment token", logger.Err(err))
			}

			logger.DebugCtx(ctx, "fragment processed", logger.Fragment(int(frag.FragOffset), int(frag.FragSize), int(frag.FragToken))...)
		}
	}
}

// validate checks staging against the expected repeating 0..modulus-1
// sequence, starting at (startOffset mod modulus), and returns the
// mismatch count.
func validate(staging []byte, startOffset int64, modulus int) int {
	if modulus <= 0 {
		return 0
	}
	mismatches := 0
	seed := int(startOffset % int64(modulus))
	for i, b := range staging {
		want := byte((seed + i) % modulus)
		if b != want {
			mismatches++
		}
	}
	return mismatches
}
