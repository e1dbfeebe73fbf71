// Package nic implements the NIC control plane: a stateless façade over a
// generic netlink transport addressing an ethtool-family (channels, rings,
// header/data split) and a netdev-family (queue-to-dmabuf binding). Every
// exported Controller method corresponds to one operation of §4.2.
package nic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dmtcp-tools/dmtcpdiag/internal/logger"
	"github.com/dmtcp-tools/dmtcpdiag/internal/telemetry"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/metrics"
)

const (
	// FamilyEthtool is the generic netlink family name carrying channel,
	// ring, and TCP-data-split attributes.
	FamilyEthtool = "ethtool"

	// FamilyNetdev is the generic netlink family name carrying bind-rx and
	// bind-tx requests.
	FamilyNetdev = "netdev"
)

// genlConn is the subset of *genetlink.Conn the Controller depends on. Tests
// and the self-test sequence substitute FakeConn, which implements this
// interface entirely in memory.
type genlConn interface {
	Execute(m genetlink.Message, family uint16, flags netlink.HeaderFlags) ([]genetlink.Message, error)
	GetFamily(name string) (genetlink.Family, error)
	Close() error
}

// Controller is a stateless façade over the generic netlink transport,
// except for the bookkeeping needed to enforce the "cannot shrink channels
// below a bound queue" invariant of §4.2, which has no natural kernel-side
// representation the façade can query cheaply.
type Controller struct {
	conn    genlConn
	shellOut ShellOut

	mu              sync.Mutex
	highestBoundRx  int // -1 when no RX binding is active
	activeRxBinding *RxBinding
}

// NewController dials the genetlink socket and resolves both families. It
// returns KernelUnsupported if either family is absent, since no dmTCP
// operation can proceed without them.
func NewController(shellOut ShellOut) (*Controller, error) {
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to dial generic netlink", err)
	}
	c := newController(conn, shellOut)
	for _, name := range []string{FamilyEthtool, FamilyNetdev} {
		if _, err := c.family(name); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// NewTestController builds a Controller over an in-memory FakeConn, letting
// callers outside this package (the orchestrator's self-test, integration
// tests) exercise the full control-plane sequence without real hardware.
func NewTestController(conn *FakeConn, shellOut ShellOut) *Controller {
	return newController(conn, shellOut)
}

func newController(conn genlConn, shellOut ShellOut) *Controller {
	if shellOut == nil {
		shellOut = NoopShellOut{}
	}
	return &Controller{
		conn:           conn,
		shellOut:       shellOut,
		highestBoundRx: -1,
	}
}

// Close releases the underlying netlink socket. It does not touch any
// active binding handles — those own their own lifetime.
func (c *Controller) Close() error {
	return c.conn.Close()
}

func (c *Controller) family(name string) (genetlink.Family, error) {
	f, err := c.conn.GetFamily(name)
	if err != nil {
		return genetlink.Family{}, dmerrors.Wrap(dmerrors.KernelUnsupported, fmt.Sprintf("generic netlink family %q not available", name), err)
	}
	return f, nil
}

func (c *Controller) execute(ctx context.Context, family genetlink.Family, msg genetlink.Message, flags netlink.HeaderFlags) ([]genetlink.Message, error) {
	spanCtx, span := telemetry.StartNICSpan(ctx, "nic.execute", family.Name, "")
	defer span.End()

	start := time.Now()
	replies, err := c.conn.Execute(msg, family.ID, flags)
	if metrics.IsEnabled() {
		metrics.GetRegistry().NICCallDuration.WithLabelValues(fmt.Sprintf("%s:%d", family.Name, msg.Header.Command)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		telemetry.RecordError(spanCtx, err)
		return nil, err
	}
	return replies, nil
}

// RxQueueCount returns the sum of dedicated-RX and combined channels
// currently configured on ifindex.
func (c *Controller) RxQueueCount(ctx context.Context, ifindex int) (int, error) {
	ctx, span := telemetry.StartNICSpan(ctx, telemetry.SpanNICRxQueueCount, FamilyEthtool, ifindexName(ifindex))
	defer span.End()

	family, err := c.family(FamilyEthtool)
	if err != nil {
		return 0, err
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(ethtoolAttrHeaderIfIndex, uint32(ifindex))
	body, err := ae.Encode()
	if err != nil {
		return 0, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode channels-get request", err)
	}

	replies, err := c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: ethtoolCmdChannelsGet, Version: ethtoolGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Acknowledge)
	if err != nil {
		return 0, dmerrors.Wrap(dmerrors.KernelUnsupported, "channels-get request failed", err)
	}
	if len(replies) == 0 {
		return 0, dmerrors.New(dmerrors.KernelUnsupported, "channels-get returned no reply")
	}

	rx, combined, err := decodeChannels(replies[0].Data)
	if err != nil {
		return 0, err
	}

	logger.DebugCtx(ctx, "resolved rx queue count", logger.Queue(0, rx+combined)...)
	return rx + combined, nil
}

// SetHeaderSplit sets the TCP data split attribute to on (header-split
// enabled) or off, then issues a follow-up rings-get to confirm the kernel
// actually applied the value. A disagreement between the requested and
// observed value is KernelUnsupported: dmTCP cannot proceed without split.
func (c *Controller) SetHeaderSplit(ctx context.Context, ifindex int, on bool) error {
	ctx, span := telemetry.StartNICSpan(ctx, telemetry.SpanNICSetHeaderSplit, FamilyEthtool, ifindexName(ifindex), attribute.Bool(telemetry.AttrHeaderSplit, on))
	defer span.End()

	family, err := c.family(FamilyEthtool)
	if err != nil {
		return err
	}

	want := ethtoolTCPDataSplitOff
	if on {
		want = ethtoolTCPDataSplitOn
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(ethtoolAttrHeaderIfIndex, uint32(ifindex))
	ae.Uint8(ethtoolAttrRingsTCPDataSplit, want)
	body, err := ae.Encode()
	if err != nil {
		return dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode rings-set request", err)
	}

	if _, err := c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: ethtoolCmdRingsSet, Version: ethtoolGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Acknowledge); err != nil {
		return dmerrors.Wrap(dmerrors.KernelUnsupported, "rings-set (header split) request failed", err)
	}

	observed, err := c.readHeaderSplit(ctx, family, ifindex)
	if err != nil {
		return err
	}
	if observed != want {
		return dmerrors.New(dmerrors.KernelUnsupported, fmt.Sprintf("header split read-back disagrees: wanted %d, observed %d", want, observed))
	}

	logger.InfoCtx(ctx, "header split applied", "on", on)
	return nil
}

func (c *Controller) readHeaderSplit(ctx context.Context, family genetlink.Family, ifindex int) (uint8, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(ethtoolAttrHeaderIfIndex, uint32(ifindex))
	body, err := ae.Encode()
	if err != nil {
		return 0, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode rings-get request", err)
	}

	replies, err := c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: ethtoolCmdRingsGet, Version: ethtoolGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Acknowledge)
	if err != nil {
		return 0, dmerrors.Wrap(dmerrors.KernelUnsupported, "rings-get request failed", err)
	}
	if len(replies) == 0 {
		return 0, dmerrors.New(dmerrors.KernelUnsupported, "rings-get returned no reply")
	}

	return decodeTCPDataSplit(replies[0].Data)
}

// ResetFlowSteering toggles ntuple off then on and deletes every installed
// filter. Per §4.2 individual failures here are not fatal: NICs vary, and a
// missing filter to delete is not an error. The method swallows per-step
// failures and logs them, only propagating a failure to dial/resolve the
// family (which would indicate the NIC cannot be reached at all).
func (c *Controller) ResetFlowSteering(ctx context.Context, ifindex int) error {
	ctx, span := telemetry.StartNICSpan(ctx, telemetry.SpanNICResetFlowSteering, FamilyEthtool, ifindexName(ifindex))
	defer span.End()

	family, err := c.family(FamilyEthtool)
	if err != nil {
		return err
	}

	clean := true
	if err := c.setNtuple(ctx, family, ifindex, false); err != nil {
		logger.WarnCtx(ctx, "ntuple disable failed, continuing", logger.Err(err))
		clean = false
	}
	if err := c.setNtuple(ctx, family, ifindex, true); err != nil {
		logger.WarnCtx(ctx, "ntuple enable failed, continuing", logger.Err(err))
		clean = false
	}

	rules, err := c.listFlowRules(ctx, family, ifindex)
	if err != nil {
		logger.WarnCtx(ctx, "failed to list flow rules for deletion, continuing", logger.Err(err))
		clean = false
	}
	for _, rid := range rules {
		if err := c.deleteFlowRule(ctx, family, ifindex, rid); err != nil {
			logger.WarnCtx(ctx, "failed to delete flow rule, continuing", "rule_id", rid, logger.Err(err))
			clean = false
		}
	}

	if !clean {
		if err := c.shellOut.ResetFlowSteering(ctx, ifindex); err != nil {
			logger.WarnCtx(ctx, "ethtool shell-out fallback for flow steering reset failed", logger.Err(err), logger.ErrorKind(string(dmerrors.ShellOutFailure)))
		}
	}

	return nil
}

func ifindexName(ifindex int) string {
	return fmt.Sprintf("ifindex:%d", ifindex)
}
