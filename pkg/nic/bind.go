package nic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"

	"github.com/dmtcp-tools/dmtcpdiag/internal/logger"
	"github.com/dmtcp-tools/dmtcpdiag/internal/telemetry"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
)

// ConfigureRSS reprograms the RX hash indirection table to distribute
// across the first equalToN queues, leaving queues [equalToN, total) free
// for flow-steered delivery into the dma-buf.
func (c *Controller) ConfigureRSS(ctx context.Context, ifindex, equalToN int) error {
	ctx, span := telemetry.StartNICSpan(ctx, telemetry.SpanNICConfigureRSS, FamilyEthtool, ifindexName(ifindex))
	defer span.End()

	family, err := c.family(FamilyEthtool)
	if err != nil {
		return err
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(ethtoolAttrHeaderIfIndex, uint32(ifindex))
	ae.Uint32(ethtoolAttrRSSIndirectionSize, uint32(equalToN))
	body, err := ae.Encode()
	if err != nil {
		return dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode rss-set request", err)
	}

	if _, err := c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: ethtoolCmdRSSSet, Version: ethtoolGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Acknowledge); err != nil {
		return dmerrors.Wrap(dmerrors.KernelUnsupported, "rss-set request failed", err)
	}

	logger.InfoCtx(ctx, "rss indirection reprogrammed", "equal_to_n", equalToN)
	return nil
}

// ConfigureChannels sets RX/TX channel counts. It fails before issuing any
// netlink request if a currently bound RX queue index would fall outside
// the requested rx count — the invariant that shrinking below a bound queue
// must fail.
func (c *Controller) ConfigureChannels(ctx context.Context, ifindex, rx, tx int) error {
	ctx, span := telemetry.StartNICSpan(ctx, telemetry.SpanNICConfigureChannels, FamilyEthtool, ifindexName(ifindex))
	defer span.End()

	c.mu.Lock()
	highest := c.highestBoundRx
	c.mu.Unlock()

	if highest >= rx {
		return dmerrors.New(dmerrors.ConfigurationError, fmt.Sprintf("cannot shrink rx channels to %d: queue %d is bound", rx, highest))
	}

	family, err := c.family(FamilyEthtool)
	if err != nil {
		return err
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(ethtoolAttrHeaderIfIndex, uint32(ifindex))
	ae.Uint32(ethtoolAttrChannelsRxCount, uint32(rx))
	ae.Uint32(ethtoolAttrChannelsTxCount, uint32(tx))
	body, err := ae.Encode()
	if err != nil {
		return dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode channels-set request", err)
	}

	if _, err := c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: ethtoolCmdChannelsSet, Version: ethtoolGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Acknowledge); err != nil {
		return dmerrors.Wrap(dmerrors.KernelUnsupported, "channels-set request failed", err)
	}

	logger.InfoCtx(ctx, "channels reconfigured", "rx", rx, "tx", tx)
	return nil
}

// InstallFlowRule installs a 5-tuple rule when clientAddr is non-empty, else
// retries with a 3-tuple rule (server address + port only). Success is
// reported iff one of the two forms took effect.
func (c *Controller) InstallFlowRule(ctx context.Context, ifindex int, serverAddr, clientAddr string, port uint16, queue int) error {
	ctx, span := telemetry.StartNICSpan(ctx, telemetry.SpanNICInstallFlowRule, FamilyEthtool, ifindexName(ifindex))
	defer span.End()

	family, err := c.family(FamilyEthtool)
	if err != nil {
		return err
	}

	if clientAddr != "" {
		if err := c.installFlowRule(ctx, family, ifindex, serverAddr, clientAddr, port, queue); err == nil {
			logger.InfoCtx(ctx, "installed 5-tuple flow rule", "server", serverAddr, "client", clientAddr, "port", port, "queue", queue)
			return nil
		}
		logger.WarnCtx(ctx, "5-tuple flow rule failed, retrying with 3-tuple", "server", serverAddr, "port", port)
	}

	if err := c.installFlowRule(ctx, family, ifindex, serverAddr, "", port, queue); err != nil {
		return dmerrors.Wrap(dmerrors.KernelUnsupported, "3-tuple flow rule installation failed", err)
	}

	logger.InfoCtx(ctx, "installed 3-tuple flow rule", "server", serverAddr, "port", port, "queue", queue)
	return nil
}

func (c *Controller) installFlowRule(ctx context.Context, family genetlink.Family, ifindex int, serverAddr, clientAddr string, port uint16, queue int) error {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(ethtoolAttrHeaderIfIndex, uint32(ifindex))
	ae.String(ethtoolAttrFlowRuleServerAddr, serverAddr)
	if clientAddr != "" {
		ae.String(ethtoolAttrFlowRuleClientAddr, clientAddr)
	}
	ae.Uint16(ethtoolAttrFlowRulePort, port)
	ae.Uint32(ethtoolAttrFlowRuleQueue, uint32(queue))
	body, err := ae.Encode()
	if err != nil {
		return dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode flow-rule insert request", err)
	}

	_, err = c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: ethtoolCmdFlowRuleInsert, Version: ethtoolGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Acknowledge)
	return err
}

func (c *Controller) setNtuple(ctx context.Context, family genetlink.Family, ifindex int, on bool) error {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(ethtoolAttrHeaderIfIndex, uint32(ifindex))
	onVal := uint8(0)
	if on {
		onVal = 1
	}
	ae.Uint8(ethtoolAttrFeatureNtuple, onVal)
	body, err := ae.Encode()
	if err != nil {
		return dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode ntuple toggle request", err)
	}

	_, err = c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: ethtoolCmdFeaturesSet, Version: ethtoolGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Acknowledge)
	return err
}

func (c *Controller) listFlowRules(ctx context.Context, family genetlink.Family, ifindex int) ([]uint32, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(ethtoolAttrHeaderIfIndex, uint32(ifindex))
	body, err := ae.Encode()
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode flow-rule-get request", err)
	}

	replies, err := c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: ethtoolCmdFlowRuleGet, Version: ethtoolGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Dump)
	if err != nil {
		return nil, err
	}

	ids := make([]uint32, 0, len(replies))
	for _, reply := range replies {
		id, err := decodeFlowRuleID(reply.Data)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Controller) deleteFlowRule(ctx context.Context, family genetlink.Family, ifindex int, ruleID uint32) error {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(ethtoolAttrHeaderIfIndex, uint32(ifindex))
	ae.Uint32(ethtoolAttrFlowRuleID, ruleID)
	body, err := ae.Encode()
	if err != nil {
		return dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode flow-rule-delete request", err)
	}

	_, err = c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: ethtoolCmdFlowRuleDelete, Version: ethtoolGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Acknowledge)
	return err
}

// RxBinding is a scoped resource: it owns the control-channel session that
// produced a dmabuf_id binding. Closing it on any exit path destroys that
// session and the kernel-side binding disappears atomically with it — there
// is no explicit unbind verb.
type RxBinding struct {
	ID        string
	DmabufID  int
	Ifindex   int
	Queues    []int
	controller *Controller
	closed    bool
}

// Close releases the binding. Idempotent.
func (b *RxBinding) Close() error {
	if b == nil || b.closed {
		return nil
	}
	b.closed = true

	b.controller.mu.Lock()
	if b.controller.activeRxBinding == b {
		b.controller.activeRxBinding = nil
		b.controller.highestBoundRx = -1
	}
	b.controller.mu.Unlock()

	return nil
}

// TxBinding is the TX-path analogue of RxBinding.
type TxBinding struct {
	ID         string
	TxDmabufID int
	Ifindex    int
	closed     bool
}

// Close releases the binding. Idempotent.
func (b *TxBinding) Close() error {
	if b == nil || b.closed {
		return nil
	}
	b.closed = true
	return nil
}

// BindRx opens a fresh control-channel session and binds dmabufFD to
// queues on ifindex. The bind response must carry a present id field;
// absence is KernelUnsupported. An empty queue list always fails.
func (c *Controller) BindRx(ctx context.Context, ifindex, dmabufFD int, queues []int) (*RxBinding, error) {
	ctx, span := telemetry.StartNICSpan(ctx, telemetry.SpanNICBindRx, FamilyNetdev, ifindexName(ifindex), telemetry.QueueRange(queueStart(queues), len(queues))...)
	defer span.End()

	if len(queues) == 0 {
		return nil, dmerrors.New(dmerrors.ConfigurationError, "bind_rx requires a non-empty queue list")
	}

	family, err := c.family(FamilyNetdev)
	if err != nil {
		return nil, err
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(netdevAttrIfIndex, uint32(ifindex))
	ae.Uint32(netdevAttrDmabufFD, uint32(dmabufFD))
	for _, q := range queues {
		ae.Nested(netdevAttrQueues, func(nae *netlink.AttributeEncoder) error {
			nae.Uint32(netdevAttrQueueID, uint32(q))
			nae.Uint32(netdevAttrQueueType, netdevQueueTypeRx)
			return nil
		})
	}
	body, err := ae.Encode()
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode bind-rx request", err)
	}

	replies, err := c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: netdevCmdBindRx, Version: netdevGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Acknowledge)
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.KernelUnsupported, "bind-rx request failed", err)
	}
	if len(replies) == 0 {
		return nil, dmerrors.New(dmerrors.KernelUnsupported, "bind-rx returned no reply")
	}

	dmabufID, present, err := decodeDmabufID(replies[0].Data)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, dmerrors.New(dmerrors.KernelUnsupported, "bind-rx response did not carry a dmabuf id: NIC unsupported")
	}

	binding := &RxBinding{
		ID:         uuid.NewString(),
		DmabufID:   dmabufID,
		Ifindex:    ifindex,
		Queues:     queues,
		controller: c,
	}

	c.mu.Lock()
	c.activeRxBinding = binding
	c.highestBoundRx = maxInt(queues)
	c.mu.Unlock()

	logger.InfoCtx(ctx, "rx binding established", "binding_id", binding.ID, logger.DmabufID(dmabufID))
	return binding, nil
}

// BindTx opens a fresh control-channel session and binds dmabufFD to the TX
// path on ifindex.
func (c *Controller) BindTx(ctx context.Context, ifindex, dmabufFD int) (*TxBinding, error) {
	ctx, span := telemetry.StartNICSpan(ctx, telemetry.SpanNICBindTx, FamilyNetdev, ifindexName(ifindex))
	defer span.End()

	family, err := c.family(FamilyNetdev)
	if err != nil {
		return nil, err
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(netdevAttrIfIndex, uint32(ifindex))
	ae.Uint32(netdevAttrDmabufFD, uint32(dmabufFD))
	body, err := ae.Encode()
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.ConfigurationError, "failed to encode bind-tx request", err)
	}

	replies, err := c.execute(ctx, family, genetlink.Message{
		Header: genetlink.Header{Command: netdevCmdBindTx, Version: netdevGenlVersion},
		Data:   body,
	}, netlink.Request|netlink.Acknowledge)
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.KernelUnsupported, "bind-tx request failed", err)
	}
	if len(replies) == 0 {
		return nil, dmerrors.New(dmerrors.KernelUnsupported, "bind-tx returned no reply")
	}

	txDmabufID, present, err := decodeDmabufID(replies[0].Data)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, dmerrors.New(dmerrors.KernelUnsupported, "bind-tx response did not carry a dmabuf id: NIC unsupported")
	}

	binding := &TxBinding{
		ID:         uuid.NewString(),
		TxDmabufID: txDmabufID,
		Ifindex:    ifindex,
	}

	logger.InfoCtx(ctx, "tx binding established", "binding_id", binding.ID, logger.DmabufID(txDmabufID))
	return binding, nil
}

func queueStart(queues []int) int {
	if len(queues) == 0 {
		return 0
	}
	min := queues[0]
	for _, q := range queues[1:] {
		if q < min {
			min = q
		}
	}
	return min
}

func maxInt(values []int) int {
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}
