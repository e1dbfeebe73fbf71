package nic

import (
	"sync"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"

	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
)

// FakeConn is an in-memory stand-in for a generic netlink socket, used by
// the self-test sequence and by this package's own tests to drive the
// Controller end to end without real hardware. It keeps just enough state
// to make the six self-test assertions meaningful: channel counts, header
// split, RSS indirection size, ntuple enablement, installed flow rules, and
// the highest RX queue index of the most recent bind.
type FakeConn struct {
	mu sync.Mutex

	ethtoolFamilyID uint16
	netdevFamilyID  uint16

	rxChannels       uint32
	combinedChannels uint32
	txChannels       uint32
	headerSplit      uint8
	rssSize          uint32
	ntupleEnabled    bool

	nextFlowRuleID uint32
	flowRules      map[uint32]struct{}

	nextDmabufID int
	boundRxQueue int

	// RejectHeaderSplit makes SetHeaderSplit's read-back disagree with the
	// requested value, simulating a NIC that silently ignores the request.
	RejectHeaderSplit bool
	// RejectBindRx makes BindRx return a reply with no dmabuf id attribute.
	RejectBindRx bool
}

// NewFakeConn constructs a FakeConn with plausible defaults: 1 dedicated RX
// channel, 7 combined, header split off, ntuple disabled.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		ethtoolFamilyID:  1,
		netdevFamilyID:   2,
		rxChannels:       1,
		combinedChannels: 7,
		txChannels:       1,
		headerSplit:      ethtoolTCPDataSplitOff,
		flowRules:        make(map[uint32]struct{}),
		boundRxQueue:     -1,
	}
}

func (f *FakeConn) Close() error { return nil }

func (f *FakeConn) GetFamily(name string) (genetlink.Family, error) {
	switch name {
	case FamilyEthtool:
		return genetlink.Family{ID: f.ethtoolFamilyID, Name: FamilyEthtool, Version: ethtoolGenlVersion}, nil
	case FamilyNetdev:
		return genetlink.Family{ID: f.netdevFamilyID, Name: FamilyNetdev, Version: netdevGenlVersion}, nil
	default:
		return genetlink.Family{}, dmerrors.New(dmerrors.KernelUnsupported, "unknown family: "+name)
	}
}

func (f *FakeConn) Execute(m genetlink.Message, family uint16, flags netlink.HeaderFlags) ([]genetlink.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch family {
	case f.ethtoolFamilyID:
		return f.executeEthtool(m)
	case f.netdevFamilyID:
		return f.executeNetdev(m)
	default:
		return nil, dmerrors.New(dmerrors.KernelUnsupported, "fake conn: unknown family id")
	}
}

func (f *FakeConn) executeEthtool(m genetlink.Message) ([]genetlink.Message, error) {
	switch m.Header.Command {
	case ethtoolCmdChannelsGet:
		ae := netlink.NewAttributeEncoder()
		ae.Uint32(ethtoolAttrChannelsRxCount, f.rxChannels)
		ae.Uint32(ethtoolAttrChannelsCombinedCount, f.combinedChannels)
		return reply(ae)

	case ethtoolCmdChannelsSet:
		ad, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return nil, err
		}
		for ad.Next() {
			switch ad.Type() {
			case ethtoolAttrChannelsRxCount:
				f.rxChannels = ad.Uint32()
			case ethtoolAttrChannelsTxCount:
				f.txChannels = ad.Uint32()
			}
		}
		return nil, ad.Err()

	case ethtoolCmdRingsSet:
		ad, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return nil, err
		}
		for ad.Next() {
			if ad.Type() == ethtoolAttrRingsTCPDataSplit {
				f.headerSplit = ad.Uint8()
			}
		}
		if f.RejectHeaderSplit {
			f.headerSplit = ethtoolTCPDataSplitOff
		}
		return nil, ad.Err()

	case ethtoolCmdRingsGet:
		ae := netlink.NewAttributeEncoder()
		ae.Uint8(ethtoolAttrRingsTCPDataSplit, f.headerSplit)
		return reply(ae)

	case ethtoolCmdRSSSet:
		ad, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return nil, err
		}
		for ad.Next() {
			if ad.Type() == ethtoolAttrRSSIndirectionSize {
				f.rssSize = ad.Uint32()
			}
		}
		return nil, ad.Err()

	case ethtoolCmdFeaturesSet:
		ad, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return nil, err
		}
		for ad.Next() {
			if ad.Type() == ethtoolAttrFeatureNtuple {
				f.ntupleEnabled = ad.Uint8() != 0
			}
		}
		return nil, ad.Err()

	case ethtoolCmdFlowRuleInsert:
		id := f.nextFlowRuleID
		f.nextFlowRuleID++
		f.flowRules[id] = struct{}{}
		ae := netlink.NewAttributeEncoder()
		ae.Uint32(ethtoolAttrFlowRuleID, id)
		return reply(ae)

	case ethtoolCmdFlowRuleDelete:
		ad, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return nil, err
		}
		var id uint32
		for ad.Next() {
			if ad.Type() == ethtoolAttrFlowRuleID {
				id = ad.Uint32()
			}
		}
		delete(f.flowRules, id)
		return nil, ad.Err()

	case ethtoolCmdFlowRuleGet:
		replies := make([]genetlink.Message, 0, len(f.flowRules))
		for id := range f.flowRules {
			ae := netlink.NewAttributeEncoder()
			ae.Uint32(ethtoolAttrFlowRuleID, id)
			body, err := ae.Encode()
			if err != nil {
				return nil, err
			}
			replies = append(replies, genetlink.Message{Data: body})
		}
		return replies, nil

	default:
		return nil, dmerrors.New(dmerrors.KernelUnsupported, "fake conn: unsupported ethtool command")
	}
}

func (f *FakeConn) executeNetdev(m genetlink.Message) ([]genetlink.Message, error) {
	switch m.Header.Command {
	case netdevCmdBindRx:
		if f.headerSplit != ethtoolTCPDataSplitOn {
			return nil, dmerrors.New(dmerrors.KernelUnsupported, "fake conn: bind-rx rejected, header split is off")
		}
		if f.RejectBindRx {
			return reply(netlink.NewAttributeEncoder())
		}
		ad, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return nil, err
		}
		highest := -1
		for ad.Next() {
			if ad.Type() == netdevAttrQueues {
				err := ad.Nested(func(nad *netlink.AttributeDecoder) error {
					for nad.Next() {
						if nad.Type() == netdevAttrQueueID {
							if q := int(nad.Uint32()); q > highest {
								highest = q
							}
						}
					}
					return nad.Err()
				})
				if err != nil {
					return nil, err
				}
			}
		}
		if err := ad.Err(); err != nil {
			return nil, err
		}
		f.boundRxQueue = highest
		f.nextDmabufID++
		ae := netlink.NewAttributeEncoder()
		ae.Uint32(netdevAttrDmabufID, uint32(f.nextDmabufID))
		return reply(ae)

	case netdevCmdBindTx:
		f.nextDmabufID++
		ae := netlink.NewAttributeEncoder()
		ae.Uint32(netdevAttrDmabufID, uint32(f.nextDmabufID))
		return reply(ae)

	default:
		return nil, dmerrors.New(dmerrors.KernelUnsupported, "fake conn: unsupported netdev command")
	}
}

func reply(ae *netlink.AttributeEncoder) ([]genetlink.Message, error) {
	body, err := ae.Encode()
	if err != nil {
		return nil, err
	}
	return []genetlink.Message{{Data: body}}, nil
}

// RxChannels reports the fake NIC's current dedicated-RX + combined channel
// total, as RxQueueCount would compute it.
func (f *FakeConn) RxChannels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.rxChannels + f.combinedChannels)
}

// HeaderSplit reports whether header split is currently enabled.
func (f *FakeConn) HeaderSplit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headerSplit == ethtoolTCPDataSplitOn
}

// NtupleEnabled reports whether ntuple filtering is currently enabled.
func (f *FakeConn) NtupleEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ntupleEnabled
}

// FlowRuleCount reports how many flow rules are currently installed.
func (f *FakeConn) FlowRuleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flowRules)
}

// BoundRxQueue reports the highest queue index in the most recent bind-rx
// request, or -1 if none has been issued.
func (f *FakeConn) BoundRxQueue() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boundRxQueue
}
