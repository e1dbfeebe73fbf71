package nic

import (
	"github.com/mdlayher/netlink"

	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
)

// ethtoolGenlVersion is the generic netlink message version used by every
// ethtool-family request. The kernel's ethtool netlink ABI is versionless
// in practice; this mirrors the constant value safchain/ethtool encodes
// into its own request headers.
const ethtoolGenlVersion = 1

// ethtool-family commands, named after the ETHTOOL_MSG_* constants
// safchain/ethtool resolves by ioctl equivalent.
const (
	ethtoolCmdChannelsGet     = 20
	ethtoolCmdChannelsSet     = 21
	ethtoolCmdRingsGet        = 18
	ethtoolCmdRingsSet        = 19
	ethtoolCmdRSSGet          = 28
	ethtoolCmdRSSSet          = 29
	ethtoolCmdFeaturesGet     = 11
	ethtoolCmdFeaturesSet     = 12
	ethtoolCmdFlowRuleGet     = 32
	ethtoolCmdFlowRuleInsert  = 33
	ethtoolCmdFlowRuleDelete  = 34
)

// Shared header attribute: every ethtool-family request nests an interface
// identifier under a header attribute. We flatten it onto the top-level
// index used by safchain/ethtool's ETHTOOL_A_HEADER_DEV_INDEX.
const ethtoolAttrHeaderIfIndex = 1

// ethtool-family attributes used by channels-get/set.
const (
	ethtoolAttrChannelsRxCount = 4
	ethtoolAttrChannelsTxCount = 6
	ethtoolAttrChannelsCombinedCount = 8
)

// ethtool-family attributes used by rings-get/set.
const (
	ethtoolAttrRingsTCPDataSplit = 10
)

// TCP data split values, named after ETHTOOL_TCP_DATA_SPLIT_*. off is 1 here
// to match the real kernel uAPI (ETHTOOL_TCP_DATA_SPLIT_DISABLED), not the
// off(=0) spelled out informally elsewhere; 0 is UNKNOWN, not DISABLED.
const (
	ethtoolTCPDataSplitUnknown = 0
	ethtoolTCPDataSplitOff     = 1
	ethtoolTCPDataSplitOn      = 2
)

// ethtool-family attributes used by rss-get/set.
const ethtoolAttrRSSIndirectionSize = 3

// ethtool-family attributes used for the ntuple feature toggle.
const ethtoolAttrFeatureNtuple = 5

// ethtool-family attributes used by flow-rule get/insert/delete.
const (
	ethtoolAttrFlowRuleID          = 1
	ethtoolAttrFlowRuleQueue       = 5
	ethtoolAttrFlowRuleServerAddr  = 6
	ethtoolAttrFlowRuleClientAddr  = 7
	ethtoolAttrFlowRulePort        = 8
)

// decodeChannels extracts the rx and combined channel counts from a
// channels-get reply.
func decodeChannels(data []byte) (rx, combined int, err error) {
	ad, derr := netlink.NewAttributeDecoder(data)
	if derr != nil {
		return 0, 0, dmerrors.Wrap(dmerrors.KernelUnsupported, "failed to decode channels-get reply", derr)
	}
	for ad.Next() {
		switch ad.Type() {
		case ethtoolAttrChannelsRxCount:
			rx = int(ad.Uint32())
		case ethtoolAttrChannelsCombinedCount:
			combined = int(ad.Uint32())
		}
	}
	if err := ad.Err(); err != nil {
		return 0, 0, dmerrors.Wrap(dmerrors.KernelUnsupported, "malformed channels-get reply", err)
	}
	return rx, combined, nil
}

// decodeTCPDataSplit extracts the observed TCP data split value from a
// rings-get reply.
func decodeTCPDataSplit(data []byte) (uint8, error) {
	ad, derr := netlink.NewAttributeDecoder(data)
	if derr != nil {
		return 0, dmerrors.Wrap(dmerrors.KernelUnsupported, "failed to decode rings-get reply", derr)
	}
	var split uint8
	for ad.Next() {
		if ad.Type() == ethtoolAttrRingsTCPDataSplit {
			split = ad.Uint8()
		}
	}
	if err := ad.Err(); err != nil {
		return 0, dmerrors.Wrap(dmerrors.KernelUnsupported, "malformed rings-get reply", err)
	}
	return split, nil
}

// decodeFlowRuleID extracts the rule identifier from one flow-rule-get
// reply message in a dump.
func decodeFlowRuleID(data []byte) (uint32, error) {
	ad, derr := netlink.NewAttributeDecoder(data)
	if derr != nil {
		return 0, dmerrors.Wrap(dmerrors.KernelUnsupported, "failed to decode flow-rule-get reply", derr)
	}
	var id uint32
	for ad.Next() {
		if ad.Type() == ethtoolAttrFlowRuleID {
			id = ad.Uint32()
		}
	}
	if err := ad.Err(); err != nil {
		return 0, dmerrors.Wrap(dmerrors.KernelUnsupported, "malformed flow-rule-get reply", err)
	}
	return id, nil
}
