package nic

import (
	"github.com/mdlayher/netlink"

	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
)

// netdevGenlVersion is the generic netlink message version for the netdev
// family's queue-binding commands.
const netdevGenlVersion = 1

// netdev-family commands, named after the NETDEV_CMD_* bind verbs.
const (
	netdevCmdBindRx = 1
	netdevCmdBindTx = 2
)

// netdev-family top-level attributes.
const (
	netdevAttrIfIndex  = 1
	netdevAttrDmabufFD = 2
	netdevAttrQueues   = 3
	netdevAttrDmabufID = 4
)

// netdev-family nested queue attributes.
const (
	netdevAttrQueueID   = 1
	netdevAttrQueueType = 2
)

const (
	netdevQueueTypeRx = 0
	netdevQueueTypeTx = 1
)

// decodeDmabufID extracts the bound dmabuf identifier from a bind-rx or
// bind-tx reply. present is false when the kernel accepted the request but
// did not report an id — treated by callers as KernelUnsupported.
func decodeDmabufID(data []byte) (id int, present bool, err error) {
	ad, derr := netlink.NewAttributeDecoder(data)
	if derr != nil {
		return 0, false, dmerrors.Wrap(dmerrors.KernelUnsupported, "failed to decode bind reply", derr)
	}
	for ad.Next() {
		if ad.Type() == netdevAttrDmabufID {
			id = int(ad.Uint32())
			present = true
		}
	}
	if err := ad.Err(); err != nil {
		return 0, false, dmerrors.Wrap(dmerrors.KernelUnsupported, "malformed bind reply", err)
	}
	return id, present, nil
}
