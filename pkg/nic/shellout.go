package nic

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/dmtcp-tools/dmtcpdiag/internal/logger"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
)

// ShellOut is the fallback collaborator invoked when a generic-netlink
// request leaves a NIC's flow steering state in a way the control plane
// cannot fully reconcile on its own. Production NICs vary widely in which
// ethtool sub-operations are netlink-native versus ioctl-only; the ethtool
// CLI is the one interface guaranteed to cover the gap. No other code path
// invokes exec directly.
type ShellOut interface {
	// ResetFlowSteering shells out to `ethtool -K <iface> ntuple off/on` as
	// a last-resort flow table reset when the netlink path cannot confirm
	// every filter was removed.
	ResetFlowSteering(ctx context.Context, ifindex int) error
}

// NoopShellOut discards every request. Used in self-test and unit tests,
// and as the default when the caller has no ethtool binary to fall back to.
type NoopShellOut struct{}

func (NoopShellOut) ResetFlowSteering(ctx context.Context, ifindex int) error {
	return nil
}

// EthtoolShellOut shells out to the real ethtool(8) binary.
type EthtoolShellOut struct {
	// InterfaceName resolves an ifindex to the name ethtool expects. The
	// netlink control plane works in ifindex terms throughout; only this
	// fallback needs the name.
	InterfaceName func(ifindex int) (string, error)
}

func (e EthtoolShellOut) ResetFlowSteering(ctx context.Context, ifindex int) error {
	if e.InterfaceName == nil {
		return dmerrors.New(dmerrors.ConfigurationError, "ethtool shell-out configured without an InterfaceName resolver")
	}

	iface, err := e.InterfaceName(ifindex)
	if err != nil {
		return dmerrors.Wrap(dmerrors.ConfigurationError, "failed to resolve interface name for ethtool shell-out", err)
	}

	if _, err := exec.LookPath("ethtool"); err != nil {
		return dmerrors.Wrap(dmerrors.ShellOutFailure, "ethtool binary not found in PATH", err)
	}

	for _, on := range []string{"off", "on"} {
		cmd := exec.CommandContext(ctx, "ethtool", "-K", iface, "ntuple", on)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return dmerrors.Wrap(dmerrors.ShellOutFailure, fmt.Sprintf("ethtool -K %s ntuple %s failed: %s", iface, on, out), err)
		}
	}

	logger.DebugCtx(ctx, "ethtool shell-out flow steering reset completed", "interface", iface)
	return nil
}
