package nic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
)

func newTestController(fc *FakeConn) *Controller {
	return newController(fc, NoopShellOut{})
}

func TestController_RxQueueCount(t *testing.T) {
	fc := NewFakeConn()
	c := newTestController(fc)

	n, err := c.RxQueueCount(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, fc.RxChannels(), n)
}

func TestController_SetHeaderSplit_RoundTrip(t *testing.T) {
	fc := NewFakeConn()
	c := newTestController(fc)

	require.NoError(t, c.SetHeaderSplit(context.Background(), 2, true))
	assert.True(t, fc.HeaderSplit())

	require.NoError(t, c.SetHeaderSplit(context.Background(), 2, false))
	assert.False(t, fc.HeaderSplit())
}

func TestController_SetHeaderSplit_DisagreementIsKernelUnsupported(t *testing.T) {
	fc := NewFakeConn()
	fc.RejectHeaderSplit = true
	c := newTestController(fc)

	err := c.SetHeaderSplit(context.Background(), 2, true)
	require.Error(t, err)
	kind, ok := dmerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dmerrors.KernelUnsupported, kind)
}

func TestController_ResetFlowSteering_TogglesNtupleAndClearsRules(t *testing.T) {
	fc := NewFakeConn()
	c := newTestController(fc)

	err := c.InstallFlowRule(context.Background(), 2, "10.0.0.1", "10.0.0.2", 5201, 4)
	require.NoError(t, err)
	require.Equal(t, 1, fc.FlowRuleCount())

	require.NoError(t, c.ResetFlowSteering(context.Background(), 2))
	assert.True(t, fc.NtupleEnabled())
	assert.Equal(t, 0, fc.FlowRuleCount())
}

func TestController_InstallFlowRule_ReturnsNoError(t *testing.T) {
	fc := NewFakeConn()
	c := newTestController(fc)

	err := c.InstallFlowRule(context.Background(), 2, "10.0.0.1", "10.0.0.2", 5201, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, fc.FlowRuleCount())
}

func TestController_BindRx_EmptyQueueListFails(t *testing.T) {
	fc := NewFakeConn()
	c := newTestController(fc)

	_, err := c.BindRx(context.Background(), 2, 42, nil)
	require.Error(t, err)
	kind, ok := dmerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dmerrors.ConfigurationError, kind)
}

func TestController_BindRx_FailsWhileHeaderSplitOff(t *testing.T) {
	fc := NewFakeConn()
	c := newTestController(fc)

	_, err := c.BindRx(context.Background(), 2, 42, []int{4, 5})
	require.Error(t, err)
	kind, ok := dmerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dmerrors.KernelUnsupported, kind)
}

func TestController_BindRx_MissingDmabufIDIsKernelUnsupported(t *testing.T) {
	fc := NewFakeConn()
	fc.headerSplit = ethtoolTCPDataSplitOn
	fc.RejectBindRx = true
	c := newTestController(fc)

	_, err := c.BindRx(context.Background(), 2, 42, []int{4, 5})
	require.Error(t, err)
	kind, ok := dmerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dmerrors.KernelUnsupported, kind)
}

func TestController_BindRx_TracksHighestBoundQueue(t *testing.T) {
	fc := NewFakeConn()
	fc.headerSplit = ethtoolTCPDataSplitOn
	c := newTestController(fc)

	binding, err := c.BindRx(context.Background(), 2, 42, []int{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, 6, fc.BoundRxQueue())
	assert.Equal(t, 6, c.highestBoundRx)

	require.NoError(t, binding.Close())
	assert.Equal(t, -1, c.highestBoundRx)
}

func TestController_ConfigureChannels_FailsShrinkBelowBoundQueue(t *testing.T) {
	fc := NewFakeConn()
	fc.headerSplit = ethtoolTCPDataSplitOn
	c := newTestController(fc)

	_, err := c.BindRx(context.Background(), 2, 42, []int{6})
	require.NoError(t, err)

	err = c.ConfigureChannels(context.Background(), 2, 4, 1)
	require.Error(t, err)
	kind, ok := dmerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, dmerrors.ConfigurationError, kind)
}

func TestController_ConfigureChannels_SucceedsAboveBoundQueue(t *testing.T) {
	fc := NewFakeConn()
	fc.headerSplit = ethtoolTCPDataSplitOn
	c := newTestController(fc)

	_, err := c.BindRx(context.Background(), 2, 42, []int{2})
	require.NoError(t, err)

	require.NoError(t, c.ConfigureChannels(context.Background(), 2, 8, 2))
}

func TestController_BindRx_ReboundAfterClose(t *testing.T) {
	fc := NewFakeConn()
	fc.headerSplit = ethtoolTCPDataSplitOn
	c := newTestController(fc)

	b1, err := c.BindRx(context.Background(), 2, 42, []int{4})
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	b2, err := c.BindRx(context.Background(), 2, 42, []int{4})
	require.NoError(t, err)
	assert.NotEqual(t, b1.ID, b2.ID)
}

func TestController_BindTx(t *testing.T) {
	fc := NewFakeConn()
	c := newTestController(fc)

	binding, err := c.BindTx(context.Background(), 2, 99)
	require.NoError(t, err)
	assert.NotZero(t, binding.TxDmabufID)
	require.NoError(t, binding.Close())
}
