package orchestrator

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmtcp-tools/dmtcpdiag/pkg/config"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/devmem"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/nic"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *nic.FakeConn) {
	t.Helper()
	fc := nic.NewFakeConn()
	controller := nic.NewTestController(fc, nic.NoopShellOut{})

	cfg := &config.Config{}
	cfg.Engine.BufferSize = 4096
	cfg.Engine.ValidationThreshold = 20
	cfg.Engine.SettlingInterval = 0
	cfg.Engine.CompletionWait = 0
	cfg.Engine.MaxSegments = 1024
	cfg.Engine.ControlBufferFragments = 64
	cfg.Engine.LineSize = 64

	o := &Orchestrator{
		Config:     cfg,
		Params:     config.RunParams{Interface: "lo", Ifindex: 1},
		Provider:   devmem.NewHostProvider(),
		Controller: controller,
	}
	return o, fc
}

func TestRunSelfTest_PassesAllAssertions(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	var out bytes.Buffer
	err := o.runSelfTest(context.Background(), &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "PASS")
	require.NotContains(t, out.String(), "FAIL")
}

func TestRunSelfTest_RequiresAtLeastTwoQueues(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.Params.RxQueueStart = 0
	o.Params.RxQueueCount = 1
	var out bytes.Buffer
	err := o.runSelfTest(context.Background(), &out)
	require.Error(t, err)
}
