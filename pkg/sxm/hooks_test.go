package sxm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vatesfr/sxmd/pkg/sxm"
)

func TestPreDeactivateHookNoActiveMirrorIsANoop(t *testing.T) {
	reg := sxm.NewRegistry(t.TempDir())
	engine := newTestMirrorEngine(reg, newFakeStorage())

	require.NotPanics(t, func() { engine.PreDeactivateHook(context.Background(), "s1", "v1") })
}

func TestPreDeactivateHookWithoutTapDevIsANoop(t *testing.T) {
	reg := sxm.NewRegistry(t.TempDir())
	reg.AddSend("s1/v1", &sxm.SendState{})

	engine := newTestMirrorEngine(reg, newFakeStorage())
	engine.PreDeactivateHook(context.Background(), "s1", "v1")

	st, _ := reg.FindActiveLocalMirror("s1/v1")
	require.False(t, st.Failed)
}

func TestPreDeactivateHookReturnsWithoutFailureWhenAlreadyDrained(t *testing.T) {
	reg := sxm.NewRegistry(t.TempDir())
	reg.AddSend("s1/v1", &sxm.SendState{TapDev: &sxm.TapDev{PID: 1, Minor: 0}})

	local := newFakeStorage()
	local.tapStats = sxm.TapDiskStats{ReqsOutstanding: 0}

	engine := newTestMirrorEngine(reg, local)
	engine.PreDeactivateHook(context.Background(), "s1", "v1")

	st, _ := reg.FindActiveLocalMirror("s1/v1")
	require.False(t, st.Failed)
}

func TestPreDeactivateHookMarksFailedWhenDrainedButMirrorAlreadyFailed(t *testing.T) {
	reg := sxm.NewRegistry(t.TempDir())
	reg.AddSend("s1/v1", &sxm.SendState{TapDev: &sxm.TapDev{PID: 1, Minor: 0}})

	local := newFakeStorage()
	local.tapStats = sxm.TapDiskStats{ReqsOutstanding: 0, NBDMirrorFailed: true}

	engine := newTestMirrorEngine(reg, local)
	engine.PreDeactivateHook(context.Background(), "s1", "v1")

	st, _ := reg.FindActiveLocalMirror("s1/v1")
	require.True(t, st.Failed)
}

func TestPreDeactivateHookMarksFailedOnStatsError(t *testing.T) {
	reg := sxm.NewRegistry(t.TempDir())
	reg.AddSend("s1/v1", &sxm.SendState{TapDev: &sxm.TapDev{PID: 1, Minor: 0}})

	local := newFakeStorage()
	local.tapStatsErr = errAttachFailed

	engine := newTestMirrorEngine(reg, local)
	engine.PreDeactivateHook(context.Background(), "s1", "v1")

	st, _ := reg.FindActiveLocalMirror("s1/v1")
	require.True(t, st.Failed)
}

func TestPreDeactivateHookMarksFailedWhenContextCancelledMidDrain(t *testing.T) {
	reg := sxm.NewRegistry(t.TempDir())
	reg.AddSend("s1/v1", &sxm.SendState{TapDev: &sxm.TapDev{PID: 1, Minor: 0}})

	local := newFakeStorage()
	local.tapStats = sxm.TapDiskStats{ReqsOutstanding: 1}

	engine := newTestMirrorEngine(reg, local)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine.PreDeactivateHook(ctx, "s1", "v1")

	st, _ := reg.FindActiveLocalMirror("s1/v1")
	require.True(t, st.Failed)
}

func TestPostDetachHookUnknownIDIsANoop(t *testing.T) {
	reg := sxm.NewRegistry(t.TempDir())
	engine := newTestMirrorEngine(reg, newFakeStorage())

	require.NotPanics(t, func() { engine.PostDetachHook("s1", "v1") })
}

func TestPostDetachHookDispatchesRemoteFinalizeAndDropsTheRecord(t *testing.T) {
	remote := newFakeStorage()
	remoteReg := sxm.NewRegistry(t.TempDir())
	remoteReg.AddReceive("s1/v1", &sxm.ReceiveState{SR: "destA", LeafVDI: "leaf", LeafDP: "dp0"})
	remote.vdis["destA"] = map[string]sxm.VDIInfo{"leaf": {UUID: "leaf", SR: "destA"}}
	remoteSrv := newTestRemoteWithRegistry(t, remoteReg, remote)

	reg := sxm.NewRegistry(t.TempDir())
	reg.AddSend("s1/v1", &sxm.SendState{RemoteInfo: &sxm.RemoteInfo{URL: remoteSrv.URL}})

	engine := newTestMirrorEngine(reg, newFakeStorage())
	engine.PostDetachHook("s1", "v1")

	require.Eventually(t, func() bool {
		_, ok := reg.FindActiveLocalMirror("s1/v1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := remoteReg.FindActiveReceiveMirror("s1/v1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
