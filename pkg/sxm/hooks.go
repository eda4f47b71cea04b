package sxm

import (
	"context"
	"time"

	"github.com/vatesfr/sxmd/internal/logger"
)

const (
	drainPollInterval = time.Second
	drainTimeout      = 150 * time.Second
)

// PreDeactivateHook drains the tap-disk's outstanding requests before the
// storage stack deactivates the VDI, polling every second for up to 150s.
// It runs synchronously and never throws (spec §4.7).
func (m *MirrorEngine) PreDeactivateHook(ctx context.Context, sr, vdi string) {
	id := MirrorID(sr, vdi)

	st, ok := m.reg.FindActiveLocalMirror(id)
	if !ok || st.TapDev == nil {
		return
	}

	deadline := time.Now().Add(drainTimeout)
	tapdev := *st.TapDev

	for {
		stats, err := m.local.TapDiskStats(ctx, tapdev)
		if err != nil {
			logger.Error("pre_deactivate_hook: failed reading tap-disk stats", logger.Ctx{"id": id, "err": err})
			m.markFailed(id)

			return
		}

		if stats.ReqsOutstanding == 0 {
			if stats.NBDMirrorFailed {
				m.markFailed(id)
			}

			return
		}

		if time.Now().After(deadline) {
			logger.Warn("pre_deactivate_hook: drain timed out", logger.Ctx{"id": id})
			m.markFailed(id)

			return
		}

		select {
		case <-ctx.Done():
			m.markFailed(id)

			return
		case <-time.After(drainPollInterval):
		}
	}
}

func (m *MirrorEngine) markFailed(id string) {
	m.reg.MutateSend(id, func(st *SendState) { st.Failed = true })
}

// PostDetachHook launches a detached worker that best-effort finalizes the
// remote receive and removes the SendState, and cancels the watchdog handle
// if armed (spec §4.7).
func (m *MirrorEngine) PostDetachHook(sr, vdi string) {
	id := MirrorID(sr, vdi)

	st, ok := m.reg.FindActiveLocalMirror(id)
	if !ok {
		return
	}

	if st.Watchdog != nil {
		m.scheduler.Cancel(*st.Watchdog)
	}

	go func() {
		if st.RemoteInfo != nil {
			remote := NewRemoteDataMirror(RemoteClientArgs{URL: st.RemoteInfo.URL, VerifyDest: st.RemoteInfo.VerifyDest})
			if err := remote.ReceiveFinalize(context.Background(), id); err != nil {
				logger.Error("post_detach_hook: failed remote receive_finalize", logger.Ctx{"id": id, "err": err})
			}
		}

		m.reg.RemoveLocalMirror(id)
	}()
}
