package sxm

import (
	"context"

	"github.com/google/uuid"

	"github.com/vatesfr/sxmd/internal/logger"
)

// ReceiveEngine implements the destination-side of a mirror: receive_start2,
// receive_finalize and receive_cancel (spec §4.6). It runs on the
// destination host against that host's local storage API.
type ReceiveEngine struct {
	reg   *Registry
	local StorageAPI
}

// NewReceiveEngine constructs a ReceiveEngine bound to the destination
// host's local storage API.
func NewReceiveEngine(reg *Registry, local StorageAPI) *ReceiveEngine {
	return &ReceiveEngine{reg: reg, local: local}
}

// ReceiveStart2 creates the leaf + dummy snapshot + parent on the
// destination SR and persists a ReceiveState (spec §4.6).
func (r *ReceiveEngine) ReceiveStart2(ctx context.Context, sr string, vdiInfo VDIInfo, id string, similars []string, vm string) (VhdMirror, error) {
	cleanup := NewCleanup()

	vdis, err := r.local.SRScan(ctx, sr)
	if err != nil {
		return VhdMirror{}, wrapBackendOrInternal(err)
	}

	vdis = dropCBTMetadata(vdis)

	leafDP := uuid.NewString()

	leaf, err := r.local.VDICreate(ctx, sr, VDIInfo{
		SR: sr, NameLabel: vdiInfo.NameLabel, VirtualSize: vdiInfo.VirtualSize,
		SmConfig: mergeSmConfig(nil, "base_mirror", id),
	})
	if err != nil {
		return VhdMirror{}, wrapBackendOrInternal(err)
	}

	cleanup.Add(func() {
		if err := r.local.VDIDestroy(ctx, sr, leaf.UUID); err != nil {
			logger.Error("failed destroying leaf after receive_start2 failure", logger.Ctx{"vdi": leaf.UUID, "err": err})
		}
	})

	dummy, err := r.local.VDISnapshot(ctx, sr, leaf.UUID, nil)
	if err != nil {
		cleanup.Run()

		return VhdMirror{}, wrapBackendOrInternal(err)
	}

	cleanup.Add(func() {
		if err := r.local.VDIDestroy(ctx, sr, dummy.UUID); err != nil {
			logger.Error("failed destroying dummy after receive_start2 failure", logger.Ctx{"vdi": dummy.UUID, "err": err})
		}
	})

	if _, err := r.local.VDIAttach3(ctx, "receive_start2", leafDP, sr, leaf.UUID, vm, true); err != nil {
		cleanup.Run()

		return VhdMirror{}, wrapBackendOrInternal(err)
	}

	if err := r.local.VDIActivate3(ctx, "receive_start2", leafDP, sr, leaf.UUID, vm); err != nil {
		cleanup.Run()

		return VhdMirror{}, wrapBackendOrInternal(err)
	}

	nearest, hasNearest := nearestVDI(vdis, similars, vdiInfo.VirtualSize)

	parent, err := r.parentCloneOrCreate(ctx, sr, vdiInfo, nearest, hasNearest, id)
	if err != nil {
		cleanup.Run()

		return VhdMirror{}, err
	}

	r.reg.AddReceive(id, &ReceiveState{
		SR: sr, LeafVDI: leaf.UUID, LeafDP: leafDP, DummyVDI: dummy.UUID,
		ParentVDI: parent.UUID, RemoteVDI: vdiInfo.UUID, VM: vm,
	})

	result := VhdMirror{
		MirrorVDI: leaf.UUID, MirrorDatapath: leafDP, CopyDiffsTo: parent.UUID, DummyVDI: dummy.UUID,
	}
	if hasNearest {
		result.CopyDiffsFrom = nearest.ContentID
	}

	return result, nil
}

func (r *ReceiveEngine) parentCloneOrCreate(ctx context.Context, sr string, source VDIInfo, nearest VDIInfo, hasNearest bool, id string) (VDIInfo, error) {
	if hasNearest {
		cloned, err := r.local.VDIClone(ctx, sr, nearest.UUID)
		if err != nil {
			return VDIInfo{}, wrapBackendOrInternal(err)
		}

		cloned.SmConfig = mergeSmConfig(cloned.SmConfig, "base_mirror", id)

		if source.VirtualSize > cloned.VirtualSize {
			if err := r.local.VDIResize(ctx, sr, cloned.UUID, source.VirtualSize); err != nil {
				return VDIInfo{}, wrapBackendOrInternal(err)
			}
		}

		return cloned, nil
	}

	blank := source
	blank.SmConfig = mergeSmConfig(nil, "base_mirror", id)

	created, err := r.local.VDICreate(ctx, sr, blank)
	if err != nil {
		return VDIInfo{}, wrapBackendOrInternal(err)
	}

	return created, nil
}

// ReceiveFinalize destroys the leaf data path (unforced), deactivates the
// leaf VDI, and drops the record, keeping leaf/parent/dummy VDIs for the
// compose step and subsequent VM migration (spec §4.6).
func (r *ReceiveEngine) ReceiveFinalize(ctx context.Context, id string) error {
	st, ok := r.reg.FindActiveReceiveMirror(id)
	if !ok {
		return nil
	}

	if err := r.local.DPDestroy(ctx, "receive_finalize", st.LeafDP, false); err != nil {
		logger.Error("failed destroying leaf data path on finalize", logger.Ctx{"id": id, "dp": st.LeafDP, "err": err})
	}

	if err := r.local.VDIDeactivate(ctx, "receive_finalize", st.LeafDP, st.SR, st.LeafVDI); err != nil {
		logger.Error("failed deactivating leaf on finalize", logger.Ctx{"id": id, "vdi": st.LeafVDI, "err": err})
	}

	r.reg.RemoveReceiveMirror(id)

	return nil
}

// ReceiveCancel destroys the leaf data path, then dummy, leaf and parent
// VDIs, and drops the record. Every step is log-and-swallow (spec §4.6).
func (r *ReceiveEngine) ReceiveCancel(ctx context.Context, id string) error {
	st, ok := r.reg.FindActiveReceiveMirror(id)
	if !ok {
		return nil
	}

	if err := r.local.DPDestroy(ctx, "receive_cancel", st.LeafDP, false); err != nil {
		logger.Error("failed destroying leaf data path on cancel", logger.Ctx{"id": id, "dp": st.LeafDP, "err": err})
	}

	for _, vdi := range []string{st.DummyVDI, st.LeafVDI, st.ParentVDI} {
		if vdi == "" {
			continue
		}

		if err := r.local.VDIDestroy(ctx, st.SR, vdi); err != nil {
			logger.Error("failed destroying vdi on receive cancel", logger.Ctx{"id": id, "vdi": vdi, "err": err})
		}
	}

	r.reg.RemoveReceiveMirror(id)

	return nil
}

func mergeSmConfig(base map[string]string, key, value string) map[string]string {
	out := map[string]string{}

	for k, v := range base {
		out[k] = v
	}

	out[key] = value

	return out
}
