package sxm_test

import (
	"context"
	"fmt"

	"github.com/vatesfr/sxmd/internal/sxmerr"
	"github.com/vatesfr/sxmd/pkg/sxm"
)

// fakeStorage is a minimal in-memory sxm.StorageAPI double, standing in for
// the real SM/SR backend the way internal/demobackend does for cmd/sxmd.
type fakeStorage struct {
	vdis          map[string]map[string]sxm.VDIInfo
	nextID        int
	srScanErr     error
	attach3Err    error
	dpDestroyCall []string
	detachCall    []string
	tapStats      sxm.TapDiskStats
	tapStatsErr   error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{vdis: map[string]map[string]sxm.VDIInfo{}}
}

func (f *fakeStorage) newUUID(prefix string) string {
	f.nextID++

	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeStorage) SRScan(_ context.Context, sr string) ([]sxm.VDIInfo, error) {
	if f.srScanErr != nil {
		return nil, f.srScanErr
	}

	out := make([]sxm.VDIInfo, 0, len(f.vdis[sr]))
	for _, v := range f.vdis[sr] {
		out = append(out, v)
	}

	return out, nil
}

func (f *fakeStorage) SRScan2(ctx context.Context, sr string) ([]sxm.VDIInfo, error) {
	return f.SRScan(ctx, sr)
}

func (f *fakeStorage) SRUpdateSnapshotInfoDest(_ context.Context, _ string, _ map[string]sxm.VDIInfo) error {
	return nil
}

func (f *fakeStorage) VDICreate(_ context.Context, sr string, like sxm.VDIInfo) (sxm.VDIInfo, error) {
	v := like
	v.UUID = f.newUUID("vdi")
	v.SR = sr

	if f.vdis[sr] == nil {
		f.vdis[sr] = map[string]sxm.VDIInfo{}
	}

	f.vdis[sr][v.UUID] = v

	return v, nil
}

func (f *fakeStorage) VDIClone(_ context.Context, sr, vdi string) (sxm.VDIInfo, error) {
	src, ok := f.vdis[sr][vdi]
	if !ok {
		return sxm.VDIInfo{}, &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	clone := src
	clone.UUID = f.newUUID("vdi")
	f.vdis[sr][clone.UUID] = clone

	return clone, nil
}

func (f *fakeStorage) VDISnapshot(_ context.Context, sr, vdi string, _ map[string]string) (sxm.VDIInfo, error) {
	src, ok := f.vdis[sr][vdi]
	if !ok {
		return sxm.VDIInfo{}, &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	snap := src
	snap.UUID = f.newUUID("snap")
	f.vdis[sr][snap.UUID] = snap

	return snap, nil
}

func (f *fakeStorage) VDIDestroy(_ context.Context, sr, vdi string) error {
	delete(f.vdis[sr], vdi)

	return nil
}

func (f *fakeStorage) VDIResize(_ context.Context, sr, vdi string, newSize int64) error {
	v, ok := f.vdis[sr][vdi]
	if !ok {
		return &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	v.VirtualSize = newSize
	f.vdis[sr][vdi] = v

	return nil
}

func (f *fakeStorage) VDIAttach3(_ context.Context, _, _, _, vdi, _ string, _ bool) (sxm.DPAttachInfo, error) {
	if f.attach3Err != nil {
		return sxm.DPAttachInfo{}, f.attach3Err
	}

	return sxm.DPAttachInfo{Path: "/fake/" + vdi}, nil
}

func (f *fakeStorage) VDIActivate3(_ context.Context, _, _, _, _, _ string) error { return nil }
func (f *fakeStorage) VDIDeactivate(_ context.Context, _, _, _, _ string) error   { return nil }

func (f *fakeStorage) VDIDetach(_ context.Context, _, dp, _, _ string) error {
	f.detachCall = append(f.detachCall, dp)

	return nil
}

func (f *fakeStorage) VDISetContentID(_ context.Context, sr, vdi, contentID string) error {
	v, ok := f.vdis[sr][vdi]
	if !ok {
		return &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	v.ContentID = contentID
	f.vdis[sr][vdi] = v

	return nil
}

func (f *fakeStorage) VDISimilarContent(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}

func (f *fakeStorage) VDICompose(_ context.Context, _, _, _ string) error { return nil }

func (f *fakeStorage) DPCreate(_ context.Context, _, _ string) (string, error) {
	return f.newUUID("dp"), nil
}

func (f *fakeStorage) DPAttachInfo(_ context.Context, _, _, _, vdi string) (sxm.DPAttachInfo, error) {
	return sxm.DPAttachInfo{Path: "/fake/" + vdi}, nil
}

func (f *fakeStorage) DPDestroy(_ context.Context, _, dp string, _ bool) error {
	f.dpDestroyCall = append(f.dpDestroyCall, dp)

	return nil
}

func (f *fakeStorage) TapDiskStats(_ context.Context, _ sxm.TapDev) (sxm.TapDiskStats, error) {
	if f.tapStatsErr != nil {
		return sxm.TapDiskStats{}, f.tapStatsErr
	}

	return f.tapStats, nil
}

// fakeNBDClient is a no-op sxm.NBDClient double; CopyEngine only reaches it
// when attach_info resolves to an NBD backend, which fakeStorage never does.
type fakeNBDClient struct{}

func (f *fakeNBDClient) Start(_ context.Context, _, _ string) (string, error) { return "/dev/fakenbd0", nil }
func (f *fakeNBDClient) Stop(_ context.Context, _ string) error               { return nil }

// fakeSparseDD is a sxm.SparseDD double whose behaviour is driven by the
// optional run field, letting tests block mid-copy to exercise cancellation
// (spec §5 Cancellation) without a real block-copy tool.
type fakeSparseDD struct {
	run func(ctx context.Context) error
}

func (f *fakeSparseDD) Run(ctx context.Context, _, _, _ string, onProgress func(float64)) error {
	if f.run == nil {
		if onProgress != nil {
			onProgress(1)
		}

		return nil
	}

	return f.run(ctx)
}
