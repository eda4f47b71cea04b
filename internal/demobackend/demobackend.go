// Package demobackend is an in-memory stand-in for the storage-control
// stack sxmd runs inside of. The real SM/SR/tap-disk integration is out of
// this module's scope (spec.md §1 Out of scope); this package exists only
// so `sxmd serve` is runnable end-to-end for local development and smoke
// testing, the way a distilled example stands in for a real backend.
package demobackend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vatesfr/sxmd/internal/sxmerr"
	"github.com/vatesfr/sxmd/pkg/sxm"
)

// Backend is a process-local fake of the storage API, NBD client, tapctl
// and sparse_dd collaborators, all backed by plain maps and no real I/O.
type Backend struct {
	mu        sync.Mutex
	vdis      map[string]map[string]sxm.VDIInfo // sr -> uuid -> vdi
	dps       map[string]dpRecord               // dp -> record
	nextMinor int
}

type dpRecord struct {
	sr, vdi string
	rw      bool
	active  bool
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{vdis: map[string]map[string]sxm.VDIInfo{}, dps: map[string]dpRecord{}}
}

func (b *Backend) sr(sr string) map[string]sxm.VDIInfo {
	if b.vdis[sr] == nil {
		b.vdis[sr] = map[string]sxm.VDIInfo{}
	}

	return b.vdis[sr]
}

// SRScan lists every VDI registered under sr.
func (b *Backend) SRScan(_ context.Context, sr string) ([]sxm.VDIInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]sxm.VDIInfo, 0, len(b.vdis[sr]))
	for _, v := range b.vdis[sr] {
		out = append(out, v)
	}

	return out, nil
}

// SRScan2 is identical to SRScan in this stand-in; the real backend's two
// scan variants differ in a way (incremental vs full) this fake has no use
// for.
func (b *Backend) SRScan2(ctx context.Context, sr string) ([]sxm.VDIInfo, error) {
	return b.SRScan(ctx, sr)
}

// SRUpdateSnapshotInfoDest records nothing; this fake has no concept of
// cross-host snapshot chains to merge into.
func (b *Backend) SRUpdateSnapshotInfoDest(context.Context, string, map[string]sxm.VDIInfo) error {
	return nil
}

// VDICreate registers a new VDI under sr, copying like's label/size/
// sm-config but minting a fresh uuid.
func (b *Backend) VDICreate(_ context.Context, sr string, like sxm.VDIInfo) (sxm.VDIInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := like
	v.UUID = uuid.NewString()
	v.SR = sr
	b.sr(sr)[v.UUID] = v

	return v, nil
}

// VDIClone duplicates vdi under a fresh uuid.
func (b *Backend) VDIClone(_ context.Context, sr, vdi string) (sxm.VDIInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	src, ok := b.sr(sr)[vdi]
	if !ok {
		return sxm.VDIInfo{}, &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	clone := src
	clone.UUID = uuid.NewString()
	b.sr(sr)[clone.UUID] = clone

	return clone, nil
}

// VDISnapshot clones vdi, overlaying smConfig onto the copy.
func (b *Backend) VDISnapshot(_ context.Context, sr, vdi string, smConfig map[string]string) (sxm.VDIInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	src, ok := b.sr(sr)[vdi]
	if !ok {
		return sxm.VDIInfo{}, &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	snap := src
	snap.UUID = uuid.NewString()

	merged := map[string]string{}
	for k, v := range src.SmConfig {
		merged[k] = v
	}

	for k, v := range smConfig {
		merged[k] = v
	}

	snap.SmConfig = merged
	b.sr(sr)[snap.UUID] = snap

	return snap, nil
}

// VDIDestroy removes vdi from sr.
func (b *Backend) VDIDestroy(_ context.Context, sr, vdi string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sr(sr), vdi)

	return nil
}

// VDIResize overwrites vdi's virtual size.
func (b *Backend) VDIResize(_ context.Context, sr, vdi string, newSize int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.sr(sr)[vdi]
	if !ok {
		return &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	v.VirtualSize = newSize
	b.sr(sr)[vdi] = v

	return nil
}

// VDIAttach3 mints a data path record backed by a synthetic NBD URI naming
// a fresh tap-disk minor, so TapDiskOfAttachInfo has something to parse.
func (b *Backend) VDIAttach3(_ context.Context, _, dp, sr, vdi, _ string, rw bool) (sxm.DPAttachInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sr(sr)[vdi]; !ok {
		return sxm.DPAttachInfo{}, &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	b.nextMinor++
	b.dps[dp] = dpRecord{sr: sr, vdi: vdi, rw: rw}

	uri := fmt.Sprintf("nbd+unix:///nbd1.%d?socket=/run/sxmd-demo/nbd.sock", b.nextMinor)

	return sxm.DPAttachInfo{NBDURI: uri}, nil
}

// VDIActivate3 marks dp active.
func (b *Backend) VDIActivate3(_ context.Context, _, dp, _, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.dps[dp]
	if !ok {
		return &sxmerr.NotFound{Kind: "dp", ID: dp}
	}

	rec.active = true
	b.dps[dp] = rec

	return nil
}

// VDIDeactivate marks dp inactive.
func (b *Backend) VDIDeactivate(_ context.Context, _, dp, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.dps[dp]
	if !ok {
		return nil
	}

	rec.active = false
	b.dps[dp] = rec

	return nil
}

// VDIDetach drops the data path record.
func (b *Backend) VDIDetach(_ context.Context, _, dp, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.dps, dp)

	return nil
}

// VDISetContentID overwrites vdi's content id.
func (b *Backend) VDISetContentID(_ context.Context, sr, vdi, contentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.sr(sr)[vdi]
	if !ok {
		return &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	v.ContentID = contentID
	b.sr(sr)[vdi] = v

	return nil
}

// VDISimilarContent returns the content ids of every other VDI on sr; this
// fake has no real content-hash notion to rank by.
func (b *Backend) VDISimilarContent(_ context.Context, sr, vdi string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string

	for id, v := range b.sr(sr) {
		if id != vdi && v.ContentID != "" {
			out = append(out, v.ContentID)
		}
	}

	return out, nil
}

// VDICompose is a no-op here; composing leaf-onto-parent is a tap-disk
// concept this fake does not model.
func (b *Backend) VDICompose(context.Context, string, string, string) error {
	return nil
}

// DPCreate mints a fresh data-path id.
func (b *Backend) DPCreate(_ context.Context, sr, vdi string) (string, error) {
	dp := uuid.NewString()

	b.mu.Lock()
	b.dps[dp] = dpRecord{sr: sr, vdi: vdi}
	b.mu.Unlock()

	return dp, nil
}

// DPAttachInfo returns a synthetic NBD URI of the same shape VDIAttach3
// mints, naming a fresh tap-disk minor on every call.
func (b *Backend) DPAttachInfo(_ context.Context, _, dp, sr, vdi string) (sxm.DPAttachInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.dps[dp]; !ok {
		return sxm.DPAttachInfo{}, &sxmerr.Unattached{DP: dp}
	}

	b.nextMinor++

	return sxm.DPAttachInfo{NBDURI: fmt.Sprintf("nbd+unix:///nbd1.%d?socket=/run/sxmd-demo/nbd.sock", b.nextMinor)}, nil
}

// DPDestroy drops dp's record; allowLeak is accepted for interface parity
// but has no effect since this fake never actually leaks a resource.
func (b *Backend) DPDestroy(_ context.Context, _, dp string, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.dps, dp)

	return nil
}

// TapDiskStats always reports an idle, healthy tap-disk.
func (b *Backend) TapDiskStats(context.Context, sxm.TapDev) (sxm.TapDiskStats, error) {
	return sxm.TapDiskStats{}, nil
}

// OfDevice implements sxm.TapCtl; this fake never hands out block-device
// attach info, so it is never called in practice.
func (b *Backend) OfDevice(path string) (sxm.TapDev, error) {
	return sxm.TapDev{}, &sxmerr.Unattached{DP: path}
}

// Start implements sxm.NBDClient.Start as a no-op returning a synthetic
// device path.
func (b *Backend) Start(_ context.Context, socketPath, export string) (string, error) {
	return fmt.Sprintf("%s#%s", socketPath, export), nil
}

// Stop implements sxm.NBDClient.Stop as a no-op.
func (b *Backend) Stop(context.Context, string) error {
	return nil
}

// Run implements sxm.SparseDD.Run: it reports immediate completion without
// moving any data, since there is no real disk to copy.
func (b *Backend) Run(_ context.Context, _, _, _ string, onProgress func(float64)) error {
	if onProgress != nil {
		onProgress(1)
	}

	return nil
}
