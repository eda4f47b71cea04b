package sxm

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/vatesfr/sxmd/internal/logger"
	"github.com/vatesfr/sxmd/internal/sxmerr"
)

// urlEscape URI-encodes a single path segment of the NBD URL (spec §4.4.1
// step 2: "URI-encoded via a URL manipulator").
func urlEscape(s string) string { return url.PathEscape(s) }

// CopyEngine drives standalone VDI-to-VDI and VDI-to-SR copies (spec §4.4).
type CopyEngine struct {
	reg      *Registry
	local    StorageAPI
	nbd      NBDClient
	sparseDD SparseDD
}

// NewCopyEngine constructs a CopyEngine bound to the local storage API and
// the block-level copy tool.
func NewCopyEngine(reg *Registry, local StorageAPI, nbd NBDClient, sparseDD SparseDD) *CopyEngine {
	return &CopyEngine{reg: reg, local: local, nbd: nbd, sparseDD: sparseDD}
}

// findByContentID returns the first VDI in vdis whose ContentID matches want,
// or ok=false if none does — the incremental-base selection of §4.4.1.
func findByContentID(vdis []VDIInfo, want string) (VDIInfo, bool) {
	if want == "" {
		return VDIInfo{}, false
	}

	for _, v := range vdis {
		if v.ContentID == want {
			return v, true
		}
	}

	return VDIInfo{}, false
}

// CopyIntoVDI copies vdi into an explicit remote dest_vdi (spec §4.4.1).
func (c *CopyEngine) CopyIntoVDI(ctx context.Context, sr, vdi, vm, remoteURL, destSR, destVDI string, verifyDest bool, onProgress func(float64)) error {
	remote := NewRemoteStorageAPI(RemoteClientArgs{URL: remoteURL, VerifyDest: verifyDest})

	destSRs, err := remote.SRScan(ctx, destSR)
	if err != nil {
		return wrapBackendOrInternal(err)
	}

	if len(destSRs) == 0 {
		return &sxmerr.NotFound{Kind: "sr", ID: destSR}
	}

	var destInfo VDIInfo
	found := false

	for _, v := range destSRs {
		if v.UUID == destVDI {
			destInfo, found = v, true
			break
		}
	}

	if !found {
		return &sxmerr.NotFound{Kind: "vdi", ID: destVDI}
	}

	localVDIs, err := c.local.SRScan(ctx, sr)
	if err != nil {
		return wrapBackendOrInternal(err)
	}

	var localInfo VDIInfo
	found = false

	for _, v := range localVDIs {
		if v.UUID == vdi {
			localInfo, found = v, true
			break
		}
	}

	if !found {
		return &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	if localInfo.VirtualSize > destInfo.VirtualSize {
		return &sxmerr.CapacityExceeded{Msg: fmt.Sprintf("source %s (%d) is larger than destination %s (%d)", vdi, localInfo.VirtualSize, destVDI, destInfo.VirtualSize)}
	}

	base, hasBase := findByContentID(localVDIs, destInfo.ContentID)

	return c.runCopy(ctx, sr, vdi, vm, remoteURL, destSR, destVDI, verifyDest, localInfo, base, hasBase, remote, onProgress)
}

func (c *CopyEngine) runCopy(ctx context.Context, sr, vdi, vm, remoteURL, destSR, destVDI string, verifyDest bool, localInfo, base VDIInfo, hasBase bool, remote StorageAPI, onProgress func(float64)) error {
	remoteDP := uuid.NewString()
	baseDP := uuid.NewString()
	leafDP := uuid.NewString()

	nbdURL := fmt.Sprintf("%s/nbd/%s/%s/%s/%s", remoteURL, urlEscape(vm), urlEscape(destSR), urlEscape(destVDI), urlEscape(remoteDP))

	id := CopyID(destSR, vdi)
	c.reg.AddCopy(id, &CopyState{
		BaseDP: baseDP, LeafDP: leafDP, RemoteDP: remoteDP,
		DestSR: destSR, CopyVDI: destVDI, RemoteURL: remoteURL, VerifyDest: verifyDest,
	})

	cleanup := NewCleanup()
	defer func() {
		if err := remote.DPDestroy(ctx, "copy_into_vdi", remoteDP, false); err != nil {
			logger.Error("failed destroying remote data path after copy", logger.Ctx{"dp": remoteDP, "err": err})
		}

		c.reg.RemoveCopy(id)
	}()

	if _, err := remote.VDIAttach3(ctx, "copy_into_vdi", remoteDP, destSR, destVDI, vm, true); err != nil {
		cleanup.Run()

		return wrapBackendOrInternal(err)
	}

	cleanup.Add(func() {
		if err := remote.DPDestroy(ctx, "copy_into_vdi", remoteDP, true); err != nil {
			logger.Error("failed force-destroying remote data path", logger.Ctx{"dp": remoteDP, "err": err})
		}
	})

	if err := remote.VDIActivate3(ctx, "copy_into_vdi", remoteDP, destSR, destVDI, vm); err != nil {
		cleanup.Run()

		return wrapBackendOrInternal(err)
	}

	runErr := c.withLocalSourcePaths(ctx, sr, vdi, vm, base, hasBase, func(basePath, leafPath string) error {
		return c.driveSparseDD(ctx, leafPath, nbdURL, basePath, onProgress)
	})
	if runErr != nil {
		cleanup.Run()

		return runErr
	}

	if err := remote.VDISetContentID(ctx, destSR, destVDI, localInfo.ContentID); err != nil {
		logger.Warn("failed propagating content_id to remote destination", logger.Ctx{"vdi": destVDI, "err": err})
	}

	if err := c.local.VDISetContentID(ctx, sr, vdi, localInfo.ContentID); err != nil {
		logger.Warn("failed propagating content_id to local destination", logger.Ctx{"vdi": vdi, "err": err})
	}

	return nil
}

func (c *CopyEngine) withLocalSourcePaths(ctx context.Context, sr, vdi, vm string, base VDIInfo, hasBase bool, f func(basePath, leafPath string) error) error {
	baseVDI := ""
	if hasBase {
		baseVDI = base.UUID
	}

	baseDP := uuid.NewString()
	leafDP := uuid.NewString()

	return WithActivatedDisk(ctx, c.local, c.nbd, sr, baseVDI, baseDP, vm, false, func(basePath string) error {
		return WithActivatedDisk(ctx, c.local, c.nbd, sr, vdi, leafDP, vm, false, func(leafPath string) error {
			return f(basePath, leafPath)
		})
	})
}

func (c *CopyEngine) driveSparseDD(ctx context.Context, leafPath, nbdURL, basePath string, onProgress func(float64)) error {
	scaled := func(p float64) {
		if onProgress != nil {
			onProgress(0.05 + p*0.90)
		}
	}

	err := c.sparseDD.Run(ctx, leafPath, nbdURL, basePath, scaled)
	if errors.Is(err, context.Canceled) {
		return &sxmerr.Cancelled{}
	}

	if err != nil {
		return wrapBackendOrInternal(err)
	}

	return nil
}

// CopyIntoSR copies vdi into an auto-selected VDI on destSR, choosing the
// nearest base via content_id (spec §4.4.2).
func (c *CopyEngine) CopyIntoSR(ctx context.Context, sr, vdi, vm, remoteURL, destSR string, verifyDest bool, onProgress func(float64)) (VDIInfo, error) {
	remote := NewRemoteStorageAPI(RemoteClientArgs{URL: remoteURL, VerifyDest: verifyDest})

	localVDIs, err := c.local.SRScan(ctx, sr)
	if err != nil {
		return VDIInfo{}, wrapBackendOrInternal(err)
	}

	var source VDIInfo
	found := false

	for _, v := range localVDIs {
		if v.UUID == vdi {
			source, found = v, true
			break
		}
	}

	if !found {
		return VDIInfo{}, &sxmerr.NotFound{Kind: "vdi", ID: vdi}
	}

	remoteVDIs, err := remote.SRScan(ctx, destSR)
	if err != nil {
		return VDIInfo{}, wrapBackendOrInternal(err)
	}

	remoteVDIs = dropCBTMetadata(remoteVDIs)

	similars, err := c.local.VDISimilarContent(ctx, sr, vdi)
	if err != nil {
		return VDIInfo{}, wrapBackendOrInternal(err)
	}

	nearest, hasNearest := nearestVDI(remoteVDIs, similars, source.VirtualSize)

	dest, err := c.cloneOrCreate(ctx, remote, destSR, source, nearest, hasNearest)
	if err != nil {
		return VDIInfo{}, err
	}

	if err := c.CopyIntoVDI(ctx, sr, vdi, vm, remoteURL, destSR, dest.UUID, verifyDest, onProgress); err != nil {
		return VDIInfo{}, err
	}

	snapshot, err := remote.VDISnapshot(ctx, destSR, dest.UUID, nil)
	if err != nil {
		return VDIInfo{}, wrapBackendOrInternal(err)
	}

	if err := remote.VDIDestroy(ctx, destSR, dest.UUID); err != nil {
		logger.Warn("failed destroying mutable copy after snapshot", logger.Ctx{"vdi": dest.UUID, "err": err})
	}

	return snapshot, nil
}

func dropCBTMetadata(vdis []VDIInfo) []VDIInfo {
	out := make([]VDIInfo, 0, len(vdis))

	for _, v := range vdis {
		if !v.IsCBTMetadata() {
			out = append(out, v)
		}
	}

	return out
}

// nearestVDI returns the first vdi whose ContentID appears in similars and
// whose VirtualSize <= maxSize, tie-broken by the order of similars (spec §4.4.2 step 3).
func nearestVDI(vdis []VDIInfo, similars []string, maxSize int64) (VDIInfo, bool) {
	byContentID := map[string]VDIInfo{}

	for _, v := range vdis {
		if v.ContentID != "" {
			byContentID[v.ContentID] = v
		}
	}

	for _, id := range similars {
		if id == "" {
			continue
		}

		v, ok := byContentID[id]
		if ok && v.VirtualSize <= maxSize {
			return v, true
		}
	}

	return VDIInfo{}, false
}

func (c *CopyEngine) cloneOrCreate(ctx context.Context, remote StorageAPI, destSR string, source, nearest VDIInfo, hasNearest bool) (VDIInfo, error) {
	if hasNearest {
		cloned, err := remote.VDIClone(ctx, destSR, nearest.UUID)
		if err != nil {
			return VDIInfo{}, wrapBackendOrInternal(err)
		}

		if source.VirtualSize > cloned.VirtualSize {
			if err := remote.VDIResize(ctx, destSR, cloned.UUID, source.VirtualSize); err != nil {
				return VDIInfo{}, wrapBackendOrInternal(err)
			}
		}

		return cloned, nil
	}

	blank := source
	blank.SmConfig = map[string]string{}

	created, err := remote.VDICreate(ctx, destSR, blank)
	if err != nil {
		return VDIInfo{}, wrapBackendOrInternal(err)
	}

	return created, nil
}

// wrapBackendOrInternal rethrows storage/API errors as-is (preserving code
// and params), and anything else as an InternalError carrying its
// stringified message (spec §4.4.2 last paragraph).
func wrapBackendOrInternal(err error) error {
	if err == nil {
		return nil
	}

	var be *sxmerr.BackendError
	if errors.As(err, &be) {
		return be
	}

	var nf *sxmerr.NotFound
	if errors.As(err, &nf) {
		return nf
	}

	var ce *sxmerr.CapacityExceeded
	if errors.As(err, &ce) {
		return ce
	}

	return sxmerr.Internal(err)
}
