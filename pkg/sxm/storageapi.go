package sxm

import "context"

// VDIInfo mirrors the fields of the storage API's VDI record that the
// coordinator reads or writes (spec §6.2), named the way the wider
// ecosystem's XAPI-facing SDKs do (content_id, virtual_size, sm_config).
type VDIInfo struct {
	UUID        string
	SR          string
	NameLabel   string
	VirtualSize int64
	ContentID   string
	SmConfig    map[string]string
	Type        string // "user", "cbt_metadata", etc.
	Managed     bool
}

// IsCBTMetadata reports whether this VDI should be dropped from scan
// results the way copy_into_sr and receive_start2 both require (spec §4.4.2 step 1, §4.6 step 1).
func (v VDIInfo) IsCBTMetadata() bool { return v.Type == "cbt_metadata" }

// DPAttachInfo is the result of DP.attach_info: exactly one of Path,
// BlockDevice or NBDURI is set, per the three backends with_activated_disk
// resolves (spec §4.3).
type DPAttachInfo struct {
	Path        string
	BlockDevice string
	NBDURI      string
}

// Backend reports which of the three attach-info shapes is populated, or
// "" if none (an internal error naming the backend, per §4.3).
func (a DPAttachInfo) Backend() string {
	switch {
	case a.Path != "":
		return "file"
	case a.BlockDevice != "":
		return "blockdevice"
	case a.NBDURI != "":
		return "nbd"
	default:
		return ""
	}
}

// VhdMirror is the result of receive_start(2) (spec §6.5).
type VhdMirror struct {
	MirrorVDI       string
	MirrorDatapath  string
	CopyDiffsFrom   string // content id, optional
	CopyDiffsTo     string
	DummyVDI        string
}

// TapDiskStats is the subset of tap-disk statistics the watchdog and
// pre_deactivate_hook read (spec §4.5.3, §4.7).
type TapDiskStats struct {
	ReqsOutstanding int
	NBDMirrorFailed bool
}

// StorageAPI is the set of storage-API operations the coordinator
// consumes, both locally and (via the RPC façade) remotely (spec §6.2).
// Implementations are out of this module's scope: the local binding talks
// to the in-process SM/SR stack, the remote binding is the StorageAPI that
// NewRemoteStorageAPI (rpcclient.go) returns.
type StorageAPI interface {
	SRScan(ctx context.Context, sr string) ([]VDIInfo, error)
	SRScan2(ctx context.Context, sr string) ([]VDIInfo, error)
	SRUpdateSnapshotInfoDest(ctx context.Context, sr string, info map[string]VDIInfo) error

	VDICreate(ctx context.Context, sr string, like VDIInfo) (VDIInfo, error)
	VDIClone(ctx context.Context, sr, vdi string) (VDIInfo, error)
	VDISnapshot(ctx context.Context, sr, vdi string, smConfig map[string]string) (VDIInfo, error)
	VDIDestroy(ctx context.Context, sr, vdi string) error
	VDIResize(ctx context.Context, sr, vdi string, newSize int64) error
	VDIAttach3(ctx context.Context, dbg, dp, sr, vdi, vm string, rw bool) (DPAttachInfo, error)
	VDIActivate3(ctx context.Context, dbg, dp, sr, vdi, vm string) error
	VDIDeactivate(ctx context.Context, dbg, dp, sr, vdi string) error
	VDIDetach(ctx context.Context, dbg, dp, sr, vdi string) error
	VDISetContentID(ctx context.Context, sr, vdi, contentID string) error
	VDISimilarContent(ctx context.Context, sr, vdi string) ([]string, error)
	VDICompose(ctx context.Context, sr, mirrorVDI, copiedVDI string) error

	DPCreate(ctx context.Context, sr, vdi string) (string, error)
	DPAttachInfo(ctx context.Context, dbg, dp, sr, vdi string) (DPAttachInfo, error)
	DPDestroy(ctx context.Context, dbg, dp string, allowLeak bool) error

	TapDiskStats(ctx context.Context, td TapDev) (TapDiskStats, error)
}

// DataMirror is the DATA.MIRROR.* surface the mirror and receive engines
// drive (spec §6.2, §6.3).
type DataMirror interface {
	ReceiveStart2(ctx context.Context, sr string, vdiInfo VDIInfo, id string, similars []string, vm string) (VhdMirror, error)
	ReceiveFinalize(ctx context.Context, id string) error
	ReceiveCancel(ctx context.Context, id string) error
	ImportActivate(ctx context.Context, dbg, sr, vdi, vm string) (string, error) // returns the sink control-socket path
	Stop(ctx context.Context, id string) error
}

// SparseDD is the block-level copy engine contract (spec §1 Out of scope,
// §4.4.1): a black box driven with progress and cancellation.
type SparseDD interface {
	// Run copies src (a local path) to sink (a remote NBD URL), optionally
	// diffing against base, reporting progress in [0,1] via onProgress.
	// Cancellation of ctx must stop the transfer and return context.Canceled.
	Run(ctx context.Context, src, sink, base string, onProgress func(float64)) error
}
