package sxm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vatesfr/sxmd/internal/sxmerr"
)

// RemoteClientArgs configures a per-call remote client, mirroring
// client.ConnectionArgs.InsecureSkipVerify (spec §4.5 remote RPC façade,
// Design Notes §9: "builds a fresh client per call").
type RemoteClientArgs struct {
	URL        string
	VerifyDest bool
	Timeout    time.Duration
}

// RemoteClient is a strongly-typed client bound to a remote URL,
// constructed fresh for each call site per the Design Notes, though an
// implementer "may memoise by URL but must still propagate verify_dest per
// call" — this implementation takes the simpler of those two options and
// builds a new transport and http.Client on every NewRemoteClient call,
// with verify_dest passed in explicitly each time.
type RemoteClient struct {
	args RemoteClientArgs
	http *http.Client
}

// DefaultRemoteTimeout is the per-call timeout RemoteClientArgs falls back
// to when Timeout is unset; cmd/sxmd overrides it at startup from the
// coordinator's own config (spec §6.1 remote_timeout).
var DefaultRemoteTimeout = 30 * time.Second

// HTTPClient exposes the underlying *http.Client, mainly so callers and
// tests can confirm how a RemoteClientArgs.Timeout of zero resolved.
func (c *RemoteClient) HTTPClient() *http.Client {
	return c.http
}

// NewRemoteClient builds a client for a single remote call.
func NewRemoteClient(args RemoteClientArgs) *RemoteClient {
	if args.Timeout == 0 {
		args.Timeout = DefaultRemoteTimeout
	}

	transport := &http.Transport{}
	if !args.VerifyDest {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // verify_dest=false is an explicit caller opt-out (spec §6.1).
	}

	return &RemoteClient{
		args: args,
		http: &http.Client{Transport: transport, Timeout: args.Timeout},
	}
}

// callJSON POSTs req as JSON to path under the remote base URL and decodes
// the response into resp. Used by the DataMirror RPC implementation below
// to invoke the abstract DATA.MIRROR.* operations (spec §6.2).
func (c *RemoteClient) callJSON(ctx context.Context, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return sxmerr.Internal(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.args.URL+path, bytes.NewReader(body))
	if err != nil {
		return sxmerr.Internal(err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return &sxmerr.BackendError{Code: "CONNECTION_FAILED", Params: []string{c.args.URL, err.Error()}}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return &sxmerr.BackendError{Code: fmt.Sprintf("HTTP_%d", httpResp.StatusCode), Params: []string{path}}
	}

	if resp == nil {
		return nil
	}

	dec := json.NewDecoder(httpResp.Body)

	return dec.Decode(resp)
}

// remoteDataMirror implements DataMirror by calling the remote coordinator
// over HTTP, the way client/lxd_storage_volumes.go builds a request and
// issues it through ProtocolLXD (spec §6.2 DATA.MIRROR.*).
type remoteDataMirror struct {
	client *RemoteClient
}

// NewRemoteDataMirror returns a DataMirror bound to a remote coordinator.
func NewRemoteDataMirror(args RemoteClientArgs) DataMirror {
	return &remoteDataMirror{client: NewRemoteClient(args)}
}

type receiveStart2Req struct {
	SR       string   `json:"sr"`
	VDIInfo  VDIInfo  `json:"vdi_info"`
	ID       string   `json:"id"`
	Similars []string `json:"similars"`
	VM       string   `json:"vm"`
}

func (d *remoteDataMirror) ReceiveStart2(ctx context.Context, sr string, vdiInfo VDIInfo, id string, similars []string, vm string) (VhdMirror, error) {
	var resp VhdMirror

	err := d.client.callJSON(ctx, "/data/mirror/receive_start2", receiveStart2Req{
		SR: sr, VDIInfo: vdiInfo, ID: id, Similars: similars, VM: vm,
	}, &resp)

	return resp, err
}

func (d *remoteDataMirror) ReceiveFinalize(ctx context.Context, id string) error {
	return d.client.callJSON(ctx, "/data/mirror/receive_finalize", map[string]string{"id": id}, nil)
}

func (d *remoteDataMirror) ReceiveCancel(ctx context.Context, id string) error {
	return d.client.callJSON(ctx, "/data/mirror/receive_cancel", map[string]string{"id": id}, nil)
}

func (d *remoteDataMirror) ImportActivate(ctx context.Context, dbg, sr, vdi, vm string) (string, error) {
	var resp struct {
		SinkPath string `json:"sink_path"`
	}

	err := d.client.callJSON(ctx, "/data/mirror/import_activate", map[string]string{
		"dbg": dbg, "sr": sr, "vdi": vdi, "vm": vm,
	}, &resp)

	return resp.SinkPath, err
}

func (d *remoteDataMirror) Stop(ctx context.Context, id string) error {
	return d.client.callJSON(ctx, "/data/mirror/stop", map[string]string{"id": id}, nil)
}

// remoteStorageAPI implements StorageAPI by calling the remote coordinator
// over HTTP, used for the SR/VDI/DP calls issued against the destination
// host (spec §6.2).
type remoteStorageAPI struct {
	client *RemoteClient
}

// NewRemoteStorageAPI returns a StorageAPI bound to a remote coordinator.
func NewRemoteStorageAPI(args RemoteClientArgs) StorageAPI {
	return &remoteStorageAPI{client: NewRemoteClient(args)}
}

func (s *remoteStorageAPI) SRScan(ctx context.Context, sr string) ([]VDIInfo, error) {
	var resp []VDIInfo
	err := s.client.callJSON(ctx, "/sr/scan", map[string]string{"sr": sr}, &resp)

	return resp, err
}

func (s *remoteStorageAPI) SRScan2(ctx context.Context, sr string) ([]VDIInfo, error) {
	var resp []VDIInfo
	err := s.client.callJSON(ctx, "/sr/scan2", map[string]string{"sr": sr}, &resp)

	return resp, err
}

func (s *remoteStorageAPI) SRUpdateSnapshotInfoDest(ctx context.Context, sr string, info map[string]VDIInfo) error {
	return s.client.callJSON(ctx, "/sr/update_snapshot_info_dest", map[string]any{"sr": sr, "info": info}, nil)
}

func (s *remoteStorageAPI) VDICreate(ctx context.Context, sr string, like VDIInfo) (VDIInfo, error) {
	var resp VDIInfo
	err := s.client.callJSON(ctx, "/vdi/create", map[string]any{"sr": sr, "like": like}, &resp)

	return resp, err
}

func (s *remoteStorageAPI) VDIClone(ctx context.Context, sr, vdi string) (VDIInfo, error) {
	var resp VDIInfo
	err := s.client.callJSON(ctx, "/vdi/clone", map[string]string{"sr": sr, "vdi": vdi}, &resp)

	return resp, err
}

func (s *remoteStorageAPI) VDISnapshot(ctx context.Context, sr, vdi string, smConfig map[string]string) (VDIInfo, error) {
	var resp VDIInfo
	err := s.client.callJSON(ctx, "/vdi/snapshot", map[string]any{"sr": sr, "vdi": vdi, "sm_config": smConfig}, &resp)

	return resp, err
}

func (s *remoteStorageAPI) VDIDestroy(ctx context.Context, sr, vdi string) error {
	return s.client.callJSON(ctx, "/vdi/destroy", map[string]string{"sr": sr, "vdi": vdi}, nil)
}

func (s *remoteStorageAPI) VDIResize(ctx context.Context, sr, vdi string, newSize int64) error {
	return s.client.callJSON(ctx, "/vdi/resize", map[string]any{"sr": sr, "vdi": vdi, "new_size": newSize}, nil)
}

func (s *remoteStorageAPI) VDIAttach3(ctx context.Context, dbg, dp, sr, vdi, vm string, rw bool) (DPAttachInfo, error) {
	var resp DPAttachInfo
	err := s.client.callJSON(ctx, "/vdi/attach3", map[string]any{
		"dbg": dbg, "dp": dp, "sr": sr, "vdi": vdi, "vm": vm, "rw": rw,
	}, &resp)

	return resp, err
}

func (s *remoteStorageAPI) VDIActivate3(ctx context.Context, dbg, dp, sr, vdi, vm string) error {
	return s.client.callJSON(ctx, "/vdi/activate3", map[string]string{"dbg": dbg, "dp": dp, "sr": sr, "vdi": vdi, "vm": vm}, nil)
}

func (s *remoteStorageAPI) VDIDeactivate(ctx context.Context, dbg, dp, sr, vdi string) error {
	return s.client.callJSON(ctx, "/vdi/deactivate", map[string]string{"dbg": dbg, "dp": dp, "sr": sr, "vdi": vdi}, nil)
}

func (s *remoteStorageAPI) VDIDetach(ctx context.Context, dbg, dp, sr, vdi string) error {
	return s.client.callJSON(ctx, "/vdi/detach", map[string]string{"dbg": dbg, "dp": dp, "sr": sr, "vdi": vdi}, nil)
}

func (s *remoteStorageAPI) VDISetContentID(ctx context.Context, sr, vdi, contentID string) error {
	return s.client.callJSON(ctx, "/vdi/set_content_id", map[string]string{"sr": sr, "vdi": vdi, "content_id": contentID}, nil)
}

func (s *remoteStorageAPI) VDISimilarContent(ctx context.Context, sr, vdi string) ([]string, error) {
	var resp []string
	err := s.client.callJSON(ctx, "/vdi/similar_content", map[string]string{"sr": sr, "vdi": vdi}, &resp)

	return resp, err
}

func (s *remoteStorageAPI) VDICompose(ctx context.Context, sr, mirrorVDI, copiedVDI string) error {
	return s.client.callJSON(ctx, "/vdi/compose", map[string]string{"sr": sr, "mirror_vdi": mirrorVDI, "copied_vdi": copiedVDI}, nil)
}

func (s *remoteStorageAPI) DPCreate(ctx context.Context, sr, vdi string) (string, error) {
	var resp struct {
		DP string `json:"dp"`
	}
	err := s.client.callJSON(ctx, "/dp/create", map[string]string{"sr": sr, "vdi": vdi}, &resp)

	return resp.DP, err
}

func (s *remoteStorageAPI) DPAttachInfo(ctx context.Context, dbg, dp, sr, vdi string) (DPAttachInfo, error) {
	var resp DPAttachInfo
	err := s.client.callJSON(ctx, "/dp/attach_info", map[string]string{"dbg": dbg, "dp": dp, "sr": sr, "vdi": vdi}, &resp)

	return resp, err
}

func (s *remoteStorageAPI) DPDestroy(ctx context.Context, dbg, dp string, allowLeak bool) error {
	return s.client.callJSON(ctx, "/dp/destroy", map[string]any{"dbg": dbg, "dp": dp, "allow_leak": allowLeak}, nil)
}

func (s *remoteStorageAPI) TapDiskStats(ctx context.Context, td TapDev) (TapDiskStats, error) {
	var resp TapDiskStats
	err := s.client.callJSON(ctx, "/tapdisk/stats", td, &resp)

	return resp, err
}
