package rpcserver_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatesfr/sxmd/pkg/sxm"
	"github.com/vatesfr/sxmd/pkg/sxm/rpcserver"
)

// fakeBackend is a minimal sxm.StorageAPI double scoped to this test file.
type fakeBackend struct {
	vdis map[string]map[string]sxm.VDIInfo
}

func newFakeBackend() *fakeBackend { return &fakeBackend{vdis: map[string]map[string]sxm.VDIInfo{}} }

func (f *fakeBackend) SRScan(_ context.Context, sr string) ([]sxm.VDIInfo, error) {
	out := make([]sxm.VDIInfo, 0, len(f.vdis[sr]))
	for _, v := range f.vdis[sr] {
		out = append(out, v)
	}

	return out, nil
}

func (f *fakeBackend) SRScan2(ctx context.Context, sr string) ([]sxm.VDIInfo, error) { return f.SRScan(ctx, sr) }
func (f *fakeBackend) SRUpdateSnapshotInfoDest(context.Context, string, map[string]sxm.VDIInfo) error {
	return nil
}

func (f *fakeBackend) VDICreate(_ context.Context, sr string, like sxm.VDIInfo) (sxm.VDIInfo, error) {
	return like, nil
}

func (f *fakeBackend) VDIClone(context.Context, string, string) (sxm.VDIInfo, error) {
	return sxm.VDIInfo{}, nil
}
func (f *fakeBackend) VDISnapshot(context.Context, string, string, map[string]string) (sxm.VDIInfo, error) {
	return sxm.VDIInfo{}, nil
}
func (f *fakeBackend) VDIDestroy(context.Context, string, string) error { return nil }
func (f *fakeBackend) VDIResize(context.Context, string, string, int64) error { return nil }
func (f *fakeBackend) VDIAttach3(context.Context, string, string, string, string, string, bool) (sxm.DPAttachInfo, error) {
	return sxm.DPAttachInfo{Path: "/fake/leaf"}, nil
}
func (f *fakeBackend) VDIActivate3(context.Context, string, string, string, string, string) error { return nil }
func (f *fakeBackend) VDIDeactivate(context.Context, string, string, string, string) error         { return nil }
func (f *fakeBackend) VDIDetach(context.Context, string, string, string, string) error             { return nil }
func (f *fakeBackend) VDISetContentID(context.Context, string, string, string) error                { return nil }
func (f *fakeBackend) VDISimilarContent(context.Context, string, string) ([]string, error)          { return nil, nil }
func (f *fakeBackend) VDICompose(context.Context, string, string, string) error                     { return nil }
func (f *fakeBackend) DPCreate(context.Context, string, string) (string, error)                     { return "dp0", nil }

func (f *fakeBackend) DPAttachInfo(_ context.Context, _, dp, sr, vdi string) (sxm.DPAttachInfo, error) {
	// An NBD-URI backend is the one shape TapDiskOfAttachInfo can resolve
	// without a real tapctl collaborator (it parses the export basename
	// itself), which is all this test needs from attach_info.
	return sxm.DPAttachInfo{NBDURI: "nbd+unix:///nbd42.1?socket=/tmp/" + dp + ".sock"}, nil
}

func (f *fakeBackend) DPDestroy(context.Context, string, string, bool) error { return nil }
func (f *fakeBackend) TapDiskStats(context.Context, sxm.TapDev) (sxm.TapDiskStats, error) {
	return sxm.TapDiskStats{}, nil
}

func TestSRScanRoundTripsOverJSON(t *testing.T) {
	backend := newFakeBackend()
	backend.vdis["sr1"] = map[string]sxm.VDIInfo{"v1": {UUID: "v1", SR: "sr1", VirtualSize: 42}}

	reg := sxm.NewRegistry(t.TempDir())
	receive := sxm.NewReceiveEngine(reg, backend)
	srv := httptest.NewServer(rpcserver.New(reg, backend, receive, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sr/scan", "application/json", strings.NewReader(`{"sr":"sr1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var vdis []sxm.VDIInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vdis))
	require.Len(t, vdis, 1)
	require.Equal(t, int64(42), vdis[0].VirtualSize)
}

func TestSRScanUnknownSRReturnsEmptyList(t *testing.T) {
	backend := newFakeBackend()
	reg := sxm.NewRegistry(t.TempDir())
	receive := sxm.NewReceiveEngine(reg, backend)
	srv := httptest.NewServer(rpcserver.New(reg, backend, receive, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sr/scan", "application/json", strings.NewReader(`{"sr":"missing"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var vdis []sxm.VDIInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vdis))
	require.Empty(t, vdis)
}

// TestNBDHandoffOverRawListener sends the handoff PUT over a plain TCP
// connection to the raw listener (which reads it off the wire by hand rather
// than through net/http.Server — see server.go's package doc), and checks
// the handshake completes with 200 OK once import_activate resolves.
// http.Request.Write leaves the Transfer-Encoding: nbd header off the wire;
// the listener does not inspect headers, so the handshake is unaffected. The final SCM_RIGHTS handoff onto the real
// tap-disk control socket is exercised separately in fdpass's own tests,
// since ControlSocketPath names a fixed host path this test doesn't own.
func TestNBDHandoffOverRawListener(t *testing.T) {
	backend := newFakeBackend()

	reg := sxm.NewRegistry(t.TempDir())
	reg.AddReceive("sr1/leaf1", &sxm.ReceiveState{SR: "sr1", LeafVDI: "leaf1", LeafDP: "dp0"})

	receive := sxm.NewReceiveEngine(reg, backend)
	srv := rpcserver.New(reg, backend, receive, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() { _ = srv.ServeNBDHandoff(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodPut, "http://"+ln.Addr().String()+"/services/SM/nbd/vm1/sr1/leaf1/dp0", nil)
	require.NoError(t, err)
	req.Header.Set("Transfer-Encoding", "nbd")
	require.NoError(t, req.Write(conn))

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestNBDHandoffUnknownVDIReturns500 checks the raw listener reports
// import_activate failures with a status line rather than just dropping
// the connection.
func TestNBDHandoffUnknownVDIReturns500(t *testing.T) {
	backend := newFakeBackend()
	reg := sxm.NewRegistry(t.TempDir())
	receive := sxm.NewReceiveEngine(reg, backend)
	srv := rpcserver.New(reg, backend, receive, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() { _ = srv.ServeNBDHandoff(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodPut, "http://"+ln.Addr().String()+"/services/SM/nbd/vm1/sr1/missing/dp0", nil)
	require.NoError(t, err)
	req.Header.Set("Transfer-Encoding", "nbd")
	require.NoError(t, req.Write(conn))

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestImportActivateUnknownVDIIsNotFound(t *testing.T) {
	backend := newFakeBackend()
	reg := sxm.NewRegistry(t.TempDir())
	receive := sxm.NewReceiveEngine(reg, backend)
	srv := httptest.NewServer(rpcserver.New(reg, backend, receive, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/data/mirror/import_activate", "application/json",
		strings.NewReader(`{"dbg":"d","sr":"sr1","vdi":"missing","vm":"vm1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
