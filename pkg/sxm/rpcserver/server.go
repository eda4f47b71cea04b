// Package rpcserver exposes the coordinator's StorageAPI and DATA.MIRROR.*
// surface over HTTP so a remote coordinator can drive them through
// pkg/sxm's RemoteClient, routed with gorilla/mux the way
// lxd-agent/operations.go routes its API surface. It also serves the NBD
// fd-handoff PUT (spec §6.2, §6.3) on its own raw listener rather than
// through the mux: mirror.go's putAndHandoff hand-writes that request with a
// non-standard Transfer-Encoding: nbd header since net/http.Client would
// silently drop it, and net/http.Server's request parser rejects any
// Transfer-Encoding value other than "chunked" outright, so the destination
// side reads the handoff request off the wire by hand too, symmetric with
// the client.
package rpcserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vatesfr/sxmd/internal/logger"
	"github.com/vatesfr/sxmd/internal/sxmerr"
	"github.com/vatesfr/sxmd/pkg/sxm"
	"github.com/vatesfr/sxmd/pkg/sxm/fdpass"
)

// localDataMirror implements sxm.DataMirror against the destination host's
// own receive engine and storage API, the counterpart of rpcclient's
// remoteDataMirror (spec §6.2 DATA.MIRROR.*).
type localDataMirror struct {
	reg     *sxm.Registry
	receive *sxm.ReceiveEngine
	local   sxm.StorageAPI
	tapctl  sxm.TapCtl
}

func (d *localDataMirror) ReceiveStart2(ctx context.Context, sr string, vdiInfo sxm.VDIInfo, id string, similars []string, vm string) (sxm.VhdMirror, error) {
	return d.receive.ReceiveStart2(ctx, sr, vdiInfo, id, similars, vm)
}

func (d *localDataMirror) ReceiveFinalize(ctx context.Context, id string) error {
	return d.receive.ReceiveFinalize(ctx, id)
}

func (d *localDataMirror) ReceiveCancel(ctx context.Context, id string) error {
	return d.receive.ReceiveCancel(ctx, id)
}

// ImportActivate locates the receive record for (sr, vdi), reads the attach
// info of its leaf data path and returns the local tap-disk's control-socket
// path — the sink
// the nbd_handler procedure hands the PUT's socket fd off to (spec §6.3).
func (d *localDataMirror) ImportActivate(ctx context.Context, dbg, sr, vdi, vm string) (string, error) {
	snap := d.reg.MapOf()

	for _, st := range snap.Recv {
		if st.SR != sr || st.LeafVDI != vdi {
			continue
		}

		info, err := d.local.DPAttachInfo(ctx, dbg, st.LeafDP, sr, vdi)
		if err != nil {
			return "", err
		}

		tapdev, err := sxm.TapDiskOfAttachInfo(info, d.tapctl)
		if err != nil {
			return "", &sxmerr.Unattached{DP: st.LeafDP}
		}

		return sxm.ControlSocketPath(tapdev.PID), nil
	}

	return "", &sxmerr.NotFound{Kind: "vdi", ID: vdi}
}

// Stop is exposed for DATA.MIRROR.stop API completeness (spec §6.2 dependency
// list); the current protocol only ever drives receive_cancel/receive_finalize
// from the source, so this is a logged no-op rather than dead weight removed
// outright.
func (d *localDataMirror) Stop(ctx context.Context, id string) error {
	logger.Info("data.mirror.stop received", logger.Ctx{"id": id})

	return nil
}

// Server is the destination-side HTTP surface: the NBD handoff PUT plus the
// StorageAPI/DataMirror JSON-RPC endpoints rpcclient.RemoteClient calls into.
type Server struct {
	router *mux.Router
	local  sxm.StorageAPI
	mirror sxm.DataMirror
}

// New wires a Server's routes. tapctl and reg are only needed to serve
// import_activate; reg and receive together back localDataMirror.
func New(reg *sxm.Registry, local sxm.StorageAPI, receive *sxm.ReceiveEngine, tapctl sxm.TapCtl) *Server {
	s := &Server{
		local:  local,
		mirror: &localDataMirror{reg: reg, receive: receive, local: local, tapctl: tapctl},
		router: mux.NewRouter(),
	}

	s.routes()

	return s
}

// ServeHTTP lets Server be mounted directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/sr/scan", s.handleSRScan).Methods(http.MethodPost)
	s.router.HandleFunc("/sr/scan2", s.handleSRScan2).Methods(http.MethodPost)
	s.router.HandleFunc("/sr/update_snapshot_info_dest", s.handleSRUpdateSnapshotInfoDest).Methods(http.MethodPost)

	s.router.HandleFunc("/vdi/create", s.handleVDICreate).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/clone", s.handleVDIClone).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/snapshot", s.handleVDISnapshot).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/destroy", s.handleVDIDestroy).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/resize", s.handleVDIResize).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/attach3", s.handleVDIAttach3).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/activate3", s.handleVDIActivate3).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/deactivate", s.handleVDIDeactivate).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/detach", s.handleVDIDetach).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/set_content_id", s.handleVDISetContentID).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/similar_content", s.handleVDISimilarContent).Methods(http.MethodPost)
	s.router.HandleFunc("/vdi/compose", s.handleVDICompose).Methods(http.MethodPost)

	s.router.HandleFunc("/dp/create", s.handleDPCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/dp/attach_info", s.handleDPAttachInfo).Methods(http.MethodPost)
	s.router.HandleFunc("/dp/destroy", s.handleDPDestroy).Methods(http.MethodPost)

	s.router.HandleFunc("/tapdisk/stats", s.handleTapDiskStats).Methods(http.MethodPost)

	s.router.HandleFunc("/data/mirror/receive_start2", s.handleReceiveStart2).Methods(http.MethodPost)
	s.router.HandleFunc("/data/mirror/receive_finalize", s.handleReceiveFinalize).Methods(http.MethodPost)
	s.router.HandleFunc("/data/mirror/receive_cancel", s.handleReceiveCancel).Methods(http.MethodPost)
	s.router.HandleFunc("/data/mirror/import_activate", s.handleImportActivate).Methods(http.MethodPost)
	s.router.HandleFunc("/data/mirror/stop", s.handleDataMirrorStop).Methods(http.MethodPost)
}

// ServeNBDHandoff accepts connections on ln and handles the NBD fd-handoff
// PUT (spec §6.3) on each one, until ln is closed. It is run on a listener
// of its own rather than mounted on the router: see the package doc comment.
func (s *Server) ServeNBDHandoff(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}

		go s.handleNBDConn(conn)
	}
}

// handleNBDConn parses the request line of a single PUT by hand (the request
// never reaches net/http's parser, which would reject its Transfer-Encoding
// header), calls DATA.MIRROR.import_activate to learn the local tap-disk's
// sink path, writes 200 OK (or 500 if import_activate failed), then hands
// the raw socket fd off to it over SCM_RIGHTS.
func (s *Server) handleNBDConn(conn net.Conn) {
	r := bufio.NewReader(conn)

	requestLine, err := r.ReadString('\n')
	if err != nil {
		logger.Error("nbd handoff: failed reading request line", logger.Ctx{"err": err})
		conn.Close()

		return
	}

	fields := strings.Fields(requestLine)
	if len(fields) < 2 || fields[0] != http.MethodPut {
		logger.Error("nbd handoff: malformed request line", logger.Ctx{"line": requestLine})
		conn.Close()

		return
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	vm, sr, vdi, dp, ok := parseNBDPath(fields[1])
	if !ok {
		logger.Error("nbd handoff: unrecognised path", logger.Ctx{"path": fields[1]})
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
		conn.Close()

		return
	}

	sinkPath, err := s.mirror.ImportActivate(context.Background(), "nbd_handler", sr, vdi, vm)
	if err != nil {
		logger.Error("nbd handoff: import_activate failed", logger.Ctx{"sr": sr, "vdi": vdi, "err": err})
		_, _ = conn.Write([]byte("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n"))
		conn.Close()

		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")); err != nil {
		logger.Error("nbd handoff: failed writing response", logger.Ctx{"err": err})
		conn.Close()

		return
	}

	raw := conn
	if tlsConn, ok := conn.(*tls.Conn); ok {
		raw = tlsConn.NetConn()
	}

	tcpConn, ok := raw.(*net.TCPConn)
	if !ok {
		logger.Error("nbd handoff: connection is not a TCP socket", logger.Ctx{"sr": sr, "vdi": vdi})
		conn.Close()

		return
	}

	f, err := tcpConn.File()
	conn.Close()

	if err != nil {
		logger.Error("nbd handoff: failed duplicating socket fd", logger.Ctx{"err": err})

		return
	}
	defer f.Close()

	if err := fdpass.SendFD(sinkPath, []byte(dp), int(f.Fd())); err != nil {
		logger.Error("nbd handoff: failed handing fd off to tap-disk", logger.Ctx{"sink": sinkPath, "err": err})
	}
}

// parseNBDPath extracts {vm}/{sr}/{vdi}/{dp} from the handoff request's
// path, unescaping each segment the way urlEscape in mirror.go encoded it.
func parseNBDPath(path string) (vm, sr, vdi, dp string, ok bool) {
	const prefix = "/services/SM/nbd/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", "", "", false
	}

	segments := strings.Split(strings.TrimPrefix(path, prefix), "/")
	if len(segments) != 4 {
		return "", "", "", "", false
	}

	unescaped := make([]string, 4)

	for i, seg := range segments {
		u, err := url.PathUnescape(seg)
		if err != nil {
			return "", "", "", "", false
		}

		unescaped[i] = u
	}

	return unescaped[0], unescaped[1], unescaped[2], unescaped[3], true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("rpcserver: failed encoding response", logger.Ctx{"err": err})
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var nf *sxmerr.NotFound

	var dne *sxmerr.DoesNotExist
	if asNotFound(err, &nf) || asDoesNotExist(err, &dne) {
		status = http.StatusNotFound
	}

	http.Error(w, err.Error(), status)
}

func asNotFound(err error, target **sxmerr.NotFound) bool {
	nf, ok := err.(*sxmerr.NotFound)
	if ok {
		*target = nf
	}

	return ok
}

func asDoesNotExist(err error, target **sxmerr.DoesNotExist) bool {
	dne, ok := err.(*sxmerr.DoesNotExist)
	if ok {
		*target = dne
	}

	return ok
}

func (s *Server) handleSRScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SR string `json:"sr"`
	}

	if !decode(w, r, &req) {
		return
	}

	vdis, err := s.local.SRScan(r.Context(), req.SR)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, vdis)
}

func (s *Server) handleSRScan2(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SR string `json:"sr"`
	}

	if !decode(w, r, &req) {
		return
	}

	vdis, err := s.local.SRScan2(r.Context(), req.SR)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, vdis)
}

func (s *Server) handleSRUpdateSnapshotInfoDest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SR   string                 `json:"sr"`
		Info map[string]sxm.VDIInfo `json:"info"`
	}

	if !decode(w, r, &req) {
		return
	}

	if err := s.local.SRUpdateSnapshotInfoDest(r.Context(), req.SR, req.Info); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleVDICreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SR   string      `json:"sr"`
		Like sxm.VDIInfo `json:"like"`
	}

	if !decode(w, r, &req) {
		return
	}

	vdi, err := s.local.VDICreate(r.Context(), req.SR, req.Like)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, vdi)
}

func (s *Server) handleVDIClone(w http.ResponseWriter, r *http.Request) {
	var req struct{ SR, VDI string }
	if !decode(w, r, &req) {
		return
	}

	vdi, err := s.local.VDIClone(r.Context(), req.SR, req.VDI)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, vdi)
}

func (s *Server) handleVDISnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SR       string            `json:"sr"`
		VDI      string            `json:"vdi"`
		SmConfig map[string]string `json:"sm_config"`
	}

	if !decode(w, r, &req) {
		return
	}

	vdi, err := s.local.VDISnapshot(r.Context(), req.SR, req.VDI, req.SmConfig)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, vdi)
}

func (s *Server) handleVDIDestroy(w http.ResponseWriter, r *http.Request) {
	var req struct{ SR, VDI string }
	if !decode(w, r, &req) {
		return
	}

	if err := s.local.VDIDestroy(r.Context(), req.SR, req.VDI); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleVDIResize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SR      string `json:"sr"`
		VDI     string `json:"vdi"`
		NewSize int64  `json:"new_size"`
	}

	if !decode(w, r, &req) {
		return
	}

	if err := s.local.VDIResize(r.Context(), req.SR, req.VDI, req.NewSize); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleVDIAttach3(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Dbg, DP, SR, VDI, VM string
		RW                   bool
	}

	if !decode(w, r, &req) {
		return
	}

	info, err := s.local.VDIAttach3(r.Context(), req.Dbg, req.DP, req.SR, req.VDI, req.VM, req.RW)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, info)
}

func (s *Server) handleVDIActivate3(w http.ResponseWriter, r *http.Request) {
	var req struct{ Dbg, DP, SR, VDI, VM string }
	if !decode(w, r, &req) {
		return
	}

	if err := s.local.VDIActivate3(r.Context(), req.Dbg, req.DP, req.SR, req.VDI, req.VM); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleVDIDeactivate(w http.ResponseWriter, r *http.Request) {
	var req struct{ Dbg, DP, SR, VDI string }
	if !decode(w, r, &req) {
		return
	}

	if err := s.local.VDIDeactivate(r.Context(), req.Dbg, req.DP, req.SR, req.VDI); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleVDIDetach(w http.ResponseWriter, r *http.Request) {
	var req struct{ Dbg, DP, SR, VDI string }
	if !decode(w, r, &req) {
		return
	}

	if err := s.local.VDIDetach(r.Context(), req.Dbg, req.DP, req.SR, req.VDI); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleVDISetContentID(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SR        string `json:"sr"`
		VDI       string `json:"vdi"`
		ContentID string `json:"content_id"`
	}

	if !decode(w, r, &req) {
		return
	}

	if err := s.local.VDISetContentID(r.Context(), req.SR, req.VDI, req.ContentID); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleVDISimilarContent(w http.ResponseWriter, r *http.Request) {
	var req struct{ SR, VDI string }
	if !decode(w, r, &req) {
		return
	}

	similars, err := s.local.VDISimilarContent(r.Context(), req.SR, req.VDI)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, similars)
}

func (s *Server) handleVDICompose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SR        string `json:"sr"`
		MirrorVDI string `json:"mirror_vdi"`
		CopiedVDI string `json:"copied_vdi"`
	}

	if !decode(w, r, &req) {
		return
	}

	if err := s.local.VDICompose(r.Context(), req.SR, req.MirrorVDI, req.CopiedVDI); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleDPCreate(w http.ResponseWriter, r *http.Request) {
	var req struct{ SR, VDI string }
	if !decode(w, r, &req) {
		return
	}

	dp, err := s.local.DPCreate(r.Context(), req.SR, req.VDI)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct {
		DP string `json:"dp"`
	}{DP: dp})
}

func (s *Server) handleDPAttachInfo(w http.ResponseWriter, r *http.Request) {
	var req struct{ Dbg, DP, SR, VDI string }
	if !decode(w, r, &req) {
		return
	}

	info, err := s.local.DPAttachInfo(r.Context(), req.Dbg, req.DP, req.SR, req.VDI)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, info)
}

func (s *Server) handleDPDestroy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Dbg, DP   string
		AllowLeak bool `json:"allow_leak"`
	}

	if !decode(w, r, &req) {
		return
	}

	if err := s.local.DPDestroy(r.Context(), req.Dbg, req.DP, req.AllowLeak); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleTapDiskStats(w http.ResponseWriter, r *http.Request) {
	var td sxm.TapDev
	if !decode(w, r, &td) {
		return
	}

	stats, err := s.local.TapDiskStats(r.Context(), td)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, stats)
}

func (s *Server) handleReceiveStart2(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SR       string      `json:"sr"`
		VDIInfo  sxm.VDIInfo `json:"vdi_info"`
		ID       string      `json:"id"`
		Similars []string    `json:"similars"`
		VM       string      `json:"vm"`
	}

	if !decode(w, r, &req) {
		return
	}

	vhd, err := s.mirror.ReceiveStart2(r.Context(), req.SR, req.VDIInfo, req.ID, req.Similars, req.VM)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, vhd)
}

func (s *Server) handleReceiveFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}

	if !decode(w, r, &req) {
		return
	}

	if err := s.mirror.ReceiveFinalize(r.Context(), req.ID); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleReceiveCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}

	if !decode(w, r, &req) {
		return
	}

	if err := s.mirror.ReceiveCancel(r.Context(), req.ID); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func (s *Server) handleImportActivate(w http.ResponseWriter, r *http.Request) {
	var req struct{ Dbg, SR, VDI, VM string }
	if !decode(w, r, &req) {
		return
	}

	path, err := s.mirror.ImportActivate(r.Context(), req.Dbg, req.SR, req.VDI, req.VM)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct {
		SinkPath string `json:"sink_path"`
	}{SinkPath: path})
}

func (s *Server) handleDataMirrorStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}

	if !decode(w, r, &req) {
		return
	}

	if err := s.mirror.Stop(r.Context(), req.ID); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, struct{}{})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)

		return false
	}

	return true
}
