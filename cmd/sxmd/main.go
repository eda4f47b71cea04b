// Command sxmd is the storage-migration coordinator's daemon harness: it
// wires the registry, engines and RPC server together and serves both the
// DATA.MIRROR./SR./VDI./DP. remote surface and an admin API for the five
// public verbs, the way lxd-migrate's main.go wires a cmdGlobal around a
// single cobra root command.
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vatesfr/sxmd/internal/demobackend"
	"github.com/vatesfr/sxmd/internal/logger"
	"github.com/vatesfr/sxmd/pkg/sxm"
	"github.com/vatesfr/sxmd/pkg/sxm/rpcserver"
	"github.com/vatesfr/sxmd/pkg/sxm/updates"
)

type cmdGlobal struct {
	flagConfig string
	flagDebug  bool
}

func main() {
	global := &cmdGlobal{}

	root := &cobra.Command{
		Use:           "sxmd",
		Short:         "Storage migration coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&global.flagConfig, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&global.flagDebug, "debug", false, "enable debug logging")

	root.AddCommand((&cmdServe{global: global}).command())
	root.AddCommand((&cmdKillall{global: global}).command())

	if err := root.Execute(); err != nil {
		logger.Error("sxmd exiting", logger.Ctx{"err": err})
		os.Exit(1)
	}
}

func (g *cmdGlobal) load() (config, error) {
	if g.flagDebug {
		logger.SetLevel(logrus.DebugLevel)
	}

	return loadConfig(g.flagConfig)
}

type cmdServe struct {
	global *cmdGlobal

	flagPersistRoot        string
	flagListen             string
	flagInsecureSkipVerify bool
}

func (c *cmdServe) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator daemon",
		RunE:  c.run,
	}

	cmd.Flags().StringVar(&c.flagPersistRoot, "persist-root", "", "override the registry's persistence directory")
	cmd.Flags().StringVar(&c.flagListen, "listen", "", "override the HTTP listen address")
	cmd.Flags().BoolVar(&c.flagInsecureSkipVerify, "insecure-skip-verify", false, "default verify_dest to false for outbound remote calls")

	return cmd
}

func (c *cmdServe) run(cmd *cobra.Command, _ []string) error {
	cfg, err := c.global.load()
	if err != nil {
		return err
	}

	if c.flagPersistRoot != "" {
		cfg.PersistRoot = c.flagPersistRoot
	}

	if c.flagListen != "" {
		cfg.Listen = c.flagListen
	}

	if c.flagInsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}

	if cfg.RemoteTimeout > 0 {
		sxm.DefaultRemoteTimeout = time.Duration(cfg.RemoteTimeout)
	}

	reg := sxm.NewRegistry(cfg.PersistRoot)
	backend := demobackend.New()
	scheduler := sxm.NewScheduler()
	bus := updates.NewBus()

	copyEngine := sxm.NewCopyEngine(reg, backend, backend, backend)
	receiveEngine := sxm.NewReceiveEngine(reg, backend)
	mirrorEngine := sxm.NewMirrorEngine(reg, backend, copyEngine, receiveEngine, backend, scheduler, bus)
	facade := sxm.NewFacade(reg, mirrorEngine, copyEngine, backend)

	rpc := rpcserver.New(reg, backend, receiveEngine, backend)

	nbdListen := cfg.NBDHandoffListen
	if nbdListen == "" {
		nbdListen = ":8444"
	}

	nbdListener, err := net.Listen("tcp", nbdListen)
	if err != nil {
		return err
	}
	defer nbdListener.Close()

	go func() {
		if err := rpc.ServeNBDHandoff(nbdListener); err != nil {
			logger.Warn("nbd handoff listener closed", logger.Ctx{"err": err})
		}
	}()

	router := mux.NewRouter()
	router.PathPrefix("/data/mirror/").Handler(rpc)
	router.PathPrefix("/sr/").Handler(rpc)
	router.PathPrefix("/vdi/").Handler(rpc)
	router.PathPrefix("/dp/").Handler(rpc)
	router.PathPrefix("/tapdisk/").Handler(rpc)
	router.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if err := bus.ServeWebsocket(w, r); err != nil {
			logger.Warn("events websocket closed", logger.Ctx{"err": err})
		}
	})
	mountAdminRoutes(router, facade)

	logger.Info("sxmd serving", logger.Ctx{"listen": cfg.Listen, "persist_root": cfg.PersistRoot})

	srv := &http.Server{Addr: cfg.Listen, Handler: router}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}

		return nil
	case <-ctx.Done():
		logger.Info("sxmd shutting down", logger.Ctx{})
		mirrorEngine.Killall(context.Background())

		return srv.Shutdown(context.Background())
	}
}

// mountAdminRoutes exposes the five public verbs (start, stop, copy, stat,
// list) as a thin JSON API over the façade (spec §6.5). This surface is
// local operator tooling, not part of the remote coordinator protocol.
func mountAdminRoutes(router *mux.Router, facade *sxm.Facade) {
	router.HandleFunc("/admin/start", func(w http.ResponseWriter, r *http.Request) {
		var args sxm.StartArgs
		if !decodeJSON(w, r, &args) {
			return
		}

		id, err := facade.Start(r.Context(), args)
		respondTask(w, id, err)
	}).Methods(http.MethodPost)

	router.HandleFunc("/admin/copy", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SR, VDI, VM, URL, DestSR string
			VerifyDest               bool
		}

		if !decodeJSON(w, r, &req) {
			return
		}

		id, err := facade.Copy(r.Context(), req.SR, req.VDI, req.VM, req.URL, req.DestSR, req.VerifyDest)
		respondTask(w, id, err)
	}).Methods(http.MethodPost)

	router.HandleFunc("/admin/stop/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := facade.Stop(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		_ = json.NewEncoder(w).Encode(struct{}{})
	}).Methods(http.MethodPost)

	router.HandleFunc("/admin/stat/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		stat, err := facade.Stat(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)

			return
		}

		_ = json.NewEncoder(w).Encode(stat)
	}).Methods(http.MethodGet)

	router.HandleFunc("/admin/list", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(facade.List())
	}).Methods(http.MethodGet)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)

		return false
	}

	return true
}

func respondTask(w http.ResponseWriter, id string, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	_ = json.NewEncoder(w).Encode(struct {
		TaskID string `json:"task_id"`
	}{TaskID: id})
}

type cmdKillall struct {
	global *cmdGlobal

	flagPersistRoot string
}

func (c *cmdKillall) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killall",
		Short: "Tear down every tracked operation and clear the registry",
		RunE:  c.run,
	}

	cmd.Flags().StringVar(&c.flagPersistRoot, "persist-root", "", "override the registry's persistence directory")

	return cmd
}

func (c *cmdKillall) run(cmd *cobra.Command, _ []string) error {
	cfg, err := c.global.load()
	if err != nil {
		return err
	}

	if c.flagPersistRoot != "" {
		cfg.PersistRoot = c.flagPersistRoot
	}

	reg := sxm.NewRegistry(cfg.PersistRoot)
	backend := demobackend.New()
	scheduler := sxm.NewScheduler()
	bus := updates.NewBus()

	copyEngine := sxm.NewCopyEngine(reg, backend, backend, backend)
	receiveEngine := sxm.NewReceiveEngine(reg, backend)
	mirrorEngine := sxm.NewMirrorEngine(reg, backend, copyEngine, receiveEngine, backend, scheduler, bus)

	mirrorEngine.Killall(cmd.Context())

	return nil
}
