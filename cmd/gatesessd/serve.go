package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tinode/gatesess/cluster"
	"github.com/tinode/gatesess/config"
	"github.com/tinode/gatesess/session"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a gatesessd node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "gatesessd.json", "path to the configuration file")
	return cmd
}

func runServe(configPath string) error {
	log := logrus.StandardLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	contract := cluster.NewContract(cfg.Cluster.ThisName, nil, log)
	var clusterContract session.ClusterContract = contract
	if cfg.Redis != nil {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		clusterContract = cluster.NewCachedAlive(contract, rdb, cfg.Redis.TTL)
		log.WithField("addr", cfg.Redis.Addr).Info("gatesessd: redis alive-cache enabled")
	}
	mgr := session.NewManager(cfg.SessionConfig(), clusterContract, session.WithLogger(log))

	querier := &managerQuerier{mgr: mgr}
	contract.SetLocal(querier)

	for _, n := range cfg.Cluster.Nodes {
		if n.Name == cfg.Cluster.ThisName {
			continue
		}
		contract.AddNode(n.Name, n.Addr)
	}

	if err := mgr.Init(); err != nil {
		return err
	}

	rpcListener, err := startRPCServer(cfg.Listen, querier, log)
	if err != nil {
		return err
	}

	adminServer := startAdminServer(cfg.Admin, mgr, log)

	stop := signalHandler(log)
	<-stop

	log.Info("gatesessd: shutting down")
	_ = rpcListener.Close()
	_ = adminServer.Close()
	_ = contract.Close()
	return mgr.Shutdown()
}

// managerQuerier adapts a *session.Manager to cluster.LocalQuerier: every
// call forces onlyLocal so the cluster RPC surface never recurses back out
// to other peers.
type managerQuerier struct {
	mgr *session.Manager
}

func (q *managerQuerier) LocalIsAlive(deviceID string) bool {
	alive, _ := q.mgr.IsAlive(context.Background(), deviceID, true)
	return alive
}

func (q *managerQuerier) LocalRemove(ctx context.Context, deviceID string) bool {
	n, _ := q.mgr.Remove(ctx, deviceID, true)
	return n > 0
}

func (q *managerQuerier) LocalTotal() int64 {
	n, _ := q.mgr.TotalSessions(context.Background(), true)
	return n
}

func (q *managerQuerier) LocalSessions(string) []session.RemoteSessionInfo {
	sessions := q.mgr.GetSessions()
	out := make([]session.RemoteSessionInfo, 0, len(sessions))
	for _, s := range sessions {
		addr, _ := s.ClientAddress()
		out = append(out, session.RemoteSessionInfo{
			DeviceID: s.DeviceID(),
			ServerID: q.mgr.CurrentServerID(),
			Address:  addr,
		})
	}
	return out
}

func startRPCServer(addr string, querier cluster.LocalQuerier, log logrus.FieldLogger) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("Contract", cluster.NewService(querier)); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go server.ServeConn(conn)
		}
	}()
	log.WithField("addr", addr).Info("gatesessd: cluster RPC listening")
	return ln, nil
}

func startAdminServer(addr string, mgr *session.Manager, log logrus.FieldLogger) *http.Server {
	prometheus.MustRegister(version.NewCollector("gatesessd"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		onlyLocal := r.URL.Query().Get("local") == "true"
		total, err := mgr.TotalSessions(ctx, onlyLocal)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"server":         mgr.CurrentServerID(),
			"local_sessions": mgr.GetSessions(),
			"total_sessions": total,
		})
	})
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		deviceID := strings.TrimPrefix(r.URL.Path, "/sessions/")
		if deviceID == "" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		s, err := mgr.GetSession(ctx, deviceID, false)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if s == nil {
			http.NotFound(w, r)
			return
		}
		addr, _ := s.ClientAddress()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"device_id": s.DeviceID(),
			"server":    mgr.CurrentServerID(),
			"addr":      addr,
		})
	})

	server := &http.Server{
		Addr:    addr,
		Handler: handlers.LoggingHandler(os.Stdout, mux),
	}
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		go server.Serve(ln)
		log.WithField("addr", addr).Info("gatesessd: admin HTTP listening")
	} else {
		log.WithError(err).Warn("gatesessd: admin HTTP disabled")
	}
	return server
}

// signalHandler is grounded on signalHandler (server/shutdown.go) in
// github.com/tinode/chat: one buffered channel, fired by the first of
// SIGINT/SIGTERM/SIGHUP, regardless of which.
func signalHandler(log logrus.FieldLogger) <-chan struct{} {
	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("gatesessd: signal received")
		close(stop)
	}()
	return stop
}
