package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tinode/gatesess/session"
)

// wsDeviceSession is a demonstration DeviceSession adapter over a
// gorilla/websocket connection, grounded on the Session type (server/
// session.go) in github.com/tinode/chat: a ws *websocket.Conn plus a
// liveness flag flipped by the read pump. It is not part of the tested
// session-manager surface -- it exists to show a host application how to
// plug a real transport into session.Manager.
type wsDeviceSession struct {
	id    string
	conn  *websocket.Conn
	addr  string
	alive atomic.Bool
}

func newWSDeviceSession(id string, conn *websocket.Conn) *wsDeviceSession {
	s := &wsDeviceSession{id: id, conn: conn, addr: conn.RemoteAddr().String()}
	s.alive.Store(true)
	go s.readPump()
	return s
}

func (s *wsDeviceSession) readPump() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.alive.Store(false)
			return
		}
	}
}

func (s *wsDeviceSession) DeviceID() string { return s.id }

func (s *wsDeviceSession) IsAliveAsync(context.Context) (bool, error) {
	return s.alive.Load(), nil
}

func (s *wsDeviceSession) Close() error {
	s.alive.Store(false)
	return s.conn.Close()
}

func (s *wsDeviceSession) ClientAddress() (string, bool) { return s.addr, true }

func (s *wsDeviceSession) Operator() (session.DeviceOperator, bool) {
	return session.LoggingOperator{DeviceID: s.id}, true
}

func (s *wsDeviceSession) IsChanged(other session.DeviceSession) bool {
	o, ok := other.(*wsDeviceSession)
	return !ok || o.addr != s.addr
}

func (s *wsDeviceSession) IsWrapFrom(string) bool       { return false }
func (s *wsDeviceSession) Unwrap(string) (string, bool) { return "", false }

func newDemoDeviceCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "demo-device",
		Short: "Run a standalone WebSocket device endpoint against an in-process Manager (for local testing only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemoDevice(listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8090", "address to listen on")
	return cmd
}

func runDemoDevice(listen string) error {
	log := logrus.StandardLogger()

	mgr := session.NewManager(session.Config{
		SessionLoadTimeout:   5 * time.Second,
		SessionCheckInterval: 10 * time.Second,
		CurrentServerID:      "demo",
	}, &demoContract{}, session.WithLogger(log))
	if err := mgr.Init(); err != nil {
		return err
	}
	defer mgr.Shutdown()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/device/", func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Path[len("/device/"):]
		if deviceID == "" {
			http.Error(w, "missing device id", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("demo-device: upgrade failed")
			return
		}

		_, err = mgr.Compute(r.Context(), deviceID, func(context.Context) (session.DeviceSession, error) {
			return newWSDeviceSession(deviceID, conn), nil
		}, func(context.Context, session.DeviceSession) (session.DeviceSession, error) {
			return newWSDeviceSession(deviceID, conn), nil
		})
		if err != nil {
			log.WithError(err).WithField("device", deviceID).Warn("demo-device: register failed")
			_ = conn.Close()
		}
	})

	log.WithField("addr", listen).Info("demo-device: listening")
	return http.ListenAndServe(listen, mux)
}

// demoContract is a single-node ClusterContract stub: there is no cluster
// in the demo, so every remote query reports "unknown" rather than dialing
// anything.
type demoContract struct{}

func (demoContract) RemoteSessionIsAlive(context.Context, string) (bool, error)      { return false, nil }
func (demoContract) CheckRemoteSessionIsAlive(context.Context, string) (bool, error) { return false, nil }
func (demoContract) RemoveRemoteSession(context.Context, string) (int, error)        { return 0, nil }
func (demoContract) RemoteTotalSessions(context.Context) (int64, error)              { return 0, nil }
func (demoContract) RemoteSessions(context.Context, string) (<-chan session.RemoteSessionInfo, error) {
	ch := make(chan session.RemoteSessionInfo)
	close(ch)
	return ch, nil
}
func (demoContract) InitSessionConnection(context.Context, session.DeviceSession) (bool, error) {
	return false, nil
}
func (demoContract) CurrentServerID() string { return "demo" }
