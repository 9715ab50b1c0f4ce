// Package session implements a distributed device session manager: a
// per-node registry of live device connections (the Local Registry) backed
// by single-flight, replaceable load cells (Session Ref), a periodic
// liveness sweeper, and an event bus that isolates register/unregister
// handler failures from the Ref lifecycle that raised them.
//
// The package never dials a device, never speaks a wire protocol and never
// persists anything itself: DeviceSession, DeviceOperator and
// ClusterContract are the three collaborator seams a host application
// plugs in.
package session

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ComputeHook lets a caller observe and optionally substitute the session
// produced by a replace-in-place compute, after the write-through to the
// device operator has already run. Returning new unchanged is the default
// behavior if no hook is installed.
type ComputeHook func(old, new DeviceSession) DeviceSession

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithComputeHook installs a ComputeHook.
func WithComputeHook(hook ComputeHook) Option {
	return func(m *Manager) { m.computeHook = hook }
}

// WithLogger overrides the default logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager is the public surface of the distributed device session manager:
// registry, load cells, sweeper and event bus assembled together. It is
// safe for concurrent use by any number of goroutines.
type Manager struct {
	cfg     Config
	cluster ClusterContract

	registry *Registry
	eventBus *EventBus
	sweeper  *sweeper

	computeHook ComputeHook
	log         logrus.FieldLogger
}

// NewManager builds a Manager bound to cluster. Call Init to start the
// liveness sweeper and Shutdown to stop it.
func NewManager(cfg Config, cluster ClusterContract, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		cluster: cluster,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.registry = newRegistry(m)
	m.eventBus = newEventBus(m.log)
	m.sweeper = newSweeper(m, m.cfg.SessionCheckInterval)
	return m
}

// Init starts the background liveness sweeper. Safe to call more than
// once; subsequent calls are no-ops while already running.
func (m *Manager) Init() error {
	m.sweeper.start()
	return nil
}

// Shutdown stops the liveness sweeper and waits for it to exit.
func (m *Manager) Shutdown() error {
	m.sweeper.stop()
	return nil
}

// Compute is the conditional compute(deviceId, creator?, updater?) entry
// point. Exactly one of creator/updater may be relevant per call depending on
// whether a Ref already exists for deviceID; pass nil for the one that
// doesn't apply. If a Ref exists and updater is nil, the registry is left
// untouched and the Ref's current session is returned; if no Ref exists and
// creator is nil, the result is the empty value (nil, nil).
func (m *Manager) Compute(ctx context.Context, deviceID string, creator Producer, updater Updater) (DeviceSession, error) {
	return m.registry.compute(ctx, deviceID, creator, updater)
}

// ComputeWith is the unconditional compute(deviceId, computer) form: it
// always installs or replaces, never leaves the registry untouched.
func (m *Manager) ComputeWith(ctx context.Context, deviceID string, computer Updater) (DeviceSession, error) {
	return m.registry.computeWith(ctx, deviceID, computer)
}

// GetSession returns the current session for deviceID, or (nil, nil) if
// none is registered. If unregisterWhenNotAlive is true and the session
// fails its liveness probe, it is evicted (with the full unregister
// write-through) and GetSession reports empty rather than the dead session.
func (m *Manager) GetSession(ctx context.Context, deviceID string, unregisterWhenNotAlive bool) (DeviceSession, error) {
	rf := m.registry.get(deviceID)
	if rf == nil {
		return nil, nil
	}
	s, err := rf.subscribe(ctx)
	if err != nil || s == nil {
		return nil, err
	}
	if !unregisterWhenNotAlive {
		return s, nil
	}
	alive, err := s.IsAliveAsync(ctx)
	if err != nil {
		// A failed probe is not proof of death: fail open and hand back the
		// session rather than evicting on a transient error.
		m.log.WithError(err).WithField("device", deviceID).Warn("liveness probe errored, treating as alive")
		return s, nil
	}
	if !alive {
		_, _ = rf.evict(ctx, s)
		return nil, nil
	}
	return s, nil
}

// GetSessions returns every session currently held by the Local Registry.
// It is a point-in-time snapshot, not a live view.
func (m *Manager) GetSessions() []DeviceSession {
	var out []DeviceSession
	m.registry.rangeRefs(func(_ string, rf *ref) bool {
		if s := rf.snapshotLoaded(); s != nil {
			out = append(out, s)
		}
		return true
	})
	return out
}

// Remove evicts deviceID's Ref locally and, unless onlyLocal is set, asks
// the cluster to remove it everywhere else too. It returns the total number
// of sessions removed: the local one, if any, plus however many remote nodes
// held one.
func (m *Manager) Remove(ctx context.Context, deviceID string, onlyLocal bool) (int, error) {
	count := 0
	if rf := m.registry.get(deviceID); rf != nil {
		if ok, _ := rf.evict(ctx, nil); ok {
			count++
		}
	}
	if onlyLocal {
		return count, nil
	}
	removed, err := m.cluster.RemoveRemoteSession(ctx, deviceID)
	if err != nil {
		// Remove is the one authoritative, mutating cluster call: its
		// failure is surfaced rather than swallowed.
		return count, newError(ErrRemoteUnavailable, deviceID, err)
	}
	return count + removed, nil
}

// IsAlive is the cheap existence query: local presence short-circuits true;
// otherwise, unless onlyLocal, it falls back to the cluster's
// cache/gossip-backed RemoteSessionIsAlive.
func (m *Manager) IsAlive(ctx context.Context, deviceID string, onlyLocal bool) (bool, error) {
	if m.registry.contains(deviceID) {
		return true, nil
	}
	if onlyLocal {
		return false, nil
	}
	alive, err := m.cluster.RemoteSessionIsAlive(ctx, deviceID)
	if err != nil {
		return false, nil
	}
	return alive, nil
}

// CheckAlive is the authoritative liveness probe: it re-verifies a local
// session via its operator write-through before trusting presence, and
// falls back to the cluster's authoritative CheckRemoteSessionIsAlive.
func (m *Manager) CheckAlive(ctx context.Context, deviceID string, onlyLocal bool) (bool, error) {
	if rf := m.registry.get(deviceID); rf != nil {
		if s, err := rf.subscribe(ctx); err == nil && s != nil {
			op, ok := s.Operator()
			if !ok {
				return true, nil
			}
			addr, _ := s.ClientAddress()
			if err := op.Online(ctx, m.cluster.CurrentServerID(), s.DeviceID(), addr); err == nil {
				return true, nil
			}
		}
	}
	if onlyLocal {
		return false, nil
	}
	alive, err := m.cluster.CheckRemoteSessionIsAlive(ctx, deviceID)
	if err != nil {
		return false, nil
	}
	return alive, nil
}

// TotalSessions returns the local session count, plus the cluster-wide
// remote count unless onlyLocal is set.
func (m *Manager) TotalSessions(ctx context.Context, onlyLocal bool) (int64, error) {
	local := int64(m.registry.len())
	if onlyLocal {
		return local, nil
	}
	remote, err := m.cluster.RemoteTotalSessions(ctx)
	if err != nil {
		return local, nil
	}
	return local + remote, nil
}

// SessionInfo streams RemoteSessionInfo for every locally-held session,
// followed by every session the cluster reports for serverID (or for every
// remote server, if serverID is empty). The channel is closed when
// exhausted or when ctx is done.
func (m *Manager) SessionInfo(ctx context.Context, serverID string) (<-chan RemoteSessionInfo, error) {
	out := make(chan RemoteSessionInfo)
	go func() {
		defer close(out)

		local := m.CurrentServerID()
		stop := false
		m.registry.rangeRefs(func(deviceID string, rf *ref) bool {
			s := rf.snapshotLoaded()
			if s == nil {
				return true
			}
			addr, _ := s.ClientAddress()
			select {
			case out <- RemoteSessionInfo{DeviceID: deviceID, ServerID: local, Address: addr}:
			case <-ctx.Done():
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}

		remoteCh, err := m.cluster.RemoteSessions(ctx, serverID)
		if err != nil {
			return
		}
		for info := range remoteCh {
			select {
			case out <- info:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// CurrentServerID returns this node's stable identity.
func (m *Manager) CurrentServerID() string {
	if m.cfg.CurrentServerID != "" {
		return m.cfg.CurrentServerID
	}
	return m.cluster.CurrentServerID()
}

// ListenEvent subscribes fn to every future register/unregister Event and
// returns a Disposable that cancels the subscription.
func (m *Manager) ListenEvent(fn EventHandler) Disposable {
	return m.eventBus.Listen(fn)
}

// doRegister is the write-through on register: online the device,
// then fire EventRegister with the best-effort cluster existence hint.
func (m *Manager) doRegister(ctx context.Context, s DeviceSession, op DeviceOperator) error {
	addr, _ := s.ClientAddress()
	if err := op.Online(ctx, m.CurrentServerID(), s.DeviceID(), addr); err != nil {
		return err
	}
	remoteExists, err := m.cluster.RemoteSessionIsAlive(ctx, s.DeviceID())
	if err != nil {
		remoteExists = false
	}
	m.eventBus.fire(ctx, Event{Type: EventRegister, Session: s, RemoteExists: remoteExists})
	return nil
}

// handleSessionCompute runs on replacement: if the incoming session
// differs from the one it supersedes and it carries an
// operator, close the old one, write the new one through, and let the
// installed ComputeHook (if any) substitute the final published value.
// Otherwise the incoming session is returned unchanged.
func (m *Manager) handleSessionCompute(ctx context.Context, old, s DeviceSession) (DeviceSession, error) {
	if !old.IsChanged(s) {
		return s, nil
	}
	op, ok := s.Operator()
	if !ok {
		return s, nil
	}
	_ = old.Close()
	addr, _ := s.ClientAddress()
	if err := op.Online(ctx, m.CurrentServerID(), s.DeviceID(), addr); err != nil {
		return s, err
	}
	if m.computeHook != nil {
		return m.computeHook(old, s), nil
	}
	return s, nil
}
