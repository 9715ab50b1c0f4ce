package session

import (
	"context"
	"sync"
)

// Producer creates a brand-new session for a device-id that has no Ref
// yet. It is the "creator" half of Registry.Compute.
type Producer func(ctx context.Context) (DeviceSession, error)

// Updater maps the current loaded session (nil if the Ref has none yet)
// to a replacement. It is the "updater"/"computer" half of Registry.Compute
// and of Ref.update.
type Updater func(ctx context.Context, current DeviceSession) (DeviceSession, error)

// broadcast is one generation of a Ref's one-shot await slot: every caller
// of ref.subscribe that latches onto the same generation observes the
// exact same outcome. Fields are written exactly once, by the single
// goroutine that owns this generation, strictly before done is closed;
// every other reader only touches the fields after <-done, which the Go
// memory model guarantees happens after that write.
type broadcast struct {
	done  chan struct{}
	value DeviceSession
	err   error
	empty bool
}

func newBroadcast() *broadcast { return &broadcast{done: make(chan struct{})} }

func (b *broadcast) finish(value DeviceSession, err error, empty bool) {
	b.value, b.err, b.empty = value, err, empty
	close(b.done)
}

// ref is a single-flight, replaceable load cell for exactly one device-id.
type ref struct {
	deviceID string
	mgr      *Manager
	reg      *Registry

	mu       sync.Mutex
	loaded   DeviceSession
	loader   Updater // pending load, taken at most once per generation
	cur      *broadcast
	cancel   context.CancelFunc
	children map[string]struct{}
}

func newRef(deviceID string, mgr *Manager, reg *Registry, loader Updater) *ref {
	return &ref{
		deviceID: deviceID,
		mgr:      mgr,
		reg:      reg,
		loader:   loader,
		cur:      newBroadcast(),
	}
}

// subscribe is the public subscribe point. On
// first subscription it consumes the pending loader (atomic take-and-
// nullify) and starts it; subsequent subscribers simply await the same
// broadcast slot. If the load already completed, the slot replays the
// last outcome.
func (r *ref) subscribe(ctx context.Context) (DeviceSession, error) {
	r.mu.Lock()
	b := r.cur
	loader := r.loader
	var loadCtx context.Context
	var cancel context.CancelFunc
	var cur DeviceSession
	if loader != nil {
		r.loader = nil
		cur = r.loaded
		loadCtx, cancel = context.WithTimeout(context.Background(), r.mgr.cfg.SessionLoadTimeout)
		r.cancel = cancel
	}
	r.mu.Unlock()

	if loader != nil {
		go r.run(b, loader, loadCtx, cancel, cur)
	}

	select {
	case <-b.done:
		if b.err != nil {
			return nil, b.err
		}
		if b.empty {
			return nil, nil
		}
		return b.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// update replaces the pending load. It cancels any
// running load and installs a fresh broadcast generation; any caller
// already latched on the superseded generation will observe empty once
// the in-flight run (if any) notices the cancellation, or immediately if
// no load was ever started for that generation.
func (r *ref) update(mapper Updater) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.cur = newBroadcast()
	r.loader = mapper
	r.mu.Unlock()
}

// run executes one load generation's pipeline end to end: producer ->
// afterLoaded/handleSessionCompute -> timeout -> terminal outcome. loadCtx
// and cancel are created synchronously by subscribe, under r.mu, before the
// goroutine running run is even spawned, so that a concurrent update()
// always observes a non-nil r.cancel for any generation whose load has
// actually been taken and is about to run. Exactly one goroutine ever calls
// run for a given broadcast b, so b's fields are data-race free without
// holding r.mu while finishing it.
func (r *ref) run(b *broadcast, loader Updater, loadCtx context.Context, cancel context.CancelFunc, cur DeviceSession) {
	defer cancel()

	type outcome struct {
		session DeviceSession
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := loader(loadCtx, cur)
		done <- outcome{s, err}
	}()

	var s DeviceSession
	var err error
	select {
	case o := <-done:
		// A result landing in done at the same instant loadCtx is canceled is
		// not a win: the select would otherwise pick either case at random,
		// letting a superseded generation publish over a newer one. Treat
		// cancellation as authoritative regardless of which case fired.
		if loadCtx.Err() != nil {
			if o.session != nil {
				_ = o.session.Close()
			}
			r.resolveCanceled(b, loadCtx)
			return
		}
		s, err = o.session, o.err
	case <-loadCtx.Done():
		r.resolveCanceled(b, loadCtx)
		return
	}

	switch {
	case err != nil:
		r.loadError(b, newError(ErrLoadFailed, r.deviceID, err))
	case s == nil:
		r.loadEmpty(b)
	default:
		r.afterLoaded(loadCtx, b, s)
	}
}

// resolveCanceled resolves b as either a load timeout or a supersede,
// depending on why loadCtx ended.
func (r *ref) resolveCanceled(b *broadcast, loadCtx context.Context) {
	if loadCtx.Err() == context.DeadlineExceeded {
		r.loadError(b, newError(ErrLoadTimeout, r.deviceID, loadCtx.Err()))
		return
	}
	// Superseded by update(): resolve this generation as empty and leave the
	// registry/loaded state to whichever generation wins.
	b.finish(nil, nil, true)
}

// loadError closes the current loaded session, signals the error to all
// waiters, and removes this Ref from the registry.
func (r *ref) loadError(b *broadcast, err error) {
	r.mu.Lock()
	old := r.loaded
	r.loaded = nil
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	r.reg.compareAndRemove(r.deviceID, r)
	b.finish(nil, err, false)
}

// loadEmpty resolves the generation as empty: no session was produced.
func (r *ref) loadEmpty(b *broadcast) {
	r.mu.Lock()
	old := r.loaded
	r.loaded = nil
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	r.reg.compareAndRemove(r.deviceID, r)
	b.finish(nil, nil, true)
}

// afterLoaded records the loaded session, registers or compute-replaces
// it, then reconciles the final published value against what was recorded.
func (r *ref) afterLoaded(ctx context.Context, b *broadcast, s DeviceSession) {
	r.mu.Lock()
	old := r.loaded
	r.loaded = s
	r.mu.Unlock()

	r.mgr.linkChild(s)

	var final DeviceSession = s
	var err error
	if old == nil {
		if op, ok := s.Operator(); ok {
			err = r.mgr.doRegister(ctx, s, op)
		}
	} else {
		final, err = r.mgr.handleSessionCompute(ctx, old, s)
	}

	if err != nil {
		_ = s.Close()
		r.mu.Lock()
		r.loaded = nil
		r.mu.Unlock()
		r.reg.compareAndRemove(r.deviceID, r)
		b.finish(nil, newError(ErrOperatorFailed, r.deviceID, err), false)
		return
	}

	if final != s {
		_ = s.Close()
		r.mu.Lock()
		r.loaded = final
		r.mu.Unlock()
	}

	b.finish(final, nil, false)
}

// evict implements close(expected-session?). If expected is
// non-nil, eviction only proceeds if it matches the current loaded session
// and the registry still points at this Ref. Otherwise it is an
// unconditional evict. On success it runs the unregister write-through
// and cascades a liveness check onto this Ref's children.
func (r *ref) evict(ctx context.Context, expected DeviceSession) (bool, error) {
	r.mu.Lock()
	cur := r.loaded
	if expected != nil && cur != expected {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	if !r.reg.compareAndRemove(r.deviceID, r) {
		return false, nil
	}

	r.mu.Lock()
	r.loaded = nil
	r.mu.Unlock()

	if cur == nil {
		return true, nil
	}

	_ = cur.Close()
	r.mgr.unlinkChild(cur)

	remoteExists := false
	if op, ok := cur.Operator(); ok {
		stillExists, _ := r.mgr.cluster.InitSessionConnection(ctx, cur)
		// This re-check is a plain containsKey, not an identity compare. A
		// same-tick re-register under a new Ref can therefore be
		// mis-labelled RemoteExists=true. Preserved intentionally.
		reregistered := r.reg.contains(r.deviceID)
		if !stillExists && !reregistered {
			_ = op.Offline(ctx)
			remoteExists = false
		} else {
			remoteExists = true
		}
	}

	r.mgr.eventBus.fire(ctx, Event{Type: EventUnregister, Session: cur, RemoteExists: remoteExists})
	r.checkChildren(ctx)

	return true, nil
}

func (r *ref) snapshotLoaded() DeviceSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}
