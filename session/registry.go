package session

import (
	"context"
	"sync"
)

// Registry is a concurrent device-id -> Ref map with atomic
// compute-if-absent/compute-if-present semantics. Grounded on the Hub type
// in github.com/tinode/chat, which keeps its topic table in a sync.Map
// guarded at the install/evict decision points by a single coarse lock
// (hub.go topicGet/topicPut/topicDel run on the Hub's single goroutine);
// here the decision is made under cmu instead of a channel loop, since this
// registry must be callable from arbitrarily many goroutines.
type Registry struct {
	mgr *Manager

	cmu sync.Mutex
	m   sync.Map // map[string]*ref
}

func newRegistry(mgr *Manager) *Registry {
	return &Registry{mgr: mgr}
}

func (r *Registry) get(deviceID string) *ref {
	v, ok := r.m.Load(deviceID)
	if !ok {
		return nil
	}
	return v.(*ref)
}

func (r *Registry) contains(deviceID string) bool {
	_, ok := r.m.Load(deviceID)
	return ok
}

func (r *Registry) len() int {
	n := 0
	r.m.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// rangeRefs iterates live Refs. f returning false stops iteration early.
func (r *Registry) rangeRefs(f func(deviceID string, rf *ref) bool) {
	r.m.Range(func(k, v interface{}) bool {
		return f(k.(string), v.(*ref))
	})
}

// compareAndRemove deletes deviceID's entry iff it currently points at
// expect, mirroring ConcurrentHashMap.remove(key, value).
func (r *Registry) compareAndRemove(deviceID string, expect *ref) bool {
	v, ok := r.m.Load(deviceID)
	if !ok || v.(*ref) != expect {
		return false
	}
	return r.m.CompareAndDelete(deviceID, v)
}

// compute implements conditional compute(deviceId, creator?, updater?):
//   - no prior Ref, creator present: install a new Ref bound to creator.
//   - prior Ref, updater present: replace its pending load with
//     current.flatMap(updater).
//   - otherwise: leave the registry untouched (read-only).
func (r *Registry) compute(ctx context.Context, deviceID string, creator Producer, updater Updater) (DeviceSession, error) {
	r.cmu.Lock()
	v, loaded := r.m.Load(deviceID)

	var rf *ref
	switch {
	case !loaded && creator != nil:
		rf = newRef(deviceID, r.mgr, r, func(ctx context.Context, _ DeviceSession) (DeviceSession, error) {
			return creator(ctx)
		})
		r.m.Store(deviceID, rf)
	case loaded && updater != nil:
		rf = v.(*ref)
		rf.update(func(ctx context.Context, cur DeviceSession) (DeviceSession, error) {
			if cur == nil {
				return nil, nil
			}
			return updater(ctx, cur)
		})
	case loaded:
		rf = v.(*ref)
	default:
		r.cmu.Unlock()
		return nil, nil
	}
	r.cmu.Unlock()

	return rf.subscribe(ctx)
}

// computeWith implements the unconditional two-arg compute form: install a
// Ref bound to computer(empty) if absent, else unconditionally
// current.update(computer).
func (r *Registry) computeWith(ctx context.Context, deviceID string, computer Updater) (DeviceSession, error) {
	r.cmu.Lock()
	v, loaded := r.m.Load(deviceID)

	var rf *ref
	if !loaded {
		rf = newRef(deviceID, r.mgr, r, computer)
		r.m.Store(deviceID, rf)
	} else {
		rf = v.(*ref)
		rf.update(computer)
	}
	r.cmu.Unlock()

	return rf.subscribe(ctx)
}
