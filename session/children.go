package session

import "context"

// ChildSessionKind is the wrap-kind a multiplexed child session reports via
// DeviceSession.IsWrapFrom/Unwrap to participate in parent/child linkage:
// one physical connection standing in for several logical device-ids, where
// evicting the parent cascades a liveness check onto its children.
const ChildSessionKind = "child"

// linkChild records s as a child of its parent's Ref, if s declares one.
func (m *Manager) linkChild(s DeviceSession) {
	if !s.IsWrapFrom(ChildSessionKind) {
		return
	}
	parentID, ok := s.Unwrap(ChildSessionKind)
	if !ok || parentID == "" {
		return
	}
	if parent := m.registry.get(parentID); parent != nil {
		parent.addChild(s.DeviceID())
	}
}

// unlinkChild removes s from its parent's child set, if any.
func (m *Manager) unlinkChild(s DeviceSession) {
	if !s.IsWrapFrom(ChildSessionKind) {
		return
	}
	parentID, ok := s.Unwrap(ChildSessionKind)
	if !ok || parentID == "" {
		return
	}
	if parent := m.registry.get(parentID); parent != nil {
		parent.removeChild(s.DeviceID())
	}
}

func (r *ref) addChild(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.children == nil {
		r.children = make(map[string]struct{})
	}
	r.children[deviceID] = struct{}{}
}

func (r *ref) removeChild(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.children, deviceID)
}

func (r *ref) snapshotChildren() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.children) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.children))
	for id := range r.children {
		out = append(out, id)
	}
	return out
}

// checkChildren probes each of this Ref's children and evicts the ones that
// no longer answer alive: evicting a parent triggers a liveness check on
// every child Ref, rather than blindly cascading their removal.
func (r *ref) checkChildren(ctx context.Context) {
	for _, childID := range r.snapshotChildren() {
		cref := r.reg.get(childID)
		if cref == nil {
			continue
		}
		s := cref.snapshotLoaded()
		if s == nil {
			continue
		}
		alive, err := s.IsAliveAsync(ctx)
		if err != nil {
			continue
		}
		if !alive {
			_, _ = cref.evict(ctx, s)
		}
	}
}
