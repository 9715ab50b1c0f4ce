// Package session implements the core of a distributed device session
// manager: a per-node registry of device sessions with single-flight
// loading, replacement, timeout, parent/child linkage, and a lifecycle
// event bus. The gossip/membership transport, the session's own wire I/O,
// and the device directory service are external collaborators; this
// package only defines the contracts it needs from them.
package session

import "context"

// DeviceSession is the live connection state for one device on one node.
// Implementations are supplied by protocol adapters (MQTT, CoAP, TCP, ...);
// the manager never constructs one directly, it only routes and tracks them.
type DeviceSession interface {
	// DeviceID is the routing key into the Local Registry. Immutable.
	DeviceID() string

	// IsAliveAsync reports whether the session is still alive. It may
	// suspend on I/O; callers should apply their own timeout.
	IsAliveAsync(ctx context.Context) (bool, error)

	// Close tears down the session. Called at most once.
	Close() error

	// ClientAddress returns the peer's socket address, if known.
	ClientAddress() (addr string, ok bool)

	// Operator returns the device operator/directory service this session
	// should be written through to, or ok=false for an anonymous or
	// transient session that is tracked locally only.
	Operator() (op DeviceOperator, ok bool)

	// IsChanged reports whether other should replace the receiver as the
	// loaded session for this device-id (e.g. a reconnect with a new
	// client address or capability set).
	IsChanged(other DeviceSession) bool

	// IsWrapFrom reports whether this session is a child wrapper of the
	// given kind, e.g. a multiplexed sub-connection.
	IsWrapFrom(kind string) bool

	// Unwrap returns the device-id of the parent session this one wraps,
	// if IsWrapFrom would report true for some kind.
	Unwrap(kind string) (parentDeviceID string, ok bool)
}

// EventType tags a DeviceSessionEvent.
type EventType int

const (
	// EventRegister fires when a session is newly installed (not a
	// replacement) and the write-through to the operator has completed.
	EventRegister EventType = iota
	// EventUnregister fires when a session is evicted, locally or by the
	// liveness sweeper.
	EventUnregister
)

// String implements fmt.Stringer for log-friendly output.
func (t EventType) String() string {
	switch t {
	case EventRegister:
		return "register"
	case EventUnregister:
		return "unregister"
	default:
		return "unknown"
	}
}

// Event is a device session lifecycle transition delivered to EventBus
// handlers.
type Event struct {
	Type EventType
	// Session is the session the event concerns. Never nil.
	Session DeviceSession
	// RemoteExists means "after this event, the device is (re)known to be
	// online on some other node".
	RemoteExists bool
}
