package session

import "context"

// RemoteSessionInfo is one entry of a cluster-wide session enumeration, as
// returned by ClusterContract.RemoteSessions.
type RemoteSessionInfo struct {
	DeviceID string
	ServerID string
	Address  string
}

// ClusterContract is everything the session manager requires from the
// cluster membership/gossip layer. The gossip transport itself is an
// external collaborator; only this call surface is required. A reference
// net/rpc-based implementation lives in package cluster.
type ClusterContract interface {
	// RemoteSessionIsAlive is a cheap, cache/gossip-backed query: "is this
	// device known to be online on some other node?". Failures are
	// swallowed as "unknown -> false".
	RemoteSessionIsAlive(ctx context.Context, deviceID string) (bool, error)

	// CheckRemoteSessionIsAlive is the authoritative version: it may probe
	// peers directly rather than trusting a cache.
	CheckRemoteSessionIsAlive(ctx context.Context, deviceID string) (bool, error)

	// RemoveRemoteSession asks the cluster to evict deviceID wherever it
	// is hosted and reports how many remote sessions were removed.
	RemoveRemoteSession(ctx context.Context, deviceID string) (int, error)

	// RemoteTotalSessions returns the cluster-wide session count,
	// excluding this node.
	RemoteTotalSessions(ctx context.Context) (int64, error)

	// RemoteSessions streams session info for the given server, or for
	// every remote server if serverID is empty.
	RemoteSessions(ctx context.Context, serverID string) (<-chan RemoteSessionInfo, error)

	// InitSessionConnection asks "does this device still exist on another
	// node?", used while closing a local session to decide whether the
	// resulting unregister event should report RemoteExists=true.
	InitSessionConnection(ctx context.Context, session DeviceSession) (bool, error)

	// CurrentServerID is this node's stable identifier.
	CurrentServerID() string
}
