package cluster

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tinode/gatesess/session"
)

// LocalQuerier is the host application's read of its own, purely local
// state: the Contract's RPC Service answers peer requests with it, and the
// Contract itself consults it before ever going over the wire for a
// device-id this node actually owns.
type LocalQuerier interface {
	LocalIsAlive(deviceID string) bool
	LocalRemove(ctx context.Context, deviceID string) bool
	LocalTotal() int64
	LocalSessions(serverID string) []session.RemoteSessionInfo
}

type aliveReq struct{ DeviceID string }
type aliveResp struct{ Alive bool }
type removeReq struct{ DeviceID string }
type removeResp struct{ Removed int }
type totalReq struct{}
type totalResp struct{ Count int64 }
type sessionsReq struct{ ServerID string }
type sessionsResp struct{ Compressed []byte }

// Service is the RPC-exported face of this node, registered with net/rpc
// under the name "Contract" via RegisterName (rpc.Register would use the
// concrete type's own name, Service).
// Grounded on the Cluster type in github.com/tinode/chat, whose exported
// TopicMaster/Route methods are registered the same way in clusterInit.
type Service struct {
	local LocalQuerier
}

// NewService wraps local for RPC export.
func NewService(local LocalQuerier) *Service { return &Service{local: local} }

func (s *Service) IsAlive(req *aliveReq, resp *aliveResp) error {
	resp.Alive = s.local.LocalIsAlive(req.DeviceID)
	return nil
}

func (s *Service) Remove(req *removeReq, resp *removeResp) error {
	if s.local.LocalRemove(context.Background(), req.DeviceID) {
		resp.Removed = 1
	}
	return nil
}

func (s *Service) Total(_ *totalReq, resp *totalResp) error {
	resp.Count = s.local.LocalTotal()
	return nil
}

func (s *Service) Sessions(req *sessionsReq, resp *sessionsResp) error {
	data, err := compressSessions(s.local.LocalSessions(req.ServerID))
	if err != nil {
		return err
	}
	resp.Compressed = data
	return nil
}

// Contract is the reference session.ClusterContract: a consistent-hash
// Ring decides which peer owns a device-id, and net/rpc Nodes carry the
// query to it. Grounded on Cluster (cluster.go) in github.com/tinode/chat,
// reduced to the session-presence surface this package needs instead of
// topic routing.
type Contract struct {
	selfID string
	local  LocalQuerier
	ring   *Ring
	log    logrus.FieldLogger

	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewContract builds a Contract for selfID. Peers are added with AddNode.
func NewContract(selfID string, local LocalQuerier, log logrus.FieldLogger) *Contract {
	return &Contract{
		selfID: selfID,
		local:  local,
		ring:   NewRing(selfID),
		nodes:  make(map[string]*Node),
		log:    log,
	}
}

// SetLocal late-binds the LocalQuerier. Building a Contract needs no
// Manager yet, but a Manager needs a session.ClusterContract at
// construction time; callers resolve the cycle by constructing the
// Contract with a nil local, building the Manager around it, then calling
// SetLocal once the Manager exists.
func (c *Contract) SetLocal(local LocalQuerier) {
	c.mu.Lock()
	c.local = local
	c.mu.Unlock()
}

func (c *Contract) localQuerier() LocalQuerier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local
}

// AddNode wires a peer into the ring and dials it. The full membership list
// is derived from c.nodes plus selfID and applied to the ring within the
// same critical section as the c.nodes write, so two concurrent AddNode
// calls can never race to install conflicting ring snapshots.
func (c *Contract) AddNode(name, address string) {
	c.mu.Lock()
	c.nodes[name] = NewNode(name, address, c.log)
	members := make([]string, 0, len(c.nodes)+1)
	members = append(members, c.selfID)
	for n := range c.nodes {
		members = append(members, n)
	}
	c.ring.Set(members)
	c.mu.Unlock()
}

// Close tears down every peer connection.
func (c *Contract) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range c.nodes {
		_ = n.Close()
	}
	return nil
}

var errUnknownOwner = errors.New("cluster: no node owns this device-id")

func (c *Contract) nodeFor(deviceID string) (*Node, bool, error) {
	owner := c.ring.Owner(deviceID)
	if owner == "" {
		return nil, false, errUnknownOwner
	}
	if owner == c.selfID {
		return nil, true, nil
	}
	c.mu.RLock()
	n, ok := c.nodes[owner]
	c.mu.RUnlock()
	if !ok {
		return nil, false, ErrNotConnected
	}
	return n, false, nil
}

// RemoteSessionIsAlive implements session.ClusterContract.
func (c *Contract) RemoteSessionIsAlive(_ context.Context, deviceID string) (bool, error) {
	n, isSelf, err := c.nodeFor(deviceID)
	if err != nil {
		return false, newRemoteErr(err)
	}
	if isSelf {
		return c.localQuerier().LocalIsAlive(deviceID), nil
	}
	var resp aliveResp
	if err := n.Call("Contract.IsAlive", &aliveReq{DeviceID: deviceID}, &resp); err != nil {
		return false, newRemoteErr(err)
	}
	return resp.Alive, nil
}

// CheckRemoteSessionIsAlive implements session.ClusterContract. This
// reference implementation has no separate gossip cache to bypass, so it
// behaves like RemoteSessionIsAlive; CachedAlive is where the
// cheap/authoritative distinction actually lives.
func (c *Contract) CheckRemoteSessionIsAlive(ctx context.Context, deviceID string) (bool, error) {
	return c.RemoteSessionIsAlive(ctx, deviceID)
}

// InitSessionConnection implements session.ClusterContract.
func (c *Contract) InitSessionConnection(ctx context.Context, s session.DeviceSession) (bool, error) {
	return c.RemoteSessionIsAlive(ctx, s.DeviceID())
}

// RemoveRemoteSession implements session.ClusterContract: since a device
// can in principle be stale-registered on more than one node after a
// network partition heals, this fans out to every known node rather than
// trusting the ring alone.
func (c *Contract) RemoveRemoteSession(ctx context.Context, deviceID string) (int, error) {
	c.mu.RLock()
	nodes := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.RUnlock()

	var (
		mu      sync.Mutex
		total   int
		lastErr error
		wg      sync.WaitGroup
	)
	wg.Add(len(nodes))
	for _, n := range nodes {
		go func(n *Node) {
			defer wg.Done()
			var resp removeResp
			if err := n.Call("Contract.Remove", &removeReq{DeviceID: deviceID}, &resp); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			mu.Lock()
			total += resp.Removed
			mu.Unlock()
		}(n)
	}
	wg.Wait()

	if total == 0 && lastErr != nil {
		return 0, newRemoteErr(lastErr)
	}
	return total, nil
}

// RemoteTotalSessions implements session.ClusterContract.
func (c *Contract) RemoteTotalSessions(ctx context.Context) (int64, error) {
	c.mu.RLock()
	nodes := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.RUnlock()

	var (
		mu    sync.Mutex
		total int64
		wg    sync.WaitGroup
	)
	wg.Add(len(nodes))
	for _, n := range nodes {
		go func(n *Node) {
			defer wg.Done()
			var resp totalResp
			if err := n.Call("Contract.Total", &totalReq{}, &resp); err != nil {
				c.log.WithError(err).WithField("node", n.Name()).Warn("cluster: total query failed")
				return
			}
			mu.Lock()
			total += resp.Count
			mu.Unlock()
		}(n)
	}
	wg.Wait()
	return total, nil
}

// RemoteSessions implements session.ClusterContract.
func (c *Contract) RemoteSessions(ctx context.Context, serverID string) (<-chan session.RemoteSessionInfo, error) {
	c.mu.RLock()
	var targets []*Node
	if serverID != "" {
		if n, ok := c.nodes[serverID]; ok {
			targets = []*Node{n}
		}
	} else {
		for _, n := range c.nodes {
			targets = append(targets, n)
		}
	}
	c.mu.RUnlock()

	out := make(chan session.RemoteSessionInfo)
	go func() {
		defer close(out)
		var wg sync.WaitGroup
		wg.Add(len(targets))
		for _, n := range targets {
			go func(n *Node) {
				defer wg.Done()
				var resp sessionsResp
				if err := n.Call("Contract.Sessions", &sessionsReq{ServerID: serverID}, &resp); err != nil {
					c.log.WithError(err).WithField("node", n.Name()).Warn("cluster: sessions query failed")
					return
				}
				infos, err := decompressSessions(resp.Compressed)
				if err != nil {
					c.log.WithError(err).Warn("cluster: sessions payload decode failed")
					return
				}
				for _, info := range infos {
					select {
					case out <- info:
					case <-ctx.Done():
						return
					}
				}
			}(n)
		}
		wg.Wait()
	}()
	return out, nil
}

// CurrentServerID implements session.ClusterContract.
func (c *Contract) CurrentServerID() string { return c.selfID }

func newRemoteErr(cause error) error {
	return &remoteErr{cause: cause}
}

type remoteErr struct{ cause error }

func (e *remoteErr) Error() string { return "cluster: remote unavailable: " + e.cause.Error() }
func (e *remoteErr) Unwrap() error { return e.cause }
