package cluster

import (
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultReconnect mirrors defaultClusterReconnect in github.com/tinode/chat:
// the backoff between dial attempts to a peer node.
const defaultReconnect = 200 * time.Millisecond

// Node is this node's client connection to one peer, grounded on
// ClusterNode (cluster.go) in github.com/tinode/chat: a net/rpc client
// endpoint with a self-healing reconnect loop and a buffered done channel
// for shutdown.
type Node struct {
	log logrus.FieldLogger

	mu           sync.Mutex
	endpoint     *rpc.Client
	connected    bool
	reconnecting bool

	name    string
	address string
	done    chan struct{}
}

// NewNode dials name at address in the background and returns immediately;
// RPCs issued before the first successful dial fail fast with
// ErrNotConnected.
func NewNode(name, address string, log logrus.FieldLogger) *Node {
	n := &Node{
		name:    name,
		address: address,
		done:    make(chan struct{}, 1),
		log:     log,
	}
	go n.reconnect()
	return n
}

// ErrNotConnected is returned by Call when no live endpoint is available.
var ErrNotConnected = errors.New("cluster: node not connected")

func (n *Node) reconnect() {
	n.mu.Lock()
	if n.reconnecting {
		n.mu.Unlock()
		return
	}
	n.reconnecting = true
	n.mu.Unlock()

	ticker := time.NewTicker(defaultReconnect)
	defer ticker.Stop()

	for {
		endpoint, err := rpc.Dial("tcp", n.address)
		if err == nil {
			n.mu.Lock()
			n.endpoint = endpoint
			n.connected = true
			n.reconnecting = false
			n.mu.Unlock()
			n.log.WithField("node", n.name).Info("cluster: connected")
			return
		}

		select {
		case <-ticker.C:
		case <-n.done:
			n.mu.Lock()
			n.connected = false
			n.reconnecting = false
			n.mu.Unlock()
			return
		}
	}
}

// Call issues a synchronous RPC, tearing down and scheduling a reconnect on
// failure.
func (n *Node) Call(proc string, args, reply interface{}) error {
	n.mu.Lock()
	endpoint, connected := n.endpoint, n.connected
	n.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	if err := endpoint.Call(proc, args, reply); err != nil {
		n.log.WithField("node", n.name).WithError(err).Warn("cluster: call failed")
		n.mu.Lock()
		if n.connected {
			_ = n.endpoint.Close()
			n.connected = false
			go n.reconnect()
		}
		n.mu.Unlock()
		return err
	}
	return nil
}

// Connected reports whether a live endpoint is currently held.
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Name returns this node's cluster-assigned name.
func (n *Node) Name() string { return n.name }

// Close shuts down the reconnect loop and the underlying endpoint.
func (n *Node) Close() error {
	select {
	case n.done <- struct{}{}:
	default:
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoint != nil {
		return n.endpoint.Close()
	}
	return nil
}
