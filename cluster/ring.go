package cluster

import (
	"sort"
	"strconv"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// ringReplicas mirrors clusterHashReplicas in github.com/tinode/chat: each
// node gets this many virtual points on the ring, smoothing the
// distribution of device-ids across a small cluster.
const ringReplicas = 20

// Ring is a consistent-hash ring used to decide which node owns a given
// device-id, grounded on the role rh.Ring plays in github.com/tinode/chat's
// cluster.go (nodeForTopic/rehash) -- that package itself was not part of
// the retrieved pack, so this is an independent sorted-slice
// implementation rather than a port of it.
type Ring struct {
	mu     sync.RWMutex
	keys   []uint32
	owners map[uint32]string
}

// NewRing builds a ring over the given node names.
func NewRing(nodes ...string) *Ring {
	r := &Ring{owners: make(map[uint32]string)}
	r.Set(nodes)
	return r
}

// Set replaces the ring membership wholesale, rehashing every node's
// virtual points.
func (r *Ring) Set(nodes []string) {
	keys := make([]uint32, 0, len(nodes)*ringReplicas)
	owners := make(map[uint32]string, len(nodes)*ringReplicas)
	for _, node := range nodes {
		for i := 0; i < ringReplicas; i++ {
			h := hashKey(node + "#" + strconv.Itoa(i))
			keys = append(keys, h)
			owners[h] = node
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	r.mu.Lock()
	r.keys = keys
	r.owners = owners
	r.mu.Unlock()
}

// Owner returns the node responsible for deviceID, or "" if the ring is
// empty.
func (r *Ring) Owner(deviceID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.keys) == 0 {
		return ""
	}
	h := hashKey(deviceID)
	i := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= h })
	if i == len(r.keys) {
		i = 0
	}
	return r.owners[r.keys[i]]
}

// Members returns the distinct node names currently on the ring.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, node := range r.owners {
		if _, ok := seen[node]; !ok {
			seen[node] = struct{}{}
			out = append(out, node)
		}
	}
	sort.Strings(out)
	return out
}

func hashKey(s string) uint32 {
	sum := blake2b.Sum256([]byte(s))
	return uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
}
