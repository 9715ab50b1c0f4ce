package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingOwnerIsStableAcrossCalls(t *testing.T) {
	r := NewRing("node-a", "node-b", "node-c")

	first := r.Owner("device-42")
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, r.Owner("device-42"))
	}
}

func TestRingDistributesAcrossMembers(t *testing.T) {
	r := NewRing("node-a", "node-b", "node-c")

	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		owner := r.Owner(deviceIDFor(i))
		counts[owner]++
	}

	for _, node := range r.Members() {
		assert.Greater(t, counts[node], 0, "every node should own at least one key")
	}
}

func TestRingEmptyHasNoOwner(t *testing.T) {
	r := NewRing()
	assert.Equal(t, "", r.Owner("anything"))
}

func deviceIDFor(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for j := range b {
		b[j] = letters[(i+j*31)%len(letters)]
	}
	return string(b)
}
