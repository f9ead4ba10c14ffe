package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collective-net/peernet/internal/idutil"
)

func randomHandle(t *testing.T) PeerHandle {
	id, err := idutil.NewRandomNodeID()
	require.NoError(t, err)
	return PeerHandle{NodeID: id, Address: "127.0.0.1", DHTPort: 9000, ServePort: 9001}
}

func TestObserveAndClosestN(t *testing.T) {
	self, err := idutil.NewRandomNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self, 20)

	var handles []PeerHandle
	for i := 0; i < 10; i++ {
		h := randomHandle(t)
		handles = append(handles, h)
		rt.Observe(h)
	}

	assert.Equal(t, 10, rt.Size())

	closest := rt.ClosestN(self, 5)
	assert.Len(t, closest, 5)
	for i := 1; i < len(closest); i++ {
		assert.True(t, idutil.Less(self, closest[i-1].NodeID, closest[i].NodeID) || closest[i-1].NodeID == closest[i].NodeID)
	}
}

func TestObserveIgnoresSelf(t *testing.T) {
	self, err := idutil.NewRandomNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self, 20)

	rt.Observe(PeerHandle{NodeID: self, Address: "127.0.0.1"})
	assert.Equal(t, 0, rt.Size())
}

func TestBucketFullAndReplaceOldest(t *testing.T) {
	self, err := idutil.NewRandomNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self, 2)

	target := RandomIDInBucket(self, 10)
	a := PeerHandle{NodeID: target, Address: "a"}
	b1 := RandomIDInBucket(self, 10)
	b2 := RandomIDInBucket(self, 10)

	rt.Observe(a)
	assert.False(t, rt.BucketFull(target))

	rt.Observe(PeerHandle{NodeID: b1, Address: "b1"})
	assert.True(t, rt.BucketFull(target))

	newcomer := PeerHandle{NodeID: b2, Address: "b2"}
	rt.Observe(newcomer)
	// bucket is already at capacity 2; the third, unseen id is dropped
	// rather than evicted automatically.
	assert.True(t, rt.BucketFull(target))

	oldest, ok := rt.LeastRecentlySeen(target)
	require.True(t, ok)

	rt.ReplaceOldest(target, oldest.NodeID, newcomer)
	assert.True(t, rt.BucketFull(target))
}

func TestRecordFailureEvictsAfterThreeStrikes(t *testing.T) {
	self, err := idutil.NewRandomNodeID()
	require.NoError(t, err)
	rt := NewRoutingTable(self, 20)

	h := randomHandle(t)
	rt.Observe(h)
	require.Equal(t, 1, rt.Size())

	rt.RecordFailure(h.NodeID)
	rt.RecordFailure(h.NodeID)
	assert.Equal(t, 1, rt.Size())

	rt.RecordFailure(h.NodeID)
	assert.Equal(t, 0, rt.Size())
}

func TestRandomIDInBucketLandsInTargetBucket(t *testing.T) {
	self, err := idutil.NewRandomNodeID()
	require.NoError(t, err)

	for _, idx := range []int{0, 5, 50, 159} {
		id := RandomIDInBucket(self, idx)
		assert.Equal(t, idx, bucketIndex(self, id))
	}
}
