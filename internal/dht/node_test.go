package dht

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/collective-net/peernet/internal/idutil"
)

// spinNode builds and starts a dht.Node bound to an ephemeral loopback port,
// registering cleanup so the caller never has to call Shutdown explicitly.
func spinNode(t *testing.T) *Node {
	t.Helper()
	id, err := idutil.NewRandomNodeID()
	require.NoError(t, err)

	self := PeerHandle{NodeID: id, Address: "127.0.0.1"}
	n, err := NewNode(self, "127.0.0.1:0", 20, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	t.Cleanup(func() {
		cancel()
		n.Shutdown()
	})
	return n
}

func TestNodePingRoundTrip(t *testing.T) {
	a := spinNode(t)
	b := spinNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := a.pingRPC(ctx, b.Self())
	require.NoError(t, err)
	assert.Equal(t, 1, a.Table().Size())
}

func TestNodeFindNodeRPC(t *testing.T) {
	a := spinNode(t)
	b := spinNode(t)
	c := spinNode(t)

	// Seed b's table with c so a's find_node(c) against b returns c.
	b.Table().Observe(c.Self())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	peers, err := a.findNodeRPC(ctx, b.Self(), c.Self().NodeID)
	require.NoError(t, err)

	found := false
	for _, p := range peers {
		if p.NodeID == c.Self().NodeID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNodeBootstrapPopulatesRoutingTable(t *testing.T) {
	seed := spinNode(t)
	a := spinNode(t)
	b := spinNode(t)

	// a and b both bootstrap off seed; seed should learn about both, and
	// each of a/b should learn about the other via the find_node(self) pass.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.Bootstrap(ctx, []PeerHandle{seed.Self()}))
	require.NoError(t, b.Bootstrap(ctx, []PeerHandle{seed.Self()}))

	assert.GreaterOrEqual(t, seed.Table().Size(), 1)
	assert.GreaterOrEqual(t, a.Table().Size(), 1)
}

func TestNodeIterativeFindNodeAcrossCluster(t *testing.T) {
	seed := spinNode(t)
	nodes := []*Node{seed}
	for i := 0; i < 4; i++ {
		n := spinNode(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, n.Bootstrap(ctx, []PeerHandle{seed.Self()}))
		cancel()
		nodes = append(nodes, n)
	}

	target := nodes[len(nodes)-1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := nodes[0].FindNode(ctx, target.Self().NodeID)
	require.NoError(t, err)

	found := false
	for _, p := range result {
		if p.NodeID == target.Self().NodeID {
			found = true
		}
	}
	assert.True(t, found, "expected iterative lookup to surface the target node")
}

func TestNodeSetGetOverwriteSemantics(t *testing.T) {
	a := spinNode(t)
	b := spinNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Bootstrap(ctx, []PeerHandle{a.Self()}))

	type fileRecord struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}

	require.NoError(t, b.Set(ctx, "file:abc123", fileRecord{Name: "report.pdf", Size: 4096}, time.Hour, false))

	raw, ok, err := a.Get(ctx, "file:abc123")
	require.NoError(t, err)
	require.True(t, ok)

	var got fileRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "report.pdf", got.Name)

	// Overwrite replaces rather than merges.
	require.NoError(t, b.Set(ctx, "file:abc123", fileRecord{Name: "report-v2.pdf", Size: 8192}, time.Hour, false))
	raw, ok, err = a.Get(ctx, "file:abc123")
	require.NoError(t, err)
	require.True(t, ok)
	got = fileRecord{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "report-v2.pdf", got.Name)
}

func TestNodeSetGetAppendMergesHolders(t *testing.T) {
	a := spinNode(t)
	b := spinNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Bootstrap(ctx, []PeerHandle{a.Self()}))

	require.NoError(t, b.Set(ctx, "chunk:deadbeef", b.Self(), time.Hour, true))
	require.NoError(t, a.Set(ctx, "chunk:deadbeef", a.Self(), time.Hour, true))

	raw, ok, err := b.Get(ctx, "chunk:deadbeef")
	require.NoError(t, err)
	require.True(t, ok)

	var holders []PeerHandle
	require.NoError(t, json.Unmarshal(raw, &holders))
	assert.Len(t, holders, 2)
}
