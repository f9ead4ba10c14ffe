package peerengine

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/collective-net/peernet/internal/chunkstore"
	"github.com/collective-net/peernet/internal/dht"
	"github.com/collective-net/peernet/internal/idutil"
)

type testPeer struct {
	store *chunkstore.Store
	node  *dht.Node
	ln    net.Listener
	eng   *Engine
}

// spinPeer builds a fully wired Engine over an ephemeral TCP serve port and
// an ephemeral UDP DHT port, and starts both its accept loop and its DHT
// background tasks under ctx.
func spinPeer(t *testing.T, ctx context.Context) *testPeer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	servePort := ln.Addr().(*net.TCPAddr).Port

	id, err := idutil.NewRandomNodeID()
	require.NoError(t, err)
	self := dht.PeerHandle{NodeID: id, Address: "127.0.0.1", ServePort: servePort}

	logger := zaptest.NewLogger(t)
	node, err := dht.NewNode(self, "127.0.0.1:0", dht.DefaultK, logger)
	require.NoError(t, err)
	node.Start(ctx)

	store, err := chunkstore.Open(t.TempDir(), 16, logger)
	require.NoError(t, err)

	cfg := DefaultConfig()
	eng := New(store, node, cfg, logger)
	go eng.Serve(ctx, ln)

	t.Cleanup(func() {
		ln.Close()
		node.Shutdown()
		store.Close()
	})

	return &testPeer{store: store, node: node, ln: ln, eng: eng}
}

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestEnginePublishAnnouncesToDHT(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := spinPeer(t, ctx)

	src := writeTempFile(t, []byte("hello distributed world, this is a test payload"))
	digest, err := publisher.eng.Publish(ctx, src, 2, 1)
	require.NoError(t, err)

	record, ok := publisher.store.Lookup(digest)
	require.True(t, ok)

	raw, found, err := publisher.node.Get(ctx, fileKey(record.FileDigest))
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotEmpty(t, raw)
}

func TestEngineFetchFileAcrossTwoNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := spinPeer(t, ctx)
	fetcher := spinPeer(t, ctx)

	bctx, bcancel := context.WithTimeout(ctx, 5*time.Second)
	require.NoError(t, fetcher.node.Bootstrap(bctx, []dht.PeerHandle{publisher.node.Self()}))
	bcancel()

	content := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk: " +
		"the quick brown fox jumps over the lazy dog")
	src := writeTempFile(t, content)

	digest, err := publisher.eng.Publish(ctx, src, 2, 1)
	require.NoError(t, err)

	outPath := filepath.Join(t.TempDir(), "fetched.bin")
	fctx, fcancel := context.WithTimeout(ctx, 10*time.Second)
	defer fcancel()
	require.NoError(t, fetcher.eng.FetchFile(fctx, digest, outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEngineAnnounceAllRepublishesLocalContent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := spinPeer(t, ctx)
	fetcher := spinPeer(t, ctx)

	bctx, bcancel := context.WithTimeout(ctx, 5*time.Second)
	require.NoError(t, fetcher.node.Bootstrap(bctx, []dht.PeerHandle{publisher.node.Self()}))
	bcancel()

	// Store the file directly, bypassing Publish's own announce step, to
	// simulate a node restarting with files already on disk from a prior
	// process that never got a chance to re-announce them.
	src := writeTempFile(t, []byte("content indexed before this process's first announce pass"))
	digest, err := publisher.store.Store(src, 2, 1)
	require.NoError(t, err)

	_, found, err := fetcher.node.Get(ctx, fileKey(digest))
	require.NoError(t, err)
	assert.False(t, found, "file record should not be discoverable before any announce pass")

	publisher.eng.AnnounceAll(ctx)

	raw, found, err := fetcher.node.Get(ctx, fileKey(digest))
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotEmpty(t, raw)

	record, ok := publisher.store.Lookup(digest)
	require.True(t, ok)
	for _, d := range append(append([]idutil.Digest{}, record.DataChunks...), record.ParityChunks...) {
		holdersRaw, found, err := fetcher.node.Get(ctx, chunkKey(d))
		require.NoError(t, err)
		require.True(t, found, "chunk %s should be announced", d)
		assert.NotEmpty(t, holdersRaw)
	}
}

// Both data shards of a (k=2, m=2) stripe go missing on the publisher, so
// the fetcher can only reach k good shards by falling back to parity —
// exercising ensureStripe's "fetch any k reachable of k+m" fallback when
// data shards aren't reachable, not just its data-shards-preferred path.
func TestEngineFetchUsesParityWhenBothDataShardsUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := spinPeer(t, ctx)
	fetcher := spinPeer(t, ctx)

	bctx, bcancel := context.WithTimeout(ctx, 5*time.Second)
	require.NoError(t, fetcher.node.Bootstrap(bctx, []dht.PeerHandle{publisher.node.Self()}))
	bcancel()

	content := make([]byte, 32)
	for i := range content {
		content[i] = byte(i + 1)
	}
	src := writeTempFile(t, content)

	digest, err := publisher.eng.Publish(ctx, src, 2, 2)
	require.NoError(t, err)

	record, ok := publisher.store.Lookup(digest)
	require.True(t, ok)
	require.Len(t, record.DataChunks, 2)
	require.Len(t, record.ParityChunks, 2)

	for _, d := range record.DataChunks {
		require.NoError(t, os.Remove(publisher.store.ChunkPath(d)))
	}

	outPath := filepath.Join(t.TempDir(), "fetched.bin")
	fctx, fcancel := context.WithTimeout(ctx, 10*time.Second)
	defer fcancel()
	require.NoError(t, fetcher.eng.FetchFile(fctx, digest, outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEngineFetchReconstructsMissingDataShard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := spinPeer(t, ctx)
	fetcher := spinPeer(t, ctx)

	bctx, bcancel := context.WithTimeout(ctx, 5*time.Second)
	require.NoError(t, fetcher.node.Bootstrap(bctx, []dht.PeerHandle{publisher.node.Self()}))
	bcancel()

	content := make([]byte, 64)
	for i := range content {
		content[i] = byte(i)
	}
	src := writeTempFile(t, content)

	digest, err := publisher.eng.Publish(ctx, src, 2, 1)
	require.NoError(t, err)

	record, ok := publisher.store.Lookup(digest)
	require.True(t, ok)
	require.NotEmpty(t, record.DataChunks)

	// Simulate the publisher losing one data shard: the fetcher must
	// reconstruct it from the remaining data and parity shards instead of
	// fetching it directly.
	lost := record.DataChunks[0]
	require.NoError(t, os.Remove(publisher.store.ChunkPath(lost)))

	outPath := filepath.Join(t.TempDir(), "fetched.bin")
	fctx, fcancel := context.WithTimeout(ctx, 10*time.Second)
	defer fcancel()
	require.NoError(t, fetcher.eng.FetchFile(fctx, digest, outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
