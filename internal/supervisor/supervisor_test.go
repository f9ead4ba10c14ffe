package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/collective-net/peernet/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "chunks")
	cfg.NodeIDFile = filepath.Join(dir, "node_id")
	cfg.ServeAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	cfg.DHTAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	return cfg
}

func TestNewBuildsSupervisorWithoutNetworkIO(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, sup)

	stats := sup.Stats()
	assert.NotEmpty(t, stats.NodeID)
	assert.Equal(t, 0, stats.FilesIndexed)
}

func TestStartShutdownLifecycle(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))

	stats := sup.Stats()
	assert.Equal(t, cfg.ServeAddr, stats.ServeAddr)
	assert.Equal(t, cfg.DHTAddr, stats.DHTAddr)

	sup.Shutdown()
}

func TestLoadOrCreateNodeIDPersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_id")

	id1, err := loadOrCreateNodeID(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, id1.String(), string(data))

	id2, err := loadOrCreateNodeID(path)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestLoadOrCreateNodeIDRejectsCorruptFileByRegenerating(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_id")
	require.NoError(t, os.WriteFile(path, []byte("not-a-valid-node-id"), 0o644))

	id, err := loadOrCreateNodeID(path)
	require.NoError(t, err)
	assert.NotEmpty(t, id.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, id.String(), string(data))
}

func TestSplitPorts(t *testing.T) {
	servePort, dhtPort, err := splitPorts(":7701", ":7702")
	require.NoError(t, err)
	assert.Equal(t, 7701, servePort)
	assert.Equal(t, 7702, dhtPort)

	_, _, err = splitPorts("bad-addr", ":7702")
	assert.Error(t, err)
}

func TestAdvertiseHost(t *testing.T) {
	assert.Equal(t, "10.0.0.5", advertiseHost("10.0.0.5:7701"))
	assert.Equal(t, "127.0.0.1", advertiseHost(":7701"))
	assert.Equal(t, "127.0.0.1", advertiseHost("not-an-address"))
}

func TestPublishAndListLocal(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	defer sup.Shutdown()

	src := filepath.Join(t.TempDir(), "source.txt")
	require.NoError(t, os.WriteFile(src, []byte("supervisor publish smoke test"), 0o644))

	pctx, pcancel := context.WithTimeout(ctx, 10*time.Second)
	defer pcancel()
	digest, err := sup.Publish(pctx, src, 2, 1)
	require.NoError(t, err)
	assert.False(t, digest.IsZero())

	files := sup.ListLocal()
	require.Len(t, files, 1)
	assert.Equal(t, digest, files[0].FileDigest)
}
