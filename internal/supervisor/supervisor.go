// Package supervisor owns the lifecycle of one running peernode: it
// constructs the chunk store, DHT node, and peer engine in dependency
// order, starts and stops them together, and exposes the operations the
// CLI drives.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/collective-net/peernet/internal/apperr"
	"github.com/collective-net/peernet/internal/chunkstore"
	"github.com/collective-net/peernet/internal/config"
	"github.com/collective-net/peernet/internal/dht"
	"github.com/collective-net/peernet/internal/idutil"
	"github.com/collective-net/peernet/internal/peerengine"
)

// Stats is a read-only snapshot of a running node, supplementing the core
// publish/fetch operations with the visibility the status CLI needs.
type Stats struct {
	NodeID        string
	ServeAddr     string
	DHTAddr       string
	FilesIndexed  int
	ChunksStored  int
	RoutingTable  int
	UptimeSeconds float64
}

// NodeSupervisor owns one node's full stack: chunk store, DHT participation,
// and the peer engine coordinating them. Start/Shutdown bracket its
// lifetime; Publish/FetchFile/ListLocal/Stats are safe to call concurrently
// once started.
type NodeSupervisor struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *chunkstore.Store
	node    *dht.Node
	engine  *peerengine.Engine
	ln      net.Listener
	started time.Time

	cancel context.CancelFunc
}

// New constructs a NodeSupervisor without starting any network I/O.
// Errors here are configuration problems: a corrupt index, a node-id file
// that cannot be written, an unparseable chunk size.
func New(cfg config.Config, logger *zap.Logger) (*NodeSupervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	store, err := chunkstore.Open(cfg.DataDir, chunkSize, logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open chunk store: %w", err)
	}

	selfID, err := loadOrCreateNodeID(cfg.NodeIDFile)
	if err != nil {
		return nil, fmt.Errorf("supervisor: node id: %w", err)
	}

	servePort, dhtPort, err := splitPorts(cfg.ServeAddr, cfg.DHTAddr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	self := dht.PeerHandle{
		NodeID:    selfID,
		Address:   advertiseHost(cfg.ServeAddr),
		DHTPort:   dhtPort,
		ServePort: servePort,
	}

	node, err := dht.NewNode(self, cfg.DHTAddr, dht.DefaultK, logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor: dht node: %w", err)
	}

	engineCfg := peerengine.DefaultConfig()
	engineCfg.DefaultK = cfg.DefaultK
	engineCfg.DefaultM = cfg.DefaultM
	engineCfg.MaxInflight = cfg.MaxInflight
	if cfg.TTLSeconds > 0 {
		engineCfg.PublishTTL = time.Duration(cfg.TTLSeconds) * time.Second
	}

	engine := peerengine.New(store, node, engineCfg, logger)

	return &NodeSupervisor{cfg: cfg, logger: logger, store: store, node: node, engine: engine}, nil
}

// Start begins DHT background tasks and the wire-protocol accept loop, and
// bootstraps against the configured peers.
func (s *NodeSupervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = time.Now()

	ln, err := net.Listen("tcp", s.cfg.ServeAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("supervisor: listen %s: %w", s.cfg.ServeAddr, apperr.ErrConfig)
	}
	s.ln = ln

	s.node.Start(ctx)

	go func() {
		if err := s.engine.Serve(ctx, ln); err != nil {
			s.logger.Warn("supervisor: serve loop exited", zap.Error(err))
		}
	}()

	if len(s.cfg.Bootstrap) > 0 {
		peers := make([]dht.PeerHandle, 0, len(s.cfg.Bootstrap))
		for _, p := range s.cfg.Bootstrap {
			id, err := idutil.ParseNodeID(p.NodeID)
			if err != nil {
				s.logger.Warn("supervisor: skipping bootstrap peer with bad node id", zap.String("node_id", p.NodeID))
				continue
			}
			peers = append(peers, dht.PeerHandle{NodeID: id, Address: p.Address, DHTPort: p.DHTPort, ServePort: p.ServePort})
		}
		bctx, bcancel := context.WithTimeout(ctx, 30*time.Second)
		if err := s.node.Bootstrap(bctx, peers); err != nil {
			s.logger.Warn("supervisor: bootstrap incomplete", zap.Error(err))
		}
		bcancel()
	}

	go func() {
		actx, acancel := context.WithTimeout(ctx, 30*time.Second)
		defer acancel()
		s.engine.AnnounceAll(actx)
	}()

	s.logger.Info("supervisor: node started",
		zap.String("node_id", s.node.Self().NodeID.String()),
		zap.String("serve_addr", s.cfg.ServeAddr),
		zap.String("dht_addr", s.cfg.DHTAddr))
	return nil
}

// Shutdown stops accepting new connections, drains outstanding serve
// requests (bounded by a 10s grace period), performs a final announce pass
// — so this node's content stays discoverable for its publication TTL
// after the process exits — stops the DHT, and closes the chunk store.
func (s *NodeSupervisor) Shutdown() {
	if s.ln != nil {
		_ = s.ln.Close()
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.engine.Shutdown(dctx)
	dcancel()

	actx, acancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.engine.AnnounceAll(actx)
	acancel()

	if s.cancel != nil {
		s.cancel()
	}
	s.node.Shutdown()

	if err := s.store.Close(); err != nil {
		s.logger.Warn("supervisor: close chunk store failed", zap.Error(err))
	}
}

// Publish chunks, erasure-encodes, and announces path to the network.
func (s *NodeSupervisor) Publish(ctx context.Context, path string, k, m int) (idutil.Digest, error) {
	return s.engine.Publish(ctx, path, k, m)
}

// FetchFile resolves and assembles fileDigest to outPath.
func (s *NodeSupervisor) FetchFile(ctx context.Context, fileDigest idutil.Digest, outPath string) error {
	return s.engine.FetchFile(ctx, fileDigest, outPath)
}

// ListLocal returns every file indexed locally.
func (s *NodeSupervisor) ListLocal() []chunkstore.FileRecord {
	return s.engine.ListLocal()
}

// Stats reports a snapshot of this node's state.
func (s *NodeSupervisor) Stats() Stats {
	chunks, _ := s.store.ListLocalChunks()
	return Stats{
		NodeID:        s.node.Self().NodeID.String(),
		ServeAddr:     s.cfg.ServeAddr,
		DHTAddr:       s.cfg.DHTAddr,
		FilesIndexed:  len(s.store.ListFiles()),
		ChunksStored:  len(chunks),
		RoutingTable:  s.node.Table().Size(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
}

// Peers returns peers currently known to the DHT routing table.
func (s *NodeSupervisor) Peers() []dht.PeerHandle {
	return s.engine.Peers()
}

// EvictLocalChunk removes one chunk's bytes from local disk without
// touching the file index, simulating disk loss or a deliberate scrub; a
// later fetch of any file referencing it must recover it from other
// holders or erasure reconstruction.
func (s *NodeSupervisor) EvictLocalChunk(digest idutil.Digest) error {
	if err := os.Remove(s.store.ChunkPath(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("supervisor: evict chunk %s: %w", digest, apperr.ErrIO)
	}
	return nil
}

func loadOrCreateNodeID(path string) (idutil.NodeID, error) {
	if data, err := os.ReadFile(path); err == nil {
		id, err := idutil.ParseNodeID(string(data))
		if err == nil {
			return id, nil
		}
	}

	id, err := idutil.NewRandomNodeID()
	if err != nil {
		return idutil.NodeID{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return idutil.NodeID{}, fmt.Errorf("create node id dir: %w", apperr.ErrIO)
	}
	if err := os.WriteFile(path, []byte(id.String()), 0o644); err != nil {
		return idutil.NodeID{}, fmt.Errorf("persist node id: %w", apperr.ErrIO)
	}
	return id, nil
}

func splitPorts(serveAddr, dhtAddr string) (servePort, dhtPort int, err error) {
	_, sp, err := net.SplitHostPort(serveAddr)
	if err != nil {
		return 0, 0, fmt.Errorf("parse serve address %q: %w", serveAddr, apperr.ErrConfig)
	}
	_, dp, err := net.SplitHostPort(dhtAddr)
	if err != nil {
		return 0, 0, fmt.Errorf("parse dht address %q: %w", dhtAddr, apperr.ErrConfig)
	}
	servePort, err = parsePort(sp)
	if err != nil {
		return 0, 0, err
	}
	dhtPort, err = parsePort(dp)
	if err != nil {
		return 0, 0, err
	}
	return servePort, dhtPort, nil
}

func parsePort(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse port %q: %w", s, apperr.ErrConfig)
	}
	return n, nil
}

func advertiseHost(serveAddr string) string {
	host, _, err := net.SplitHostPort(serveAddr)
	if err != nil || host == "" {
		return "127.0.0.1"
	}
	return host
}
