// Package peerengine wires the chunk store, erasure codec, wire transport,
// and DHT together into the operations a running node offers: publish a
// file to the network, fetch a file the network holds, and serve requests
// for the chunks this node holds locally.
package peerengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collective-net/peernet/internal/apperr"
	"github.com/collective-net/peernet/internal/chunkstore"
	"github.com/collective-net/peernet/internal/dht"
	"github.com/collective-net/peernet/internal/erasure"
	"github.com/collective-net/peernet/internal/idutil"
	"github.com/collective-net/peernet/internal/wire"
)

// Config controls the policy knobs an Engine applies to publish and fetch.
type Config struct {
	DefaultK         int
	DefaultM         int
	PublishTTL       time.Duration
	MaxInflight      int
	ServeConcurrency int
	HolderAttempts   int
}

// DefaultConfig returns the policy defaults spec §4.4/§4.5 assume when a
// node's configuration omits them.
func DefaultConfig() Config {
	return Config{
		DefaultK:         4,
		DefaultM:         2,
		PublishTTL:       dht.DefaultTTL,
		MaxInflight:      5,
		ServeConcurrency: 64,
		HolderAttempts:   3,
	}
}

// Engine is the per-node distribution coordinator: it owns a local chunk
// store and a DHT node, and offers Publish/FetchFile/Serve to the
// supervisor above it.
type Engine struct {
	store  *chunkstore.Store
	node   *dht.Node
	client *wire.Client
	server *wire.Server
	logger *zap.Logger
	cfg    Config
}

// New constructs an Engine. The wire server is wired directly to the local
// store's chunk and file-metadata readers, so any chunk this node stores
// becomes immediately servable to peers.
func New(store *chunkstore.Store, node *dht.Node, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:  store,
		node:   node,
		client: wire.NewClient(),
		logger: logger,
		cfg:    cfg,
	}
	e.server = wire.NewServer(e.readChunk, e.readFileMetadata, cfg.ServeConcurrency, logger)
	return e
}

func (e *Engine) readChunk(digest idutil.Digest) ([]byte, error) {
	return e.store.ReadChunk(digest)
}

func (e *Engine) readFileMetadata(fileDigest idutil.Digest) (json.RawMessage, bool) {
	record, ok := e.store.Lookup(fileDigest)
	if !ok {
		return nil, false
	}
	body, err := json.Marshal(record)
	if err != nil {
		return nil, false
	}
	return body, true
}

// Serve runs the wire transport's accept loop on ln until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	return e.server.Serve(ctx, ln)
}

// Shutdown waits for outstanding Serve requests to finish, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) {
	e.server.Shutdown(ctx)
}

// Publish chunks, erasure-encodes, and indexes path locally, then announces
// every resulting chunk and the file's metadata to the DHT so other peers
// can discover this node as a holder.
func (e *Engine) Publish(ctx context.Context, path string, k, m int) (idutil.Digest, error) {
	if k <= 0 {
		k = e.cfg.DefaultK
	}
	if m < 0 {
		m = e.cfg.DefaultM
	}

	fileDigest, err := e.store.Store(path, k, m)
	if err != nil {
		return idutil.Digest{}, fmt.Errorf("peerengine: publish: %w", err)
	}

	record, ok := e.store.Lookup(fileDigest)
	if !ok {
		return idutil.Digest{}, fmt.Errorf("peerengine: publish: %w", apperr.ErrNotFound)
	}

	if err := e.announceFile(ctx, record); err != nil {
		return fileDigest, fmt.Errorf("peerengine: publish: announce: %w", err)
	}
	return fileDigest, nil
}

func (e *Engine) announceFile(ctx context.Context, record chunkstore.FileRecord) error {
	all := append(append([]idutil.Digest{}, record.DataChunks...), record.ParityChunks...)
	e.announceChunks(ctx, all)
	return e.announceFileRecord(ctx, record)
}

// announceChunks issues a STORE(chunk:<digest>, self) for every digest in
// digests, bounded to MaxInflight concurrent RPCs. Failures are logged, not
// returned: a partial announcement still leaves the chunk discoverable via
// whichever closest peers did accept the STORE.
func (e *Engine) announceChunks(ctx context.Context, digests []idutil.Digest) {
	self := e.node.Self()

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.MaxInflight)
	errs := make(chan error, len(digests))

	for _, d := range digests {
		d := d
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.node.Set(ctx, chunkKey(d), self, e.cfg.PublishTTL, true); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		e.logger.Warn("peerengine: some chunk announcements failed", zap.Error(firstErr))
	}
}

func (e *Engine) announceFileRecord(ctx context.Context, record chunkstore.FileRecord) error {
	return e.node.Set(ctx, fileKey(record.FileDigest), record, e.cfg.PublishTTL, false)
}

// AnnounceAll re-publishes every chunk and file this node holds locally to
// the DHT: every chunk digest present on disk gets a "chunk:<digest>" STORE
// naming this node as a holder, and every indexed FileRecord gets its
// "file:<digest>" STORE. Used on startup, to restore discoverability for
// content a prior process instance published, and on shutdown, for a final
// announce pass before the DHT node stops answering RPCs.
func (e *Engine) AnnounceAll(ctx context.Context) {
	chunks, err := e.store.ListLocalChunks()
	if err != nil {
		e.logger.Warn("peerengine: announce all: list local chunks failed", zap.Error(err))
	} else {
		e.announceChunks(ctx, chunks)
	}

	for _, record := range e.store.ListFiles() {
		if err := e.announceFileRecord(ctx, record); err != nil {
			e.logger.Warn("peerengine: announce all: file record failed",
				zap.String("file", record.FileDigest.String()), zap.Error(err))
		}
	}
}

func chunkKey(d idutil.Digest) string { return "chunk:" + d.String() }
func fileKey(d idutil.Digest) string  { return "file:" + d.String() }

// FetchFile resolves fileDigest to its metadata (locally or via the DHT),
// ensures every data chunk of every stripe is present locally — fetching
// each from a discovered holder, or reconstructing it from parity when no
// holder answers — then assembles the file at outPath.
func (e *Engine) FetchFile(ctx context.Context, fileDigest idutil.Digest, outPath string) error {
	record, err := e.resolveRecord(ctx, fileDigest)
	if err != nil {
		return fmt.Errorf("peerengine: fetch: %w", err)
	}

	for i := 0; i < record.StripeCount(); i++ {
		if err := e.ensureStripe(ctx, record, i); err != nil {
			return fmt.Errorf("peerengine: fetch: stripe %d: %w", i, err)
		}
	}

	if err := e.store.Commit(record); err != nil {
		return fmt.Errorf("peerengine: fetch: commit: %w", err)
	}
	if err := e.store.Retrieve(fileDigest, outPath); err != nil {
		return fmt.Errorf("peerengine: fetch: assemble: %w", err)
	}
	return nil
}

func (e *Engine) resolveRecord(ctx context.Context, fileDigest idutil.Digest) (chunkstore.FileRecord, error) {
	if record, ok := e.store.Lookup(fileDigest); ok {
		return record, nil
	}

	value, found, err := e.node.Get(ctx, fileKey(fileDigest))
	if err != nil {
		return chunkstore.FileRecord{}, err
	}
	if !found {
		return chunkstore.FileRecord{}, fmt.Errorf("file %s: %w", fileDigest, apperr.ErrNotFound)
	}

	var record chunkstore.FileRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return chunkstore.FileRecord{}, fmt.Errorf("malformed file record: %w", apperr.ErrBadRequest)
	}
	return record, nil
}

// ensureStripe guarantees every data-chunk digest of stripe i is readable
// from the local store on return, fetching what it can from the network and
// erasure-decoding the remainder from whatever shards (data or parity) it
// managed to obtain.
//
// It plans before it fetches: if every data shard is already present
// locally, no network call happens at all. Otherwise it launches fetches for
// the missing shards in order, data shards before parity shards, up to
// MaxInflight at a time, and stops launching once k good shards are in hand.
// It does not wait for the data fetches to fail before starting parity
// fetches: when free slots allow, both run together. Once k good shards
// are in hand — whatever mix of data and parity they are — the stripe is
// reconstructable, and any
// fetch still in flight for a no-longer-needed shard is cancelled.
func (e *Engine) ensureStripe(ctx context.Context, record chunkstore.FileRecord, i int) error {
	dataDigests, parityDigests := record.Stripe(i)
	all := append(append([]idutil.Digest{}, dataDigests...), parityDigests...)
	k := len(dataDigests)

	present := make([]bool, len(all))
	shards := make([][]byte, len(all))
	good := 0

	for idx, d := range all {
		if e.store.HasChunk(d) {
			if data, err := e.store.ReadChunk(d); err == nil {
				present[idx] = true
				shards[idx] = data
				good++
			}
		}
	}
	if good >= k {
		return e.finishStripe(record, dataDigests, all, present, shards)
	}

	// Data shards first, parity after them: with fewer than MaxInflight
	// candidates every fetch starts at once, so parity can be fetched even
	// when the data shards alone would have sufficed.
	order := make([]int, 0, len(all)-good)
	for idx := range dataDigests {
		if !present[idx] {
			order = append(order, idx)
		}
	}
	for idx := range parityDigests {
		pidx := k + idx
		if !present[pidx] {
			order = append(order, pidx)
		}
	}

	stripeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.MaxInflight)
	var mu sync.Mutex

	for _, idx := range order {
		mu.Lock()
		reached := good >= k
		mu.Unlock()
		if reached {
			break // remaining candidates in order are no longer needed.
		}

		idx, d := idx, all[idx]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			mu.Lock()
			skip := good >= k
			mu.Unlock()
			if skip {
				return
			}

			data, err := e.fetchChunkFromNetwork(stripeCtx, d)
			if err != nil {
				if stripeCtx.Err() == nil {
					e.logger.Debug("peerengine: chunk fetch failed", zap.String("digest", d.String()), zap.Error(err))
				}
				return
			}
			if err := e.store.WriteChunk(d, data); err != nil {
				e.logger.Warn("peerengine: write fetched chunk failed", zap.Error(err))
				return
			}

			mu.Lock()
			if !present[idx] {
				present[idx] = true
				shards[idx] = data
				good++
				if good >= k {
					cancel()
				}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	return e.finishStripe(record, dataDigests, all, present, shards)
}

func (e *Engine) finishStripe(record chunkstore.FileRecord, dataDigests, all []idutil.Digest, present []bool, shards [][]byte) error {
	missingData := 0
	for i := range dataDigests {
		if !present[i] {
			missingData++
		}
	}
	if missingData == 0 {
		return nil
	}

	return e.reconstructStripe(record, dataDigests, all, present, shards)
}

func (e *Engine) reconstructStripe(record chunkstore.FileRecord, dataDigests, all []idutil.Digest, present []bool, shards [][]byte) error {
	codec, err := erasure.New(record.K, record.M)
	if err != nil {
		return fmt.Errorf("erasure codec: %w", err)
	}

	decodeInput := make([][]byte, len(all))
	for i := range all {
		if present[i] {
			decodeInput[i] = shards[i]
		}
	}

	recovered, err := codec.Decode(decodeInput)
	if err != nil {
		return fmt.Errorf("%w", err)
	}

	for i, d := range dataDigests {
		if present[i] {
			continue
		}
		if err := e.store.WriteChunk(d, recovered[i]); err != nil {
			return fmt.Errorf("write reconstructed shard: %w", err)
		}
	}
	return nil
}

// fetchChunkFromNetwork discovers holders of digest via the DHT and tries
// each in turn (up to HolderAttempts) until one returns a digest-verified
// chunk.
func (e *Engine) fetchChunkFromNetwork(ctx context.Context, digest idutil.Digest) ([]byte, error) {
	value, found, err := e.node.Get(ctx, chunkKey(digest))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("chunk %s: %w", digest, apperr.ErrNotFound)
	}

	var holders []dht.PeerHandle
	if err := json.Unmarshal(value, &holders); err != nil {
		return nil, fmt.Errorf("malformed holder list: %w", apperr.ErrBadRequest)
	}
	if len(holders) == 0 {
		return nil, fmt.Errorf("chunk %s: %w", digest, apperr.ErrNotFound)
	}

	attempts := e.cfg.HolderAttempts
	if attempts <= 0 || attempts > len(holders) {
		attempts = len(holders)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		holder := holders[i]
		data, err := e.client.FetchChunk(ctx, holder.ServeAddr(), digest)
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = apperr.ErrNotFound
	}
	return nil, fmt.Errorf("chunk %s: exhausted %d holders: %w", digest, attempts, lastErr)
}

// ListLocal returns every file this node has locally indexed.
func (e *Engine) ListLocal() []chunkstore.FileRecord {
	return e.store.ListFiles()
}

// Peers returns the DHT node's currently routable peers, used for status
// reporting.
func (e *Engine) Peers() []dht.PeerHandle {
	return e.node.Table().ClosestN(e.node.Self().NodeID, e.node.Table().Size())
}
