// Package chunkstore implements the content-addressable chunk store: it
// splits files into fixed-size, erasure-coded shards, names each shard by
// the SHA-256 digest of its bytes, and maintains an on-disk index mapping
// file digest to the ordered chunk lists that reassemble it.
package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collective-net/peernet/internal/apperr"
	"github.com/collective-net/peernet/internal/erasure"
	"github.com/collective-net/peernet/internal/idutil"
	"github.com/collective-net/peernet/internal/iopool"
)

// DefaultChunkSize is the chunking unit used when none is configured.
const DefaultChunkSize = 65536

// Store is the content-addressable chunk store rooted at one storage
// directory. A single Store owns the FileIndex for that directory;
// multiple Stores must never share a directory.
type Store struct {
	dir       string
	chunkSize int
	logger    *zap.Logger

	mu        sync.RWMutex // guards records and refs, and serialises index writes
	records   map[string]FileRecord
	refs      map[idutil.Digest]int

	io *iopool.Pool // bounds ReadChunk/WriteChunk/HasChunk off network-serving goroutines
}

// Open opens (creating if necessary) a chunk store rooted at dir, loads its
// index, and removes any partial chunk files left by a prior crash (those
// whose ".tmp" sibling never got renamed into place).
func Open(dir string, chunkSize int, logger *zap.Logger) (*Store, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: create dir: %w", apperr.ErrIO)
	}

	records, err := loadIndex(dir)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: %w: %v", apperr.ErrIO, err)
	}

	if err := cleanupTempFiles(dir); err != nil {
		logger.Warn("chunkstore: temp cleanup failed", zap.Error(err))
	}

	s := &Store{
		dir:       dir,
		chunkSize: chunkSize,
		logger:    logger,
		records:   records,
		refs:      refcounts(records),
		io:        iopool.New(iopool.DefaultWorkers),
	}
	return s, nil
}

// Close stops this store's bounded disk-I/O worker pool, waiting for any
// in-flight chunk read/write to finish. The on-disk index itself needs no
// separate flush: every mutation already rewrites it via
// temp-file-then-rename before returning.
func (s *Store) Close() error {
	s.io.Close()
	return nil
}

func cleanupTempFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".tmp") {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func (s *Store) chunkPath(d idutil.Digest) string {
	return filepath.Join(s.dir, d.String())
}

// ChunkPath returns the on-disk path backing digest, for tooling that needs
// to operate on the raw file (scrub, backup, deliberate eviction).
func (s *Store) ChunkPath(d idutil.Digest) string {
	return s.chunkPath(d)
}

// ChunkSize returns the chunking unit this store was opened with.
func (s *Store) ChunkSize() int { return s.chunkSize }

// WriteChunk writes bytes under their digest, verifying hash(bytes) ==
// digest first. The write is atomic (temp file, then rename); concurrent
// writes of the same digest are idempotent because the name is
// content-derived, so the last completer simply wins the rename.
func (s *Store) WriteChunk(digest idutil.Digest, data []byte) error {
	if idutil.HashBytes(data) != digest {
		return fmt.Errorf("chunkstore: write %s: %w", digest, apperr.ErrDigestMismatch)
	}

	return s.io.Run(func() error {
		final := s.chunkPath(digest)
		if _, err := os.Stat(final); err == nil {
			return nil // already present; writing is idempotent.
		}

		tmp := final + fmt.Sprintf(".%d.tmp", time.Now().UnixNano())
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("chunkstore: write chunk tmp: %w", apperr.ErrIO)
		}
		if err := os.Rename(tmp, final); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("chunkstore: rename chunk: %w", apperr.ErrIO)
		}
		return nil
	})
}

// ReadChunk returns the exact bytes stored under digest.
func (s *Store) ReadChunk(digest idutil.Digest) ([]byte, error) {
	var data []byte
	err := s.io.Run(func() error {
		b, err := os.ReadFile(s.chunkPath(digest))
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("chunkstore: chunk %s: %w", digest, apperr.ErrNotFound)
			}
			return fmt.Errorf("chunkstore: read chunk: %w", apperr.ErrIO)
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// HasChunk reports whether digest is present locally without reading it.
func (s *Store) HasChunk(digest idutil.Digest) bool {
	found := false
	_ = s.io.Run(func() error {
		_, err := os.Stat(s.chunkPath(digest))
		found = err == nil
		return nil
	})
	return found
}

// ListLocalChunks enumerates the digests of chunk files present in the
// storage directory, without reading their contents.
func (s *Store) ListLocalChunks() ([]idutil.Digest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: list dir: %w", apperr.ErrIO)
	}

	var out []idutil.Digest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "index.json" || strings.HasSuffix(name, ".tmp") {
			continue
		}
		d, err := idutil.ParseDigest(name)
		if err != nil {
			continue // not a chunk file; ignore foreign entries.
		}
		out = append(out, d)
	}
	return out, nil
}

// ListFiles returns a snapshot of every FileRecord currently indexed.
func (s *Store) ListFiles() []FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FileRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FileDigest.String() < out[j].FileDigest.String()
	})
	return out
}

// Lookup returns the FileRecord for digest, if indexed.
func (s *Store) Lookup(digest idutil.Digest) (FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[digest.String()]
	return r.clone(), ok
}

// ChunkRefCount reports how many times live FileRecords list digest, each
// data or parity listing counted separately (a digest listed twice in one
// record counts 2). Supplements the core Delete operation with visibility into why a chunk
// survived a prior delete.
func (s *Store) ChunkRefCount(digest idutil.Digest) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs[digest]
}

// Store splits the file at path into chunk_size data shards (the last shard
// zero-padded to chunk_size, then all-zero shards appended until the count
// is a multiple of k), erasure-encodes
// each stripe of k shards into k+m shards, writes every shard to disk, and
// commits a FileRecord under the file's digest. Calling Store twice with
// identical bytes is an idempotent success: no bytes are rewritten and only
// accessed_at advances.
func (s *Store) Store(path string, k, m int) (idutil.Digest, error) {
	if k < 1 {
		return idutil.Digest{}, fmt.Errorf("chunkstore: k must be >= 1")
	}
	if m < 0 || k+m > 255 {
		return idutil.Digest{}, fmt.Errorf("chunkstore: invalid (k=%d, m=%d)", k, m)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return idutil.Digest{}, fmt.Errorf("chunkstore: read source: %w", apperr.ErrIO)
	}

	fileDigest := idutil.HashBytes(data)
	now := time.Now()

	s.mu.Lock()
	if existing, ok := s.records[fileDigest.String()]; ok {
		existing.AccessedAt = now
		s.records[fileDigest.String()] = existing
		if err := saveIndex(s.dir, s.chunkSize, s.records); err != nil {
			s.mu.Unlock()
			return idutil.Digest{}, fmt.Errorf("chunkstore: %w: %v", apperr.ErrIO, err)
		}
		s.mu.Unlock()
		return fileDigest, nil
	}
	s.mu.Unlock()

	dataShards, err := s.splitIntoShards(data)
	if err != nil {
		return idutil.Digest{}, err
	}
	// Pad the shard count up to a multiple of k so every stripe has exactly
	// k data shards.
	for len(dataShards)%k != 0 {
		dataShards = append(dataShards, make([]byte, s.chunkSize))
	}

	codec, err := erasure.New(k, m)
	if err != nil {
		return idutil.Digest{}, fmt.Errorf("chunkstore: %w", err)
	}

	stripes := len(dataShards) / k
	dataDigests := make([]idutil.Digest, 0, len(dataShards))
	parityDigests := make([]idutil.Digest, 0, stripes*m)

	for i := 0; i < stripes; i++ {
		stripe := dataShards[i*k : (i+1)*k]
		for _, shard := range stripe {
			d := idutil.HashBytes(shard)
			if err := s.WriteChunk(d, shard); err != nil {
				return idutil.Digest{}, err
			}
			dataDigests = append(dataDigests, d)
		}

		if m > 0 {
			parity, err := codec.Encode(stripe)
			if err != nil {
				return idutil.Digest{}, fmt.Errorf("chunkstore: encode stripe %d: %w", i, err)
			}
			for _, shard := range parity {
				d := idutil.HashBytes(shard)
				if err := s.WriteChunk(d, shard); err != nil {
					return idutil.Digest{}, err
				}
				parityDigests = append(parityDigests, d)
			}
		}
	}

	record := FileRecord{
		FileDigest:   fileDigest,
		OriginalName: filepath.Base(path),
		Size:         int64(len(data)),
		K:            k,
		M:            m,
		ChunkSize:    s.chunkSize,
		DataChunks:   dataDigests,
		ParityChunks: parityDigests,
		CreatedAt:    now,
		AccessedAt:   now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[fileDigest.String()] = record
	for _, d := range dataDigests {
		s.refs[d]++
	}
	for _, d := range parityDigests {
		s.refs[d]++
	}
	if err := saveIndex(s.dir, s.chunkSize, s.records); err != nil {
		delete(s.records, fileDigest.String())
		return idutil.Digest{}, fmt.Errorf("chunkstore: %w: %v", apperr.ErrIO, err)
	}

	return fileDigest, nil
}

// Commit inserts a FileRecord obtained from a remote peer (via DHT lookup)
// into the index without re-deriving it from a local source file. Callers
// must have already written every chunk the record references into this
// store (directly fetched or erasure-reconstructed) before calling Commit;
// it is the counterpart to Store for files this node did not originate.
func (s *Store) Commit(record FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := record.FileDigest.String()
	if _, ok := s.records[key]; ok {
		return nil // already indexed; idempotent.
	}

	s.records[key] = record.clone()
	for _, d := range record.DataChunks {
		s.refs[d]++
	}
	for _, d := range record.ParityChunks {
		s.refs[d]++
	}
	if err := saveIndex(s.dir, s.chunkSize, s.records); err != nil {
		delete(s.records, key)
		return fmt.Errorf("chunkstore: %w: %v", apperr.ErrIO, err)
	}
	return nil
}

// splitIntoShards divides data into chunk_size-sized shards, zero-padding
// only the final shard. An empty file yields zero shards.
func (s *Store) splitIntoShards(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var shards [][]byte
	for off := 0; off < len(data); off += s.chunkSize {
		end := off + s.chunkSize
		if end > len(data) {
			end = len(data)
		}
		shard := make([]byte, s.chunkSize)
		copy(shard, data[off:end])
		shards = append(shards, shard)
	}
	return shards, nil
}

// Retrieve assembles the file identified by fileDigest into outPath,
// truncating the stripe-boundary padding. Fails with apperr.ErrNotFound
// (wrapped as a MissingChunk condition) if a required data chunk is absent
// locally; PeerEngine is responsible for network fetch in that case.
func (s *Store) Retrieve(fileDigest idutil.Digest, outPath string) error {
	record, ok := s.Lookup(fileDigest)
	if !ok {
		return fmt.Errorf("chunkstore: file %s: %w", fileDigest, apperr.ErrNotFound)
	}

	tmp := outPath + fmt.Sprintf(".%d.tmp", time.Now().UnixNano())
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("chunkstore: create output: %w", apperr.ErrIO)
	}

	written := int64(0)
	for _, d := range record.DataChunks {
		remaining := record.Size - written
		if remaining <= 0 {
			break
		}
		data, err := s.ReadChunk(d)
		if err != nil {
			out.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("chunkstore: missing chunk %s: %w", d, apperr.ErrNotFound)
		}
		n := int64(len(data))
		if n > remaining {
			n = remaining
		}
		if _, err := out.Write(data[:n]); err != nil {
			out.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("chunkstore: write output: %w", apperr.ErrIO)
		}
		written += n
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chunkstore: close output: %w", apperr.ErrIO)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chunkstore: rename output: %w", apperr.ErrIO)
	}

	s.touchAccessed(fileDigest)
	return nil
}

func (s *Store) touchAccessed(fileDigest idutil.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[fileDigest.String()]
	if !ok {
		return
	}
	r.AccessedAt = time.Now()
	s.records[fileDigest.String()] = r
	if err := saveIndex(s.dir, s.chunkSize, s.records); err != nil {
		s.logger.Warn("chunkstore: failed to persist accessed_at", zap.Error(err))
	}
}

// Delete decrements the reference count of every chunk the given file
// digest's record references, physically removing any chunk whose count
// reaches zero, then removes the record from the index.
func (s *Store) Delete(fileDigest idutil.Digest) error {
	s.mu.Lock()
	record, ok := s.records[fileDigest.String()]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("chunkstore: file %s: %w", fileDigest, apperr.ErrNotFound)
	}
	delete(s.records, fileDigest.String())

	var toRemove []idutil.Digest
	all := append(append([]idutil.Digest{}, record.DataChunks...), record.ParityChunks...)
	for _, d := range all {
		s.refs[d]--
		if s.refs[d] <= 0 {
			delete(s.refs, d)
			toRemove = append(toRemove, d)
		}
	}

	err := saveIndex(s.dir, s.chunkSize, s.records)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("chunkstore: %w: %v", apperr.ErrIO, err)
	}

	for _, d := range toRemove {
		if rmErr := os.Remove(s.chunkPath(d)); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("chunkstore: failed to remove orphaned chunk", zap.String("digest", d.String()), zap.Error(rmErr))
		}
	}
	return nil
}
