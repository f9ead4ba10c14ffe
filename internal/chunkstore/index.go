package chunkstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/collective-net/peernet/internal/idutil"
)

const indexFormatVersion = 1

// onDiskIndex is the persisted shape of index.json. The format/digest/chunk
// fields are the header the distribution protocol requires so a future
// change to the digest algorithm or default chunk size can't silently
// misinterpret an old store.
type onDiskIndex struct {
	FormatVersion  int                   `json:"format_version"`
	DigestAlgo     string                `json:"digest_algorithm"`
	DefaultChunk   int                   `json:"default_chunk_size"`
	Records        map[string]FileRecord `json:"records"`
}

// loadIndex reads index.json from dir. A missing file is treated as an
// empty, freshly formatted index.
func loadIndex(dir string) (map[string]FileRecord, error) {
	path := filepath.Join(dir, "index.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]FileRecord), nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}

	var disk onDiskIndex
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if disk.Records == nil {
		disk.Records = make(map[string]FileRecord)
	}
	return disk.Records, nil
}

// saveIndex writes records as a complete replacement of index.json, via
// temp-file-then-rename so a concurrent reader or a crash mid-write never
// observes a torn file.
func saveIndex(dir string, chunkSize int, records map[string]FileRecord) error {
	disk := onDiskIndex{
		FormatVersion: indexFormatVersion,
		DigestAlgo:    "sha256",
		DefaultChunk:  chunkSize,
		Records:       records,
	}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	final := filepath.Join(dir, "index.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index tmp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// refcounts recomputes, from the record set, how many times live
// FileRecords list each chunk digest (every data or parity listing counts
// once, so a digest listed twice in one record counts 2). Kept in memory only; rebuilt from the index
// on every load so no separate persisted structure can drift out of sync.
func refcounts(records map[string]FileRecord) map[idutil.Digest]int {
	counts := make(map[idutil.Digest]int)
	for _, r := range records {
		for _, d := range r.DataChunks {
			counts[d]++
		}
		for _, d := range r.ParityChunks {
			counts[d]++
		}
	}
	return counts
}
