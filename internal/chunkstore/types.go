package chunkstore

import (
	"time"

	"github.com/collective-net/peernet/internal/idutil"
)

// FileRecord is the metadata for one complete stored file, per the
// content-addressable data model: the file digest is the primary key, the
// ordered chunk lists describe how to reassemble or erasure-decode it.
type FileRecord struct {
	FileDigest   idutil.Digest   `json:"file_digest"`
	OriginalName string          `json:"original_name,omitempty"`
	Size         int64           `json:"size"`
	K            int             `json:"k"`
	M            int             `json:"m"`
	ChunkSize    int             `json:"chunk_size"`
	DataChunks   []idutil.Digest `json:"data_chunks"`
	ParityChunks []idutil.Digest `json:"parity_chunks"`
	CreatedAt    time.Time       `json:"created_at"`
	AccessedAt   time.Time       `json:"accessed_at"`
}

// StripeCount returns the number of k+m stripes composing the file.
func (r FileRecord) StripeCount() int {
	if r.K == 0 {
		return 0
	}
	return len(r.DataChunks) / r.K
}

// Stripe returns the data and parity chunk digests for stripe i.
func (r FileRecord) Stripe(i int) (data []idutil.Digest, parity []idutil.Digest) {
	data = r.DataChunks[i*r.K : (i+1)*r.K]
	if r.M > 0 {
		parity = r.ParityChunks[i*r.M : (i+1)*r.M]
	}
	return data, parity
}

// clone returns a deep-enough copy safe to hand to callers outside the lock.
func (r FileRecord) clone() FileRecord {
	out := r
	out.DataChunks = append([]idutil.Digest(nil), r.DataChunks...)
	out.ParityChunks = append([]idutil.Digest(nil), r.ParityChunks...)
	return out
}
