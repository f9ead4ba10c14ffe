// Package erasure implements the (k, m) Reed-Solomon shard encoder/decoder
// used by the chunk store to survive the loss of up to m shards per stripe.
// It is a thin, deterministic wrapper over github.com/klauspost/reedsolomon:
// pure, no I/O, safe to call from any number of goroutines concurrently.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/collective-net/peernet/internal/apperr"
)

// Codec encodes and decodes one (k, m) erasure scheme. Shards within a
// single stripe must all share the same length.
type Codec struct {
	k, m int
	enc  reedsolomon.Encoder
}

// New constructs a Codec for k data shards and m parity shards. m may be 0,
// in which case Encode produces no parity and Decode can only succeed when
// every data shard is present.
func New(k, m int) (*Codec, error) {
	if k < 1 {
		return nil, fmt.Errorf("erasure: k must be >= 1, got %d", k)
	}
	if m < 0 {
		return nil, fmt.Errorf("erasure: m must be >= 0, got %d", m)
	}
	if k+m > 255 {
		return nil, fmt.Errorf("erasure: k+m must be <= 255, got %d", k+m)
	}

	if m == 0 {
		// reedsolomon.New requires at least one parity shard; a pure-k
		// scheme has no encode/decode work to do beyond identity.
		return &Codec{k: k, m: 0}, nil
	}

	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("erasure: construct codec(k=%d,m=%d): %w", k, m, err)
	}
	return &Codec{k: k, m: m, enc: enc}, nil
}

// K returns the configured number of data shards.
func (c *Codec) K() int { return c.k }

// M returns the configured number of parity shards.
func (c *Codec) M() int { return c.m }

// Encode computes m parity shards from exactly k equal-length data shards.
// The input shards are never modified.
func (c *Codec) Encode(dataShards [][]byte) ([][]byte, error) {
	if len(dataShards) != c.k {
		return nil, fmt.Errorf("erasure: encode expected %d data shards, got %d", c.k, len(dataShards))
	}
	if c.m == 0 {
		return nil, nil
	}

	all := make([][]byte, c.k+c.m)
	copy(all, dataShards)
	for i := c.k; i < c.k+c.m; i++ {
		all[i] = make([]byte, len(dataShards[0]))
	}
	if err := c.enc.Encode(all); err != nil {
		return nil, fmt.Errorf("erasure: encode: %w", err)
	}
	return all[c.k:], nil
}

// CanReconstruct reports whether the given set of present shard positions
// (0..k+m-1) suffices to recover all k data shards.
func (c *Codec) CanReconstruct(presentPositions map[int]bool) bool {
	count := 0
	for i := 0; i < c.k+c.m; i++ {
		if presentPositions[i] {
			count++
		}
	}
	return count >= c.k
}

// Decode reconstructs the k data shards given a shard set where missing
// positions are nil. Positions range 0..k-1 for data, k..k+m-1 for parity.
// At least k non-nil shards of equal length are required.
func (c *Codec) Decode(shards [][]byte) ([][]byte, error) {
	if len(shards) != c.k+c.m {
		return nil, fmt.Errorf("erasure: decode expected %d shards, got %d", c.k+c.m, len(shards))
	}

	present := 0
	var shardLen int
	for _, s := range shards {
		if s != nil {
			present++
			shardLen = len(s)
		}
	}
	if present < c.k {
		return nil, fmt.Errorf("erasure: %w: have %d of %d required shards", apperr.ErrUnrecoverable, present, c.k)
	}

	if c.m == 0 {
		// No parity: every data shard must already be present verbatim.
		for i := 0; i < c.k; i++ {
			if shards[i] == nil {
				return nil, fmt.Errorf("erasure: %w: data shard %d missing and m=0", apperr.ErrUnrecoverable, i)
			}
		}
		out := make([][]byte, c.k)
		copy(out, shards[:c.k])
		return out, nil
	}

	work := make([][]byte, len(shards))
	for i, s := range shards {
		if s == nil {
			work[i] = nil
			continue
		}
		b := make([]byte, shardLen)
		copy(b, s)
		work[i] = b
	}

	if err := c.enc.Reconstruct(work); err != nil {
		return nil, fmt.Errorf("erasure: %w: %v", apperr.ErrUnrecoverable, err)
	}

	out := make([][]byte, c.k)
	copy(out, work[:c.k])
	return out, nil
}
