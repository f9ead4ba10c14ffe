// Package dht implements the Kademlia-style overlay: routing table
// maintenance, RPC handling, iterative lookup, and key replication, used by
// the peer engine to discover which peers hold a chunk or file.
package dht

import (
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/collective-net/peernet/internal/idutil"
)

// NumBuckets is the number of k-buckets (one per bit of the 160-bit id
// space).
const NumBuckets = idutil.NodeIDSize * 8

// DefaultK is the default replication factor / bucket capacity.
const DefaultK = 20

// bucket holds up to K contacts ordered least-recently-seen first.
type bucket struct {
	mu       sync.Mutex
	contacts []contact
}

// RoutingTable is a Kademlia routing table of NumBuckets k-buckets, indexed
// by the common-prefix length between the local id and a peer's id. Each
// bucket has its own mutex; no operation ever locks across buckets.
type RoutingTable struct {
	self    idutil.NodeID
	k       int
	buckets [NumBuckets]*bucket
}

// NewRoutingTable constructs an empty routing table for the local id.
func NewRoutingTable(self idutil.NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = DefaultK
	}
	rt := &RoutingTable{self: self, k: k}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

// Self returns the local node id.
func (rt *RoutingTable) Self() idutil.NodeID { return rt.self }

// bucketIndex returns the k-bucket index for a peer relative to self: the
// position (from the most significant bit) of the highest set bit in the
// XOR distance. Identical ids fall in the last bucket.
func bucketIndex(self, other idutil.NodeID) int {
	dist := idutil.XOR(self, other)
	for i := 0; i < idutil.NodeIDSize; i++ {
		if dist[i] != 0 {
			lz := bits.LeadingZeros8(dist[i])
			return i*8 + lz
		}
	}
	return NumBuckets - 1
}

// Observe records an RPC from peer. If the peer is already in its bucket it
// moves to most-recently-seen; if the bucket has room it is appended;
// otherwise liveness of the least-recently-seen contact is the caller's
// responsibility via ReplaceOldest — Observe itself never blocks on the
// network, so a full bucket simply ignores the newcomer until space frees.
func (rt *RoutingTable) Observe(peer PeerHandle) {
	if peer.NodeID == rt.self {
		return
	}
	b := rt.buckets[bucketIndex(rt.self, peer.NodeID)]

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range b.contacts {
		if c.handle.NodeID == peer.NodeID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, contact{handle: peer, lastSeen: time.Now()})
			return
		}
	}

	if len(b.contacts) < rt.k {
		b.contacts = append(b.contacts, contact{handle: peer, lastSeen: time.Now()})
	}
	// Bucket full: the newcomer is dropped here; eviction of a
	// failed-liveness-check incumbent happens via ReplaceOldest, called by the
	// node layer after pinging the least-recently-seen contact.
}

// LeastRecentlySeen returns the oldest contact in peer's bucket, if any,
// used by the node layer to liveness-check before admitting a newcomer.
func (rt *RoutingTable) LeastRecentlySeen(target idutil.NodeID) (PeerHandle, bool) {
	b := rt.buckets[bucketIndex(rt.self, target)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contacts) == 0 {
		return PeerHandle{}, false
	}
	return b.contacts[0].handle, true
}

// BucketFull reports whether the bucket that would hold target is at
// capacity.
func (rt *RoutingTable) BucketFull(target idutil.NodeID) bool {
	b := rt.buckets[bucketIndex(rt.self, target)]
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts) >= rt.k
}

// ReplaceOldest evicts the least-recently-seen contact of target's bucket
// (if it matches stale) and inserts newcomer in its place.
func (rt *RoutingTable) ReplaceOldest(target idutil.NodeID, stale idutil.NodeID, newcomer PeerHandle) {
	b := rt.buckets[bucketIndex(rt.self, target)]
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.contacts {
		if c.handle.NodeID == stale {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			break
		}
	}
	if len(b.contacts) < rt.k {
		b.contacts = append(b.contacts, contact{handle: newcomer, lastSeen: time.Now()})
	}
}

// RecordFailure increments the consecutive-failure count for id; three
// consecutive failures evict it from the routing table outright.
func (rt *RoutingTable) RecordFailure(id idutil.NodeID) {
	b := rt.buckets[bucketIndex(rt.self, id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.contacts {
		if b.contacts[i].handle.NodeID == id {
			b.contacts[i].fails++
			if b.contacts[i].fails >= 3 {
				b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			}
			return
		}
	}
}

// ClosestN returns up to n contacts closest to target by XOR distance,
// sorted ascending.
func (rt *RoutingTable) ClosestN(target idutil.NodeID, n int) []PeerHandle {
	var all []PeerHandle
	for _, b := range rt.buckets {
		b.mu.Lock()
		for _, c := range b.contacts {
			all = append(all, c.handle)
		}
		b.mu.Unlock()
	}

	sort.Slice(all, func(i, j int) bool {
		return idutil.Less(target, all[i].NodeID, all[j].NodeID)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// NonEmptyBuckets returns the indices of buckets that currently hold at
// least one contact, used by the periodic bucket-refresh task.
func (rt *RoutingTable) NonEmptyBuckets() []int {
	var out []int
	for i, b := range rt.buckets {
		b.mu.Lock()
		n := len(b.contacts)
		b.mu.Unlock()
		if n > 0 {
			out = append(out, i)
		}
	}
	return out
}

// RandomIDInBucket returns a random id whose common-prefix length with self
// places it in bucket index i, for the bucket-refresh lookup.
func RandomIDInBucket(self idutil.NodeID, i int) idutil.NodeID {
	id, _ := idutil.NewRandomNodeID()
	// Force the top i bits to match self, and bit i to differ, so the
	// result's bucket index relative to self is exactly i.
	for bitPos := 0; bitPos < i; bitPos++ {
		setBit(&id, bitPos, getBit(self, bitPos))
	}
	setBit(&id, i, getBit(self, i)^1)
	return id
}

func getBit(id idutil.NodeID, pos int) byte {
	byteIdx := pos / 8
	bitIdx := 7 - (pos % 8)
	return (id[byteIdx] >> bitIdx) & 1
}

func setBit(id *idutil.NodeID, pos int, val byte) {
	byteIdx := pos / 8
	bitIdx := 7 - (pos % 8)
	if val == 1 {
		id[byteIdx] |= 1 << bitIdx
	} else {
		id[byteIdx] &^= 1 << bitIdx
	}
}

// Size returns the total number of contacts across all buckets.
func (rt *RoutingTable) Size() int {
	total := 0
	for _, b := range rt.buckets {
		b.mu.Lock()
		total += len(b.contacts)
		b.mu.Unlock()
	}
	return total
}
