package dht

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/collective-net/peernet/internal/idutil"
)

const numStoreShards = 16

// DefaultTTL is the default lifetime of a DHT key/value entry.
const DefaultTTL = time.Hour

type entry struct {
	value     json.RawMessage
	expiresAt time.Time
}

type storeShard struct {
	mu      sync.Mutex
	entries map[idutil.NodeID]entry
}

// LocalStore is the sharded key/value map a node holds on behalf of the
// network: each key maps to either a single JSON value (file metadata) or,
// when populated via Append, a list of PeerHandles merged from repeated
// chunk-holder announcements.
type LocalStore struct {
	shards [numStoreShards]*storeShard
}

// NewLocalStore constructs an empty sharded store.
func NewLocalStore() *LocalStore {
	s := &LocalStore{}
	for i := range s.shards {
		s.shards[i] = &storeShard{entries: make(map[idutil.NodeID]entry)}
	}
	return s
}

func (s *LocalStore) shardFor(key idutil.NodeID) *storeShard {
	return s.shards[key[0]%numStoreShards]
}

// Put replaces the value stored at key outright.
func (s *LocalStore) Put(key idutil.NodeID, value json.RawMessage, ttl time.Duration) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Append merges a single PeerHandle into the JSON-array value stored at
// key, deduplicating by node id and refreshing that holder's expiry. Used
// for "chunk:<digest>" keys, whose DHTStore value is the list of peers
// claiming to hold that chunk.
func (s *LocalStore) Append(key idutil.NodeID, holder PeerHandle, ttl time.Duration) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var holders []PeerHandle
	if e, ok := sh.entries[key]; ok && time.Now().Before(e.expiresAt) {
		_ = json.Unmarshal(e.value, &holders)
	}

	replaced := false
	for i, h := range holders {
		if h.NodeID == holder.NodeID {
			holders[i] = holder
			replaced = true
			break
		}
	}
	if !replaced {
		holders = append(holders, holder)
	}

	encoded, _ := json.Marshal(holders)
	sh.entries[key] = entry{value: encoded, expiresAt: time.Now().Add(ttl)}
}

// Get returns the value at key if present and not expired.
func (s *LocalStore) Get(key idutil.NodeID) (json.RawMessage, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(sh.entries, key)
		return nil, false
	}
	return e.value, true
}

// Delete removes key unconditionally.
func (s *LocalStore) Delete(key idutil.NodeID) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, key)
}

// Keys returns every non-expired key currently held, evicting expired ones
// as it goes. Intended for the periodic expiry sweep.
func (s *LocalStore) Keys() []idutil.NodeID {
	var out []idutil.NodeID
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if now.After(e.expiresAt) {
				delete(sh.entries, k)
				continue
			}
			out = append(out, k)
		}
		sh.mu.Unlock()
	}
	return out
}

// Sweep removes all expired entries and returns the count removed.
func (s *LocalStore) Sweep() int {
	removed := 0
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if now.After(e.expiresAt) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
