package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collective-net/peernet/internal/apperr"
	"github.com/collective-net/peernet/internal/idutil"
)

// Alpha is the iterative-lookup fan-out: the number of unqueried peers
// contacted in parallel per round.
const Alpha = 3

// DefaultRefreshInterval is how often a non-empty bucket is refreshed via a
// find_node lookup on a random id within its range.
const DefaultRefreshInterval = time.Hour

// DefaultLookupTimeout bounds one end-to-end iterative lookup.
const DefaultLookupTimeout = 20 * time.Second

type publication struct {
	keyForm string
	keyID   idutil.NodeID
	value   json.RawMessage
	ttl     time.Duration
	append  bool
}

// Node is one participant in the Kademlia overlay: routing table, local
// key/value store, and the UDP transport carrying PING/FIND_NODE/
// FIND_VALUE/STORE RPCs.
type Node struct {
	self   PeerHandle
	table  *RoutingTable
	store  *LocalStore
	trans  *datagramTransport
	logger *zap.Logger

	k int

	mu           sync.Mutex
	publications map[string]publication

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode constructs a Node bound to a UDP socket at bindAddr (host:port).
// self.DHTPort should match the bound port; callers typically resolve port
// 0 to get an ephemeral port and then fix up self accordingly.
func NewNode(self PeerHandle, bindAddr string, k int, logger *zap.Logger) (*Node, error) {
	if k <= 0 {
		k = DefaultK
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("dht: resolve bind addr: %w", apperr.ErrConfig)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dht: listen udp: %w", apperr.ErrConfig)
	}
	if self.DHTPort == 0 {
		self.DHTPort = conn.LocalAddr().(*net.UDPAddr).Port
	}

	n := &Node{
		self:         self,
		table:        NewRoutingTable(self.NodeID, k),
		store:        NewLocalStore(),
		trans:        newDatagramTransport(conn, logger),
		logger:       logger,
		k:            k,
		publications: make(map[string]publication),
	}
	n.trans.setHandler(n.handleInbound)
	return n, nil
}

// Self returns this node's own PeerHandle.
func (n *Node) Self() PeerHandle { return n.self }

// Table exposes the routing table for introspection (e.g. Stats()).
func (n *Node) Table() *RoutingTable { return n.table }

// Start begins the datagram read loop, the periodic expiry sweep, the
// republisher, and the bucket-refresh task.
func (n *Node) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.trans.run(ctx)
	}()

	n.wg.Add(1)
	go n.sweepLoop(ctx)

	n.wg.Add(1)
	go n.republishLoop(ctx)

	n.wg.Add(1)
	go n.refreshLoop(ctx)
}

// Shutdown stops all background tasks and closes the UDP socket.
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	_ = n.trans.close()
}

// Bootstrap inserts the given peers into the routing table and performs a
// find_node(self) against each, then refreshes every bucket.
func (n *Node) Bootstrap(ctx context.Context, peers []PeerHandle) error {
	for _, p := range peers {
		n.table.Observe(p)
	}
	for _, p := range peers {
		if _, err := n.findNodeRPC(ctx, p, n.self.NodeID); err != nil {
			n.logger.Debug("dht: bootstrap peer unreachable", zap.String("peer", p.DHTAddr()), zap.Error(err))
		}
	}
	if _, err := n.FindNode(ctx, n.self.NodeID); err != nil {
		return err
	}
	n.refreshAllBuckets(ctx)
	return nil
}

// --- outbound RPCs ---

func (n *Node) pingRPC(ctx context.Context, peer PeerHandle) error {
	dg := Datagram{Txn: newTxnID(), Type: MsgPing, Sender: n.self}
	resp, err := n.trans.request(ctx, peer.DHTAddr(), dg, DefaultRPCTimeout)
	if err != nil {
		n.table.RecordFailure(peer.NodeID)
		return fmt.Errorf("dht: ping %s: %w", peer.NodeID, apperr.ErrRPCTimeout)
	}
	if resp.Type != MsgPong {
		return fmt.Errorf("dht: ping %s: unexpected reply %s", peer.NodeID, resp.Type)
	}
	n.table.Observe(peer)
	return nil
}

func (n *Node) findNodeRPC(ctx context.Context, peer PeerHandle, target idutil.NodeID) ([]PeerHandle, error) {
	payload, _ := json.Marshal(findNodePayload{Target: target})
	dg := Datagram{Txn: newTxnID(), Type: MsgFindNode, Sender: n.self, Payload: payload}

	resp, err := n.trans.request(ctx, peer.DHTAddr(), dg, DefaultRPCTimeout)
	if err != nil {
		n.table.RecordFailure(peer.NodeID)
		return nil, fmt.Errorf("dht: find_node %s: %w", peer.NodeID, apperr.ErrRPCTimeout)
	}
	if resp.Type != MsgNodes {
		return nil, fmt.Errorf("dht: find_node %s: unexpected reply %s", peer.NodeID, resp.Type)
	}
	var np nodesPayload
	if err := json.Unmarshal(resp.Payload, &np); err != nil {
		return nil, fmt.Errorf("dht: find_node %s: malformed reply", peer.NodeID)
	}
	n.table.Observe(peer)
	return np.Peers, nil
}

func (n *Node) findValueRPC(ctx context.Context, peer PeerHandle, key idutil.NodeID) (json.RawMessage, []PeerHandle, bool, error) {
	payload, _ := json.Marshal(findValuePayload{Key: key})
	dg := Datagram{Txn: newTxnID(), Type: MsgFindValue, Sender: n.self, Payload: payload}

	resp, err := n.trans.request(ctx, peer.DHTAddr(), dg, DefaultRPCTimeout)
	if err != nil {
		n.table.RecordFailure(peer.NodeID)
		return nil, nil, false, fmt.Errorf("dht: find_value %s: %w", peer.NodeID, apperr.ErrRPCTimeout)
	}
	n.table.Observe(peer)

	switch resp.Type {
	case MsgValue:
		var vp valuePayload
		if err := json.Unmarshal(resp.Payload, &vp); err != nil {
			return nil, nil, false, fmt.Errorf("dht: find_value %s: malformed value", peer.NodeID)
		}
		return vp.Value, nil, true, nil
	case MsgNodes:
		var np nodesPayload
		if err := json.Unmarshal(resp.Payload, &np); err != nil {
			return nil, nil, false, fmt.Errorf("dht: find_value %s: malformed nodes", peer.NodeID)
		}
		return nil, np.Peers, false, nil
	default:
		return nil, nil, false, fmt.Errorf("dht: find_value %s: unexpected reply %s", peer.NodeID, resp.Type)
	}
}

func (n *Node) storeRPC(ctx context.Context, peer PeerHandle, key idutil.NodeID, value json.RawMessage, ttl time.Duration, appendMode bool) error {
	payload, _ := json.Marshal(storePayload{Key: key, Value: value, TTLSec: int64(ttl.Seconds()), Append: appendMode})
	dg := Datagram{Txn: newTxnID(), Type: MsgStore, Sender: n.self, Payload: payload}

	resp, err := n.trans.request(ctx, peer.DHTAddr(), dg, DefaultRPCTimeout)
	if err != nil {
		n.table.RecordFailure(peer.NodeID)
		return fmt.Errorf("dht: store %s: %w", peer.NodeID, apperr.ErrRPCTimeout)
	}
	if resp.Type != MsgAck {
		return fmt.Errorf("dht: store %s: unexpected reply %s", peer.NodeID, resp.Type)
	}
	n.table.Observe(peer)
	return nil
}

// --- inbound RPC handling ---

func (n *Node) handleInbound(dg Datagram, addr *net.UDPAddr) {
	if dg.Sender.NodeID != (idutil.NodeID{}) {
		n.observeWithLiveness(dg.Sender)
	}

	switch dg.Type {
	case MsgPing:
		n.reply(addr, dg.Txn, MsgPong, struct{}{})
	case MsgFindNode:
		var fp findNodePayload
		if err := json.Unmarshal(dg.Payload, &fp); err != nil {
			return
		}
		peers := n.table.ClosestN(fp.Target, n.k)
		n.reply(addr, dg.Txn, MsgNodes, nodesPayload{Peers: peers})
	case MsgFindValue:
		var fp findValuePayload
		if err := json.Unmarshal(dg.Payload, &fp); err != nil {
			return
		}
		if value, ok := n.store.Get(fp.Key); ok {
			n.reply(addr, dg.Txn, MsgValue, valuePayload{Value: value})
			return
		}
		peers := n.table.ClosestN(fp.Key, n.k)
		n.reply(addr, dg.Txn, MsgNodes, nodesPayload{Peers: peers})
	case MsgStore:
		var sp storePayload
		if err := json.Unmarshal(dg.Payload, &sp); err != nil {
			return
		}
		ttl := time.Duration(sp.TTLSec) * time.Second
		if ttl <= 0 {
			ttl = DefaultTTL
		}
		if sp.Append {
			var holder PeerHandle
			if err := json.Unmarshal(sp.Value, &holder); err == nil {
				n.store.Append(sp.Key, holder, ttl)
			}
		} else {
			n.store.Put(sp.Key, sp.Value, ttl)
		}
		n.reply(addr, dg.Txn, MsgAck, ackPayload{Stored: true})
	}
}

func (n *Node) reply(addr *net.UDPAddr, txn uint64, msgType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = n.trans.send(addr.String(), Datagram{Txn: txn, Type: msgType, Sender: n.self, Payload: body})
}

// observeWithLiveness implements the routing-table admission policy: if the
// peer's bucket is full and the peer is unknown, the least-recently-seen
// incumbent is pinged; only if it fails to respond is it evicted in favor
// of the newcomer.
func (n *Node) observeWithLiveness(peer PeerHandle) {
	if !n.table.BucketFull(peer.NodeID) {
		n.table.Observe(peer)
		return
	}
	incumbent, ok := n.table.LeastRecentlySeen(peer.NodeID)
	if !ok || incumbent.NodeID == peer.NodeID {
		n.table.Observe(peer)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultRPCTimeout)
		defer cancel()
		if err := n.pingRPC(ctx, incumbent); err != nil {
			n.table.ReplaceOldest(peer.NodeID, incumbent.NodeID, peer)
		}
	}()
}

// --- iterative lookup ---

type shortlistEntry struct {
	handle  PeerHandle
	queried bool
}

// FindNode performs the iterative find_node(target) procedure: starting
// from the K closest known contacts, it queries up to Alpha unqueried
// peers per round, merges replies, and terminates when a round fails to
// improve the closest peer seen or every close peer has been queried.
func (n *Node) FindNode(ctx context.Context, target idutil.NodeID) ([]PeerHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultLookupTimeout)
	defer cancel()

	shortlist := n.seedShortlist(target)

	for {
		batch := pickUnqueried(shortlist, Alpha)
		if len(batch) == 0 {
			break
		}

		closestBefore := closestOf(shortlist, target)
		results := n.queryBatch(ctx, batch, func(p PeerHandle) ([]PeerHandle, error) {
			return n.findNodeRPC(ctx, p, target)
		})
		markQueried(shortlist, batch)
		shortlist = mergeShortlist(shortlist, results, target, n.k)

		closestAfter := closestOf(shortlist, target)
		if closestBefore != nil && closestAfter != nil && *closestBefore == *closestAfter {
			if allClosestQueried(shortlist, target, n.k) {
				break
			}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dht: find_node: %w", apperr.ErrCancelled)
		}
	}

	out := make([]PeerHandle, 0, len(shortlist))
	for _, e := range shortlist {
		out = append(out, e.handle)
	}
	sort.Slice(out, func(i, j int) bool { return idutil.Less(target, out[i].NodeID, out[j].NodeID) })
	if len(out) > n.k {
		out = out[:n.k]
	}
	return out, nil
}

// FindValue performs the iterative find_value(key) procedure: identical to
// FindNode except it returns immediately on any VALUE response, and then
// republishes the value to the closest queried peer that lacked it.
func (n *Node) FindValue(ctx context.Context, key idutil.NodeID) (json.RawMessage, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultLookupTimeout)
	defer cancel()

	if value, ok := n.store.Get(key); ok {
		return value, true, nil
	}

	shortlist := n.seedShortlist(key)
	var foundValue json.RawMessage
	lacked := make(map[idutil.NodeID]bool)

	for foundValue == nil {
		batch := pickUnqueried(shortlist, Alpha)
		if len(batch) == 0 {
			break
		}

		closestBefore := closestOf(shortlist, key)

		type result struct {
			peer  PeerHandle
			value json.RawMessage
			found bool
			peers []PeerHandle
		}
		var mu sync.Mutex
		var results []result
		var wg sync.WaitGroup
		for _, p := range batch {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()
				value, peers, found, err := n.findValueRPC(ctx, p, key)
				if err != nil {
					return
				}
				mu.Lock()
				results = append(results, result{peer: p, value: value, found: found, peers: peers})
				mu.Unlock()
			}()
		}
		wg.Wait()

		markQueried(shortlist, batch)

		var merged []PeerHandle
		for _, r := range results {
			if r.found {
				if foundValue == nil {
					foundValue = r.value
				}
				continue
			}
			merged = append(merged, r.peers...)
			lacked[r.peer.NodeID] = true
		}
		shortlist = mergeShortlist(shortlist, merged, key, n.k)

		if foundValue != nil {
			break
		}

		closestAfter := closestOf(shortlist, key)
		if closestBefore != nil && closestAfter != nil && *closestBefore == *closestAfter {
			if allClosestQueried(shortlist, key, n.k) {
				break
			}
		}
		if ctx.Err() != nil {
			return nil, false, fmt.Errorf("dht: find_value: %w", apperr.ErrCancelled)
		}
	}

	if foundValue == nil {
		return nil, false, nil
	}

	// shortlist is sorted by distance to key, so the first entry that
	// answered without the value is the closest queried peer that lacked it.
	var closestWithout *PeerHandle
	for _, e := range shortlist {
		if lacked[e.handle.NodeID] {
			peer := e.handle
			closestWithout = &peer
			break
		}
	}

	if closestWithout != nil {
		go func() {
			ctx2, cancel2 := context.WithTimeout(context.Background(), DefaultRPCTimeout)
			defer cancel2()
			_ = n.storeRPC(ctx2, *closestWithout, key, foundValue, DefaultTTL, false)
		}()
	}

	return foundValue, true, nil
}

func (n *Node) seedShortlist(target idutil.NodeID) []shortlistEntry {
	closest := n.table.ClosestN(target, n.k)
	out := make([]shortlistEntry, 0, len(closest))
	for _, p := range closest {
		out = append(out, shortlistEntry{handle: p})
	}
	return out
}

func (n *Node) queryBatch(ctx context.Context, batch []PeerHandle, call func(PeerHandle) ([]PeerHandle, error)) []PeerHandle {
	var mu sync.Mutex
	var merged []PeerHandle
	var wg sync.WaitGroup
	for _, p := range batch {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			peers, err := call(p)
			if err != nil {
				return
			}
			mu.Lock()
			merged = append(merged, peers...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return merged
}

func pickUnqueried(shortlist []shortlistEntry, max int) []PeerHandle {
	var out []PeerHandle
	for _, e := range shortlist {
		if !e.queried {
			out = append(out, e.handle)
			if len(out) >= max {
				break
			}
		}
	}
	return out
}

func markQueried(shortlist []shortlistEntry, queried []PeerHandle) {
	set := make(map[idutil.NodeID]bool, len(queried))
	for _, p := range queried {
		set[p.NodeID] = true
	}
	for i := range shortlist {
		if set[shortlist[i].handle.NodeID] {
			shortlist[i].queried = true
		}
	}
}

func mergeShortlist(shortlist []shortlistEntry, newPeers []PeerHandle, target idutil.NodeID, k int) []shortlistEntry {
	seen := make(map[idutil.NodeID]bool, len(shortlist))
	for _, e := range shortlist {
		seen[e.handle.NodeID] = true
	}
	for _, p := range newPeers {
		if !seen[p.NodeID] {
			seen[p.NodeID] = true
			shortlist = append(shortlist, shortlistEntry{handle: p})
		}
	}
	sort.Slice(shortlist, func(i, j int) bool {
		return idutil.Less(target, shortlist[i].handle.NodeID, shortlist[j].handle.NodeID)
	})
	if len(shortlist) > k*2 {
		// Bound shortlist growth; the K closest are always retained.
		shortlist = shortlist[:k*2]
	}
	return shortlist
}

func closestOf(shortlist []shortlistEntry, target idutil.NodeID) *idutil.NodeID {
	if len(shortlist) == 0 {
		return nil
	}
	id := shortlist[0].handle.NodeID
	return &id
}

func allClosestQueried(shortlist []shortlistEntry, target idutil.NodeID, k int) bool {
	n := k
	if n > len(shortlist) {
		n = len(shortlist)
	}
	for i := 0; i < n; i++ {
		if !shortlist[i].queried {
			return false
		}
	}
	return true
}

// --- publication: SET, Get, republish, bucket refresh ---

// Set stores the value in this node's own LocalStore, performs
// find_node(hash(keyForm)), then issues STORE to the K closest live peers
// other than itself, and records the publication so the republisher keeps it
// alive at ttl/2 intervals. appendMode selects merge-into-list semantics
// (used for "chunk:<digest>" holder announcements) versus outright replace
// (used for "file:<digest>" metadata records).
func (n *Node) Set(ctx context.Context, keyForm string, value any, ttl time.Duration, appendMode bool) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("dht: marshal value for %s: %w", keyForm, err)
	}
	keyID := idutil.KeyID(keyForm)

	if appendMode {
		var holder PeerHandle
		if err := json.Unmarshal(encoded, &holder); err == nil {
			n.store.Append(keyID, holder, ttl)
		}
	} else {
		n.store.Put(keyID, encoded, ttl)
	}

	closest, err := n.FindNode(ctx, keyID)
	if err != nil {
		return err
	}

	var lastErr error
	stored := 0
	for _, peer := range closest {
		if peer.NodeID == n.self.NodeID {
			continue // already stored locally above
		}
		if err := n.storeRPC(ctx, peer, keyID, encoded, ttl, appendMode); err != nil {
			lastErr = err
			continue
		}
		stored++
	}
	if stored == 0 && lastErr != nil {
		return lastErr
	}

	n.mu.Lock()
	n.publications[keyForm] = publication{keyForm: keyForm, keyID: keyID, value: encoded, ttl: ttl, append: appendMode}
	n.mu.Unlock()
	return nil
}

// Get performs find_value(hash(keyForm)) and returns the raw JSON value.
func (n *Node) Get(ctx context.Context, keyForm string) (json.RawMessage, bool, error) {
	return n.FindValue(ctx, idutil.KeyID(keyForm))
}

func (n *Node) sweepLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(DefaultTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.store.Sweep()
		}
	}
}

// republishLoop re-issues every locally originated publication at
// ttl/2 to keep it alive under churn.
func (n *Node) republishLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastRepublish := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			pubs := make([]publication, 0, len(n.publications))
			for _, p := range n.publications {
				pubs = append(pubs, p)
			}
			n.mu.Unlock()

			for _, p := range pubs {
				due := p.ttl / 2
				if due <= 0 {
					due = DefaultTTL / 2
				}
				if time.Since(lastRepublish[p.keyForm]) < due {
					continue
				}
				rctx, cancel := context.WithTimeout(ctx, DefaultLookupTimeout)
				closest, err := n.FindNode(rctx, p.keyID)
				cancel()
				if err != nil {
					continue
				}
				for _, peer := range closest {
					sctx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
					_ = n.storeRPC(sctx, peer, p.keyID, p.value, p.ttl, p.append)
					cancel()
				}
				lastRepublish[p.keyForm] = time.Now()
			}
		}
	}
}

func (n *Node) refreshLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(DefaultRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.refreshAllBuckets(ctx)
		}
	}
}

func (n *Node) refreshAllBuckets(ctx context.Context) {
	for _, idx := range n.table.NonEmptyBuckets() {
		target := RandomIDInBucket(n.self.NodeID, idx)
		rctx, cancel := context.WithTimeout(ctx, DefaultLookupTimeout)
		_, _ = n.FindNode(rctx, target)
		cancel()
	}
}
