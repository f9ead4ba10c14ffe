package dht

import (
	"fmt"
	"time"

	"github.com/collective-net/peernet/internal/idutil"
)

// PeerHandle identifies a remote peer: its routing identity plus the two
// network endpoints it's reachable on — a DHT datagram port for overlay
// RPCs and a WireTransport port for chunk/metadata fetch.
type PeerHandle struct {
	NodeID    idutil.NodeID `json:"node_id"`
	Address   string        `json:"address"`
	DHTPort   int           `json:"dht_port"`
	ServePort int           `json:"serve_port"`
}

// DHTAddr returns the host:port this peer's DHT datagram socket listens on.
func (p PeerHandle) DHTAddr() string {
	return fmt.Sprintf("%s:%d", p.Address, p.DHTPort)
}

// ServeAddr returns the host:port this peer's WireTransport server
// listens on.
func (p PeerHandle) ServeAddr() string {
	return fmt.Sprintf("%s:%d", p.Address, p.ServePort)
}

// contact is a routing-table entry: a PeerHandle plus recency bookkeeping.
type contact struct {
	handle   PeerHandle
	lastSeen time.Time
	fails    int
}
