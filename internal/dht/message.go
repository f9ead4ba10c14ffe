package dht

import (
	"encoding/binary"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/collective-net/peernet/internal/idutil"
)

// Message types carried in the datagram envelope.
const (
	MsgPing      = "PING"
	MsgPong      = "PONG"
	MsgFindNode  = "FIND_NODE"
	MsgNodes     = "NODES"
	MsgFindValue = "FIND_VALUE"
	MsgValue     = "VALUE"
	MsgStore     = "STORE"
	MsgAck       = "ACK"
)

// Datagram is the envelope every DHT message travels in: a transaction id
// echoed by the response, a type tag, and an opaque payload. Additional
// fields on payloads are ignored on receipt for forward compatibility.
type Datagram struct {
	Txn     uint64          `json:"txn"`
	Type    string          `json:"type"`
	Sender  PeerHandle      `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// newTxnID derives a 64-bit transaction id from a fresh UUID's first eight bytes,
// giving effectively-unique ids without a shared counter to synchronize
// across goroutines.
func newTxnID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

type pingPayload struct{}

type findNodePayload struct {
	Target idutil.NodeID `json:"target"`
}

type nodesPayload struct {
	Peers []PeerHandle `json:"peers"`
}

type findValuePayload struct {
	Key idutil.NodeID `json:"key"`
}

type valuePayload struct {
	Value json.RawMessage `json:"value"`
}

type storePayload struct {
	Key    idutil.NodeID   `json:"key"`
	Value  json.RawMessage `json:"value"`
	TTLSec int64           `json:"ttl_seconds"`
	Append bool            `json:"append"`
}

type ackPayload struct {
	Stored bool `json:"stored"`
}
