package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRPCTimeout is how long an outstanding RPC waits for a matching
// response before it is treated as a negative observation.
const DefaultRPCTimeout = 5 * time.Second

// datagramTransport sends and receives JSON datagrams over one UDP socket.
// Multiple outstanding requests per peer are legal and distinguished by
// transaction id; there is no ordering guarantee between them, and a
// duplicate or late response for an already-satisfied transaction id is
// silently ignored.
type datagramTransport struct {
	conn   *net.UDPConn
	logger *zap.Logger

	mu      sync.Mutex
	pending map[uint64]chan Datagram

	handler func(Datagram, *net.UDPAddr)
}

func newDatagramTransport(conn *net.UDPConn, logger *zap.Logger) *datagramTransport {
	return &datagramTransport{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan Datagram),
	}
}

// setHandler installs the callback invoked for every inbound datagram that
// is not a response to a still-pending request initiated locally.
func (t *datagramTransport) setHandler(h func(Datagram, *net.UDPAddr)) {
	t.handler = h
}

// run reads datagrams until ctx is cancelled or the socket errs.
func (t *datagramTransport) run(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				t.logger.Debug("dht: read error", zap.Error(err))
				continue
			}
		}

		var dg Datagram
		if err := json.Unmarshal(buf[:n], &dg); err != nil {
			t.logger.Debug("dht: malformed datagram", zap.Error(err))
			continue
		}

		t.mu.Lock()
		ch, waiting := t.pending[dg.Txn]
		if waiting {
			delete(t.pending, dg.Txn)
		}
		t.mu.Unlock()

		if waiting {
			select {
			case ch <- dg:
			default:
			}
			continue
		}

		if t.handler != nil {
			go t.handler(dg, addr)
		}
	}
}

// send fires a datagram without waiting for a response (used for replies).
func (t *datagramTransport) send(addr string, dg Datagram) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("dht: resolve %s: %w", addr, err)
	}
	data, err := json.Marshal(dg)
	if err != nil {
		return fmt.Errorf("dht: marshal datagram: %w", err)
	}
	_, err = t.conn.WriteToUDP(data, raddr)
	return err
}

// request sends dg and waits up to timeout for a response sharing its
// transaction id.
func (t *datagramTransport) request(ctx context.Context, addr string, dg Datagram, timeout time.Duration) (Datagram, error) {
	ch := make(chan Datagram, 1)
	t.mu.Lock()
	t.pending[dg.Txn] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, dg.Txn)
		t.mu.Unlock()
	}()

	if err := t.send(addr, dg); err != nil {
		return Datagram{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return Datagram{}, fmt.Errorf("dht: rpc to %s timed out", addr)
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

func (t *datagramTransport) close() error {
	return t.conn.Close()
}
