package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/collective-net/peernet/internal/apperr"
	"github.com/collective-net/peernet/internal/idutil"
)

// DefaultRequestTimeout is the per-request wall-clock deadline applied when
// a caller does not supply its own context deadline.
const DefaultRequestTimeout = 30 * time.Second

// Client issues GET_CHUNK / GET_FILE_METADATA requests against one remote
// address at a time. Each call dials a fresh connection, per the protocol's
// "one connection per request is acceptable" allowance.
type Client struct {
	dialer net.Dialer
}

// NewClient constructs a Client.
func NewClient() *Client {
	return &Client{}
}

// withDeadline returns ctx unchanged if it already carries a deadline,
// otherwise one bounded by DefaultRequestTimeout.
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultRequestTimeout)
}

// dial opens a connection to addr and applies ctx's deadline to the
// connection itself via SetDeadline, so a deadline that expires during a
// subsequent read/write surfaces as a genuine net.Error timeout rather than
// a bare "use of closed network connection" from a conn closed out from
// under the read.
func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, apperr.ErrTransportTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("wire: set deadline: %w", apperr.ErrIO)
		}
	}
	return conn, nil
}

// FetchChunk requests chunk digest from addr, verifies the digest of the
// bytes received before returning them, and never returns a mismatched
// chunk to the caller.
func (c *Client) FetchChunk(ctx context.Context, addr string, digest idutil.Digest) ([]byte, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Only an explicit cancellation closes the conn early; an expired
	// deadline is left to the conn's own deadline so it reads as a timeout.
	go func() {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.Canceled) {
			_ = conn.Close()
		}
	}()

	if err := WriteFrame(conn, TypeGetChunk, GetChunkPayload{ChunkHash: digest.String()}); err != nil {
		return nil, fmt.Errorf("wire: send GET_CHUNK: %w", classifyReadErr(err))
	}

	frame, err := ReadFrame(conn)
	if err != nil {
		return nil, classifyReadErr(err)
	}

	switch frame.Type {
	case TypeError:
		var ep ErrorPayload
		_ = json.Unmarshal(frame.Payload, &ep)
		if ep.Code == CodeNotFound {
			return nil, fmt.Errorf("wire: chunk %s: %w", digest, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("wire: server error %s: %s", ep.Code, ep.Message)
	case TypeChunkStart:
		var header ChunkStartPayload
		if err := json.Unmarshal(frame.Payload, &header); err != nil {
			return nil, fmt.Errorf("wire: malformed CHUNK_START: %w", apperr.ErrBadRequest)
		}
		data, err := ReadExactly(conn, header.Size)
		if err != nil {
			return nil, classifyReadErr(err)
		}
		if idutil.HashBytes(data) != digest {
			return nil, fmt.Errorf("wire: chunk %s: %w", digest, apperr.ErrDigestMismatch)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("wire: unexpected response type %s: %w", frame.Type, apperr.ErrBadRequest)
	}
}

// FetchFileMetadata requests the FileRecord for fileDigest from addr and
// unmarshals it into out.
func (c *Client) FetchFileMetadata(ctx context.Context, addr string, fileDigest idutil.Digest, out any) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.Canceled) {
			_ = conn.Close()
		}
	}()

	if err := WriteFrame(conn, TypeGetFileMetadata, GetFileMetadataPayload{FileHash: fileDigest.String()}); err != nil {
		return fmt.Errorf("wire: send GET_FILE_METADATA: %w", classifyReadErr(err))
	}

	frame, err := ReadFrame(conn)
	if err != nil {
		return classifyReadErr(err)
	}

	switch frame.Type {
	case TypeError:
		var ep ErrorPayload
		_ = json.Unmarshal(frame.Payload, &ep)
		if ep.Code == CodeNotFound {
			return fmt.Errorf("wire: file %s: %w", fileDigest, apperr.ErrNotFound)
		}
		return fmt.Errorf("wire: server error %s: %s", ep.Code, ep.Message)
	case TypeFileMetadata:
		if err := json.Unmarshal(frame.Payload, out); err != nil {
			return fmt.Errorf("wire: malformed FILE_METADATA: %w", apperr.ErrBadRequest)
		}
		return nil
	default:
		return fmt.Errorf("wire: unexpected response type %s: %w", frame.Type, apperr.ErrBadRequest)
	}
}

// classifyReadErr maps a timed-out or cancelled connection to
// apperr.ErrTransportTimeout. errors.As unwraps through the %w chains
// ReadFrame/ReadExactly wrap their I/O errors in, unlike a bare type
// assertion against the top-level error.
func classifyReadErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", apperr.ErrTransportTimeout, err)
	}
	return err
}
