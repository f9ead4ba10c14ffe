// Package wire implements the point-to-point, length-prefixed byte-stream
// protocol peers use to fetch chunk bytes and file metadata from each other.
// Every message is a 4-byte big-endian length prefix followed by a UTF-8
// JSON object; chunk payloads follow a CHUNK_START header as raw bytes on
// the same connection.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/collective-net/peernet/internal/apperr"
)

// MaxFrameSize bounds a single JSON frame to guard against a hostile or
// buggy peer claiming an unbounded length prefix.
const MaxFrameSize = 1 << 20

const (
	TypeGetChunk        = "GET_CHUNK"
	TypeChunkStart      = "CHUNK_START"
	TypeGetFileMetadata = "GET_FILE_METADATA"
	TypeFileMetadata    = "FILE_METADATA"
	TypeError           = "ERROR"
)

// Frame is the common envelope: a message type tag plus an opaque payload.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type GetChunkPayload struct {
	ChunkHash string `json:"chunk_hash"`
}

type ChunkStartPayload struct {
	Size uint64 `json:"size"`
}

type GetFileMetadataPayload struct {
	FileHash string `json:"file_hash"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorPayload.Code.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "NOT_FOUND"
)

// WriteFrame length-prefixes and writes one JSON frame.
func WriteFrame(w io.Writer, msgType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}
	frame := Frame{Type: msgType, Payload: body}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("wire: frame too large (%d bytes): %w", len(data), apperr.ErrTransportOverflow)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("wire: frame declares %d bytes: %w", n, apperr.ErrTransportOverflow)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		return Frame{}, fmt.Errorf("wire: unmarshal frame: %w", apperr.ErrBadRequest)
	}
	return frame, nil
}

// ReadExactly reads exactly n raw bytes following a CHUNK_START header.
// A short read yields TransportShort; io.ReadFull already enforces that a
// caller-declared overlong n (checked by the caller against its own policy)
// will simply block/err rather than silently truncate.
func ReadExactly(r io.Reader, n uint64) ([]byte, error) {
	if n > MaxFrameSize*64 { // generous chunk-payload ceiling, not a frame
		return nil, fmt.Errorf("wire: declared payload %d too large: %w", n, apperr.ErrTransportOverflow)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: short payload read: %w: %w", apperr.ErrTransportShort, err)
	}
	return buf, nil
}
