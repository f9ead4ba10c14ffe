package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/collective-net/peernet/internal/apperr"
	"github.com/collective-net/peernet/internal/idutil"
)

// ChunkReader resolves a chunk digest to its bytes. It is the one capability
// the server needs from the chunk store; passing a function rather than the
// whole store keeps WireTransport decoupled from PeerEngine (per the
// cyclic-dependency note: DHT and WireTransport never hold a back-reference
// to the engine that owns them).
type ChunkReader func(digest idutil.Digest) ([]byte, error)

// FileMetadataReader resolves a file digest to its already-JSON-encoded
// FileRecord. Returning pre-marshalled bytes keeps this package free of any
// dependency on the chunkstore package's types.
type FileMetadataReader func(fileDigest idutil.Digest) (json.RawMessage, bool)

// Server accepts connections up to a configured concurrency cap, parses one
// request per connection, replies, and closes the connection.
type Server struct {
	chunks   ChunkReader
	metadata FileMetadataReader
	logger   *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup // outstanding handle(conn) calls, for a graceful Shutdown
}

// NewServer constructs a Server bounded to maxServeConcurrency simultaneous
// connections (default 64 when <= 0).
func NewServer(chunks ChunkReader, metadata FileMetadataReader, maxServeConcurrency int, logger *zap.Logger) *Server {
	if maxServeConcurrency <= 0 {
		maxServeConcurrency = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		chunks:   chunks,
		metadata: metadata,
		logger:   logger,
		sem:      make(chan struct{}, maxServeConcurrency),
	}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// Each accepted connection is handled on its own goroutine, which owns it
// exclusively until the request/response exchange completes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("wire: accept: %w", err)
			}
		}

		select {
		case s.sem <- struct{}{}:
			s.wg.Add(1)
			go s.handle(conn)
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
	}
}

// Shutdown waits for every in-flight handle(conn) call to finish, bounded
// by ctx. Callers typically derive ctx with a grace-period timeout (default
// 10s per the documented shutdown sequence): an in-flight response that
// outlives the grace period is abandoned rather than waited on further.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("wire: shutdown grace period elapsed with requests still in flight")
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		<-s.sem
		s.wg.Done()
	}()

	frame, err := ReadFrame(conn)
	if err != nil {
		s.logger.Debug("wire: bad request", zap.Error(err))
		_ = WriteFrame(conn, TypeError, ErrorPayload{Code: CodeBadRequest, Message: err.Error()})
		return
	}

	switch frame.Type {
	case TypeGetChunk:
		s.handleGetChunk(conn, frame)
	case TypeGetFileMetadata:
		s.handleGetFileMetadata(conn, frame)
	default:
		_ = WriteFrame(conn, TypeError, ErrorPayload{Code: CodeBadRequest, Message: "unknown message type " + frame.Type})
	}
}

func (s *Server) handleGetChunk(conn net.Conn, frame Frame) {
	var req GetChunkPayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		_ = WriteFrame(conn, TypeError, ErrorPayload{Code: CodeBadRequest, Message: "malformed GET_CHUNK"})
		return
	}
	digest, err := idutil.ParseDigest(req.ChunkHash)
	if err != nil {
		_ = WriteFrame(conn, TypeError, ErrorPayload{Code: CodeBadRequest, Message: "malformed chunk_hash"})
		return
	}

	data, err := s.chunks(digest)
	if err != nil {
		_ = WriteFrame(conn, TypeError, ErrorPayload{Code: CodeNotFound, Message: err.Error()})
		return
	}

	if err := WriteFrame(conn, TypeChunkStart, ChunkStartPayload{Size: uint64(len(data))}); err != nil {
		s.logger.Debug("wire: write CHUNK_START failed", zap.Error(err))
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug("wire: write chunk payload failed", zap.Error(err))
	}
}

func (s *Server) handleGetFileMetadata(conn net.Conn, frame Frame) {
	var req GetFileMetadataPayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		_ = WriteFrame(conn, TypeError, ErrorPayload{Code: CodeBadRequest, Message: "malformed GET_FILE_METADATA"})
		return
	}
	digest, err := idutil.ParseDigest(req.FileHash)
	if err != nil {
		_ = WriteFrame(conn, TypeError, ErrorPayload{Code: CodeBadRequest, Message: "malformed file_hash"})
		return
	}

	record, ok := s.metadata(digest)
	if !ok {
		_ = WriteFrame(conn, TypeError, ErrorPayload{Code: CodeNotFound, Message: apperr.ErrNotFound.Error()})
		return
	}
	_ = WriteFrame(conn, TypeFileMetadata, record)
}
