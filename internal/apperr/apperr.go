// Package apperr defines the error taxonomy shared by every leaf and
// composition in the distribution engine. Leaves return these sentinel
// errors wrapped with context; PeerEngine inspects them with errors.Is to
// decide whether a failure is retryable.
package apperr

import "errors"

var (
	// ErrDigestMismatch is returned when bytes received from a peer, or
	// written directly, do not hash to the expected digest. Never cached.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrNotFound covers both missing local chunks/files and DHT misses.
	ErrNotFound = errors.New("not found")

	// ErrTransportTimeout is a per-request deadline expiry on WireTransport.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrTransportShort is a short read of chunk payload bytes.
	ErrTransportShort = errors.New("transport short read")

	// ErrTransportOverflow is an overlong chunk payload.
	ErrTransportOverflow = errors.New("transport payload overflow")

	// ErrRPCTimeout is an unanswered DHT RPC.
	ErrRPCTimeout = errors.New("dht rpc timeout")

	// ErrUnrecoverable means fewer than k valid shards were available for
	// some stripe; the file cannot be reconstructed.
	ErrUnrecoverable = errors.New("unrecoverable: insufficient shards")

	// ErrIO wraps a local filesystem failure.
	ErrIO = errors.New("io error")

	// ErrConfig is a fatal startup configuration problem.
	ErrConfig = errors.New("config error")

	// ErrCancelled is returned when a suspension point observes context
	// cancellation. Propagates up the cancellation tree unchanged.
	ErrCancelled = errors.New("cancelled")

	// ErrBadRequest is a malformed or unknown wire message.
	ErrBadRequest = errors.New("bad request")
)

// Retryable reports whether err represents a condition the caller should
// retry against a different peer rather than surface to its own caller.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrDigestMismatch),
		errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportShort),
		errors.Is(err, ErrTransportOverflow),
		errors.Is(err, ErrRPCTimeout):
		return true
	default:
		return false
	}
}
