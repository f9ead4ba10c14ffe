package main

import (
	"fmt"
	"testing"

	"github.com/collective-net/peernet/internal/apperr"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", apperr.ErrNotFound, 2},
		{"wrapped not found", fmt.Errorf("fetch: %w", apperr.ErrNotFound), 2},
		{"digest mismatch", apperr.ErrDigestMismatch, 3},
		{"transport timeout", apperr.ErrTransportTimeout, 4},
		{"transport short", apperr.ErrTransportShort, 4},
		{"transport overflow", apperr.ErrTransportOverflow, 4},
		{"rpc timeout", apperr.ErrRPCTimeout, 4},
		{"unrecoverable", apperr.ErrUnrecoverable, 4},
		{"unrecognized error", fmt.Errorf("bad flag value"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
