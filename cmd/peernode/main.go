package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/collective-net/peernet/internal/apperr"
)

func main() {
	root := &cobra.Command{
		Use:   "peernode",
		Short: "Content-addressable, erasure-coded peer-to-peer file distribution node",
		Long: `peernode runs one participant in a peer-to-peer file distribution network:
it chunks and erasure-codes files into a local content-addressable store,
announces what it holds to a Kademlia-style DHT, and fetches what other
peers hold by discovering and dialing them directly.`,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a JSON config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		runCmd(),
		publishCmd(),
		fetchCmd(),
		lsCmd(),
		statusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

var (
	configFile string
	verbose    bool
)

// exitCode maps an error's apperr sentinel to the exit code documented for
// this CLI: 0 success, 1 usage error, 2 not found, 3 integrity failure, 4
// network/unrecoverable. Errors that carry no recognized sentinel — flag
// parsing failures, config errors, and the like — fall back to 1.
func exitCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return 2
	case errors.Is(err, apperr.ErrDigestMismatch):
		return 3
	case errors.Is(err, apperr.ErrTransportTimeout),
		errors.Is(err, apperr.ErrTransportShort),
		errors.Is(err, apperr.ErrTransportOverflow),
		errors.Is(err, apperr.ErrRPCTimeout),
		errors.Is(err, apperr.ErrUnrecoverable):
		return 4
	default:
		return 1
	}
}
