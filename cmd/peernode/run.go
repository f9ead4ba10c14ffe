package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/collective-net/peernet/internal/supervisor"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a peernode in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunningNode(func(ctx context.Context, sup *supervisor.NodeSupervisor) error {
				stats := sup.Stats()
				fmt.Printf("peernode %s listening (serve=%s dht=%s)\n", stats.NodeID, stats.ServeAddr, stats.DHTAddr)
				logger := setupLogger(verbose)
				defer logger.Sync()
				logger.Info("peernode running", zap.String("node_id", stats.NodeID))
				waitForSignal()
				logger.Info("peernode shutting down")
				return nil
			})
		},
	}
}
