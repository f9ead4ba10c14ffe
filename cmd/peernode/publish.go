package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/collective-net/peernet/internal/supervisor"
)

func publishCmd() *cobra.Command {
	var k, m int

	cmd := &cobra.Command{
		Use:   "publish [file]",
		Short: "Chunk, erasure-encode, and announce a file to the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return withRunningNode(func(ctx context.Context, sup *supervisor.NodeSupervisor) error {
				digest, err := sup.Publish(ctx, path, k, m)
				if err != nil {
					return err
				}
				fmt.Printf("published %s as %s (k=%d m=%d)\n", path, digest, k, m)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&k, "k", 4, "number of data shards per stripe")
	cmd.Flags().IntVar(&m, "m", 2, "number of parity shards per stripe")
	return cmd
}
