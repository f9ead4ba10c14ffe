package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/collective-net/peernet/internal/idutil"
	"github.com/collective-net/peernet/internal/supervisor"
)

func fetchCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "fetch [file-digest]",
		Short: "Locate, download, and reassemble a file by its digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := idutil.ParseDigest(args[0])
			if err != nil {
				return fmt.Errorf("invalid file digest: %w", err)
			}
			out := outPath
			if out == "" {
				out = digest.String()
			}
			return withRunningNode(func(ctx context.Context, sup *supervisor.NodeSupervisor) error {
				if err := sup.FetchFile(ctx, digest, out); err != nil {
					return err
				}
				fmt.Printf("fetched %s -> %s\n", digest, out)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&outPath, "output", "", "output file path (defaults to the digest)")
	return cmd
}
