package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/collective-net/peernet/internal/config"
	"github.com/collective-net/peernet/internal/supervisor"
)

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List files indexed in this node's local chunk store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunningNode(func(ctx context.Context, sup *supervisor.NodeSupervisor) error {
				records := sup.ListLocal()
				if len(records) == 0 {
					fmt.Println("(no files indexed locally)")
					return nil
				}
				for _, r := range records {
					fmt.Printf("%s  %-24s  %8s  k=%d m=%d\n",
						r.FileDigest, r.OriginalName, config.FormatSize(r.Size), r.K, r.M)
				}
				return nil
			})
		},
	}
}
