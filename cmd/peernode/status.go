package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/collective-net/peernet/internal/supervisor"
)

var (
	statusPrimaryColor = lipgloss.Color("#7571f9")
	statusAccentColor  = lipgloss.Color("#42c767")
	statusMutedColor   = lipgloss.Color("#6c757d")

	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(statusPrimaryColor).
				MarginBottom(1)

	statusLabelStyle = lipgloss.NewStyle().
				Foreground(statusMutedColor).
				Width(18)

	statusValueStyle = lipgloss.NewStyle().
				Foreground(statusAccentColor).
				Bold(true)
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this node's identity, storage, and routing table state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunningNode(func(ctx context.Context, sup *supervisor.NodeSupervisor) error {
				stats := sup.Stats()
				peers := sup.Peers()

				fmt.Println(statusTitleStyle.Render("PEERNODE STATUS"))

				metrics := []struct{ label, value string }{
					{"Node ID", stats.NodeID},
					{"Serve Address", stats.ServeAddr},
					{"DHT Address", stats.DHTAddr},
					{"Files Indexed", fmt.Sprintf("%d", stats.FilesIndexed)},
					{"Chunks Stored", fmt.Sprintf("%d", stats.ChunksStored)},
					{"Routing Table", fmt.Sprintf("%d contacts", stats.RoutingTable)},
					{"Uptime", fmt.Sprintf("%.0fs", stats.UptimeSeconds)},
				}
				for _, m := range metrics {
					fmt.Println(statusLabelStyle.Render(m.label+":") + " " + statusValueStyle.Render(m.value))
				}

				if len(peers) == 0 {
					fmt.Println()
					fmt.Println(lipgloss.NewStyle().Foreground(statusMutedColor).Render("no peers in routing table"))
					return nil
				}

				t := table.New().
					Border(lipgloss.RoundedBorder()).
					BorderStyle(lipgloss.NewStyle().Foreground(statusPrimaryColor)).
					StyleFunc(func(row, col int) lipgloss.Style {
						if row == 0 {
							return lipgloss.NewStyle().Bold(true).Padding(0, 1)
						}
						return lipgloss.NewStyle().Padding(0, 1)
					}).
					Headers("NODE ID", "ADDRESS", "DHT PORT", "SERVE PORT")

				for _, p := range peers {
					t.Row(p.NodeID.String(), p.Address, fmt.Sprintf("%d", p.DHTPort), fmt.Sprintf("%d", p.ServePort))
				}

				fmt.Println()
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}
