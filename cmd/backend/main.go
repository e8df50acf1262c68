package main

import (
	"fmt"
	"os"

	"github.com/biodoia/hacp/cmd/backend/commands"
	"github.com/biodoia/hacp/internal/gateway"
	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	gateway.Version = version

	rootCmd := &cobra.Command{
		Use:   "hacp",
		Short: "HACP - Hybrid Agent Control Plane",
		Long: `HACP - Hybrid Agent Control Plane

Provisions conversational agents across two AI providers, routes every
request to the provider that fits the operation and escalates to a
senior assistant when the first-line answer is not good enough.

Features:
  • Single and dual provider agents with all-or-nothing provisioning
  • Per-operation routing policy with confidence thresholds
  • Bounded escalation to a senior assistant
  • Permission tiers enforced on every request
  • Prometheus metrics and an audit trail of state transitions`,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.AgentsCmd)
	rootCmd.AddCommand(commands.RoutingCmd)
	rootCmd.AddCommand(commands.TokenCmd)
	rootCmd.AddCommand(commands.DebugCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("HACP version %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
