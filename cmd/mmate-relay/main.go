package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/glimte/mmate-relay/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mmate-relay",
		Short: "Multi-tenant message relay between the cloud and its clients and connectors",
		Long: `mmate-relay routes messages between a cloud application and the clients and
connectors of each tenant. Principals connect over a push channel, receive on
private queues and move attachments through the data bus.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "Path to the YAML configuration file")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mmate-relay %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildTime)
		},
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newSubscriptionsCmd(load),
		newQueuesCmd(load),
		newHealthCmd(),
		newTokenCmd(),
		versionCmd,
	)
	return rootCmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func rule(n int) string {
	return strings.Repeat("-", n)
}
