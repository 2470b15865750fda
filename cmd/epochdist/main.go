// Command epochdist runs a content distribution agent and talks to a running
// one.
//
// Usage:
//
//	epochdist serve   [--config path/to/config.yaml]
//	epochdist submit  --type add /content/a /content/b
//	epochdist status
//	epochdist items   default
//	epochdist dlq     default
//	epochdist replay  default
//	epochdist pause | resume
//
// Every command except serve talks to the agent's HTTP API, so they work
// while serve holds the storage lock.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "epochdist: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "epochdist",
		Short:         "Content distribution agent",
		Long:          "epochdist turns content change requests into packages, dispatches them to queues and delivers them to targets.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("addr", envOr("EPOCHDIST_ADDR", "http://localhost:8080"), "agent API base URL (client commands)")
	rootCmd.PersistentFlags().String("api-key", os.Getenv("EPOCHDIST_API_KEY"), "API key sent as X-Api-Key (client commands)")

	rootCmd.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newItemsCmd(),
		newDLQCmd(),
		newReplayCmd(),
		newPauseCmd(),
		newResumeCmd(),
	)
	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
