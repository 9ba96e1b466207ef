package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <collection>",
	Short: "Show local cache and pending-change statistics",
	Long: `Display the cached record count, pending changes and last pull time for
a collection partition. Works offline.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, ds, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := ds.Stats()
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	ops, err := ds.PendingOperations()
	if err != nil {
		return fmt.Errorf("list pending changes: %w", err)
	}
	return outputStatus(cmd, ds.Mode(), stats, ops)
}
