package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync status",
	Long:  "Show the offline queue depth and the last successful sync.",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := getMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		cp, err := m.Checkpoint()
		if err != nil {
			return fmt.Errorf("failed to read checkpoint: %w", err)
		}

		fmt.Printf("Sync status: %s\n", cp.Status)
		fmt.Printf("Pending actions: %d\n", m.PendingCount())
		if cp.LastSyncedAt != "" {
			fmt.Printf("Last synced: %s\n", cp.LastSyncedAt)
		} else {
			fmt.Println("Last synced: never")
		}
		return nil
	},
}
