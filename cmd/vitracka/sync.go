package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued offline writes",
	Long:  "Drain the offline action queue against the service, strictly in creation order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		d := getDispatcher()
		defer d.Close()

		before := d.PendingActionsCount()
		if before == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}
		fmt.Printf("Syncing %d queued action(s)...\n", before)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		err := d.Sync(ctx)
		after := d.PendingActionsCount()
		fmt.Printf("Synced %d action(s), %d remaining.\n", before-after, after)
		if err != nil {
			return fmt.Errorf("sync halted: %w", err)
		}
		return nil
	},
}
