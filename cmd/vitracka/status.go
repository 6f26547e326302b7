package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queued writes, and service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Default.BaseURL)
		} else {
			fmt.Println("  Base URL: (default)")
		}
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Default.Token))
		} else {
			fmt.Println("  Token:    (not set)")
			return nil
		}

		d := getDispatcher()
		defer d.Close()

		fmt.Println()
		fmt.Printf("Pending offline actions: %d\n", d.PendingActionsCount())
		for _, a := range d.Queue().FailedActions() {
			fmt.Printf("  FAILED %s %s %s (retries=%d): %s\n", a.ID, a.Kind, a.Endpoint, a.RetryCount, a.LastError)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := getClient().Health(ctx)
		fmt.Println()
		switch {
		case err != nil:
			fmt.Printf("Service: unreachable (%v)\n", err)
		case !result.OK:
			fmt.Println("Service: unhealthy")
		default:
			fmt.Println("Service: ok")
		}
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
