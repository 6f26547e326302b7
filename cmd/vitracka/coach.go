package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	vitracka "github.com/vitracka/vitracka-go"
)

var coachStyle string

func init() {
	coachCmd.Flags().StringVar(&coachStyle, "style", "", "coaching style (gentle, pragmatic, upbeat, structured)")
	rootCmd.AddCommand(coachCmd)
}

var coachCmd = &cobra.Command{
	Use:   "coach <message>",
	Short: "Send a message to the coaching agent",
	Long:  "Dispatch a coaching request. If the service is unreachable the message is queued and synced later.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := getDispatcher()
		defer d.Close()

		req := &vitracka.CoachRequest{Message: strings.Join(args, " ")}
		if coachStyle != "" {
			req.UserContext = &vitracka.UserContext{CoachingStyle: coachStyle}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := d.Dispatch(ctx, vitracka.OpCreate, vitracka.EndpointCoaching, req)
		if err != nil {
			return err
		}

		if result.Status == vitracka.StatusQueued {
			fmt.Printf("Offline: message queued for sync (action %s)\n", result.ActionID)
			return nil
		}

		var resp vitracka.CoachResponse
		if err := json.Unmarshal(result.Data, &resp); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		fmt.Println(resp.Response)
		return nil
	},
}
