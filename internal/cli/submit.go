package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		hostPin    string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "submit <command> [args...]",
		Short: "Submit a task for execution",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"command":     args,
				"host_pin":    hostPin,
				"max_retries": maxRetries,
			}

			resp, err := client.Post("/api/v1/tasks/", body)
			if err != nil {
				return fmt.Errorf("submit task: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			id, _ := data["id"].(string)
			fmt.Printf("Submitted task %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&hostPin, "host", "", "Pin the task to workers on this hostname")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Requeue the task this many times on failure or loss")

	return cmd
}
