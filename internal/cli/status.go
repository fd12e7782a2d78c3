package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task_id>",
		Short: "Check the status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/tasks/" + id)
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			state, _ := data["state"].(string)
			shard, _ := data["shard"].(string)

			fmt.Printf("Task: %s\n", id)
			fmt.Printf("  State: %s\n", state)
			if shard != "" {
				fmt.Printf("  Worker: %s\n", shard)
			}
			if ec, ok := data["exit_code"].(float64); ok {
				fmt.Printf("  Exit code: %d\n", int(ec))
			}
			if rc, ok := data["retry_count"].(float64); ok && rc > 0 {
				max, _ := data["max_retries"].(float64)
				fmt.Printf("  Retries: %d/%d\n", int(rc), int(max))
			}
			if cmdJSON, ok := data["command"].([]any); ok {
				fmt.Printf("  Command:")
				for _, part := range cmdJSON {
					fmt.Printf(" %v", part)
				}
				fmt.Println()
			}
			return nil
		},
	}
}
