package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List connected workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/workers/")
			if err != nil {
				return fmt.Errorf("list workers: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No workers connected.")
				return nil
			}

			fmt.Printf("%-20s  %-16s  %-10s  %-6s  %s\n", "SHARD", "HOST", "STATE", "TASKS", "LAST HEARTBEAT")
			fmt.Printf("%-20s  %-16s  %-10s  %-6s  %s\n", "-----", "----", "-----", "-----", "--------------")
			for _, wk := range data {
				shard, _ := wk["shard"].(string)
				host, _ := wk["hostname"].(string)
				state, _ := wk["state"].(string)
				tasks, _ := wk["running_tasks"].(float64)
				hb, _ := wk["last_heartbeat"].(string)
				fmt.Printf("%-20s  %-16s  %-10s  %-6d  %s\n", shard, host, state, int(tasks), hb)
			}

			return nil
		},
	}
}
