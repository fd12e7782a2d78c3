package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newTasksCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/tasks/"
			if state != "" {
				path += "?state=" + state
			}
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}

			fmt.Printf("%-42s  %-10s  %-16s  %s\n", "ID", "STATE", "WORKER", "CREATED")
			fmt.Printf("%-42s  %-10s  %-16s  %s\n", "----", "-----", "------", "-------")
			for _, t := range data {
				id, _ := t["id"].(string)
				st, _ := t["state"].(string)
				shard, _ := t["shard"].(string)
				createdAt, _ := t["created_at"].(string)
				fmt.Printf("%-42s  %-10s  %-16s  %s\n", id, st, shard, createdAt)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (QUEUED, RUNNING, SUCCEEDED, FAILED, KILLED, LOST)")

	return cmd
}
