package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show scheduler health",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/health")
			if err != nil {
				return fmt.Errorf("get health: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			uptime, _ := data["uptime"].(string)
			workers, _ := data["workers"].(float64)
			inWait, _ := data["in_initial_wait"].(bool)

			fmt.Printf("Scheduler: %s\n", flagServer)
			fmt.Printf("  Uptime:  %s\n", uptime)
			fmt.Printf("  Workers: %d\n", int(workers))
			if inWait {
				fmt.Println("  Dispatch is frozen (waiting for workers from the previous run)")
			}
			return nil
		},
	}
}
