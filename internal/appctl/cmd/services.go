package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/output"
	"github.com/sorenmh/infrastructure-shared/appd/models"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List every service unit on the host",
	Long:  `List the parsed status of every service unit in appd's service manager scope.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := run(cmd, models.Services{})
		if err != nil {
			return err
		}

		var services []models.ServiceStatus
		if err := json.Unmarshal(resp.Data, &services); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		return output.Print(GetOutputFormat(), services, func() {
			headers := []string{"UNIT", "LOADED", "ENABLED", "ACTIVE", "SUB", "DESCRIPTION"}
			rows := make([][]string, 0, len(services))
			for _, s := range services {
				rows = append(rows, []string{
					output.Value(s.Name),
					output.Value(s.LoadedStatus),
					output.Value(s.EnabledState),
					output.Value(s.ActiveState),
					output.Value(s.ActiveSubstate),
					output.Value(s.Description),
				})
			}
			output.PrintTable(headers, rows)
		})
	},
}

func init() {
	rootCmd.AddCommand(servicesCmd)
}
