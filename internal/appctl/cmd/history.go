package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/output"
)

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show recorded operations",
	Long: `Show the operations appd recorded, newest first, optionally for one app.

Example:
  appctl history
  appctl history acme/widget --limit 5`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		var appID string
		if len(args) > 0 {
			appID = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := c.ListOperations(ctx, appID, limit)
		if err != nil {
			return err
		}

		if len(resp.Operations) == 0 && GetOutputFormat() == output.FormatTable {
			output.Info("No operations recorded")
			return nil
		}

		return output.Print(GetOutputFormat(), resp, func() {
			headers := []string{"STARTED", "COMMAND", "APP", "STATUS", "DURATION", "MESSAGE"}
			rows := make([][]string, 0, len(resp.Operations))
			for _, op := range resp.Operations {
				rows = append(rows, []string{
					output.FormatTime(op.StartedAt),
					op.Command,
					op.AppID,
					op.Status,
					output.FormatDuration(op.StartedAt, op.FinishedAt),
					op.Message,
				})
			}
			output.PrintTable(headers, rows)
		})
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of operations")
	rootCmd.AddCommand(historyCmd)
}
