package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/output"
	"github.com/sorenmh/infrastructure-shared/appd/models"
)

var watchCount int

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream host telemetry",
	Long: `Print the CPU, memory, disk and network samples appd pushes to every
session, until interrupted.

Example:
  appctl watch
  appctl watch -n 5 -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		connectCtx, cancel := context.WithTimeout(ctx, timeout)
		session, err := c.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
		defer session.Close()

		format := GetOutputFormat()
		if format == output.FormatTable {
			output.PrintTable([]string{"CPU", "MEMORY", "DISK", "NETWORK"}, nil)
		}

		seen := 0
		return session.Watch(ctx, func(sample models.TelemetrySample) error {
			if err := output.Print(format, sample, func() {
				output.Info(formatSample(sample))
			}); err != nil {
				return err
			}
			seen++
			if watchCount > 0 && seen >= watchCount {
				stop()
			}
			return nil
		})
	},
}

func formatSample(s models.TelemetrySample) string {
	return fmt.Sprintf("%3d%%  %6d%%  %4d%%  %s", s.CPU, s.Memory, s.Disk, formatBytes(s.Network))
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	watchCmd.Flags().IntVarP(&watchCount, "count", "n", 0, "stop after this many samples (0 = forever)")
	rootCmd.AddCommand(watchCmd)
}
