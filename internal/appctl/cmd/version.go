package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/output"
)

var (
	// Version is the semantic version of appctl
	Version = "dev"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show appctl version",
	Long:  `Display the version information for appctl.`,
	Run: func(cmd *cobra.Command, args []string) {
		output.Info("appctl version " + Version)
		output.Info("commit: " + GitCommit)
		output.Info("built: " + BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
