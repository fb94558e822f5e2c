package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/client"
	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/config"
	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/output"
	"github.com/sorenmh/infrastructure-shared/appd/models"
)

var (
	outputFormat string
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "appctl",
	Short: "Operator CLI for appd",
	Long: `appctl is a command-line tool for operating an appd host.

It allows you to:
  - Install apps from a git repository as supervised services
  - Edit, enable, disable and uninstall apps
  - Start, stop and restart app services
  - Inspect app and service status
  - Stream host telemetry

Configuration:
  Environment variables:
    APPCTL_URL          - appd endpoint (default ws://localhost:5273)
    APPCTL_KEY          - appd master key (required)

  Config file (~/.appctl/config.yaml):
    url: ws://my-host:5273
    key: my-master-key

  CLI flags override environment variables and config file.

Example usage:
  appctl install git@github.com:acme/widget.git --run-command ./widget
  appctl status acme/widget
  appctl restart acme/widget`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	config.Bind(rootCmd)

	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 20*time.Minute, "how long to wait for a command to finish")
}

// GetOutputFormat returns the output format
func GetOutputFormat() output.Format {
	return output.Format(outputFormat)
}

func newClient() (*client.Client, error) {
	settings := config.Current()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return client.NewClient(settings.URL, settings.Key), nil
}

// run executes one command against the server and prints its warnings.
func run(cmd *cobra.Command, command models.Command) (*models.Response, error) {
	c, err := newClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	resp, err := c.Run(ctx, command)
	if resp != nil {
		for _, w := range resp.Warnings {
			output.Warn(w)
		}
	}
	return resp, err
}
