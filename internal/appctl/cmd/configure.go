package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/config"
	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/output"
)

var (
	configureURL string
	configureKey string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Save the appd endpoint and master key",
	Long: `Configure appctl interactively or via command line flags.

The settings are saved to ~/.appctl/config.yaml, readable only by you.

Example:
  appctl configure
  appctl configure --set-url ws://my-host:5273 --set-key my-master-key`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := config.Settings{URL: configureURL, Key: configureKey}
		if settings.URL == "" || settings.Key == "" {
			prompted, err := config.Prompt(os.Stdin, output.Out, config.Current())
			if err != nil {
				return err
			}
			if settings.URL == "" {
				settings.URL = prompted.URL
			}
			if settings.Key == "" {
				settings.Key = prompted.Key
			}
		}

		path, err := config.DefaultConfigFile()
		if err != nil {
			return err
		}
		if err := config.Save(path, settings); err != nil {
			return err
		}

		output.Success(fmt.Sprintf("Configuration saved to %s", path))
		output.Info(fmt.Sprintf("  URL: %s", settings.URL))
		output.Info(fmt.Sprintf("  Key: %s", config.MaskKey(settings.Key)))
		return nil
	},
}

func init() {
	configureCmd.Flags().StringVar(&configureURL, "set-url", "", "appd endpoint to save")
	configureCmd.Flags().StringVar(&configureKey, "set-key", "", "master key to save")
	rootCmd.AddCommand(configureCmd)
}
