package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/output"
	"github.com/sorenmh/infrastructure-shared/appd/models"
)

// installResult mirrors the data of a successful Install.
type installResult struct {
	App      models.AppView `json:"app"`
	Commit   string         `json:"commit"`
	UnitPath string         `json:"unit_path"`
}

// appStatus mirrors the data of a Status command.
type appStatus struct {
	App    models.AppView       `json:"app"`
	Status models.ServiceStatus `json:"status"`
}

var installCmd = &cobra.Command{
	Use:   "install <repo>",
	Short: "Install an app from a git repository",
	Long: `Clone a repository, run its install command and register a service
unit that runs it.

Example:
  appctl install git@github.com:acme/widget.git --run-command ./widget
  appctl install https://github.com/acme/widget --branch main \
    --install-command "make build" --run-command "./bin/widget --port 8080"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		record, err := recordFromFlags(cmd, models.AppRecord{Repo: args[0]})
		if err != nil {
			return err
		}
		if record.RunCommand == "" {
			return fmt.Errorf("--run-command is required")
		}

		resp, err := run(cmd, models.Install{Record: record})
		if err != nil {
			return err
		}

		var result installResult
		if err := json.Unmarshal(resp.Data, &result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		return output.Print(GetOutputFormat(), result, func() {
			output.Success("App installed")
			output.Info("")
			output.Info(fmt.Sprintf("  ID:     %s", result.App.ID))
			output.Info(fmt.Sprintf("  Unit:   %s", result.UnitPath))
			output.Info(fmt.Sprintf("  Commit: %s", result.Commit))
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change the stored record of an app",
	Long: `Change fields of an installed app. Flags that are not given keep their
current value. The change takes effect on the next start or restart.

Example:
  appctl edit acme/widget --run-command "./widget --verbose"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := fetchApp(cmd, args[0])
		if err != nil {
			return err
		}

		record, err := recordFromFlags(cmd, current.AppRecord)
		if err != nil {
			return err
		}
		if repo, _ := cmd.Flags().GetString("repo"); repo != "" {
			record.Repo = repo
		}

		resp, err := run(cmd, models.Edit{ID: args[0], Record: record})
		if err != nil {
			return err
		}
		return printApp(resp, "App updated")
	},
}

var uninstallCmd = &cobra.Command{
	Use:     "uninstall <id>",
	Aliases: []string{"rm"},
	Short:   "Stop and remove an app",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := run(cmd, models.Uninstall{ID: args[0]}); err != nil {
			return err
		}
		output.Success(fmt.Sprintf("App %s uninstalled", args[0]))
		return nil
	},
}

func setEnabledCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := run(cmd, models.SetEnabled{ID: args[0], Enabled: enabled})
			if err != nil {
				return err
			}
			return printApp(resp, fmt.Sprintf("App %sd", use))
		},
	}
}

func serviceActionCmd(use, short string, build func(id string) models.Command) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := run(cmd, build(args[0])); err != nil {
				return err
			}
			output.Success(fmt.Sprintf("%s: %s done", args[0], use))
			return nil
		},
	}
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List installed apps",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := run(cmd, models.List{})
		if err != nil {
			return err
		}

		var apps []models.AppView
		if err := json.Unmarshal(resp.Data, &apps); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(apps) == 0 && GetOutputFormat() == output.FormatTable {
			output.Info("No apps installed")
			return nil
		}

		return output.Print(GetOutputFormat(), apps, func() {
			headers := []string{"ID", "UNIT", "BRANCH", "ENABLED", "RUN"}
			rows := make([][]string, 0, len(apps))
			for _, app := range apps {
				branch := app.Branch
				if branch == "" {
					branch = "(default)"
				}
				rows = append(rows, []string{app.ID, app.SystemID, branch, output.YesNo(app.IsEnabled()), app.RunCommand})
			}
			output.PrintTable(headers, rows)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show the stored record of an app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := run(cmd, models.Get{ID: args[0]})
		if err != nil {
			return err
		}
		return printApp(resp, "")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show an app and the state of its service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := run(cmd, models.Status{ID: args[0]})
		if err != nil {
			return err
		}

		var status appStatus
		if err := json.Unmarshal(resp.Data, &status); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		return output.Print(GetOutputFormat(), status, func() {
			printAppDetails(status.App)
			s := status.Status
			if s.IsSentinel() {
				output.Info("  Service: unknown (no status report)")
				return
			}
			output.Info(fmt.Sprintf("  Loaded:  %s (%s)", output.Value(s.LoadedStatus), output.Value(s.EnabledState)))
			output.Info(fmt.Sprintf("  Active:  %s (%s)", output.Value(s.ActiveState), output.Value(s.ActiveSubstate)))
			output.Info(fmt.Sprintf("  File:    %s", output.Value(s.UnitFilePath)))
		})
	},
}

func fetchApp(cmd *cobra.Command, id string) (*models.AppView, error) {
	resp, err := run(cmd, models.Get{ID: id})
	if err != nil {
		return nil, err
	}
	var view models.AppView
	if err := json.Unmarshal(resp.Data, &view); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &view, nil
}

func printApp(resp *models.Response, message string) error {
	var view models.AppView
	if err := json.Unmarshal(resp.Data, &view); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return output.Print(GetOutputFormat(), view, func() {
		if message != "" {
			output.Success(message)
			output.Info("")
		}
		printAppDetails(view)
	})
}

func printAppDetails(app models.AppView) {
	output.Info(fmt.Sprintf("App: %s\n", app.ID))
	output.Info(fmt.Sprintf("  Repo:    %s", app.Repo))
	if app.Branch != "" {
		output.Info(fmt.Sprintf("  Branch:  %s", app.Branch))
	}
	output.Info(fmt.Sprintf("  Unit:    %s", app.SystemID))
	output.Info(fmt.Sprintf("  Folder:  %s", app.FolderName))
	if app.InstallCommand != "" {
		output.Info(fmt.Sprintf("  Install: %s", app.InstallCommand))
	}
	output.Info(fmt.Sprintf("  Run:     %s", app.RunCommand))
	output.Info(fmt.Sprintf("  Enabled: %s", output.YesNo(app.IsEnabled())))
}

// recordFromFlags applies the record flags that were set on top of base.
func recordFromFlags(cmd *cobra.Command, base models.AppRecord) (models.AppRecord, error) {
	flags := cmd.Flags()
	record := base

	if flags.Changed("branch") {
		record.Branch, _ = flags.GetString("branch")
	}
	if flags.Changed("install-command") {
		record.InstallCommand, _ = flags.GetString("install-command")
	}
	if flags.Changed("run-command") {
		record.RunCommand, _ = flags.GetString("run-command")
	}
	if flags.Changed("disabled") {
		disabled, err := flags.GetBool("disabled")
		if err != nil {
			return record, err
		}
		record.Enabled = models.BoolPtr(!disabled)
	}
	return record, nil
}

func addRecordFlags(cmd *cobra.Command) {
	cmd.Flags().String("branch", "", "branch to check out (default: the remote's default branch)")
	cmd.Flags().String("install-command", "", "command run once in the checkout after cloning")
	cmd.Flags().String("run-command", "", "command the service runs")
	cmd.Flags().Bool("disabled", false, "do not start the service at boot")
}

func init() {
	addRecordFlags(installCmd)
	addRecordFlags(editCmd)
	editCmd.Flags().String("repo", "", "new remote URL; must keep the same owner/repo id")

	rootCmd.AddCommand(
		installCmd,
		editCmd,
		uninstallCmd,
		setEnabledCmd("enable", "Start an app at boot", true),
		setEnabledCmd("disable", "Do not start an app at boot", false),
		serviceActionCmd("start", "Start an app's service", func(id string) models.Command { return models.Start{ID: id} }),
		serviceActionCmd("stop", "Stop an app's service", func(id string) models.Command { return models.Stop{ID: id} }),
		serviceActionCmd("restart", "Restart an app's service", func(id string) models.Command { return models.Restart{ID: id} }),
		listCmd,
		getCmd,
		statusCmd,
	)
}
