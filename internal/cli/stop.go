package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/tmeurs/vpod/internal/alert"
	"github.com/tmeurs/vpod/internal/devpod"
	"github.com/tmeurs/vpod/internal/logging"
	"github.com/tmeurs/vpod/internal/ui"
)

// stop flags
var (
	stopNoSync bool
	stopPlain  bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Pull the workspace and destroy the instance",
	Long: `Stop the instance recorded by 'vpod start'.

vpod checks that exactly one instance is running and that it is the
recorded one, pulls the workspace back with rsync, destroys the instance
and clears the state file. If the pull fails the instance is left running;
pass --no-sync to destroy it without pulling.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	jsonOutput := IsJSONOutput()

	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	client, err := newVastClient(cfg)
	if err != nil {
		return err
	}
	stateManager, err := newStateManager(cfg)
	if err != nil {
		return err
	}

	existing, err := stateManager.LoadState()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if existing == nil {
		if jsonOutput {
			PrintJSON(out, StopOutput{Status: "no_active_instance"})
		} else {
			fmt.Fprintln(out, "No active instance to stop.")
		}
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := []devpod.StopperOption{
		devpod.WithStopWorkspace(newWorkspaceSyncer(cfg)),
	}
	if webhook := alert.NewWebhookClient(cfg.WebhookURL); webhook != nil {
		opts = append(opts, devpod.WithStopNotifier(webhook))
	}

	stop := func(cb devpod.ProgressFunc) (*devpod.StopResult, error) {
		stopper, err := devpod.NewStopper(client, stateManager, append(opts, devpod.WithStopProgressCallback(cb))...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stopper: %w", err)
		}
		return stopper.Stop(ctx, devpod.StopOptions{SkipSync: stopNoSync})
	}

	logging.Info().
		Str("instance_id", existing.InstanceID).
		Str("workspace", existing.Workspace).
		Bool("no_sync", stopNoSync).
		Msg("Stopping instance")

	tui := useTUI(stopPlain)

	var result *devpod.StopResult
	switch {
	case jsonOutput:
		result, err = stop(nil)
	case tui:
		model := ui.NewProgressModel(fmt.Sprintf("vpod %s - Stopping instance", Version), ui.StopStepTitles(), cancel)
		err = ui.RunWithProgress(model, func(cb devpod.ProgressFunc) ([]string, error) {
			r, err := stop(cb)
			if err != nil {
				return nil, err
			}
			result = r
			return stopSummary(r), nil
		})
	default:
		fmt.Fprintf(out, "\nvpod %s - Stopping instance\n\n", Version)
		result, err = stop(plainProgress(out))
	}
	if err != nil {
		return err
	}

	switch {
	case jsonOutput:
		PrintJSON(out, stopOutput(result))
	case !tui:
		printLines(out, stopSummary(result))
	}
	return nil
}

// stopSummary returns the lines shown after a successful stop.
func stopSummary(r *devpod.StopResult) []string {
	lines := []string{
		ui.Rule(53),
		ui.Styles.Heading.Render("SESSION COMPLETE"),
		ui.Rule(53),
		fmt.Sprintf("  Session cost: %s", ui.FormatPrice(r.SessionCost)),
		fmt.Sprintf("  Duration:     %s", ui.FormatDuration(r.SessionDuration)),
	}
	if r.Workspace != "" {
		if r.Synced {
			lines = append(lines, fmt.Sprintf("  Workspace:    %s %s pulled", ui.Styles.Success.Render(ui.IconSuccess), r.Workspace))
		} else {
			lines = append(lines, fmt.Sprintf("  Workspace:    %s %s not pulled", ui.Styles.Warning.Render(ui.IconWarning), r.Workspace))
		}
	}
	if r.Confirmed {
		lines = append(lines, fmt.Sprintf("  Instance:     %s Destroyed", ui.Styles.Success.Render(ui.IconSuccess)))
	} else {
		lines = append(lines, fmt.Sprintf("  Instance:     %s Not confirmed, check %s", ui.Styles.Warning.Render(ui.IconWarning), r.ConsoleURL))
	}
	return lines
}

func stopOutput(r *devpod.StopResult) StopOutput {
	return StopOutput{
		Status:                 "stopped",
		InstanceID:             r.InstanceID,
		Workspace:              r.Workspace,
		Synced:                 r.Synced,
		Confirmed:              r.Confirmed,
		DestroyAttempts:        r.DestroyAttempts,
		ConsoleURL:             r.ConsoleURL,
		SessionCost:            r.SessionCost,
		SessionDuration:        ui.FormatDuration(r.SessionDuration),
		SessionDurationSeconds: int(r.SessionDuration.Seconds()),
	}
}

func printLines(w io.Writer, lines []string) {
	fmt.Fprintln(w)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func init() {
	stopCmd.Flags().BoolVar(&stopNoSync, "no-sync", false, "Destroy the instance without pulling the workspace")
	stopCmd.Flags().BoolVar(&stopPlain, "plain", false, "Print plain progress lines instead of the interactive view")
	rootCmd.AddCommand(stopCmd)
}
