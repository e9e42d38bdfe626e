package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tmeurs/vpod/internal/alert"
	"github.com/tmeurs/vpod/internal/devpod"
	"github.com/tmeurs/vpod/internal/logging"
	"github.com/tmeurs/vpod/internal/sshconfig"
	"github.com/tmeurs/vpod/internal/ui"
)

// start flags
var (
	startDisk        int
	startLabel       string
	startBootTimeout time.Duration
	startForce       bool
	startPlain       bool
)

var startCmd = &cobra.Command{
	Use:   "start <image> <query> [workspace]",
	Short: "Rent an instance and push a workspace to it",
	Long: `Rent a Vast.ai instance running <image> on an offer matching <query>.

The offer is picked at random among the five best matches. Once the
instance is running, vpod writes an ssh Host block for it, refreshes its
host keys in known_hosts and pushes the workspace directory with rsync.

Example:
  vpod start faithlessfriend/equilibrium:dev "gpu_name=RTX_3090 num_gpus=1" equilibrium`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	req := devpod.StartRequest{
		Image:       args[0],
		Query:       args[1],
		Label:       startLabel,
		BootTimeout: startBootTimeout,
		Force:       startForce,
	}
	if len(args) == 3 {
		req.Workspace = args[2]
	}

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

	req.DiskGB = cfg.DiskGB
	if cmd.Flags().Changed("disk") {
		req.DiskGB = startDisk
	}

	ctx, cancel := signalContext()
	defer cancel()

	tui := useTUI(startPlain)

	// progress is set once the run picks its output mode.
	var progress devpod.ProgressFunc
	knownHosts := sshconfig.NewKnownHosts(cfg.KnownHostsPath,
		sshconfig.WithRetryNotify(func(attempt int, err error, delay time.Duration) {
			logging.Warn().Err(err).Int("attempt", attempt).Msg("Failed to update host keys")
			if progress != nil {
				progress(hostKeyRetryProgress(delay))
			}
		}),
	)

	opts := []devpod.StarterOption{
		devpod.WithSSH(devpod.SSHSettings{
			ConfigPath:     cfg.SSHConfigPath,
			MainConfigPath: mainSSHConfigPath(),
			Alias:          cfg.SSHAlias,
			User:           cfg.SSHUser,
			LocalForwards:  cfg.LocalForwards,
		}),
		devpod.WithHostKeys(knownHosts),
		devpod.WithWorkspace(newWorkspaceSyncer(cfg)),
	}
	if webhook := alert.NewWebhookClient(cfg.WebhookURL); webhook != nil {
		opts = append(opts, devpod.WithNotifier(webhook))
	}

	start := func(cb devpod.ProgressFunc) (*devpod.StartResult, error) {
		progress = cb
		starter, err := devpod.NewStarter(client, stateManager, append(opts, devpod.WithProgressCallback(cb))...)
		if err != nil {
			return nil, fmt.Errorf("failed to create starter: %w", err)
		}
		return starter.Start(ctx, req)
	}

	logging.Info().
		Str("image", req.Image).
		Str("query", req.Query).
		Str("workspace", req.Workspace).
		Msg("Starting instance")

	var result *devpod.StartResult
	switch {
	case IsJSONOutput():
		result, err = start(nil)
	case tui:
		model := ui.NewProgressModel(fmt.Sprintf("vpod %s - Starting instance", Version), ui.StartStepTitles(), cancel)
		err = ui.RunWithProgress(model, func(cb devpod.ProgressFunc) ([]string, error) {
			r, err := start(cb)
			if err != nil {
				return nil, err
			}
			result = r
			return startSummary(r, cfg.SSHConfigPath), nil
		})
	default:
		fmt.Fprintf(out, "\nvpod %s - Starting instance\n\n", Version)
		result, err = start(plainProgress(out))
	}
	if err != nil {
		return err
	}

	switch {
	case IsJSONOutput():
		PrintJSON(out, startOutput(result))
	case !tui:
		printLines(out, startSummary(result, cfg.SSHConfigPath))
	}
	return nil
}

// hostKeyRetryProgress reports a failed known_hosts update as a warning on
// the ssh step.
func hostKeyRetryProgress(delay time.Duration) devpod.Progress {
	return devpod.Progress{
		Step:       int(devpod.StepConfigureSSH),
		TotalSteps: devpod.TotalStartSteps,
		Title:      devpod.StepConfigureSSH.String(),
		Message:    fmt.Sprintf("Failed to update host keys, retrying in %d seconds...", int(delay.Seconds())),
		Warning:    true,
	}
}

// startSummary returns the lines shown after a successful start.
func startSummary(r *devpod.StartResult, hostConfigPath string) []string {
	lines := []string{
		ui.Rule(53),
		ui.Styles.Heading.Render("INSTANCE READY"),
		ui.Rule(53),
		fmt.Sprintf("  Instance:   %s (%s)", r.Instance.ID, ui.Styles.GPU.Render(r.Offer.String())),
		fmt.Sprintf("  Connect:    %s", ui.Styles.Endpoint.Render("ssh "+r.SSHAlias)),
	}
	if r.Workspace != "" {
		lines = append(lines, fmt.Sprintf("  Workspace:  %s", r.Workspace))
	}
	lines = append(lines,
		fmt.Sprintf("  Cost:       %s/hr", ui.FormatPrice(r.Offer.HourlyPrice)),
		fmt.Sprintf("  Took:       %s", ui.FormatDuration(r.Duration())),
		fmt.Sprintf("  Manage:     %s", r.ConsoleURL),
	)
	if r.IncludeMissing {
		lines = append(lines, "",
			ui.Styles.Warning.Render(fmt.Sprintf("%s Your ssh config does not include %s.", ui.IconWarning, hostConfigPath)),
			ui.Styles.Warning.Render(fmt.Sprintf("  Add this line to the top of it: Include %s", hostConfigPath)),
		)
	}
	lines = append(lines, "", ui.Styles.Muted.Render("Run 'vpod stop' to pull the workspace and destroy the instance."))
	return lines
}

func startOutput(r *devpod.StartResult) StartOutput {
	return StartOutput{
		Status: "running",
		Instance: &InstanceInfo{
			ID:      r.Instance.ID,
			Status:  r.Instance.ActualStatus,
			GPU:     r.Offer.GPUName,
			NumGPUs: r.Offer.NumGPUs,
			Image:   r.Instance.Image,
			SSHHost: r.Instance.SSHHost,
			SSHPort: r.Instance.SSHPort,
		},
		Offer:          r.Offer.String(),
		Workspace:      r.Workspace,
		SSHAlias:       r.SSHAlias,
		IncludeMissing: r.IncludeMissing,
		ConsoleURL:     r.ConsoleURL,
		Cost: &CostInfo{
			Hourly:   r.Offer.HourlyPrice,
			Currency: "USD",
		},
		Duration:        ui.FormatDuration(r.Duration()),
		DurationSeconds: int(r.Duration().Seconds()),
	}
}

func init() {
	startCmd.Flags().IntVar(&startDisk, "disk", 0, "Disk size in GB (default VPOD_DISK_GB)")
	startCmd.Flags().StringVar(&startLabel, "label", "", "Instance label shown in the Vast.ai console")
	startCmd.Flags().DurationVar(&startBootTimeout, "boot-timeout", 0, "Give up waiting for the instance to boot after this long (0 waits forever)")
	startCmd.Flags().BoolVar(&startForce, "force", false, "Start even if the state file records an instance")
	startCmd.Flags().BoolVar(&startPlain, "plain", false, "Print plain progress lines instead of the interactive view")
	rootCmd.AddCommand(startCmd)
}
