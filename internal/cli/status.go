package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/tmeurs/vpod/internal/devpod"
	"github.com/tmeurs/vpod/internal/provider"
	"github.com/tmeurs/vpod/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded instance and what Vast.ai reports about it",
	Long: `Display the instance recorded in the state file next to its live
status on Vast.ai, the accumulated cost and the account balance.

Instances running on the account that the state file does not know about
are listed too; they are billed like any other.

Use --output=json for machine-readable output.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	ctx, cancel := signalContext()
	defer cancel()

	report, err := devpod.GetStatus(ctx, client, stateManager)
	if err != nil {
		return err
	}

	out := statusOutput(report, cfg.SSHAlias, stateManager.Path(), time.Now())
	if IsJSONOutput() {
		PrintJSON(cmd.OutOrStdout(), out)
		return nil
	}
	printStatusText(cmd.OutOrStdout(), out)
	return nil
}

// statusOutput condenses a status report for printing.
func statusOutput(r *devpod.StatusReport, alias, stateFile string, now time.Time) StatusOutput {
	out := StatusOutput{StateFile: stateFile}
	if r.LiveError != nil {
		out.Error = r.LiveError.Error()
	}
	if r.Account != nil {
		out.Balance = r.Account.Balance
	}
	for _, inst := range r.Untracked {
		out.Untracked = append(out.Untracked, instanceInfo(inst))
	}

	if r.State == nil {
		out.Status = "none_active"
		return out
	}

	state := r.State
	out.Workspace = state.Workspace
	out.SSHAlias = alias
	if !state.CreatedAt.IsZero() {
		out.Uptime = ui.FormatDuration(now.Sub(state.CreatedAt))
	}
	out.Cost = &CostInfo{
		Hourly:      state.HourlyRate,
		Accumulated: state.AccumulatedCost(),
		Currency:    "USD",
	}
	out.Instance = &InstanceInfo{
		ID:      state.InstanceID,
		GPU:     state.GPU,
		NumGPUs: state.NumGPUs,
		Image:   state.Image,
		SSHHost: state.SSHHost,
		SSHPort: state.SSHPort,
	}

	switch {
	case r.LiveError != nil:
		out.Status = "unknown"
	case r.Orphaned():
		out.Status = "orphaned"
	case r.Instance.IsLoading():
		out.Status = "loading"
		out.Instance.Status = r.Instance.ActualStatus
	case r.Instance.ActualStatus == "running":
		out.Status = "running"
		out.Instance.Status = r.Instance.ActualStatus
	default:
		out.Status = "stopped"
		out.Instance.Status = r.Instance.ActualStatus
	}
	return out
}

func instanceInfo(inst provider.Instance) InstanceInfo {
	return InstanceInfo{
		ID:      inst.ID,
		Status:  inst.ActualStatus,
		GPU:     inst.GPUName,
		NumGPUs: inst.NumGPUs,
		Image:   inst.Image,
		SSHHost: inst.SSHHost,
		SSHPort: inst.SSHPort,
	}
}

func printStatusText(w io.Writer, s StatusOutput) {
	if s.Instance == nil {
		fmt.Fprintln(w, "No active instance.")
	} else {
		inst := s.Instance
		fmt.Fprintln(w, ui.Rule(53))
		fmt.Fprintf(w, "%s %s\n", ui.StatusIcon(s.Status == "running"), ui.Styles.Heading.Render("Instance "+inst.ID))
		fmt.Fprintln(w, ui.Rule(53))
		fmt.Fprintf(w, "  Status:     %s\n", statusLabel(s))
		if inst.GPU != "" {
			fmt.Fprintf(w, "  GPU:        %d x %s\n", max(inst.NumGPUs, 1), ui.Styles.GPU.Render(inst.GPU))
		}
		if inst.Image != "" {
			fmt.Fprintf(w, "  Image:      %s\n", inst.Image)
		}
		if s.Workspace != "" {
			fmt.Fprintf(w, "  Workspace:  %s\n", s.Workspace)
		}
		if inst.SSHHost != "" {
			fmt.Fprintf(w, "  Connect:    %s (%s:%d)\n", ui.Styles.Endpoint.Render("ssh "+s.SSHAlias), inst.SSHHost, inst.SSHPort)
		}
		if s.Uptime != "" {
			fmt.Fprintf(w, "  Uptime:     %s\n", s.Uptime)
		}
		if s.Cost != nil {
			fmt.Fprintf(w, "  Cost:       %s (%s/hr)\n", ui.FormatPrice(s.Cost.Accumulated), ui.FormatPrice(s.Cost.Hourly))
		}
	}

	if s.Balance != nil {
		fmt.Fprintf(w, "  Balance:    %s\n", ui.FormatPrice(*s.Balance))
	}

	switch {
	case s.Error != "":
		fmt.Fprintln(w)
		fmt.Fprintln(w, ui.Styles.Warning.Render(fmt.Sprintf("%s Could not reach Vast.ai: %s", ui.IconWarning, s.Error)))
	case s.Status == "orphaned":
		fmt.Fprintln(w)
		fmt.Fprintln(w, ui.Styles.Warning.Render(fmt.Sprintf("%s Vast.ai no longer lists instance %s.", ui.IconWarning, s.Instance.ID)))
		fmt.Fprintf(w, "  Remove %s to forget it.\n", s.StateFile)
	}

	if len(s.Untracked) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, ui.Styles.Warning.Render(fmt.Sprintf("%s %d instance(s) not tracked by vpod are billing:", ui.IconWarning, len(s.Untracked))))
		for _, inst := range s.Untracked {
			fmt.Fprintf(w, "  %s  %-10s %s\n", inst.ID, inst.Status, inst.GPU)
		}
	}
}

func statusLabel(s StatusOutput) string {
	switch s.Status {
	case "running":
		return ui.Styles.Success.Render("running")
	case "loading":
		return ui.Styles.Warning.Render("loading")
	case "unknown":
		return ui.Styles.Muted.Render("unknown")
	case "orphaned":
		return ui.Styles.Error.Render("not listed by Vast.ai")
	default:
		label := "stopped"
		if s.Instance != nil && s.Instance.Status != "" {
			label = s.Instance.Status
		}
		return ui.Styles.Error.Render(label)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
