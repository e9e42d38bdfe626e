package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/tmeurs/vpod/internal/config"
	"github.com/tmeurs/vpod/internal/devpod"
	"github.com/tmeurs/vpod/internal/logging"
	"github.com/tmeurs/vpod/internal/provider/vast"
	"github.com/tmeurs/vpod/internal/ui"
	"github.com/tmeurs/vpod/internal/workspace"
)

// loadConfig loads the configuration selected by --env-file and reports
// its warnings on stderr.
func loadConfig(stderr io.Writer) (*config.Config, error) {
	cfg, warnings, err := config.LoadConfig(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	for _, w := range warnings {
		logging.Warn().Msg(w)
		fmt.Fprintf(stderr, "Warning: %s\n", w)
	}
	return cfg, nil
}

// newVastClient validates cfg and creates a Vast.ai client from it.
func newVastClient(cfg *config.Config) (*vast.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := vast.NewClient(cfg.VastAPIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vast.ai client: %w", err)
	}
	return client, nil
}

func newStateManager(cfg *config.Config) (*config.StateManager, error) {
	sm, err := config.NewStateManager(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create state manager: %w", err)
	}
	return sm, nil
}

func newWorkspaceSyncer(cfg *config.Config) *workspace.Syncer {
	return workspace.NewSyncer(workspace.Paths{
		LocalPrefix:  cfg.WorkspaceLocalPrefix,
		RemotePrefix: cfg.WorkspaceRemotePrefix,
		Target:       cfg.SSHAlias,
	})
}

// mainSSHConfigPath returns ~/.ssh/config, or "" when there is no home
// directory.
func mainSSHConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "config")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// useTUI reports whether progress should be rendered with bubbletea.
func useTUI(plain bool) bool {
	if plain || IsJSONOutput() {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// plainProgress prints progress as "[n/N] step" lines. Repeated messages
// for the same step are printed once.
func plainProgress(w io.Writer) devpod.ProgressFunc {
	lastStep := 0
	lastMessage := ""

	return func(p devpod.Progress) {
		if p.Step != lastStep {
			fmt.Fprintf(w, "[%d/%d] %s\n", p.Step, p.TotalSteps, p.Title)
			lastStep = p.Step
			lastMessage = ""
		}

		var line string
		switch {
		case p.Error != nil:
			line = fmt.Sprintf("      %s %s: %v", ui.IconError, p.Message, p.Error)
		case p.Warning:
			line = fmt.Sprintf("      %s %s", ui.IconWarning, p.Message)
		case p.Completed:
			line = fmt.Sprintf("      %s %s", ui.IconSuccess, p.Message)
		default:
			line = fmt.Sprintf("      %s %s", ui.IconWorking, p.Message)
		}
		if line == lastMessage {
			return
		}
		lastMessage = line

		fmt.Fprintln(w, line)
		if p.Detail != "" && p.Error == nil {
			fmt.Fprintf(w, "        %s\n", p.Detail)
		}
	}
}
