package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tmeurs/vpod/internal/devpod"
	"github.com/tmeurs/vpod/internal/logging"
	"github.com/tmeurs/vpod/internal/workspace"
)

var syncCmd = &cobra.Command{
	Use:   "sync up|down",
	Short: "Push or pull the active workspace",
	Long: `Copy the workspace of the active instance without starting or
stopping anything.

  vpod sync up     push local changes to the instance
  vpod sync down   pull remote changes from the instance`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(workspace.Up), string(workspace.Down)},
	RunE:      runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	dir, err := workspace.ParseDirection(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	stateManager, err := newStateManager(cfg)
	if err != nil {
		return err
	}
	ws := newWorkspaceSyncer(cfg)
	syncer, err := devpod.NewSyncer(stateManager, ws)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	name, err := syncer.Sync(ctx, dir)
	if err != nil {
		return err
	}
	logging.Info().Str("workspace", name).Str("direction", string(dir)).Msg("Workspace synced")

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		PrintJSON(out, SyncOutput{Status: "synced", Direction: string(dir), Workspace: name})
		return nil
	}

	paths := ws.Paths()
	remote := paths.Target + ":" + paths.Remote(name)
	if dir == workspace.Up {
		fmt.Fprintf(out, "Pushed %s to %s\n", paths.Local(name), remote)
	} else {
		fmt.Fprintf(out, "Pulled %s to %s\n", remote, paths.Local(name))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
