package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tmeurs/vpod/internal/config"
	"github.com/tmeurs/vpod/internal/provider"
	"github.com/tmeurs/vpod/internal/provider/vast"
	"github.com/tmeurs/vpod/internal/ui"
)

// init flags
var (
	initAPIKey     string
	initForce      bool
	initNoValidate bool
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a .env config file",
	Long: `Write a vpod .env file with the default settings, mode 0600.

The API key is taken from --api-key or VAST_API_KEY. Without one the file
is written without a key; vpod then falls back to the key stored by the
vastai CLI. A given key is checked against Vast.ai unless --no-validate is
set.

The file goes to --env-file, or ~/.config/vpod/.env by default.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	path := envFile
	if path == "" {
		path = config.DefaultEnvPath()
	}

	apiKey := strings.TrimSpace(initAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("VAST_API_KEY"))
	}

	var balance *float64
	if apiKey != "" && !initNoValidate {
		account, err := validateAPIKey(cmd.Context(), apiKey)
		if err != nil {
			return err
		}
		balance = account.Balance
	}

	if err := config.WriteEnvFile(path, apiKey, initForce); err != nil {
		if errors.Is(err, config.ErrConfigExists) {
			return fmt.Errorf("%w (pass --force to overwrite)", err)
		}
		return err
	}

	if IsJSONOutput() {
		PrintJSON(out, InitOutput{
			Status:    "written",
			Path:      path,
			APIKeySet: apiKey != "",
			Balance:   balance,
		})
		return nil
	}

	fmt.Fprintf(out, "%s Wrote %s\n", ui.Styles.Success.Render(ui.IconSuccess), path)
	if apiKey == "" {
		fmt.Fprintln(out, ui.Styles.Warning.Render(fmt.Sprintf("%s No API key given. Set VAST_API_KEY in %s, or log in with the vastai CLI.", ui.IconWarning, path)))
	}
	if balance != nil {
		fmt.Fprintf(out, "  Account balance: %s\n", ui.FormatPrice(*balance))
	}
	return nil
}

func validateAPIKey(parent context.Context, apiKey string) (*provider.AccountInfo, error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	client, err := vast.NewClient(apiKey)
	if err != nil {
		return nil, err
	}
	account, err := client.ValidateAPIKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("API key rejected by Vast.ai: %w", err)
	}
	return account, nil
}

func init() {
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "Vast.ai API key (default VAST_API_KEY)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	initCmd.Flags().BoolVar(&initNoValidate, "no-validate", false, "Do not check the API key against Vast.ai")
	rootCmd.AddCommand(initCmd)
}
