// Package cli provides the Cobra CLI commands for vpod.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tmeurs/vpod/internal/logging"
)

// Version information set at build time
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Global flags
var (
	output  string
	envFile string
	verbose int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vpod",
	Short: "Start and stop a Vast.ai development instance",
	Long: `vpod - a disposable GPU development box on Vast.ai

vpod rents one instance from the Vast.ai marketplace, points an ssh host
alias at it, refreshes its host keys and copies a workspace directory up.
'vpod stop' copies the workspace back and destroys the instance.

Only one instance is tracked at a time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if output != string(OutputFormatText) && output != string(OutputFormatJSON) {
			return fmt.Errorf("invalid --output %q: must be text or json", output)
		}

		// verbose is a count: 0 = warnings, 1 = -v, 2+ = -vv
		cfg := logging.Config{
			Verbosity:     verbose,
			ConsoleOutput: verbose > 0,
		}
		if err := logging.Init(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command and exits with status 1 on failure.
// This is called by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		logging.Error().Err(err).Str("command", commandName()).Msg("Command failed")
	}
	logging.Close()

	if err != nil {
		if IsJSONOutput() {
			PrintJSONError(os.Stdout, err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func commandName() string {
	cmd, _, err := rootCmd.Find(os.Args[1:])
	if err != nil || cmd == nil {
		return rootCmd.Name()
	}
	return cmd.Name()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text, json")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to the .env config file (default ~/.config/vpod/.env)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "Verbose logging (-v for info, -vv for debug)")
}

// SetVersion sets the version information for the version command
func SetVersion(version, commit, date string) {
	Version = version
	Commit = commit
	Date = date
	rootCmd.Version = version
}
