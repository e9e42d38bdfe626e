package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// OutputFormat represents the output format for commands.
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// IsJSONOutput returns true if JSON output mode is enabled.
func IsJSONOutput() bool {
	return output == string(OutputFormatJSON)
}

// InstanceInfo describes an instance in JSON output.
type InstanceInfo struct {
	ID      string `json:"id"`
	Status  string `json:"status,omitempty"`
	GPU     string `json:"gpu,omitempty"`
	NumGPUs int    `json:"num_gpus,omitempty"`
	Image   string `json:"image,omitempty"`
	SSHHost string `json:"ssh_host,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`
}

// CostInfo contains cost information for output.
type CostInfo struct {
	Hourly      float64 `json:"hourly"`
	Accumulated float64 `json:"accumulated,omitempty"`
	Currency    string  `json:"currency"`
}

// StartOutput represents the JSON output of the start command.
type StartOutput struct {
	Status          string        `json:"status"` // "running"
	Instance        *InstanceInfo `json:"instance"`
	Offer           string        `json:"offer"`
	Workspace       string        `json:"workspace,omitempty"`
	SSHAlias        string        `json:"ssh_alias"`
	IncludeMissing  bool          `json:"include_missing,omitempty"`
	ConsoleURL      string        `json:"console_url"`
	Cost            *CostInfo     `json:"cost"`
	Duration        string        `json:"duration"`
	DurationSeconds int           `json:"duration_seconds"`
}

// StopOutput represents the JSON output of the stop command.
type StopOutput struct {
	Status                 string  `json:"status"` // "stopped", "no_active_instance"
	InstanceID             string  `json:"instance_id,omitempty"`
	Workspace              string  `json:"workspace,omitempty"`
	Synced                 bool    `json:"synced"`
	Confirmed              bool    `json:"confirmed"`
	DestroyAttempts        int     `json:"destroy_attempts,omitempty"`
	ConsoleURL             string  `json:"console_url,omitempty"`
	SessionCost            float64 `json:"session_cost,omitempty"`
	SessionDuration        string  `json:"session_duration,omitempty"`
	SessionDurationSeconds int     `json:"session_duration_seconds,omitempty"`
}

// StatusOutput represents the JSON output of the status command.
type StatusOutput struct {
	Status    string         `json:"status"` // "running", "loading", "stopped", "orphaned", "unknown", "none_active"
	Instance  *InstanceInfo  `json:"instance,omitempty"`
	Workspace string         `json:"workspace,omitempty"`
	SSHAlias  string         `json:"ssh_alias,omitempty"`
	Cost      *CostInfo      `json:"cost,omitempty"`
	Uptime    string         `json:"uptime,omitempty"`
	Untracked []InstanceInfo `json:"untracked,omitempty"`
	Balance   *float64       `json:"balance,omitempty"`
	StateFile string         `json:"state_file"`
	Error     string         `json:"error,omitempty"`
}

// SyncOutput represents the JSON output of the sync command.
type SyncOutput struct {
	Status    string `json:"status"` // "synced"
	Direction string `json:"direction"`
	Workspace string `json:"workspace"`
}

// InitOutput represents the JSON output of the init command.
type InitOutput struct {
	Status    string   `json:"status"` // "written"
	Path      string   `json:"path"`
	APIKeySet bool     `json:"api_key_set"`
	Balance   *float64 `json:"balance,omitempty"`
}

// PrintJSON marshals and prints a value as JSON.
func PrintJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		errOut := map[string]string{
			"status": "error",
			"error":  fmt.Sprintf("failed to marshal JSON: %v", err),
		}
		data, _ = json.MarshalIndent(errOut, "", "  ")
	}
	fmt.Fprintln(w, string(data))
}

// PrintJSONError prints an error in JSON format.
func PrintJSONError(w io.Writer, err error) {
	out := struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}{
		Status: "error",
		Error:  err.Error(),
	}
	PrintJSON(w, out)
}
