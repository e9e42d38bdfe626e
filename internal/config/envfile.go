package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// ErrConfigExists is returned by WriteEnvFile when the file exists and
// overwrite was not requested.
var ErrConfigExists = errors.New("configuration file already exists")

// EnvDefaults are the values written by WriteEnvFile besides the API key.
var EnvDefaults = map[string]string{
	"VPOD_SSH_ALIAS":        "vast",
	"VPOD_SSH_USER":         "root",
	"VPOD_SSH_CONFIG":       "~/.ssh/config.d/vast",
	"VPOD_KNOWN_HOSTS":      "~/.ssh/known_hosts",
	"VPOD_LOCAL_FORWARD":    "8080",
	"VPOD_WORKSPACE_LOCAL":  "~/work/",
	"VPOD_WORKSPACE_REMOTE": "/home/devpod/work/",
	"VPOD_DISK_GB":          "10",
}

// WriteEnvFile writes a .env file with the API key and defaults, mode 0600.
func WriteEnvFile(path, apiKey string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	env := make(map[string]string, len(EnvDefaults)+1)
	for k, v := range EnvDefaults {
		env[k] = v
	}
	if apiKey != "" {
		env["VAST_API_KEY"] = apiKey
	}

	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, 0o600)
}
