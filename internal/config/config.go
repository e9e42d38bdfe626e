// Package config handles loading configuration from .env files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents the vpod configuration.
type Config struct {
	// VastAPIKey authenticates against the Vast.ai API.
	VastAPIKey string

	// SSH wiring
	SSHAlias       string // Host alias written to the ssh config ("vast")
	SSHUser        string
	SSHConfigPath  string // File holding the generated Host block
	KnownHostsPath string
	LocalForwards  []int // Ports forwarded localhost:N -> remote localhost:N

	// Workspace sync
	WorkspaceLocalPrefix  string
	WorkspaceRemotePrefix string

	// StateFile tracks the single active instance.
	StateFile string

	// DiskGB is the disk size requested for new instances.
	DiskGB int

	// WebhookURL receives lifecycle notifications (optional).
	WebhookURL string
}

// EnvFileName is the name of the optional .env file in the vpod config dir.
const EnvFileName = ".env"

// ErrNoConfigFile indicates an explicitly requested .env file was not found.
var ErrNoConfigFile = errors.New("configuration file not found")

// ErrNoAPIKey indicates no Vast.ai API key could be found.
var ErrNoAPIKey = errors.New("no Vast.ai API key configured (set VAST_API_KEY or run 'vpod init')")

// DefaultEnvPath returns ~/.config/vpod/.env.
func DefaultEnvPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return EnvFileName
	}
	return filepath.Join(dir, "vpod", EnvFileName)
}

// LoadConfig loads configuration from the given .env file and the environment.
// With an empty path the default .env is used if it exists; a missing
// explicit path is an error. Warnings (e.g. loose permissions) are returned
// separately so the caller can log them.
func LoadConfig(path string) (*Config, []string, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvPath()
	}

	var warnings []string

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	info, err := os.Stat(absPath)
	switch {
	case err == nil:
		if mode := info.Mode().Perm(); mode != 0o600 {
			warnings = append(warnings, fmt.Sprintf(
				"config file %s has permissions %04o, should be 0600 for security",
				absPath, mode,
			))
		}
		// godotenv.Load never overrides variables already set in the environment.
		if err := godotenv.Load(absPath); err != nil {
			return nil, nil, fmt.Errorf("failed to load config file: %w", err)
		}
	case os.IsNotExist(err):
		if explicit {
			return nil, nil, fmt.Errorf("%w: %s", ErrNoConfigFile, absPath)
		}
	default:
		return nil, nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// LoadConfigFromEnv loads configuration directly from environment variables
// without reading a .env file.
func LoadConfigFromEnv() (*Config, error) {
	c := &Config{}
	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFromEnv() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to determine home directory: %w", err)
	}

	c.VastAPIKey = strings.TrimSpace(os.Getenv("VAST_API_KEY"))
	if c.VastAPIKey == "" {
		c.VastAPIKey = readAPIKeyFile(
			filepath.Join(home, ".config", "vastai", "vast_api_key"),
			filepath.Join(home, ".vast_api_key"),
		)
	}

	c.SSHAlias = getEnvWithDefault("VPOD_SSH_ALIAS", "vast")
	c.SSHUser = getEnvWithDefault("VPOD_SSH_USER", "root")
	c.SSHConfigPath = expandHome(getEnvWithDefault("VPOD_SSH_CONFIG", "~/.ssh/config.d/vast"), home)
	c.KnownHostsPath = expandHome(getEnvWithDefault("VPOD_KNOWN_HOSTS", "~/.ssh/known_hosts"), home)

	forwards, err := parsePorts(getEnvWithDefault("VPOD_LOCAL_FORWARD", "8080"))
	if err != nil {
		return fmt.Errorf("invalid VPOD_LOCAL_FORWARD: %w", err)
	}
	c.LocalForwards = forwards

	c.WorkspaceLocalPrefix = expandHome(getEnvWithDefault("VPOD_WORKSPACE_LOCAL", "~/work/"), home)
	c.WorkspaceRemotePrefix = getEnvWithDefault("VPOD_WORKSPACE_REMOTE", "/home/devpod/work/")
	c.StateFile = expandHome(getEnvWithDefault("VPOD_STATE_FILE", "~/.config/vpod_state.json"), home)
	c.DiskGB = getEnvInt("VPOD_DISK_GB", 10)
	c.WebhookURL = os.Getenv("VPOD_WEBHOOK_URL")

	return nil
}

// Validate checks if the configuration is usable for talking to Vast.ai.
func (c *Config) Validate() error {
	if c.VastAPIKey == "" {
		return ErrNoAPIKey
	}
	if c.SSHAlias == "" || strings.ContainsAny(c.SSHAlias, " \t*?") {
		return fmt.Errorf("invalid VPOD_SSH_ALIAS: %q", c.SSHAlias)
	}
	for _, p := range c.LocalForwards {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid forwarded port: %d", p)
		}
	}
	if c.DiskGB < 1 {
		return fmt.Errorf("VPOD_DISK_GB must be at least 1, got %d", c.DiskGB)
	}
	if !strings.HasPrefix(c.WorkspaceRemotePrefix, "/") {
		return fmt.Errorf("VPOD_WORKSPACE_REMOTE must be an absolute path, got %q", c.WorkspaceRemotePrefix)
	}
	return nil
}

// readAPIKeyFile returns the first non-empty key found in the given files.
// These are the locations the Vast.ai CLI stores its key in.
func readAPIKeyFile(paths ...string) string {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if key := strings.TrimSpace(string(data)); key != "" {
			return key
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnvWithDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return defaultValue
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		// Keep a trailing slash: the workspace prefixes rely on it.
		expanded := filepath.Join(home, path[2:])
		if strings.HasSuffix(path, "/") {
			expanded += "/"
		}
		return expanded
	}
	return path
}

func parsePorts(value string) ([]int, error) {
	var ports []int
	for _, field := range strings.Split(value, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		p, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("%q is not a port number", field)
		}
		ports = append(ports, p)
	}
	return ports, nil
}
