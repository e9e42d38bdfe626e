// Package config provides configuration and state management for vpod.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

var (
	// ErrNoActiveInstance is returned when there is no active instance in state.
	ErrNoActiveInstance = errors.New("no active instance in state")

	// ErrStateLocked is returned when the state file is locked by another process.
	ErrStateLocked = errors.New("state file is locked by another process")

	// ErrStateCorrupt is returned when the state file is corrupt.
	ErrStateCorrupt = errors.New("state file is corrupt")

	// stateMutex provides process-level synchronization for state operations.
	stateMutex sync.Mutex
)

// State is the single active-instance record. Only InstanceID and Workspace
// are needed to stop an instance; the rest feeds status and cost output.
type State struct {
	Version    int       `json:"version"`
	InstanceID string    `json:"instance_id"`
	Workspace  string    `json:"workspace"`
	Image      string    `json:"image,omitempty"`
	SSHHost    string    `json:"ssh_host,omitempty"`
	SSHPort    int       `json:"ssh_port,omitempty"`
	GPU        string    `json:"gpu,omitempty"`
	NumGPUs    int       `json:"num_gpus,omitempty"`
	HourlyRate float64   `json:"hourly_rate,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UnmarshalJSON accepts instance_id as a string or as a JSON number, the
// form older state files use.
func (s *State) UnmarshalJSON(data []byte) error {
	type plain State
	aux := struct {
		*plain
		InstanceID json.RawMessage `json:"instance_id"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	id := bytes.TrimSpace(aux.InstanceID)
	switch {
	case len(id) == 0 || bytes.Equal(id, []byte("null")):
		s.InstanceID = ""
	case id[0] == '"':
		if err := json.Unmarshal(id, &s.InstanceID); err != nil {
			return err
		}
	default:
		n, err := strconv.ParseInt(string(id), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid instance_id %s", id)
		}
		s.InstanceID = strconv.FormatInt(n, 10)
	}
	return nil
}

// StateManager handles state file operations with locking.
type StateManager struct {
	path     string
	lockFile *os.File
}

// NewStateManager creates a StateManager for the state file at path.
func NewStateManager(path string) (*StateManager, error) {
	if path == "" {
		return nil, errors.New("state file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state path: %w", err)
	}
	return &StateManager{path: abs}, nil
}

// Path returns the state file path.
func (m *StateManager) Path() string {
	return m.path
}

func (m *StateManager) lockPath() string {
	return m.path + ".lock"
}

// acquireLock takes the in-process mutex and an exclusive flock on the lock file.
func (m *StateManager) acquireLock() error {
	stateMutex.Lock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		stateMutex.Unlock()
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	f, err := os.OpenFile(m.lockPath(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		stateMutex.Unlock()
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := acquireFileLock(f); err != nil {
		f.Close()
		stateMutex.Unlock()
		return ErrStateLocked
	}

	m.lockFile = f
	return nil
}

func (m *StateManager) releaseLock() error {
	defer stateMutex.Unlock()

	if m.lockFile == nil {
		return nil
	}
	f := m.lockFile
	m.lockFile = nil

	if err := releaseFileLock(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	return nil
}

// LoadState loads the state from the state file.
// Returns nil state and no error if the file doesn't exist or is empty.
// Returns ErrStateCorrupt if the file is not valid JSON.
func (m *StateManager) LoadState() (*State, error) {
	if err := m.acquireLock(); err != nil {
		return nil, err
	}
	defer m.releaseLock()

	return m.loadStateUnlocked()
}

func (m *StateManager) loadStateUnlocked() (*State, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if state.Version == 0 {
		state.Version = StateVersion
	}
	if state.InstanceID == "" {
		return nil, fmt.Errorf("%w: missing instance_id", ErrStateCorrupt)
	}

	return &state, nil
}

// SaveState atomically replaces the state file.
func (m *StateManager) SaveState(state *State) error {
	if err := m.acquireLock(); err != nil {
		return err
	}
	defer m.releaseLock()

	return m.saveStateUnlocked(state)
}

func (m *StateManager) saveStateUnlocked(state *State) error {
	if state == nil {
		return errors.New("cannot save nil state")
	}
	if state.InstanceID == "" {
		return errors.New("cannot save state without an instance ID")
	}
	if state.Version == 0 {
		state.Version = StateVersion
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

// ClearState removes the state file. Clearing absent state is not an error.
func (m *StateManager) ClearState() error {
	if err := m.acquireLock(); err != nil {
		return err
	}
	defer m.releaseLock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// ActiveState returns the current state, or ErrNoActiveInstance if none.
func (m *StateManager) ActiveState() (*State, error) {
	state, err := m.LoadState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrNoActiveInstance
	}
	return state, nil
}

// Duration returns how long the instance has been running.
func (s *State) Duration() time.Duration {
	if s == nil || s.CreatedAt.IsZero() {
		return 0
	}
	return time.Since(s.CreatedAt)
}

// AccumulatedCost estimates the cost so far from the hourly rate.
func (s *State) AccumulatedCost() float64 {
	if s == nil {
		return 0
	}
	return s.Duration().Hours() * s.HourlyRate
}
