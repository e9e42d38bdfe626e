// Package workspace mirrors a local project directory to the instance with rsync over ssh.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/tmeurs/vpod/internal/logging"
)

// Direction is the way a sync copies files.
type Direction string

const (
	// Up copies local files to the instance.
	Up Direction = "up"
	// Down copies instance files to the local machine.
	Down Direction = "down"
)

// ParseDirection parses "up" or "down".
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(s)); d {
	case Up, Down:
		return d, nil
	default:
		return "", fmt.Errorf("invalid sync direction %q (want up or down)", s)
	}
}

// ErrLocalMissing is returned when pushing a workspace that does not exist locally.
var ErrLocalMissing = errors.New("local workspace directory does not exist")

// SyncError represents a failed ssh or rsync invocation.
type SyncError struct {
	Op      string // "mkdir", "push" or "pull"
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("workspace %s failed: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("workspace %s failed: %s", e.Op, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Runner runs an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec, streaming their output.
type ExecRunner struct {
	// Stdout receives the command's standard output. Nil discards it.
	Stdout io.Writer
	// Stderr receives the command's standard error in addition to the
	// returned error. Nil discards it.
	Stderr io.Writer
}

// Run runs the command and waits for it. Stderr is included in the error.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	if r.Stderr != nil {
		cmd.Stderr = io.MultiWriter(r.Stderr, &stderr)
	} else {
		cmd.Stderr = &stderr
	}

	logging.Get().Debug().Str("cmd", name).Strs("args", args).Msg("Running command")

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "exited with an error"
		}
		return fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), msg, err)
	}
	return nil
}

// Paths maps workspace names to local and remote directories.
type Paths struct {
	// LocalPrefix is the local parent directory.
	LocalPrefix string
	// RemotePrefix is the absolute remote parent directory.
	RemotePrefix string
	// Target is the ssh host alias of the instance.
	Target string
}

// Local returns the local directory of the named workspace.
func (p Paths) Local(name string) string {
	return filepath.Join(p.LocalPrefix, name)
}

// Remote returns the remote directory of the named workspace.
func (p Paths) Remote(name string) string {
	return path.Join(p.RemotePrefix, name)
}

// ValidateName checks that name is a single directory name under the prefixes.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("workspace name is empty")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid workspace name %q: must be a single directory name", name)
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("invalid workspace name %q: must not start with '-'", name)
	}
	return nil
}

// Syncer copies workspaces between the local machine and the instance.
type Syncer struct {
	paths  Paths
	runner Runner
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(s *Syncer) {
		s.runner = r
	}
}

// NewSyncer creates a Syncer for the given paths.
func NewSyncer(paths Paths, opts ...Option) *Syncer {
	s := &Syncer{
		paths:  paths,
		runner: &ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Paths returns the path mapping.
func (s *Syncer) Paths() Paths {
	return s.paths
}

// Sync runs Push or Pull depending on dir.
func (s *Syncer) Sync(ctx context.Context, name string, dir Direction) error {
	switch dir {
	case Up:
		return s.Push(ctx, name)
	case Down:
		return s.Pull(ctx, name)
	default:
		return fmt.Errorf("invalid sync direction %q", dir)
	}
}

// CheckLocal validates name and checks that its local directory exists.
func (s *Syncer) CheckLocal(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	local := s.paths.Local(name)
	info, err := os.Stat(local)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrLocalMissing, local)
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", local, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", local)
	}
	return nil
}

// Push copies the local workspace to the instance.
func (s *Syncer) Push(ctx context.Context, name string) error {
	if err := s.CheckLocal(name); err != nil {
		return err
	}

	local := s.paths.Local(name)
	if err := s.ensureRemotePrefix(ctx); err != nil {
		return err
	}

	remote := s.paths.Target + ":" + s.paths.Remote(name)
	log := logging.Get()
	log.Info().Str("workspace", name).Str("from", local).Str("to", remote).Msg("Pushing workspace")

	if err := s.runner.Run(ctx, "rsync", "-avz", local+"/", remote); err != nil {
		return &SyncError{Op: "push", Message: fmt.Sprintf("rsync to %s", remote), Cause: err}
	}
	return nil
}

// Pull copies the instance's workspace to the local machine, creating the
// local directory when needed.
func (s *Syncer) Pull(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	local := s.paths.Local(name)
	if err := os.MkdirAll(local, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", local, err)
	}

	if err := s.ensureRemotePrefix(ctx); err != nil {
		return err
	}

	remote := s.paths.Target + ":" + s.paths.Remote(name)
	log := logging.Get()
	log.Info().Str("workspace", name).Str("from", remote).Str("to", local).Msg("Pulling workspace")

	if err := s.runner.Run(ctx, "rsync", "-avz", remote+"/", local); err != nil {
		return &SyncError{Op: "pull", Message: fmt.Sprintf("rsync from %s", remote), Cause: err}
	}
	return nil
}

func (s *Syncer) ensureRemotePrefix(ctx context.Context) error {
	if err := s.runner.Run(ctx, "ssh", s.paths.Target, "mkdir", "-p", s.paths.RemotePrefix); err != nil {
		return &SyncError{Op: "mkdir", Message: fmt.Sprintf("creating %s on %s", s.paths.RemotePrefix, s.paths.Target), Cause: err}
	}
	return nil
}
