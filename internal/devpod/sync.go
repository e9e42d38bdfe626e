package devpod

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmeurs/vpod/internal/config"
	"github.com/tmeurs/vpod/internal/workspace"
)

// Syncer pushes or pulls the workspace of the recorded instance without
// touching the instance itself.
type Syncer struct {
	stateManager *config.StateManager
	workspace    WorkspaceSyncer
}

// NewSyncer creates a Syncer.
func NewSyncer(sm *config.StateManager, ws WorkspaceSyncer) (*Syncer, error) {
	if sm == nil {
		return nil, errors.New("state manager is required")
	}
	if ws == nil {
		return nil, errors.New("workspace syncer is required")
	}
	return &Syncer{stateManager: sm, workspace: ws}, nil
}

// Sync copies the recorded workspace in the given direction and returns
// its name.
func (s *Syncer) Sync(ctx context.Context, dir workspace.Direction) (string, error) {
	state, err := s.stateManager.ActiveState()
	if err != nil {
		return "", err
	}
	if state.Workspace == "" {
		return "", fmt.Errorf("%w (instance %s)", ErrNoWorkspace, state.InstanceID)
	}

	switch dir {
	case workspace.Up:
		err = s.workspace.Push(ctx, state.Workspace)
	case workspace.Down:
		err = s.workspace.Pull(ctx, state.Workspace)
	default:
		return "", fmt.Errorf("invalid sync direction %q", dir)
	}
	if err != nil {
		return "", err
	}
	return state.Workspace, nil
}
