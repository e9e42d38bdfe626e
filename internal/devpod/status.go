package devpod

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmeurs/vpod/internal/config"
	"github.com/tmeurs/vpod/internal/logging"
	"github.com/tmeurs/vpod/internal/provider"
)

// StatusReport combines the state file with what the marketplace reports.
type StatusReport struct {
	// State is the recorded instance, nil when none is recorded.
	State *config.State

	// Instance is the live view of the recorded instance, nil when the
	// marketplace does not list it.
	Instance *provider.Instance

	// Untracked lists instances the state file does not know about. They
	// are billed like any other.
	Untracked []provider.Instance

	// LiveError is set when the marketplace could not be queried.
	LiveError error

	// Account is nil when account details could not be fetched.
	Account *provider.AccountInfo
}

// Orphaned reports whether the state file records an instance the
// marketplace no longer lists.
func (r *StatusReport) Orphaned() bool {
	return r.State != nil && r.Instance == nil && r.LiveError == nil
}

// GetStatus loads the state file and asks the marketplace about it. Only a
// broken state file is an error; marketplace failures land in LiveError.
func GetStatus(ctx context.Context, p provider.Provider, sm *config.StateManager) (*StatusReport, error) {
	if p == nil || sm == nil {
		return nil, errors.New("provider and state manager are required")
	}

	state, err := sm.LoadState()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	report := &StatusReport{State: state}

	instances, err := p.ListInstances(ctx)
	if err != nil {
		report.LiveError = err
		logging.Warn().Err(err).Msg("Failed to list instances")
	}
	for i := range instances {
		if state != nil && instances[i].ID == state.InstanceID {
			inst := instances[i]
			report.Instance = &inst
			continue
		}
		report.Untracked = append(report.Untracked, instances[i])
	}

	account, err := p.ValidateAPIKey(ctx)
	if err != nil {
		logging.Debug().Err(err).Msg("Failed to fetch account info")
	} else {
		report.Account = account
	}

	return report, nil
}
