package devpod

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmeurs/vpod/internal/alert"
	"github.com/tmeurs/vpod/internal/config"
	"github.com/tmeurs/vpod/internal/logging"
	"github.com/tmeurs/vpod/internal/provider"
)

const (
	// DefaultDestroyAttempts is how often Stop tries to destroy the instance.
	DefaultDestroyAttempts = 3
	// DefaultDestroyRetryDelay is the base of the exponential backoff between attempts.
	DefaultDestroyRetryDelay = 2 * time.Second
	// maxDestroyRetryDelay caps the backoff.
	maxDestroyRetryDelay = 30 * time.Second
)

// StopOptions tweaks a stop.
type StopOptions struct {
	// SkipSync destroys the instance without pulling the workspace first.
	SkipSync bool
}

// StopResult holds the result of stopping the instance.
type StopResult struct {
	InstanceID string
	Workspace  string

	// Synced is set when the workspace was pulled.
	Synced bool

	// Confirmed is set when the marketplace no longer lists the instance.
	Confirmed bool

	// ConsoleURL is where to check on an unconfirmed destroy.
	ConsoleURL string

	// DestroyAttempts is the number of destroy calls made.
	DestroyAttempts int

	// SessionDuration is how long the instance was up.
	SessionDuration time.Duration

	// SessionCost is estimated from the recorded hourly rate.
	SessionCost float64

	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns how long the stop took.
func (r *StopResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Stopper pulls the workspace of the recorded instance and destroys it.
type Stopper struct {
	provider        provider.Provider
	stateManager    *config.StateManager
	workspace       WorkspaceSyncer
	notifier        alert.Notifier
	progressCb      ProgressFunc
	destroyAttempts int
	retryDelay      time.Duration
}

// StopperOption is a functional option for Stopper.
type StopperOption func(*Stopper)

// WithStopWorkspace sets the workspace syncer.
func WithStopWorkspace(ws WorkspaceSyncer) StopperOption {
	return func(s *Stopper) {
		s.workspace = ws
	}
}

// WithStopNotifier sets where lifecycle alerts are sent.
func WithStopNotifier(n alert.Notifier) StopperOption {
	return func(s *Stopper) {
		s.notifier = n
	}
}

// WithStopProgressCallback sets a callback for stop progress reporting.
func WithStopProgressCallback(cb ProgressFunc) StopperOption {
	return func(s *Stopper) {
		s.progressCb = cb
	}
}

// WithDestroyRetry sets the number of destroy attempts and the base backoff.
func WithDestroyRetry(attempts int, baseDelay time.Duration) StopperOption {
	return func(s *Stopper) {
		s.destroyAttempts = attempts
		s.retryDelay = baseDelay
	}
}

// NewStopper creates a Stopper for the instance recorded in sm.
func NewStopper(p provider.Provider, sm *config.StateManager, opts ...StopperOption) (*Stopper, error) {
	if p == nil {
		return nil, errors.New("provider is required")
	}
	if sm == nil {
		return nil, errors.New("state manager is required")
	}

	s := &Stopper{
		provider:        p,
		stateManager:    sm,
		notifier:        alert.Nop{},
		destroyAttempts: DefaultDestroyAttempts,
		retryDelay:      DefaultDestroyRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = alert.Nop{}
	}
	if s.destroyAttempts < 1 {
		s.destroyAttempts = 1
	}
	return s, nil
}

// Stop checks that the recorded instance is the only one running, pulls its
// workspace, destroys it and clears the state file.
//
// A failed pull aborts before anything is destroyed, so no work is lost.
func (s *Stopper) Stop(ctx context.Context, opts StopOptions) (*StopResult, error) {
	state, err := s.stateManager.ActiveState()
	if err != nil {
		return nil, err
	}

	result := &StopResult{
		InstanceID:      state.InstanceID,
		Workspace:       state.Workspace,
		ConsoleURL:      s.provider.ConsoleURL(),
		SessionDuration: state.Duration(),
		SessionCost:     state.AccumulatedCost(),
		StartedAt:       time.Now(),
	}
	alertCtx := alert.Context{
		InstanceID: state.InstanceID,
		Provider:   s.provider.Name(),
		Action:     "stop",
		GPU:        state.GPU,
		Workspace:  state.Workspace,
	}

	// Step 1: Check running instances
	s.reportProgress(StopStepCheckInstances, "Checking running instances...", "", false)
	if err := s.checkInstances(ctx, state.InstanceID); err != nil {
		s.reportError(StopStepCheckInstances, "Instance check failed", err)
		return nil, err
	}
	s.reportProgress(StopStepCheckInstances, fmt.Sprintf("Instance %s is running", state.InstanceID), "", true)

	// Step 2: Pull workspace
	switch {
	case state.Workspace == "":
		s.reportProgress(StopStepPullWorkspace, "No workspace to pull", "", true)
	case opts.SkipSync:
		s.reportWarning(StopStepPullWorkspace, "Skipping workspace pull", "Remote changes to "+state.Workspace+" will be lost")
	case s.workspace == nil:
		err := errors.New("workspace syncing is not configured")
		s.reportError(StopStepPullWorkspace, "Failed to pull workspace", err)
		return nil, err
	default:
		s.reportProgress(StopStepPullWorkspace, fmt.Sprintf("Pulling workspace %s...", state.Workspace), "", false)
		if err := s.workspace.Pull(ctx, state.Workspace); err != nil {
			s.reportError(StopStepPullWorkspace, "Failed to pull workspace", err)
			return nil, fmt.Errorf("instance %s left running: %w (retry, or pass --no-sync to destroy it anyway)", state.InstanceID, err)
		}
		result.Synced = true
		s.reportProgress(StopStepPullWorkspace, fmt.Sprintf("Workspace %s pulled", state.Workspace), "", true)
	}

	// Step 3: Destroy instance
	s.reportProgress(StopStepDestroy, "Destroying instance...", "", false)
	if err := s.destroyWithRetry(ctx, state.InstanceID, result); err != nil {
		s.reportError(StopStepDestroy, "Failed to destroy instance", err)
		alertCtx.Error = err.Error()
		s.notify(ctx, alert.LevelCritical, "Failed to destroy instance; it is still billing", alertCtx)
		return nil, err
	}
	s.reportProgress(StopStepDestroy, fmt.Sprintf("Instance %s destroyed", state.InstanceID), "", true)

	// Step 4: Confirm
	s.reportProgress(StopStepConfirm, "Confirming instance is gone...", "", false)
	if err := s.confirmDestroyed(ctx, state.InstanceID); err != nil {
		s.reportWarning(StopStepConfirm, "Could not confirm the instance is gone", fmt.Sprintf("%v; check %s", err, result.ConsoleURL))
	} else {
		result.Confirmed = true
		s.reportProgress(StopStepConfirm, "Instance is gone", "", true)
	}

	// Step 5: Clear state
	s.reportProgress(StopStepClearState, "Cleaning up state...", "", false)
	if err := s.stateManager.ClearState(); err != nil {
		s.reportError(StopStepClearState, "Failed to clear state", err)
		return nil, fmt.Errorf("instance destroyed but state not cleared: %w", err)
	}
	s.reportProgress(StopStepClearState, "Done", "", true)

	result.CompletedAt = time.Now()
	s.notify(ctx, alert.LevelInfo, "Instance stopped", alertCtx)
	logging.Info().
		Str("instance_id", state.InstanceID).
		Dur("session", result.SessionDuration).
		Float64("cost", result.SessionCost).
		Msg("Instance stopped")

	return result, nil
}

// checkInstances requires the account to run exactly the recorded instance.
func (s *Stopper) checkInstances(ctx context.Context, id string) error {
	instances, err := s.provider.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	switch {
	case len(instances) == 0:
		return ErrNoInstancesRunning
	case len(instances) > 1:
		return fmt.Errorf("%w, but instead found %d", ErrMultipleInstances, len(instances))
	case instances[0].ID != id:
		return fmt.Errorf("%w: instance_id in state file is %s, but running instance with id %s",
			ErrStateMismatch, id, instances[0].ID)
	}
	return nil
}

// destroyWithRetry destroys the instance with exponential backoff.
func (s *Stopper) destroyWithRetry(ctx context.Context, id string, result *StopResult) error {
	var lastErr error

	for attempt := 1; attempt <= s.destroyAttempts; attempt++ {
		result.DestroyAttempts = attempt

		err := s.provider.DestroyInstance(ctx, id)
		if err == nil {
			return nil
		}
		lastErr = err

		logging.Warn().
			Str("instance_id", id).
			Int("attempt", attempt).
			Int("max_attempts", s.destroyAttempts).
			Err(err).
			Msg("Destroy attempt failed")

		if ctx.Err() != nil {
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		}
		if errors.Is(err, provider.ErrAuthenticationFailed) || attempt == s.destroyAttempts {
			break
		}

		delay := s.calculateBackoff(attempt)
		s.reportProgress(StopStepDestroy, fmt.Sprintf("Destroy failed, retrying in %v...", delay),
			fmt.Sprintf("attempt %d/%d: %v", attempt, s.destroyAttempts, err), false)

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled while waiting for retry: %w", err)
		}
	}

	logging.Error().
		Str("instance_id", id).
		Int("attempts", result.DestroyAttempts).
		Err(lastErr).
		Msg("CRITICAL: Failed to destroy instance")

	return fmt.Errorf("%w: %v", ErrDestroyFailed, lastErr)
}

// calculateBackoff returns base * 2^(attempt-1), capped.
func (s *Stopper) calculateBackoff(attempt int) time.Duration {
	delay := s.retryDelay * time.Duration(1<<(attempt-1))
	if delay > maxDestroyRetryDelay {
		delay = maxDestroyRetryDelay
	}
	return delay
}

// confirmDestroyed returns nil once the marketplace no longer knows the instance.
func (s *Stopper) confirmDestroyed(ctx context.Context, id string) error {
	instance, err := s.provider.GetInstance(ctx, id)
	if errors.Is(err, provider.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("instance %s is still listed with status %q", id, instance.ActualStatus)
}

func (s *Stopper) notify(ctx context.Context, level alert.Level, message string, alertCtx alert.Context) {
	if err := s.notifier.Notify(context.WithoutCancel(ctx), level, message, alertCtx); err != nil {
		logging.Warn().Err(err).Msg("Failed to send alert")
	}
}

func (s *Stopper) reportProgress(step StopStep, message, detail string, completed bool) {
	report(s.progressCb, Progress{
		Step:       int(step),
		TotalSteps: TotalStopSteps,
		Title:      step.String(),
		Message:    message,
		Detail:     detail,
		Completed:  completed,
	})
}

func (s *Stopper) reportWarning(step StopStep, message, detail string) {
	report(s.progressCb, Progress{
		Step:       int(step),
		TotalSteps: TotalStopSteps,
		Title:      step.String(),
		Message:    message,
		Detail:     detail,
		Completed:  true,
		Warning:    true,
	})
}

func (s *Stopper) reportError(step StopStep, message string, err error) {
	report(s.progressCb, Progress{
		Step:       int(step),
		TotalSteps: TotalStopSteps,
		Title:      step.String(),
		Message:    message,
		Detail:     err.Error(),
		Error:      err,
	})
}
