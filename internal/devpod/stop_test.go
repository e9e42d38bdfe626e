package devpod

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/tmeurs/vpod/internal/alert"
	"github.com/tmeurs/vpod/internal/config"
	"github.com/tmeurs/vpod/internal/provider"
	"github.com/tmeurs/vpod/internal/provider/mock"
)

type stopperFixture struct {
	provider *mock.Provider
	state    *config.StateManager
	ws       *fakeWorkspace
	notifier *recordingNotifier
	progress *progressLog
}

func newStopperFixture(t *testing.T, recorded *config.State, running ...string) (*Stopper, *stopperFixture) {
	t.Helper()

	f := &stopperFixture{
		provider: mock.New(),
		state:    newStateManager(t),
		ws:       &fakeWorkspace{},
		notifier: &recordingNotifier{},
		progress: &progressLog{},
	}
	for _, id := range running {
		f.provider.AddInstance(provider.Instance{ID: id, ActualStatus: "running"})
	}
	if recorded != nil {
		if err := f.state.SaveState(recorded); err != nil {
			t.Fatalf("SaveState: %v", err)
		}
	}

	s, err := NewStopper(f.provider, f.state,
		WithStopWorkspace(f.ws),
		WithStopNotifier(f.notifier),
		WithStopProgressCallback(f.progress.add),
		WithDestroyRetry(3, time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewStopper: %v", err)
	}
	return s, f
}

func recordedState(id, workspace string) *config.State {
	return &config.State{
		InstanceID: id,
		Workspace:  workspace,
		GPU:        "RTX 3090",
		HourlyRate: 0.5,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
	}
}

func TestStopper_Stop(t *testing.T) {
	s, f := newStopperFixture(t, recordedState("42", "equilibrium"), "42")

	result, err := s.Stop(context.Background(), StopOptions{})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if !slices.Equal(f.ws.pulled, []string{"equilibrium"}) {
		t.Errorf("pulled %v", f.ws.pulled)
	}
	if !slices.Equal(f.provider.DestroyInstanceCalls, []string{"42"}) {
		t.Errorf("destroyed %v", f.provider.DestroyInstanceCalls)
	}
	if !result.Synced || !result.Confirmed || result.DestroyAttempts != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.SessionDuration < 2*time.Hour || result.SessionCost < 1.0 {
		t.Errorf("session = %v, cost = %.2f", result.SessionDuration, result.SessionCost)
	}

	if _, err := f.state.ActiveState(); !errors.Is(err, config.ErrNoActiveInstance) {
		t.Errorf("state should be cleared, got %v", err)
	}
	if len(f.notifier.levels) != 1 || f.notifier.levels[0] != alert.LevelInfo {
		t.Errorf("expected one info alert, got %v", f.notifier.levels)
	}
	if f.notifier.ctxs[0].Workspace != "equilibrium" || f.notifier.ctxs[0].InstanceID != "42" {
		t.Errorf("unexpected alert context %+v", f.notifier.ctxs[0])
	}
}

func TestStopper_Stop_PullsBeforeDestroying(t *testing.T) {
	s, _ := newStopperFixture(t, recordedState("42", "proj"), "42")

	var order []string
	s.progressCb = func(p Progress) {
		if p.Completed && !p.Warning {
			order = append(order, p.Title)
		}
	}

	if _, err := s.Stop(context.Background(), StopOptions{}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := []string{
		StopStepCheckInstances.String(),
		StopStepPullWorkspace.String(),
		StopStepDestroy.String(),
		StopStepConfirm.String(),
		StopStepClearState.String(),
	}
	if !slices.Equal(order, want) {
		t.Errorf("steps = %v, want %v", order, want)
	}
}

func TestStopper_Stop_NoState(t *testing.T) {
	s, f := newStopperFixture(t, nil, "42")

	_, err := s.Stop(context.Background(), StopOptions{})
	if !errors.Is(err, config.ErrNoActiveInstance) {
		t.Fatalf("expected ErrNoActiveInstance, got %v", err)
	}
	if len(f.provider.DestroyInstanceCalls) != 0 {
		t.Error("nothing should be destroyed")
	}
}

func TestStopper_Stop_InstanceChecks(t *testing.T) {
	tests := []struct {
		name    string
		running []string
		wantErr error
		wantMsg string
	}{
		{
			name:    "none running",
			wantErr: ErrNoInstancesRunning,
			wantMsg: "no instances are running",
		},
		{
			name:    "two running",
			running: []string{"42", "43"},
			wantErr: ErrMultipleInstances,
			wantMsg: "expected exactly 1 running instance, but instead found 2",
		},
		{
			name:    "different instance",
			running: []string{"43"},
			wantErr: ErrStateMismatch,
			wantMsg: "inconsistent state: instance_id in state file is 42, but running instance with id 43",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, f := newStopperFixture(t, recordedState("42", "proj"), tt.running...)

			_, err := s.Stop(context.Background(), StopOptions{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
			if len(f.ws.pulled) != 0 || len(f.provider.DestroyInstanceCalls) != 0 {
				t.Error("nothing should be pulled or destroyed")
			}
			if _, err := f.state.ActiveState(); err != nil {
				t.Errorf("state should be kept: %v", err)
			}
		})
	}
}

func TestStopper_Stop_PullFailureKeepsInstance(t *testing.T) {
	s, f := newStopperFixture(t, recordedState("42", "proj"), "42")
	f.ws.pullErr = errors.New("rsync: connection refused")

	_, err := s.Stop(context.Background(), StopOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(f.provider.DestroyInstanceCalls) != 0 {
		t.Error("instance must not be destroyed when the pull failed")
	}
	if _, err := f.state.ActiveState(); err != nil {
		t.Errorf("state should be kept: %v", err)
	}
}

func TestStopper_Stop_SkipSync(t *testing.T) {
	s, f := newStopperFixture(t, recordedState("42", "proj"), "42")
	f.ws.pullErr = errors.New("unreachable")

	result, err := s.Stop(context.Background(), StopOptions{SkipSync: true})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(f.ws.pulled) != 0 || result.Synced {
		t.Error("workspace should not be pulled")
	}
	if len(f.progress.warnings()) != 1 {
		t.Errorf("expected a skip warning, got %+v", f.progress.warnings())
	}
	if !slices.Equal(f.provider.DestroyInstanceCalls, []string{"42"}) {
		t.Errorf("destroyed %v", f.provider.DestroyInstanceCalls)
	}
}

func TestStopper_Stop_NoWorkspace(t *testing.T) {
	s, f := newStopperFixture(t, recordedState("42", ""), "42")

	result, err := s.Stop(context.Background(), StopOptions{})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(f.ws.pulled) != 0 || result.Synced {
		t.Error("nothing should be pulled")
	}
}

func TestStopper_Stop_RetriesDestroy(t *testing.T) {
	s, f := newStopperFixture(t, recordedState("42", ""), "42")
	s.provider = &flakyProvider{Provider: f.provider, destroyFailures: 2}

	result, err := s.Stop(context.Background(), StopOptions{})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.DestroyAttempts != 3 {
		t.Errorf("attempts = %d, want 3", result.DestroyAttempts)
	}
	if !result.Confirmed {
		t.Error("expected destroy to be confirmed")
	}
}

func TestStopper_Stop_DestroyFails(t *testing.T) {
	s, f := newStopperFixture(t, recordedState("42", ""), "42")
	f.provider.SetError(mock.OpDestroyInstance, errors.New("internal server error"))

	_, err := s.Stop(context.Background(), StopOptions{})
	if !errors.Is(err, ErrDestroyFailed) {
		t.Fatalf("expected ErrDestroyFailed, got %v", err)
	}
	if got := len(f.provider.DestroyInstanceCalls); got != 3 {
		t.Errorf("destroy calls = %d, want 3", got)
	}
	if _, err := f.state.ActiveState(); err != nil {
		t.Errorf("state should be kept: %v", err)
	}
	if len(f.notifier.levels) != 1 || f.notifier.levels[0] != alert.LevelCritical {
		t.Errorf("expected one critical alert, got %v", f.notifier.levels)
	}
}

func TestStopper_Stop_DestroyAuthFailureIsNotRetried(t *testing.T) {
	s, f := newStopperFixture(t, recordedState("42", ""), "42")
	f.provider.SetError(mock.OpDestroyInstance, provider.ErrAuthenticationFailed)

	_, err := s.Stop(context.Background(), StopOptions{})
	if !errors.Is(err, ErrDestroyFailed) {
		t.Fatalf("expected ErrDestroyFailed, got %v", err)
	}
	if got := len(f.provider.DestroyInstanceCalls); got != 1 {
		t.Errorf("destroy calls = %d, want 1", got)
	}
}

func TestStopper_Stop_UnconfirmedDestroyWarns(t *testing.T) {
	s, f := newStopperFixture(t, recordedState("42", ""), "42")
	// The destroy call succeeds but the instance stays listed.
	s.provider = &stickyProvider{Provider: f.provider}

	result, err := s.Stop(context.Background(), StopOptions{})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.Confirmed {
		t.Error("destroy should not be confirmed")
	}
	warnings := f.progress.warnings()
	if len(warnings) != 1 || warnings[0].Step != int(StopStepConfirm) {
		t.Errorf("expected a confirm warning, got %+v", warnings)
	}
	if _, err := f.state.ActiveState(); !errors.Is(err, config.ErrNoActiveInstance) {
		t.Errorf("state should be cleared, got %v", err)
	}
}

func TestStopper_CalculateBackoff(t *testing.T) {
	s := &Stopper{retryDelay: 2 * time.Second}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := s.calculateBackoff(i + 1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

// stickyProvider accepts destroy calls without removing anything.
type stickyProvider struct {
	*mock.Provider
}

func (p *stickyProvider) DestroyInstance(context.Context, string) error {
	return nil
}
