package devpod

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/tmeurs/vpod/internal/config"
	"github.com/tmeurs/vpod/internal/provider"
	"github.com/tmeurs/vpod/internal/provider/mock"
	"github.com/tmeurs/vpod/internal/workspace"
)

func TestGetStatus(t *testing.T) {
	balance := 12.5
	p := mock.New(mock.WithAccountInfo(&provider.AccountInfo{Valid: true, Balance: &balance}))
	p.AddInstance(provider.Instance{ID: "42", ActualStatus: "running", GPUName: "RTX 3090"})
	p.AddInstance(provider.Instance{ID: "43", ActualStatus: "exited"})

	sm := newStateManager(t)
	if err := sm.SaveState(recordedState("42", "proj")); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	report, err := GetStatus(context.Background(), p, sm)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if report.State == nil || report.State.InstanceID != "42" {
		t.Fatalf("unexpected state: %+v", report.State)
	}
	if report.Instance == nil || report.Instance.GPUName != "RTX 3090" {
		t.Errorf("unexpected instance: %+v", report.Instance)
	}
	if len(report.Untracked) != 1 || report.Untracked[0].ID != "43" {
		t.Errorf("untracked = %+v", report.Untracked)
	}
	if report.Account == nil || *report.Account.Balance != 12.5 {
		t.Errorf("unexpected account: %+v", report.Account)
	}
	if report.Orphaned() {
		t.Error("report should not be orphaned")
	}
}

func TestGetStatus_NothingRecorded(t *testing.T) {
	p := mock.New()
	p.AddInstance(provider.Instance{ID: "7", ActualStatus: "running"})

	report, err := GetStatus(context.Background(), p, newStateManager(t))
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if report.State != nil || report.Instance != nil {
		t.Errorf("expected empty state, got %+v", report)
	}
	if len(report.Untracked) != 1 {
		t.Errorf("untracked = %+v", report.Untracked)
	}
}

func TestGetStatus_Orphaned(t *testing.T) {
	sm := newStateManager(t)
	if err := sm.SaveState(recordedState("42", "")); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	report, err := GetStatus(context.Background(), mock.New(), sm)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !report.Orphaned() {
		t.Error("expected orphaned report")
	}
}

func TestGetStatus_MarketplaceDown(t *testing.T) {
	p := mock.New(
		mock.WithError(mock.OpListInstances, errors.New("bad gateway")),
		mock.WithError(mock.OpValidateAPIKey, errors.New("bad gateway")),
	)
	sm := newStateManager(t)
	if err := sm.SaveState(recordedState("42", "")); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	report, err := GetStatus(context.Background(), p, sm)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if report.LiveError == nil {
		t.Error("expected LiveError")
	}
	if report.Orphaned() {
		t.Error("an unreachable marketplace does not make the instance orphaned")
	}
	if report.Account != nil {
		t.Error("expected no account info")
	}
}

func TestSyncer_Sync(t *testing.T) {
	sm := newStateManager(t)
	if err := sm.SaveState(recordedState("42", "proj")); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	ws := &fakeWorkspace{}
	s, err := NewSyncer(sm, ws)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}

	name, err := s.Sync(context.Background(), workspace.Up)
	if err != nil || name != "proj" {
		t.Fatalf("Sync up = %q, %v", name, err)
	}
	if _, err := s.Sync(context.Background(), workspace.Down); err != nil {
		t.Fatalf("Sync down: %v", err)
	}
	if !slices.Equal(ws.pushed, []string{"proj"}) || !slices.Equal(ws.pulled, []string{"proj"}) {
		t.Errorf("pushed %v, pulled %v", ws.pushed, ws.pulled)
	}

	if _, err := s.Sync(context.Background(), workspace.Direction("sideways")); err == nil {
		t.Error("expected error for invalid direction")
	}
}

func TestSyncer_SyncErrors(t *testing.T) {
	t.Run("no instance", func(t *testing.T) {
		s, _ := NewSyncer(newStateManager(t), &fakeWorkspace{})
		if _, err := s.Sync(context.Background(), workspace.Up); !errors.Is(err, config.ErrNoActiveInstance) {
			t.Errorf("expected ErrNoActiveInstance, got %v", err)
		}
	})

	t.Run("no workspace", func(t *testing.T) {
		sm := newStateManager(t)
		if err := sm.SaveState(recordedState("42", "")); err != nil {
			t.Fatalf("SaveState: %v", err)
		}
		s, _ := NewSyncer(sm, &fakeWorkspace{})
		if _, err := s.Sync(context.Background(), workspace.Down); !errors.Is(err, ErrNoWorkspace) {
			t.Errorf("expected ErrNoWorkspace, got %v", err)
		}
	})

	t.Run("rsync fails", func(t *testing.T) {
		sm := newStateManager(t)
		if err := sm.SaveState(recordedState("42", "proj")); err != nil {
			t.Fatalf("SaveState: %v", err)
		}
		cause := errors.New("rsync exited 23")
		s, _ := NewSyncer(sm, &fakeWorkspace{pushErr: cause})
		if _, err := s.Sync(context.Background(), workspace.Up); !errors.Is(err, cause) {
			t.Errorf("expected rsync error, got %v", err)
		}
	})

	t.Run("missing dependencies", func(t *testing.T) {
		if _, err := NewSyncer(nil, &fakeWorkspace{}); err == nil {
			t.Error("expected error without state manager")
		}
		if _, err := NewSyncer(newStateManager(t), nil); err == nil {
			t.Error("expected error without workspace syncer")
		}
	})
}
