package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/tmeurs/vpod/internal/devpod"
)

func update(t *testing.T, m ProgressModel, msg tea.Msg) (ProgressModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	pm, ok := next.(ProgressModel)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return pm, cmd
}

func TestNewProgressModel(t *testing.T) {
	m := NewProgressModel("Starting instance", StartStepTitles(), nil)

	steps := m.Steps()
	if len(steps) != devpod.TotalStartSteps {
		t.Fatalf("expected %d steps, got %d", devpod.TotalStartSteps, len(steps))
	}
	for i, step := range steps {
		if step.State != StepPending {
			t.Errorf("step %d should be pending, got %v", i, step.State)
		}
	}
	if steps[0].Title != devpod.StepSearchOffers.String() {
		t.Errorf("first title = %q", steps[0].Title)
	}
	if m.IsDone() || m.IsFailed() {
		t.Error("model should not be finished initially")
	}
}

func TestStopStepTitles(t *testing.T) {
	titles := StopStepTitles()
	if len(titles) != devpod.TotalStopSteps {
		t.Fatalf("expected %d titles, got %d", devpod.TotalStopSteps, len(titles))
	}
	if titles[len(titles)-1] != devpod.StopStepClearState.String() {
		t.Errorf("last title = %q", titles[len(titles)-1])
	}
}

func TestProgressModel_Update_Steps(t *testing.T) {
	m := NewProgressModel("Starting instance", StartStepTitles(), nil)

	m, _ = update(t, m, ProgressMsg{Progress: devpod.Progress{
		Step:    int(devpod.StepWaitBoot),
		Message: "loading...",
	}})
	if got := m.Steps()[3].State; got != StepInProgress {
		t.Fatalf("step 4 should be in progress, got %v", got)
	}

	m, _ = update(t, m, ProgressMsg{Progress: devpod.Progress{
		Step:      int(devpod.StepWaitBoot),
		Message:   "Instance is running",
		Completed: true,
	}})
	step := m.Steps()[3]
	if step.State != StepCompleted || step.Message != "Instance is running" {
		t.Errorf("unexpected step: %+v", step)
	}

	m, _ = update(t, m, ProgressMsg{Progress: devpod.Progress{
		Step:    int(devpod.StepConfigureSSH),
		Message: "Include missing",
		Warning: true,
	}})
	if got := m.Steps()[4].State; got != StepWarning {
		t.Errorf("step 5 should warn, got %v", got)
	}

	// Out of range steps are ignored.
	m, _ = update(t, m, ProgressMsg{Progress: devpod.Progress{Step: 42}})
	m, _ = update(t, m, ProgressMsg{Progress: devpod.Progress{Step: 0}})
	if len(m.Steps()) != devpod.TotalStartSteps {
		t.Error("step count changed")
	}
}

func TestProgressModel_Update_Done(t *testing.T) {
	m := NewProgressModel("Stopping instance", StopStepTitles(), nil)
	m, _ = update(t, m, ProgressMsg{Progress: devpod.Progress{Step: 1, Message: "Checking"}})

	m, cmd := update(t, m, DoneMsg{Summary: []string{"Session cost: $1.00"}})
	if !m.IsDone() {
		t.Fatal("model should be done")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if m.Steps()[0].State != StepCompleted {
		t.Errorf("in-progress step should complete, got %v", m.Steps()[0].State)
	}
	if !strings.Contains(m.View(), "Session cost: $1.00") {
		t.Error("view should contain the summary")
	}
}

func TestProgressModel_Update_Failed(t *testing.T) {
	m := NewProgressModel("Stopping instance", StopStepTitles(), nil)
	m, _ = update(t, m, ProgressMsg{Progress: devpod.Progress{Step: 3, Message: "Destroying"}})

	m, cmd := update(t, m, FailedMsg{Err: errors.New("destroy failed")})
	if !m.IsFailed() || m.Err() == nil {
		t.Fatal("model should be failed")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if m.Steps()[2].State != StepFailed {
		t.Errorf("current step should fail, got %v", m.Steps()[2].State)
	}
	if !strings.Contains(m.View(), "Error: destroy failed") {
		t.Error("view should contain the error")
	}
}

func TestProgressModel_CtrlC(t *testing.T) {
	cancelled := 0
	m := NewProgressModel("Starting instance", StartStepTitles(), func() { cancelled++ })

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if cancelled != 1 {
		t.Errorf("cancel called %d times", cancelled)
	}
	if cmd != nil {
		t.Error("first ctrl+c should wait for the operation")
	}
	if !strings.Contains(m.View(), "Cancelling...") {
		t.Error("view should show cancelling")
	}

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("second ctrl+c should quit")
	}
	if cancelled != 1 {
		t.Errorf("cancel called %d times", cancelled)
	}

	// Other keys are ignored.
	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd != nil {
		t.Error("q should be ignored")
	}
}

func TestProgressModel_View(t *testing.T) {
	m := NewProgressModel("Starting instance", StartStepTitles(), nil)
	m, _ = update(t, m, ProgressMsg{Progress: devpod.Progress{
		Step:    int(devpod.StepSelectOffer),
		Message: "Renting 1 x RTX 3090 (CUDA 12.2) for $0.20/hr",
		Detail:  "Instances UI: https://cloud.vast.ai/instances/",
	}})

	view := m.View()
	for _, want := range []string{
		"Starting instance",
		"[2/7] " + devpod.StepSelectOffer.String(),
		"Renting 1 x RTX 3090",
		"Instances UI: https://cloud.vast.ai/instances/",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{45, "45s"},
		{12 * 60, "12m"},
		{2 * 3600, "2h"},
		{4*3600 + 28*60, "4h 28m"},
	}
	for _, tt := range tests {
		d := time.Duration(tt.seconds) * time.Second
		if got := FormatDuration(d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", d, got, tt.want)
		}
	}
}

func TestFormatPrice(t *testing.T) {
	if got := FormatPrice(0.214); !strings.Contains(got, "$0.21") {
		t.Errorf("FormatPrice = %q", got)
	}
}
