package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tmeurs/vpod/internal/devpod"
)

// StepState represents the state of a progress step.
type StepState int

const (
	StepPending StepState = iota
	StepInProgress
	StepCompleted
	StepWarning
	StepFailed
)

// StepInfo holds the display state of a single step.
type StepInfo struct {
	Title   string
	Message string
	Detail  string
	State   StepState
}

// ProgressModel renders the steps of a start or stop run with a spinner on
// the step in progress.
type ProgressModel struct {
	title       string
	steps       []StepInfo
	spinner     spinner.Model
	currentStep int
	cancel      context.CancelFunc
	cancelling  bool
	done        bool
	failed      bool
	err         error
	summary     []string
	width       int
}

// NewProgressModel creates a progress model for the given step titles. The
// cancel func, when set, is called on ctrl+c.
func NewProgressModel(title string, stepTitles []string, cancel context.CancelFunc) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = Styles.Spinner

	steps := make([]StepInfo, len(stepTitles))
	for i, t := range stepTitles {
		steps[i] = StepInfo{Title: t, State: StepPending}
	}

	return ProgressModel{
		title:       title,
		steps:       steps,
		spinner:     s,
		currentStep: -1,
		cancel:      cancel,
	}
}

// StartStepTitles returns the titles of the start steps in order.
func StartStepTitles() []string {
	titles := make([]string, 0, devpod.TotalStartSteps)
	for step := devpod.StepSearchOffers; int(step) <= devpod.TotalStartSteps; step++ {
		titles = append(titles, step.String())
	}
	return titles
}

// StopStepTitles returns the titles of the stop steps in order.
func StopStepTitles() []string {
	titles := make([]string, 0, devpod.TotalStopSteps)
	for step := devpod.StopStepCheckInstances; int(step) <= devpod.TotalStopSteps; step++ {
		titles = append(titles, step.String())
	}
	return titles
}

// ProgressMsg carries a progress update from the running operation.
type ProgressMsg struct {
	Progress devpod.Progress
}

// DoneMsg ends the program after a successful run.
type DoneMsg struct {
	Summary []string
}

// FailedMsg ends the program after a failed run.
type FailedMsg struct {
	Err error
}

// Init implements tea.Model.
func (m ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if msg.String() != "ctrl+c" {
			return m, nil
		}
		if m.cancel == nil || m.cancelling {
			return m, tea.Quit
		}
		m.cancelling = true
		m.cancel()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ProgressMsg:
		m = m.handleProgressUpdate(msg.Progress)
		return m, nil

	case DoneMsg:
		m.done = true
		m.summary = msg.Summary
		for i := range m.steps {
			if m.steps[i].State == StepInProgress {
				m.steps[i].State = StepCompleted
			}
		}
		return m, tea.Quit

	case FailedMsg:
		m.failed = true
		m.err = msg.Err
		if m.currentStep >= 0 && m.currentStep < len(m.steps) && m.steps[m.currentStep].State == StepInProgress {
			m.steps[m.currentStep].State = StepFailed
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m ProgressModel) handleProgressUpdate(p devpod.Progress) ProgressModel {
	i := p.Step - 1
	if i < 0 || i >= len(m.steps) {
		return m
	}

	m.steps[i].Message = p.Message
	m.steps[i].Detail = p.Detail

	switch {
	case p.Error != nil:
		m.steps[i].State = StepFailed
	case p.Warning:
		m.steps[i].State = StepWarning
		if !p.Completed {
			m.currentStep = i
		}
	case p.Completed:
		m.steps[i].State = StepCompleted
	default:
		m.steps[i].State = StepInProgress
		m.currentStep = i
	}
	return m
}

// View implements tea.Model.
func (m ProgressModel) View() string {
	var b strings.Builder

	b.WriteString(Styles.Title.Render(m.title))
	b.WriteString("\n\n")

	for i, step := range m.steps {
		b.WriteString(m.renderStep(i, step))
	}

	if m.cancelling && !m.done && !m.failed {
		b.WriteString("\n")
		b.WriteString(Styles.Warning.Render("Cancelling..."))
		b.WriteString("\n")
	}

	if m.failed && m.err != nil {
		b.WriteString("\n")
		b.WriteString(Styles.Error.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	}

	if m.done && len(m.summary) > 0 {
		b.WriteString("\n")
		for _, line := range m.summary {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return b.String()
}

func (m ProgressModel) renderStep(index int, step StepInfo) string {
	var icon string
	messageStyle := Styles.Muted

	switch step.State {
	case StepPending:
		icon = Styles.Muted.Render(IconPending)
	case StepInProgress:
		icon = m.spinner.View()
		messageStyle = lipgloss.NewStyle().Foreground(ColorForeground)
	case StepCompleted:
		icon = Styles.Checkmark.Render(IconSuccess)
		messageStyle = Styles.Success
	case StepWarning:
		icon = Styles.Warning.Render(IconWarning)
		messageStyle = Styles.Warning
	case StepFailed:
		icon = Styles.CrossMark.Render(IconError)
		messageStyle = Styles.Error
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%d/%d] %s\n", icon, index+1, len(m.steps), step.Title)
	if step.State != StepPending && step.Message != "" {
		b.WriteString("      ")
		b.WriteString(messageStyle.Render(step.Message))
		b.WriteString("\n")
	}
	if step.State != StepPending && step.Detail != "" {
		b.WriteString("      ")
		b.WriteString(Styles.Muted.Render(step.Detail))
		b.WriteString("\n")
	}
	return b.String()
}

// IsDone reports whether the run finished successfully.
func (m ProgressModel) IsDone() bool {
	return m.done
}

// IsFailed reports whether the run failed.
func (m ProgressModel) IsFailed() bool {
	return m.failed
}

// Err returns the error the run failed with.
func (m ProgressModel) Err() error {
	return m.err
}

// Steps returns a copy of the step states.
func (m ProgressModel) Steps() []StepInfo {
	out := make([]StepInfo, len(m.steps))
	copy(out, m.steps)
	return out
}

// MakeProgressCallback creates a progress callback that forwards updates to
// the program.
func MakeProgressCallback(p *tea.Program) devpod.ProgressFunc {
	return func(progress devpod.Progress) {
		p.Send(ProgressMsg{Progress: progress})
	}
}

// RunWithProgress runs op in a goroutine while the program renders its
// progress. op receives the progress callback to report through and
// returns summary lines shown on success. The returned error is op's.
func RunWithProgress(model ProgressModel, op func(cb devpod.ProgressFunc) ([]string, error), opts ...tea.ProgramOption) error {
	p := tea.NewProgram(model, opts...)

	opErr := make(chan error, 1)
	go func() {
		summary, err := op(MakeProgressCallback(p))
		if err != nil {
			p.Send(FailedMsg{Err: err})
		} else {
			p.Send(DoneMsg{Summary: summary})
		}
		opErr <- err
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("progress display failed: %w", err)
	}
	return <-opErr
}
