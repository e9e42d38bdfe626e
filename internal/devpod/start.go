package devpod

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/tmeurs/vpod/internal/alert"
	"github.com/tmeurs/vpod/internal/config"
	"github.com/tmeurs/vpod/internal/logging"
	"github.com/tmeurs/vpod/internal/provider"
	"github.com/tmeurs/vpod/internal/sshconfig"
)

const (
	// OnstartCommand runs when the container starts. It keeps the image from
	// wrapping every ssh session in tmux.
	OnstartCommand = "touch ~/.no_auto_tmux"

	// offerCandidates is how many of the best offers the pick is drawn from.
	offerCandidates = 5

	// DefaultPollInterval is the pause between boot status polls.
	DefaultPollInterval = time.Second

	// maxPollErrors is how many consecutive failed polls end the wait.
	maxPollErrors = 5
)

// WorkspaceSyncer copies a named workspace to and from the instance.
type WorkspaceSyncer interface {
	CheckLocal(name string) error
	Push(ctx context.Context, name string) error
	Pull(ctx context.Context, name string) error
}

// HostKeyRotator replaces the known host keys of an ssh endpoint.
type HostKeyRotator interface {
	Rotate(ctx context.Context, host string, port int) error
}

// SSHSettings describes the ssh host block written for the instance.
type SSHSettings struct {
	// ConfigPath is the file holding the generated Host block. Empty skips
	// writing it.
	ConfigPath string

	// MainConfigPath is the user's ssh config, checked for an Include that
	// covers ConfigPath. Empty skips the check.
	MainConfigPath string

	Alias         string
	User          string
	LocalForwards []int
}

func (s SSHSettings) alias() string {
	if s.Alias == "" {
		return sshconfig.DefaultAlias
	}
	return s.Alias
}

// StartRequest describes the instance to start.
type StartRequest struct {
	// Image is the docker image to run.
	Image string

	// Query is the offer search query, e.g. "gpu_name=RTX_3090 num_gpus=1".
	Query string

	// Workspace is the directory name to push. Empty skips syncing.
	Workspace string

	// DiskGB is the disk size. Zero uses the marketplace default.
	DiskGB int

	// Label names the instance in the marketplace UI.
	Label string

	// BootTimeout bounds the wait for the instance to boot. Zero waits
	// until the context is cancelled.
	BootTimeout time.Duration

	// Force starts even when the state file records an instance.
	Force bool
}

// StartResult holds the result of a successful start.
type StartResult struct {
	Instance  *provider.Instance
	Offer     provider.Offer
	Workspace string

	// SSHAlias is the host alias to connect with, e.g. "ssh vast".
	SSHAlias string

	// ConsoleURL is the marketplace page listing instances.
	ConsoleURL string

	// IncludeMissing is set when the user's ssh config does not include
	// the generated host block.
	IncludeMissing bool

	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns how long the start took.
func (r *StartResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Starter rents, prepares and records a development instance.
type Starter struct {
	provider     provider.Provider
	stateManager *config.StateManager
	ssh          SSHSettings
	hostKeys     HostKeyRotator
	workspace    WorkspaceSyncer
	notifier     alert.Notifier
	progressCb   ProgressFunc
	pollInterval time.Duration
	pick         func(n int) int
}

// StarterOption is a functional option for Starter.
type StarterOption func(*Starter)

// WithSSH sets the ssh host block settings.
func WithSSH(settings SSHSettings) StarterOption {
	return func(s *Starter) {
		s.ssh = settings
	}
}

// WithHostKeys sets the known_hosts rotator.
func WithHostKeys(r HostKeyRotator) StarterOption {
	return func(s *Starter) {
		s.hostKeys = r
	}
}

// WithWorkspace sets the workspace syncer.
func WithWorkspace(ws WorkspaceSyncer) StarterOption {
	return func(s *Starter) {
		s.workspace = ws
	}
}

// WithNotifier sets where lifecycle alerts are sent.
func WithNotifier(n alert.Notifier) StarterOption {
	return func(s *Starter) {
		s.notifier = n
	}
}

// WithProgressCallback sets a callback for progress reporting.
func WithProgressCallback(cb ProgressFunc) StarterOption {
	return func(s *Starter) {
		s.progressCb = cb
	}
}

// WithPollInterval sets the pause between boot status polls.
func WithPollInterval(d time.Duration) StarterOption {
	return func(s *Starter) {
		s.pollInterval = d
	}
}

// WithOfferPicker replaces the random choice among the best offers.
// pick(n) must return an index in [0, n).
func WithOfferPicker(pick func(n int) int) StarterOption {
	return func(s *Starter) {
		s.pick = pick
	}
}

// NewStarter creates a Starter renting from p and recording into sm.
func NewStarter(p provider.Provider, sm *config.StateManager, opts ...StarterOption) (*Starter, error) {
	if p == nil {
		return nil, errors.New("provider is required")
	}
	if sm == nil {
		return nil, errors.New("state manager is required")
	}

	s := &Starter{
		provider:     p,
		stateManager: sm,
		notifier:     alert.Nop{},
		pollInterval: DefaultPollInterval,
		pick:         rand.IntN,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = alert.Nop{}
	}
	return s, nil
}

// validate rejects requests that would fail only after renting.
func (s *Starter) validate(req StartRequest) error {
	if strings.TrimSpace(req.Image) == "" {
		return errors.New("image is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return errors.New("offer query is required")
	}
	if req.Workspace != "" {
		if s.workspace == nil {
			return errors.New("workspace syncing is not configured")
		}
		if err := s.workspace.CheckLocal(req.Workspace); err != nil {
			return err
		}
	}
	if s.ssh.ConfigPath != "" && s.ssh.ConfigPath == s.ssh.MainConfigPath {
		return fmt.Errorf("refusing to overwrite %s with the generated host block", s.ssh.MainConfigPath)
	}

	if req.Force {
		return nil
	}
	state, err := s.stateManager.LoadState()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if state != nil {
		return fmt.Errorf("%w: instance %s (run 'vpod stop' first or pass --force)", ErrAlreadyRunning, state.InstanceID)
	}
	return nil
}

// Start rents an instance matching req.Query, waits for it to boot, wires
// up ssh, pushes the workspace and records the instance in the state file.
//
// The instance is recorded as soon as it exists. If a later step fails it is
// left running and the error says so; 'vpod stop' destroys it.
func (s *Starter) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	result := &StartResult{
		Workspace:  req.Workspace,
		SSHAlias:   s.ssh.alias(),
		ConsoleURL: s.provider.ConsoleURL(),
		StartedAt:  time.Now(),
	}
	log := logging.Get()

	// Step 1: Search offers
	s.reportProgress(StepSearchOffers, "Searching offers...", req.Query, false)
	offers, err := s.provider.SearchOffers(ctx, req.Query)
	if err != nil {
		s.reportError(StepSearchOffers, "Offer search failed", err)
		return nil, fmt.Errorf("failed to search offers: %w", err)
	}
	if len(offers) == 0 {
		s.reportError(StepSearchOffers, "No offers found", ErrNoOffers)
		return nil, fmt.Errorf("%w: %s", ErrNoOffers, req.Query)
	}
	s.reportProgress(StepSearchOffers, fmt.Sprintf("Found %d offers", len(offers)), "", true)

	// Step 2: Pick one of the best offers
	offer := offers[s.pick(min(offerCandidates, len(offers)))]
	result.Offer = offer
	s.reportProgress(StepSelectOffer, "Renting "+offer.String(), "Instances UI: "+result.ConsoleURL, true)
	log.Info().
		Str("offer_id", offer.ID).
		Str("gpu", offer.GPUName).
		Int("num_gpus", offer.NumGPUs).
		Float64("hourly_price", offer.HourlyPrice).
		Msg("Selected offer")

	// Step 3: Create instance
	s.reportProgress(StepCreateInstance, "Creating instance...", "", false)
	instance, err := s.provider.CreateInstance(ctx, provider.CreateRequest{
		OfferID: offer.ID,
		Image:   req.Image,
		Onstart: OnstartCommand,
		DiskGB:  req.DiskGB,
		Label:   req.Label,
	})
	if err != nil {
		s.reportError(StepCreateInstance, "Failed to create instance", err)
		s.notify(ctx, alert.LevelError, "Failed to rent instance", alert.Context{GPU: offer.GPUName, Workspace: req.Workspace, Error: err.Error()})
		return nil, fmt.Errorf("failed to rent %s: %w", offer, err)
	}
	result.Instance = instance
	s.reportProgress(StepCreateInstance, fmt.Sprintf("Instance %s created", instance.ID), "", true)

	state := &config.State{
		InstanceID: instance.ID,
		Workspace:  req.Workspace,
		Image:      req.Image,
		GPU:        offer.GPUName,
		NumGPUs:    offer.NumGPUs,
		HourlyRate: offer.HourlyPrice,
		CreatedAt:  time.Now().UTC(),
	}
	recorded := true
	if err := s.stateManager.SaveState(state); err != nil {
		recorded = false
		log.Warn().Err(err).Str("instance_id", instance.ID).Msg("Failed to record new instance")
		s.reportWarning(StepCreateInstance, "Failed to record instance "+instance.ID, err.Error())
	}

	alertCtx := alert.Context{
		InstanceID: instance.ID,
		Provider:   s.provider.Name(),
		Action:     "start",
		GPU:        offer.GPUName,
		Workspace:  req.Workspace,
	}
	abort := func(step StartStep, message string, err error) (*StartResult, error) {
		s.reportError(step, message, err)
		alertCtx.Error = err.Error()
		s.notify(ctx, alert.LevelError, "Instance start failed at: "+step.String(), alertCtx)
		if !recorded {
			return nil, fmt.Errorf("%s: %w (instance %s was not destroyed and is not recorded; destroy it at %s)",
				strings.ToLower(step.String()), err, instance.ID, result.ConsoleURL)
		}
		return nil, fmt.Errorf("%s: %w (instance %s was not destroyed; run 'vpod stop --no-sync' to destroy it)",
			strings.ToLower(step.String()), err, instance.ID)
	}

	// Step 4: Wait for boot
	s.reportProgress(StepWaitBoot, "Waiting for instance to boot...", "", false)
	instance, err = s.waitForBoot(ctx, instance.ID, req.BootTimeout)
	if err != nil {
		return abort(StepWaitBoot, "Instance failed to boot", err)
	}
	result.Instance = instance
	s.reportProgress(StepWaitBoot, "Instance running", fmt.Sprintf("%s:%d", instance.SSHHost, instance.SSHPort), true)

	// Step 5: Configure SSH
	s.reportProgress(StepConfigureSSH, "Configuring SSH...", "", false)
	includeMissing, err := s.configureSSH(ctx, instance)
	if err != nil {
		return abort(StepConfigureSSH, "Failed to configure SSH", err)
	}
	result.IncludeMissing = includeMissing
	s.reportProgress(StepConfigureSSH, "SSH ready: ssh "+result.SSHAlias, "", true)

	// Step 6: Push workspace
	if req.Workspace == "" {
		s.reportProgress(StepPushWorkspace, "No workspace to push", "", true)
	} else {
		s.reportProgress(StepPushWorkspace, fmt.Sprintf("Pushing workspace %s...", req.Workspace), "", false)
		if err := s.workspace.Push(ctx, req.Workspace); err != nil {
			return abort(StepPushWorkspace, "Failed to push workspace", err)
		}
		s.reportProgress(StepPushWorkspace, fmt.Sprintf("Workspace %s pushed", req.Workspace), "", true)
	}

	// Step 7: Save state
	s.reportProgress(StepSaveState, "Saving state...", "", false)
	state.SSHHost = instance.SSHHost
	state.SSHPort = instance.SSHPort
	if instance.HourlyRate > 0 {
		state.HourlyRate = instance.HourlyRate
	}
	if err := s.stateManager.SaveState(state); err != nil {
		s.reportError(StepSaveState, "Failed to save state", err)
		alertCtx.Error = err.Error()
		s.notify(ctx, alert.LevelCritical, "Instance is running but could not be recorded", alertCtx)
		return nil, fmt.Errorf("instance %s is running but could not be recorded; destroy it at %s: %w",
			instance.ID, result.ConsoleURL, err)
	}
	s.reportProgress(StepSaveState, "State saved to "+s.stateManager.Path(), "", true)

	result.CompletedAt = time.Now()
	s.notify(ctx, alert.LevelInfo, "Instance started", alertCtx)
	log.Info().
		Str("instance_id", instance.ID).
		Str("workspace", req.Workspace).
		Dur("duration", result.Duration()).
		Msg("Instance started")

	return result, nil
}

// waitForBoot polls the instance until it is running. Any status still on
// the way up keeps it polling; the rest fail the boot.
// A few consecutive failed polls are tolerated; bad credentials are not.
func (s *Starter) waitForBoot(ctx context.Context, id string, timeout time.Duration) (*provider.Instance, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	failures := 0
	for {
		instance, err := s.provider.GetInstance(ctx, id)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, fmt.Errorf("stopped waiting for instance %s: %w", id, ctx.Err())
		case err != nil:
			if errors.Is(err, provider.ErrAuthenticationFailed) {
				return nil, err
			}
			failures++
			if failures >= maxPollErrors {
				return nil, fmt.Errorf("failed to poll instance %s: %w", id, err)
			}
			logging.Warn().Err(err).Str("instance_id", id).Int("failures", failures).Msg("Instance poll failed")
		case instance.Status.IsRunning():
			return instance, nil
		case instance.Status == provider.InstanceStatusCreating:
			failures = 0
			message := "loading..."
			if !instance.IsLoading() {
				message = instance.ActualStatus + "..."
			}
			s.reportProgress(StepWaitBoot, message, instance.StatusMessage, false)
		default:
			detail := instance.ActualStatus
			if instance.StatusMessage != "" {
				detail += ": " + instance.StatusMessage
			}
			return instance, fmt.Errorf("%w: %s", ErrBootFailed, detail)
		}

		if err := sleep(ctx, s.pollInterval); err != nil {
			return nil, fmt.Errorf("stopped waiting for instance %s: %w", id, err)
		}
	}
}

// configureSSH writes the host block and refreshes known_hosts. It reports
// whether the user's ssh config lacks an Include for the host block.
func (s *Starter) configureSSH(ctx context.Context, instance *provider.Instance) (bool, error) {
	if instance.SSHHost == "" || instance.SSHPort == 0 {
		return false, ErrNoSSHAddress
	}

	includeMissing := false
	if s.ssh.ConfigPath != "" {
		entry := sshconfig.HostEntry{
			Alias:         s.ssh.alias(),
			HostName:      instance.SSHHost,
			Port:          instance.SSHPort,
			User:          s.ssh.User,
			LocalForwards: s.ssh.LocalForwards,
		}
		if err := sshconfig.WriteHostConfig(s.ssh.ConfigPath, entry); err != nil {
			return false, err
		}

		if s.ssh.MainConfigPath != "" {
			covered, err := sshconfig.IncludeCovers(s.ssh.MainConfigPath, s.ssh.ConfigPath)
			if err != nil {
				logging.Warn().Err(err).Str("path", s.ssh.MainConfigPath).Msg("Failed to check ssh config includes")
			} else if !covered {
				includeMissing = true
				s.reportWarning(StepConfigureSSH,
					fmt.Sprintf("%s does not include %s", s.ssh.MainConfigPath, s.ssh.ConfigPath),
					"Add this line to the top of it: Include "+s.ssh.ConfigPath)
			}
		}
	}

	if s.hostKeys != nil {
		s.reportProgress(StepConfigureSSH, "Updating host keys...", fmt.Sprintf("[%s]:%d", instance.SSHHost, instance.SSHPort), false)
		if err := s.hostKeys.Rotate(ctx, instance.SSHHost, instance.SSHPort); err != nil {
			return includeMissing, err
		}
	}
	return includeMissing, nil
}

func (s *Starter) notify(ctx context.Context, level alert.Level, message string, alertCtx alert.Context) {
	// Failures must still be reported after Ctrl-C.
	if err := s.notifier.Notify(context.WithoutCancel(ctx), level, message, alertCtx); err != nil {
		logging.Warn().Err(err).Msg("Failed to send alert")
	}
}

func (s *Starter) reportProgress(step StartStep, message, detail string, completed bool) {
	report(s.progressCb, Progress{
		Step:       int(step),
		TotalSteps: TotalStartSteps,
		Title:      step.String(),
		Message:    message,
		Detail:     detail,
		Completed:  completed,
	})
}

func (s *Starter) reportWarning(step StartStep, message, detail string) {
	report(s.progressCb, Progress{
		Step:       int(step),
		TotalSteps: TotalStartSteps,
		Title:      step.String(),
		Message:    message,
		Detail:     detail,
		Warning:    true,
	})
}

func (s *Starter) reportError(step StartStep, message string, err error) {
	report(s.progressCb, Progress{
		Step:       int(step),
		TotalSteps: TotalStartSteps,
		Title:      step.String(),
		Message:    message,
		Detail:     err.Error(),
		Error:      err,
	})
}

func report(cb ProgressFunc, p Progress) {
	if cb != nil {
		cb(p)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
