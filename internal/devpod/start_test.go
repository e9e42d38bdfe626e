package devpod

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tmeurs/vpod/internal/alert"
	"github.com/tmeurs/vpod/internal/config"
	"github.com/tmeurs/vpod/internal/provider"
	"github.com/tmeurs/vpod/internal/provider/mock"
)

type starterFixture struct {
	provider *mock.Provider
	state    *config.StateManager
	ws       *fakeWorkspace
	keys     *fakeRotator
	notifier *recordingNotifier
	progress *progressLog
	sshDir   string
	picks    []int
}

func newStarterFixture(t *testing.T, offers int, opts ...StarterOption) (*Starter, *starterFixture) {
	t.Helper()

	f := &starterFixture{
		provider: mock.New(mock.WithOffers(testOffers(offers))),
		state:    newStateManager(t),
		ws:       &fakeWorkspace{},
		keys:     &fakeRotator{},
		notifier: &recordingNotifier{},
		progress: &progressLog{},
		sshDir:   filepath.Join(t.TempDir(), ".ssh"),
	}

	base := []StarterOption{
		WithSSH(SSHSettings{
			ConfigPath:    filepath.Join(f.sshDir, "config.d", "vast"),
			Alias:         "vast",
			User:          "root",
			LocalForwards: []int{8080},
		}),
		WithHostKeys(f.keys),
		WithWorkspace(f.ws),
		WithNotifier(f.notifier),
		WithProgressCallback(f.progress.add),
		WithPollInterval(time.Millisecond),
		WithOfferPicker(func(n int) int {
			f.picks = append(f.picks, n)
			return 0
		}),
	}

	s, err := NewStarter(f.provider, f.state, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewStarter: %v", err)
	}
	return s, f
}

func TestNewStarter_RequiresDependencies(t *testing.T) {
	if _, err := NewStarter(nil, newStateManager(t)); err == nil {
		t.Error("expected error without provider")
	}
	if _, err := NewStarter(mock.New(), nil); err == nil {
		t.Error("expected error without state manager")
	}
}

func TestStarter_Start(t *testing.T) {
	s, f := newStarterFixture(t, 3)

	result, err := s.Start(context.Background(), StartRequest{
		Image:     "faithlessfriend/equilibrium:dev",
		Query:     "gpu_name=RTX_3090 num_gpus=1",
		Workspace: "equilibrium",
		DiskGB:    20,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(f.provider.CreateInstanceCalls) != 1 {
		t.Fatalf("expected 1 create call, got %d", len(f.provider.CreateInstanceCalls))
	}
	req := f.provider.CreateInstanceCalls[0]
	if req.OfferID != "500" || req.Image != "faithlessfriend/equilibrium:dev" || req.DiskGB != 20 {
		t.Errorf("unexpected create request: %+v", req)
	}
	if req.Onstart != OnstartCommand {
		t.Errorf("Onstart = %q, want %q", req.Onstart, OnstartCommand)
	}

	if result.Instance == nil || result.Instance.ActualStatus != "running" {
		t.Fatalf("expected running instance, got %+v", result.Instance)
	}
	if result.SSHAlias != "vast" || result.Workspace != "equilibrium" {
		t.Errorf("unexpected result: %+v", result)
	}

	// The default boot sequence needs three polls.
	if got := len(f.provider.GetInstanceCalls); got != 3 {
		t.Errorf("expected 3 polls, got %d", got)
	}

	endpoint := result.Instance.SSHHost + ":" + strconv.Itoa(result.Instance.SSHPort)
	if !slices.Equal(f.keys.calls, []string{endpoint}) {
		t.Errorf("rotated %v, want [%s]", f.keys.calls, endpoint)
	}
	if !slices.Equal(f.ws.pushed, []string{"equilibrium"}) {
		t.Errorf("pushed %v", f.ws.pushed)
	}

	hostBlock, err := os.ReadFile(filepath.Join(f.sshDir, "config.d", "vast"))
	if err != nil {
		t.Fatalf("host block not written: %v", err)
	}
	if !strings.Contains(string(hostBlock), "HostName "+result.Instance.SSHHost) {
		t.Errorf("host block missing HostName:\n%s", hostBlock)
	}

	state, err := f.state.ActiveState()
	if err != nil {
		t.Fatalf("ActiveState: %v", err)
	}
	if state.InstanceID != result.Instance.ID || state.Workspace != "equilibrium" {
		t.Errorf("unexpected state: %+v", state)
	}
	if state.SSHHost != result.Instance.SSHHost || state.SSHPort != result.Instance.SSHPort {
		t.Errorf("state missing ssh endpoint: %+v", state)
	}
	if state.HourlyRate != 0.2 || state.GPU != "RTX 3090" {
		t.Errorf("state missing offer details: %+v", state)
	}

	msgs := f.progress.messages()
	if !slices.Contains(msgs, "Renting 1 x RTX 3090 (CUDA 12.2) for $0.20/hr") {
		t.Errorf("missing renting message in %q", msgs)
	}
	if !slices.Contains(msgs, "loading...") {
		t.Errorf("missing loading message in %q", msgs)
	}

	if len(f.notifier.levels) != 1 || f.notifier.levels[0] != alert.LevelInfo {
		t.Errorf("expected one info alert, got %v", f.notifier.levels)
	}
}

func TestStarter_Start_PicksAmongBestFive(t *testing.T) {
	tests := []struct {
		offers int
		wantN  int
	}{
		{offers: 1, wantN: 1},
		{offers: 4, wantN: 4},
		{offers: 5, wantN: 5},
		{offers: 12, wantN: 5},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.offers), func(t *testing.T) {
			s, f := newStarterFixture(t, tt.offers)
			if _, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"}); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if !slices.Equal(f.picks, []int{tt.wantN}) {
				t.Errorf("picker called with %v, want [%d]", f.picks, tt.wantN)
			}
		})
	}
}

func TestStarter_Start_UsesPickedOffer(t *testing.T) {
	s, f := newStarterFixture(t, 8, WithOfferPicker(func(n int) int { return n - 1 }))

	result, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Offer.ID != "504" {
		t.Errorf("picked offer %s, want 504 (fifth best)", result.Offer.ID)
	}
	if f.provider.CreateInstanceCalls[0].OfferID != "504" {
		t.Errorf("rented %s", f.provider.CreateInstanceCalls[0].OfferID)
	}
}

func TestStarter_Start_NoWorkspace(t *testing.T) {
	s, f := newStarterFixture(t, 2)

	if _, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(f.ws.pushed) != 0 {
		t.Errorf("nothing should be pushed, got %v", f.ws.pushed)
	}
	state, _ := f.state.ActiveState()
	if state == nil || state.Workspace != "" {
		t.Errorf("expected state with empty workspace, got %+v", state)
	}
}

func TestStarter_Start_NoOffers(t *testing.T) {
	s, f := newStarterFixture(t, 0)

	_, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "gpu_name=H200"})
	if !errors.Is(err, ErrNoOffers) {
		t.Fatalf("expected ErrNoOffers, got %v", err)
	}
	if len(f.provider.CreateInstanceCalls) != 0 {
		t.Error("nothing should be rented")
	}
}

func TestStarter_Start_ValidationHappensBeforeRenting(t *testing.T) {
	tests := []struct {
		name  string
		req   StartRequest
		setup func(*starterFixture)
	}{
		{name: "missing image", req: StartRequest{Query: "num_gpus=1"}},
		{name: "missing query", req: StartRequest{Image: "img"}},
		{name: "bad workspace name", req: StartRequest{Image: "img", Query: "num_gpus=1", Workspace: "../etc"}},
		{
			name:  "missing local workspace",
			req:   StartRequest{Image: "img", Query: "num_gpus=1", Workspace: "proj"},
			setup: func(f *starterFixture) { f.ws.checkErr = errors.New("local workspace directory does not exist") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, f := newStarterFixture(t, 2)
			if tt.setup != nil {
				tt.setup(f)
			}
			if _, err := s.Start(context.Background(), tt.req); err == nil {
				t.Fatal("expected error")
			}
			if len(f.provider.SearchOffersCalls) != 0 {
				t.Error("offers should not be searched")
			}
		})
	}
}

func TestStarter_Start_AlreadyRunning(t *testing.T) {
	s, f := newStarterFixture(t, 2)
	if err := f.state.SaveState(&config.State{InstanceID: "777", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	_, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !strings.Contains(err.Error(), "777") {
		t.Errorf("error should name the recorded instance: %v", err)
	}

	if _, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1", Force: true}); err != nil {
		t.Fatalf("forced Start: %v", err)
	}
}

func TestStarter_Start_RentFails(t *testing.T) {
	s, f := newStarterFixture(t, 2)
	f.provider.SetError(mock.OpCreateInstance, provider.ErrRentFailed)

	_, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"})
	if !errors.Is(err, provider.ErrRentFailed) {
		t.Fatalf("expected ErrRentFailed, got %v", err)
	}
	if state, _ := f.state.LoadState(); state != nil {
		t.Errorf("nothing should be recorded, got %+v", state)
	}
	if len(f.notifier.levels) != 1 || f.notifier.levels[0] != alert.LevelError {
		t.Errorf("expected one error alert, got %v", f.notifier.levels)
	}
}

func TestStarter_Start_BootFails(t *testing.T) {
	s, f := newStarterFixture(t, 2)
	f.provider = mock.New(mock.WithOffers(testOffers(2)), mock.WithBootSequence("", "loading", "exited"))
	s.provider = f.provider

	_, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1", Workspace: "proj"})
	if !errors.Is(err, ErrBootFailed) {
		t.Fatalf("expected ErrBootFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "vpod stop") {
		t.Errorf("error should explain how to clean up: %v", err)
	}

	// The instance stays recorded so stop can destroy it.
	state, lerr := f.state.ActiveState()
	if lerr != nil {
		t.Fatalf("expected recorded instance: %v", lerr)
	}
	if state.InstanceID != "1000" {
		t.Errorf("recorded %s, want 1000", state.InstanceID)
	}
	if len(f.ws.pushed) != 0 || len(f.keys.calls) != 0 {
		t.Error("ssh and sync must not run after a failed boot")
	}
	if len(f.provider.DestroyInstanceCalls) != 0 {
		t.Error("instance must not be destroyed automatically")
	}
}

func TestStarter_Start_WaitsThroughIntermediateStatuses(t *testing.T) {
	for _, status := range []string{"created", "scheduling", "starting"} {
		t.Run(status, func(t *testing.T) {
			s, f := newStarterFixture(t, 1)
			f.provider = mock.New(mock.WithOffers(testOffers(1)), mock.WithBootSequence("", "loading", status, "running"))
			s.provider = f.provider

			result, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if result.Instance.ActualStatus != "running" {
				t.Errorf("status = %q, want running", result.Instance.ActualStatus)
			}
			if got := len(f.provider.GetInstanceCalls); got != 4 {
				t.Errorf("expected 4 polls, got %d", got)
			}
			if !slices.Contains(f.progress.messages(), status+"...") {
				t.Errorf("expected %q progress, got %v", status+"...", f.progress.messages())
			}
		})
	}
}

func TestStarter_Start_UnrecordedInstance(t *testing.T) {
	s, f := newStarterFixture(t, 1)
	f.provider = mock.New(mock.WithOffers(testOffers(1)),
		mock.WithBootSequence("", "exited"),
		mock.WithConsoleURL("https://cloud.vast.ai/instances/"))
	s.provider = f.provider

	// A regular file as parent directory makes every save fail, even as root.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sm, err := config.NewStateManager(filepath.Join(blocker, "vpod_state.json"))
	if err != nil {
		t.Fatalf("NewStateManager: %v", err)
	}
	s.stateManager = sm

	_, err = s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1", Force: true})
	if !errors.Is(err, ErrBootFailed) {
		t.Fatalf("expected ErrBootFailed, got %v", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "vpod stop") {
		t.Errorf("stop cannot find an unrecorded instance: %v", err)
	}
	if !strings.Contains(msg, "1000") || !strings.Contains(msg, "https://cloud.vast.ai/instances/") {
		t.Errorf("error should name the instance and the console: %v", err)
	}

	warned := false
	for _, w := range f.progress.warnings() {
		if w.Step == int(StepCreateInstance) {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning about the unrecorded instance")
	}
}

func TestStarter_Start_ToleratesTransientPollErrors(t *testing.T) {
	s, f := newStarterFixture(t, 1)
	flaky := &flakyProvider{Provider: f.provider, getFailures: maxPollErrors - 1}
	s.provider = flaky

	result, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Instance.ActualStatus != "running" {
		t.Errorf("status = %q", result.Instance.ActualStatus)
	}
}

func TestStarter_Start_PollGivesUp(t *testing.T) {
	s, f := newStarterFixture(t, 1)
	f.provider.SetError(mock.OpGetInstance, errors.New("connection reset"))

	_, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected poll error, got %v", err)
	}
	if got := len(f.provider.GetInstanceCalls); got != maxPollErrors {
		t.Errorf("expected %d polls, got %d", maxPollErrors, got)
	}
}

func TestStarter_Start_AuthErrorStopsPolling(t *testing.T) {
	s, f := newStarterFixture(t, 1)
	f.provider.SetError(mock.OpGetInstance, provider.ErrAuthenticationFailed)

	_, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"})
	if !errors.Is(err, provider.ErrAuthenticationFailed) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if got := len(f.provider.GetInstanceCalls); got != 1 {
		t.Errorf("expected 1 poll, got %d", got)
	}
}

func TestStarter_Start_BootTimeout(t *testing.T) {
	s, f := newStarterFixture(t, 1)
	f.provider = mock.New(mock.WithOffers(testOffers(1)), mock.WithBootSequence("loading"))
	s.provider = f.provider

	_, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1", BootTimeout: 30 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStarter_Start_Cancelled(t *testing.T) {
	s, f := newStarterFixture(t, 1)
	f.provider = mock.New(mock.WithOffers(testOffers(1)), mock.WithBootSequence("loading"))
	s.provider = f.provider

	ctx, cancel := context.WithCancel(context.Background())
	s.progressCb = func(p Progress) {
		if p.Message == "loading..." {
			cancel()
		}
	}

	_, err := s.Start(ctx, StartRequest{Image: "img", Query: "num_gpus=1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// The failure alert is still delivered.
	if len(f.notifier.levels) != 1 || f.notifier.levels[0] != alert.LevelError {
		t.Errorf("expected one error alert, got %v", f.notifier.levels)
	}
}

func TestStarter_Start_HostKeyFailure(t *testing.T) {
	s, f := newStarterFixture(t, 1)
	f.keys.err = errors.New("failed to update host keys for [h]:1 after 3 attempts")

	_, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1", Workspace: "proj"})
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("expected host key error, got %v", err)
	}
	if len(f.ws.pushed) != 0 {
		t.Error("workspace must not be pushed without host keys")
	}
	if state, _ := f.state.ActiveState(); state == nil {
		t.Error("instance should stay recorded")
	}
}

func TestStarter_Start_PushFailure(t *testing.T) {
	s, f := newStarterFixture(t, 1)
	f.ws.pushErr = errors.New("rsync: connection unexpectedly closed")

	_, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1", Workspace: "proj"})
	if err == nil || !strings.Contains(err.Error(), "rsync") {
		t.Fatalf("expected push error, got %v", err)
	}
	state, _ := f.state.ActiveState()
	if state == nil || state.Workspace != "proj" {
		t.Errorf("instance and workspace should stay recorded, got %+v", state)
	}
}

func TestStarter_Start_WarnsAboutMissingInclude(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "config")
	if err := os.WriteFile(mainPath, []byte("Host github.com\n  User git\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, f := newStarterFixture(t, 1)
	s.ssh.MainConfigPath = mainPath

	result, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !result.IncludeMissing {
		t.Error("expected IncludeMissing")
	}
	warnings := f.progress.warnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0].Detail, "Include "+s.ssh.ConfigPath) {
		t.Errorf("expected include warning, got %+v", warnings)
	}
}

func TestStarter_Start_RefusesToOverwriteMainConfig(t *testing.T) {
	s, f := newStarterFixture(t, 1)
	s.ssh.MainConfigPath = s.ssh.ConfigPath

	if _, err := s.Start(context.Background(), StartRequest{Image: "img", Query: "num_gpus=1"}); err == nil {
		t.Fatal("expected error")
	}
	if len(f.provider.CreateInstanceCalls) != 0 {
		t.Error("nothing should be rented")
	}
}
