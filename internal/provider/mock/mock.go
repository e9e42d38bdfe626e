// Package mock provides an in-memory marketplace implementing provider.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tmeurs/vpod/internal/provider"
)

// Provider is a mock implementation of the provider.Provider interface.
// Instances created through it walk through a configurable boot sequence of
// actual statuses, one step per GetInstance call.
type Provider struct {
	mu sync.Mutex

	name       string
	consoleURL string

	offers      []provider.Offer
	instances   map[string]*mockInstance
	nextID      int
	bootSeq     []string
	accountInfo *provider.AccountInfo

	// Error injection, keyed by operation name.
	errs map[string]error

	// Delay injection, keyed by operation name.
	delays map[string]time.Duration

	// Call tracking for assertions
	SearchOffersCalls    []string
	CreateInstanceCalls  []provider.CreateRequest
	GetInstanceCalls     []string
	ListInstancesCalls   int
	DestroyInstanceCalls []string
	ValidateAPIKeyCalls  int
}

type mockInstance struct {
	instance provider.Instance

	// pending holds the actual statuses still to be reported.
	pending []string
}

// Operation names accepted by SetError, SetDelay and WithError.
const (
	OpSearchOffers    = "SearchOffers"
	OpCreateInstance  = "CreateInstance"
	OpGetInstance     = "GetInstance"
	OpListInstances   = "ListInstances"
	OpDestroyInstance = "DestroyInstance"
	OpValidateAPIKey  = "ValidateAPIKey"
)

// DefaultBootSequence is what a freshly rented Vast.ai instance reports:
// no status while scheduling, then loading, then running.
var DefaultBootSequence = []string{"", "loading", "running"}

// Option is a functional option for configuring the mock provider.
type Option func(*Provider)

// New creates a new mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:       "mock",
		consoleURL: "https://mock.example.com/instances/",
		instances:  make(map[string]*mockInstance),
		nextID:     1000,
		bootSeq:    DefaultBootSequence,
		errs:       make(map[string]error),
		delays:     make(map[string]time.Duration),
		accountInfo: &provider.AccountInfo{
			Valid:    true,
			Email:    "test@example.com",
			Username: "testuser",
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) {
		p.name = name
	}
}

// WithConsoleURL sets the console URL.
func WithConsoleURL(url string) Option {
	return func(p *Provider) {
		p.consoleURL = url
	}
}

// WithOffers sets the offers that SearchOffers will return.
func WithOffers(offers []provider.Offer) Option {
	return func(p *Provider) {
		p.offers = offers
	}
}

// WithBootSequence sets the actual statuses a new instance reports on
// successive GetInstance calls. The last status sticks.
func WithBootSequence(statuses ...string) Option {
	return func(p *Provider) {
		p.bootSeq = statuses
	}
}

// WithError sets an error to return from the named operation.
func WithError(operation string, err error) Option {
	return func(p *Provider) {
		p.errs[operation] = err
	}
}

// WithDelay delays the named operation.
func WithDelay(operation string, d time.Duration) Option {
	return func(p *Provider) {
		p.delays[operation] = d
	}
}

// WithAccountInfo sets the account info for ValidateAPIKey.
func WithAccountInfo(info *provider.AccountInfo) Option {
	return func(p *Provider) {
		p.accountInfo = info
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// ConsoleURL returns the console URL.
func (p *Provider) ConsoleURL() string {
	return p.consoleURL
}

// begin returns the injected delay and error for an operation. Call with p.mu held.
func (p *Provider) begin(operation string) (time.Duration, error) {
	return p.delays[operation], p.errs[operation]
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SearchOffers returns the configured offers in order. The query is
// recorded but not interpreted.
func (p *Provider) SearchOffers(ctx context.Context, query string) ([]provider.Offer, error) {
	p.mu.Lock()
	p.SearchOffersCalls = append(p.SearchOffersCalls, query)
	delay, err := p.begin(OpSearchOffers)
	offers := append([]provider.Offer(nil), p.offers...)
	p.mu.Unlock()

	if werr := wait(ctx, delay); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	return offers, nil
}

// CreateInstance rents one of the configured offers.
func (p *Provider) CreateInstance(ctx context.Context, req provider.CreateRequest) (*provider.Instance, error) {
	p.mu.Lock()
	p.CreateInstanceCalls = append(p.CreateInstanceCalls, req)
	delay, err := p.begin(OpCreateInstance)
	p.mu.Unlock()

	if werr := wait(ctx, delay); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var offer *provider.Offer
	for i := range p.offers {
		if p.offers[i].ID == req.OfferID {
			offer = &p.offers[i]
			break
		}
	}
	if offer == nil {
		return nil, provider.ErrOfferNotFound.Wrap(fmt.Errorf("offer %s", req.OfferID))
	}

	id := strconv.Itoa(p.nextID)
	p.nextID++

	mi := &mockInstance{
		instance: provider.Instance{
			ID:         id,
			Status:     provider.InstanceStatusCreating,
			SSHHost:    fmt.Sprintf("ssh%d.mock.example.com", p.nextID%10),
			SSHPort:    20000 + p.nextID%10000,
			PublicIP:   fmt.Sprintf("10.0.0.%d", p.nextID%256),
			GPUName:    offer.GPUName,
			NumGPUs:    offer.NumGPUs,
			Image:      req.Image,
			Label:      req.Label,
			HourlyRate: offer.HourlyPrice,
			CreatedAt:  time.Now().UTC(),
		},
		pending: append([]string(nil), p.bootSeq...),
	}
	p.instances[id] = mi

	inst := mi.instance
	return &inst, nil
}

// GetInstance returns the instance and advances its boot sequence by one step.
func (p *Provider) GetInstance(ctx context.Context, id string) (*provider.Instance, error) {
	p.mu.Lock()
	p.GetInstanceCalls = append(p.GetInstanceCalls, id)
	delay, err := p.begin(OpGetInstance)
	p.mu.Unlock()

	if werr := wait(ctx, delay); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	mi, ok := p.instances[id]
	if !ok {
		return nil, provider.ErrInstanceNotFound.Wrap(fmt.Errorf("instance %s", id))
	}
	mi.advance()

	inst := mi.instance
	return &inst, nil
}

func (mi *mockInstance) advance() {
	if len(mi.pending) == 0 {
		return
	}
	mi.setActualStatus(mi.pending[0])
	if len(mi.pending) > 1 {
		mi.pending = mi.pending[1:]
	}
}

func (mi *mockInstance) setActualStatus(actual string) {
	mi.instance.ActualStatus = actual
	switch actual {
	case "", "created", "scheduling", "loading", "starting":
		mi.instance.Status = provider.InstanceStatusCreating
	case "running":
		mi.instance.Status = provider.InstanceStatusRunning
	case "exited", "offline", "stopped":
		mi.instance.Status = provider.InstanceStatusTerminated
	default:
		mi.instance.Status = provider.InstanceStatusError
	}
}

// ListInstances returns all live instances ordered by ID.
func (p *Provider) ListInstances(ctx context.Context) ([]provider.Instance, error) {
	p.mu.Lock()
	p.ListInstancesCalls++
	delay, err := p.begin(OpListInstances)
	p.mu.Unlock()

	if werr := wait(ctx, delay); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}

	return p.snapshot(), nil
}

// DestroyInstance removes an instance. Unknown IDs are not an error.
func (p *Provider) DestroyInstance(ctx context.Context, id string) error {
	p.mu.Lock()
	p.DestroyInstanceCalls = append(p.DestroyInstanceCalls, id)
	delay, err := p.begin(OpDestroyInstance)
	p.mu.Unlock()

	if werr := wait(ctx, delay); werr != nil {
		return werr
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.instances, id)
	p.mu.Unlock()
	return nil
}

// ValidateAPIKey validates the API key (mock always succeeds unless error is configured).
func (p *Provider) ValidateAPIKey(ctx context.Context) (*provider.AccountInfo, error) {
	p.mu.Lock()
	p.ValidateAPIKeyCalls++
	_, err := p.begin(OpValidateAPIKey)
	info := p.accountInfo
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if info == nil {
		return &provider.AccountInfo{Valid: true}, nil
	}

	infoCopy := *info
	return &infoCopy, nil
}

// SetOffers sets the offers at runtime.
func (p *Provider) SetOffers(offers []provider.Offer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = offers
}

// SetError sets an error for a specific operation at runtime. A nil error clears it.
func (p *Provider) SetError(operation string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, operation)
		return
	}
	p.errs[operation] = err
}

// SetDelay sets a delay for a specific operation at runtime.
func (p *Provider) SetDelay(operation string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays[operation] = delay
}

// AddInstance adds an instance directly. Its ActualStatus is reported as is.
func (p *Provider) AddInstance(instance provider.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mi := &mockInstance{instance: instance}
	if instance.Status == "" {
		mi.setActualStatus(instance.ActualStatus)
	}
	p.instances[instance.ID] = mi
}

// SetActualStatus overrides the reported status of an existing instance and
// drops the rest of its boot sequence.
func (p *Provider) SetActualStatus(id, actual string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mi, ok := p.instances[id]
	if !ok {
		return provider.ErrInstanceNotFound
	}
	mi.pending = nil
	mi.setActualStatus(actual)
	return nil
}

// Instances returns a snapshot of the live instance IDs ordered by ID.
func (p *Provider) Instances() []string {
	instances := p.snapshot()
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	return ids
}

func (p *Provider) snapshot() []provider.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.Instance, 0, len(p.instances))
	for _, mi := range p.instances {
		out = append(out, mi.instance)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a < b
	})
	return out
}

// Reset clears all state, injected failures and call tracking.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.instances = make(map[string]*mockInstance)
	p.errs = make(map[string]error)
	p.delays = make(map[string]time.Duration)

	p.SearchOffersCalls = nil
	p.CreateInstanceCalls = nil
	p.GetInstanceCalls = nil
	p.ListInstancesCalls = 0
	p.DestroyInstanceCalls = nil
	p.ValidateAPIKeyCalls = 0
}

// Ensure Provider implements the provider.Provider interface.
var _ provider.Provider = (*Provider)(nil)
