// Package provider defines the interface and types for the GPU rental marketplace.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Provider is the marketplace API vpod drives. The Vast.ai client is the
// production implementation; the mock package implements it for tests.
type Provider interface {
	// Name returns the provider's identifier (e.g., "vast").
	Name() string

	// SearchOffers returns rentable offers matching a marketplace query
	// string such as "gpu_name=RTX_3090 num_gpus=1", best first.
	SearchOffers(ctx context.Context, query string) ([]Offer, error)

	// CreateInstance rents the offer and returns the new instance.
	// The instance is usually still loading when this returns.
	CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error)

	// GetInstance retrieves the current state of an instance by ID.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// ListInstances returns all instances owned by the account.
	ListInstances(ctx context.Context) ([]Instance, error)

	// DestroyInstance destroys an instance by ID.
	// Destroying an instance that no longer exists is not an error.
	DestroyInstance(ctx context.Context, id string) error

	// ConsoleURL returns the URL of the web UI listing instances.
	ConsoleURL() string

	// ValidateAPIKey validates the API key and returns account information.
	ValidateAPIKey(ctx context.Context) (*AccountInfo, error)
}

// AccountInfo contains account information returned from API key validation.
type AccountInfo struct {
	Email    string
	Username string

	// Balance is the remaining credit in USD. Nil if unavailable.
	Balance *float64

	AccountID string
	Valid     bool
}

// Offer represents a rentable machine returned by an offer search.
type Offer struct {
	// ID is the marketplace identifier passed to CreateInstance.
	ID string

	GPUName     string
	NumGPUs     int
	GPURAMGB    float64
	CUDAMaxGood float64

	// HourlyPrice is the total on-demand price in USD per hour.
	HourlyPrice float64

	Geolocation string
	Reliability float64
}

// String renders the offer the way it is announced before renting,
// e.g. "1 x RTX 3090 (CUDA 12.2) for $0.21/hr".
func (o Offer) String() string {
	return fmt.Sprintf("%d x %s (CUDA %g) for $%.2f/hr", o.NumGPUs, o.GPUName, o.CUDAMaxGood, o.HourlyPrice)
}

// CreateRequest contains the parameters for renting an offer.
type CreateRequest struct {
	// OfferID is Offer.ID of the offer to rent.
	OfferID string

	// Image is the docker image the instance runs.
	Image string

	// Onstart is a shell snippet run when the container starts.
	Onstart string

	// DiskGB is the disk size in GB. Zero uses the provider default.
	DiskGB int

	// Label is a free-form instance name.
	Label string
}

// Instance represents a rented machine.
type Instance struct {
	ID string

	// Status is the normalized lifecycle status.
	Status InstanceStatus

	// ActualStatus is the raw status reported by the marketplace
	// ("", "loading", "running", "exited", ...).
	ActualStatus string

	// StatusMessage is the marketplace's human-readable status detail.
	StatusMessage string

	SSHHost  string
	SSHPort  int
	PublicIP string

	GPUName string
	NumGPUs int

	Image string
	Label string

	// HourlyRate is the total price in USD per hour.
	HourlyRate float64

	CreatedAt time.Time
}

// IsLoading reports whether the instance has not finished starting yet.
// The marketplace reports no status at all right after creation.
func (i *Instance) IsLoading() bool {
	return i.ActualStatus == "" || i.ActualStatus == "loading"
}

// InstanceStatus represents the lifecycle status of an instance.
type InstanceStatus string

const (
	// InstanceStatusCreating indicates the instance is being created or loading.
	InstanceStatusCreating InstanceStatus = "creating"

	// InstanceStatusRunning indicates the instance is running.
	InstanceStatusRunning InstanceStatus = "running"

	// InstanceStatusStopping indicates the instance is stopping.
	InstanceStatusStopping InstanceStatus = "stopping"

	// InstanceStatusTerminated indicates the instance has exited or been destroyed.
	InstanceStatusTerminated InstanceStatus = "terminated"

	// InstanceStatusError indicates the instance encountered an error.
	InstanceStatusError InstanceStatus = "error"
)

// IsRunning returns true if the instance is in a running state.
func (s InstanceStatus) IsRunning() bool {
	return s == InstanceStatusRunning
}

// IsTerminal returns true if the instance is in a terminal state
// (terminated or error).
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusTerminated || s == InstanceStatusError
}

// Error types for provider operations.
var (
	// ErrOfferNotFound indicates the requested offer doesn't exist or was taken.
	ErrOfferNotFound = &ProviderError{Code: "offer_not_found", Message: "offer not found"}

	// ErrInstanceNotFound indicates the requested instance doesn't exist.
	ErrInstanceNotFound = &ProviderError{Code: "instance_not_found", Message: "instance not found"}

	// ErrAuthenticationFailed indicates the API key is invalid.
	ErrAuthenticationFailed = &ProviderError{Code: "authentication_failed", Message: "authentication failed - check API key"}

	// ErrRateLimited indicates the provider rate limited the request.
	ErrRateLimited = &ProviderError{Code: "rate_limited", Message: "rate limited by provider"}

	// ErrInvalidQuery indicates the offer query could not be parsed.
	ErrInvalidQuery = &ProviderError{Code: "invalid_query", Message: "invalid offer query"}

	// ErrRentFailed indicates the marketplace refused to create the instance.
	ErrRentFailed = &ProviderError{Code: "rent_failed", Message: "failed to rent"}
)

// ProviderError represents an error from a provider operation.
type ProviderError struct {
	Code    string // Machine-readable error code
	Message string // Human-readable error message
	Cause   error  // Underlying error, if any
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Is matches any ProviderError with the same code, so wrapped sentinels
// compare equal under errors.Is.
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	return ok && t.Code == e.Code
}

// Wrap returns a new ProviderError with the same code and message but with a cause.
func (e *ProviderError) Wrap(cause error) *ProviderError {
	return &ProviderError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
	}
}

// NewProviderError creates a new ProviderError with the given code and message.
func NewProviderError(code, message string, cause error) *ProviderError {
	return &ProviderError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}
