// Package devpod orchestrates the lifecycle of the single rented development
// instance: renting and preparing it, syncing its workspace, and tearing it
// down again.
package devpod

import "errors"

// StartStep is a step of Starter.Start.
type StartStep int

const (
	// StepSearchOffers queries the marketplace.
	StepSearchOffers StartStep = iota + 1
	// StepSelectOffer picks one of the best offers.
	StepSelectOffer
	// StepCreateInstance rents the offer.
	StepCreateInstance
	// StepWaitBoot polls until the instance leaves the loading state.
	StepWaitBoot
	// StepConfigureSSH writes the ssh host block and rotates host keys.
	StepConfigureSSH
	// StepPushWorkspace copies the workspace to the instance.
	StepPushWorkspace
	// StepSaveState records the instance in the state file.
	StepSaveState
)

// TotalStartSteps is the number of start steps.
const TotalStartSteps = 7

func (s StartStep) String() string {
	switch s {
	case StepSearchOffers:
		return "Searching offers"
	case StepSelectOffer:
		return "Selecting offer"
	case StepCreateInstance:
		return "Creating instance"
	case StepWaitBoot:
		return "Waiting for instance to boot"
	case StepConfigureSSH:
		return "Configuring SSH"
	case StepPushWorkspace:
		return "Pushing workspace"
	case StepSaveState:
		return "Saving state"
	default:
		return "Unknown step"
	}
}

// StopStep is a step of Stopper.Stop.
type StopStep int

const (
	// StopStepCheckInstances verifies exactly the recorded instance is running.
	StopStepCheckInstances StopStep = iota + 1
	// StopStepPullWorkspace copies the workspace back.
	StopStepPullWorkspace
	// StopStepDestroy destroys the instance.
	StopStepDestroy
	// StopStepConfirm checks the instance is gone.
	StopStepConfirm
	// StopStepClearState removes the state file.
	StopStepClearState
)

// TotalStopSteps is the number of stop steps.
const TotalStopSteps = 5

func (s StopStep) String() string {
	switch s {
	case StopStepCheckInstances:
		return "Checking running instances"
	case StopStepPullWorkspace:
		return "Pulling workspace"
	case StopStepDestroy:
		return "Destroying instance"
	case StopStepConfirm:
		return "Confirming instance is gone"
	case StopStepClearState:
		return "Cleaning up state"
	default:
		return "Unknown step"
	}
}

// Progress reports a change in a running start or stop.
type Progress struct {
	// Step is the 1-based step number.
	Step int

	// TotalSteps is the number of steps in the operation.
	TotalSteps int

	// Title names the step, e.g. "Waiting for instance to boot".
	Title string

	// Message is what is happening right now.
	Message string

	// Detail is optional extra text (status messages, URLs).
	Detail string

	// Error is set when the step failed.
	Error error

	// Completed marks the step as done.
	Completed bool

	// Warning marks a problem that did not stop the operation.
	Warning bool
}

// ProgressFunc receives progress updates. It is called synchronously from
// the goroutine running the operation.
type ProgressFunc func(Progress)

// Error types for devpod operations.
var (
	// ErrNoOffers indicates the query matched no offers.
	ErrNoOffers = errors.New("no offers match the query")

	// ErrAlreadyRunning indicates the state file already records an instance.
	ErrAlreadyRunning = errors.New("an instance is already recorded in the state file")

	// ErrBootFailed indicates the instance left the loading state without running.
	ErrBootFailed = errors.New("instance failed to boot")

	// ErrNoSSHAddress indicates a running instance reported no ssh endpoint.
	ErrNoSSHAddress = errors.New("instance has no ssh address")

	// ErrNoInstancesRunning indicates the account has no instances.
	ErrNoInstancesRunning = errors.New("no instances are running")

	// ErrMultipleInstances indicates more than one instance is running.
	ErrMultipleInstances = errors.New("expected exactly 1 running instance")

	// ErrStateMismatch indicates the running instance is not the recorded one.
	ErrStateMismatch = errors.New("inconsistent state")

	// ErrNoWorkspace indicates the active instance has no workspace to sync.
	ErrNoWorkspace = errors.New("the active instance has no workspace")

	// ErrDestroyFailed indicates the instance could not be destroyed.
	ErrDestroyFailed = errors.New("failed to destroy instance after all retries")
)
