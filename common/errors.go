// Package common provides shared constants, types, and utilities
// used across shardvpn.
package common

import (
	"errors"
	"fmt"
)

// Sentinel errors for session operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Session errors.
	ErrAlreadyActive = errors.New("session already active")
	ErrCancelled     = errors.New("operation cancelled")

	// Start sequence failures. Every typed error below unwraps to one of these.
	ErrResolution   = errors.New("host resolution failed")
	ErrProvisioning = errors.New("worker binary unavailable")
	ErrLaunch       = errors.New("worker launch failed")
	ErrInterface    = errors.New("virtual interface setup failed")
	ErrHandoff      = errors.New("descriptor hand-off failed")
	ErrWorkerExited = errors.New("worker exited unexpectedly")

	// Input errors.
	ErrInvalidAddress = errors.New("invalid IPv4 address")
	ErrInvalidConfig  = errors.New("invalid configuration")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")

	// Platform errors.
	ErrUnsupportedPlatform = errors.New("not supported on this platform")
	ErrRootRequired        = errors.New("root privileges required")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}

// ResolutionError reports that the server host could not be turned into an
// IPv4 address.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() []error { return []error{ErrResolution, e.Err} }

// ProvisioningError reports a worker binary that is missing or could not be
// made executable.
type ProvisioningError struct {
	Binary string
	Path   string
	Err    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision %s (%s): %v", e.Binary, e.Path, e.Err)
}

func (e *ProvisioningError) Unwrap() []error { return []error{ErrProvisioning, e.Err} }

// ProcessLaunchError reports a worker process that failed to start.
type ProcessLaunchError struct {
	Role string
	Path string
	Err  error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("start %s (%s): %v", e.Role, e.Path, e.Err)
}

func (e *ProcessLaunchError) Unwrap() []error { return []error{ErrLaunch, e.Err} }

// InterfaceError reports a failure while creating or configuring the virtual
// interface.
type InterfaceError struct {
	Step string
	Err  error
}

func (e *InterfaceError) Error() string {
	return fmt.Sprintf("tun %s: %v", e.Step, e.Err)
}

func (e *InterfaceError) Unwrap() []error { return []error{ErrInterface, e.Err} }

// HandoffError reports that the descriptor never reached the stack shim.
type HandoffError struct {
	SocketPath string
	Attempts   int
	Err        error
}

func (e *HandoffError) Error() string {
	return fmt.Sprintf("hand-off to %s failed after %d attempts: %v", e.SocketPath, e.Attempts, e.Err)
}

func (e *HandoffError) Unwrap() []error { return []error{ErrHandoff, e.Err} }

// WorkerExitedError reports a supervised worker that died while the session
// was running.
type WorkerExitedError struct {
	Role string
	Err  error
}

func (e *WorkerExitedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s exited", e.Role)
	}
	return fmt.Sprintf("%s exited: %v", e.Role, e.Err)
}

func (e *WorkerExitedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrWorkerExited}
	}
	return []error{ErrWorkerExited, e.Err}
}
