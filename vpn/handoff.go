package vpn

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/yllada/shardvpn/common"
)

// HandoffPolicy bounds the descriptor hand-off to the stack shim.
type HandoffPolicy struct {
	// InitialDelay gives the shim time to create its socket.
	InitialDelay time.Duration
	// RetryDelay follows a failed connect or send.
	RetryDelay time.Duration
	// PollInterval follows an attempt that found no socket file yet.
	PollInterval time.Duration
	// MaxAttempts counts both kinds of attempt.
	MaxAttempts int
}

// DefaultHandoffPolicy returns the policy used when none is configured.
func DefaultHandoffPolicy() HandoffPolicy {
	return HandoffPolicy{
		InitialDelay: common.HandoffInitialDelay,
		RetryDelay:   common.HandoffRetryDelay,
		PollInterval: common.HandoffPollInterval,
		MaxAttempts:  common.HandoffMaxAttempts,
	}
}

// handoffState lives only for the duration of one Handoff call.
type handoffState struct {
	attempt    int
	socketPath string
	descriptor *os.File
	lastErr    error
}

// Handoff passes descriptor to the process listening on socketPath. Each
// attempt checks that the socket exists, connects, sends one sentinel byte
// with the descriptor attached and disconnects. Nothing is read back.
// Waiting between attempts ends early when ctx is cancelled.
func Handoff(ctx context.Context, descriptor *os.File, socketPath string, policy HandoffPolicy) error {
	if descriptor == nil {
		return &common.HandoffError{SocketPath: socketPath, Err: errors.New("no descriptor")}
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	state := handoffState{socketPath: socketPath, descriptor: descriptor}
	if err := sleepContext(ctx, policy.InitialDelay); err != nil {
		return &common.HandoffError{SocketPath: socketPath, Err: err}
	}

	for state.attempt = 1; state.attempt <= policy.MaxAttempts; state.attempt++ {
		var wait time.Duration
		if _, err := os.Stat(state.socketPath); err != nil {
			state.lastErr = err
			wait = policy.PollInterval
			common.LogDebug("Hand-off attempt %d/%d: socket %s not ready", state.attempt, policy.MaxAttempts, socketPath)
		} else if err := sendDescriptor(state.descriptor, state.socketPath); err != nil {
			state.lastErr = err
			wait = policy.RetryDelay
			common.LogDebug("Hand-off attempt %d/%d failed: %v", state.attempt, policy.MaxAttempts, err)
		} else {
			common.LogInfo("Descriptor handed off to %s (attempt %d)", socketPath, state.attempt)
			return nil
		}

		if state.attempt == policy.MaxAttempts {
			break
		}
		if err := sleepContext(ctx, wait); err != nil {
			return &common.HandoffError{SocketPath: socketPath, Attempts: state.attempt, Err: err}
		}
	}

	return &common.HandoffError{SocketPath: socketPath, Attempts: policy.MaxAttempts, Err: state.lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
