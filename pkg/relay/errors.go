// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by adapters when an operation is
	// attempted before Connect succeeded.
	ErrNotConnected = errors.New("adapter not connected")
	// ErrRateLimited marks a send dropped by the per-platform limiter.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrMappingNotFound marks an edit or delete whose source message was
	// never relayed. Terminal for that event.
	ErrMappingNotFound = errors.New("message mapping not found")
	// ErrEditUnsupported is returned by adapters without native edit
	// support. The orchestrator falls back to delete-then-resend.
	ErrEditUnsupported = errors.New("platform does not support message edits")
	// ErrBusUnavailable marks a failed event-bus publish.
	ErrBusUnavailable = errors.New("event bus unavailable")
)

// SendError wraps a per-target send failure with the platform it occurred
// on, so fan-out logging can name the failing target.
type SendError struct {
	Platform string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Platform, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
