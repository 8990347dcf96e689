package liveness

import "errors"

var (
	// ErrInvalidGeometry is returned when preview or detector dimensions are not positive.
	ErrInvalidGeometry = errors.New("invalid geometry")
	// ErrInvalidCommand is returned for a command that is not legal in the current state.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrInvalidConfig is returned when a session configuration fails validation.
	ErrInvalidConfig = errors.New("invalid liveness config")
)

// FailureReason explains why a session ended in the Failed state.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonSessionTimeout   FailureReason = "session_timeout"
	ReasonCancelled        FailureReason = "cancelled"
	ReasonRetriesExhausted FailureReason = "retries_exhausted"
)
