package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidState is returned when a transition is attempted from the wrong status.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrStaleLease is returned when the presented lease token is no longer current.
	ErrStaleLease = errors.New("stale lease")
	// ErrStoreUnavailable marks transient durable store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// HandlerError wraps a failure reported by a user handler.
type HandlerError struct {
	Topic   string
	JobID   string
	Attempt int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s job %s attempt %d: %v", e.Topic, e.JobID, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
