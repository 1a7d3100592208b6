package capture

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateAgent indicates Attach was called twice for the same id.
	ErrDuplicateAgent = errors.New("capture: agent already attached")

	// ErrSessionClosed indicates an operation after Finalize.
	ErrSessionClosed = errors.New("capture: session closed")

	// ErrUnknownAgent indicates a measurement for a series that was never attached.
	ErrUnknownAgent = errors.New("capture: unknown agent")

	// ErrUnknownChannel indicates a measurement for a channel outside the series schema.
	ErrUnknownChannel = errors.New("capture: channel not in schema")

	// ErrInvalidSchema indicates an empty or duplicated channel list.
	ErrInvalidSchema = errors.New("capture: invalid channel schema")

	// ErrInvalidTickDuration indicates a non-positive tick duration.
	ErrInvalidTickDuration = errors.New("capture: tick duration must be positive")
)

// StepFailedError reports that the stepping collaborator rejected a step.
// No series was mutated for Tick.
type StepFailedError struct {
	Tick uint64
	Err  error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("capture: step failed at tick %d: %v", e.Tick, e.Err)
}

func (e *StepFailedError) Unwrap() error {
	return e.Err
}

// StepTimeoutError reports that the step acknowledgement did not arrive in time.
// No series was mutated for Tick.
type StepTimeoutError struct {
	Tick    uint64
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("capture: step at tick %d not acknowledged within %s", e.Tick, e.Timeout)
}

// IsStepError reports whether err is a step failure or a step timeout,
// the two errors a caller may retry.
func IsStepError(err error) bool {
	var failed *StepFailedError
	var timeout *StepTimeoutError
	return errors.As(err, &failed) || errors.As(err, &timeout)
}
