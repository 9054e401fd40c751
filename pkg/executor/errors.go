package executor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("timed out waiting for host loop")
	// ErrAborted is returned for work that was queued or submitted while the executor was stopped.
	ErrAborted = errors.New("host execution aborted")
	// ErrInstallTimeout is the fatal bootstrap failure: the install lock could not be acquired.
	ErrInstallTimeout = errors.New("timed out acquiring executor install lock")
)

// TimeoutError reports a wait that exceeded the executor timeout.
type TimeoutError struct {
	Timeout    time.Duration
	QueueDepth int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %dms, queue count: %d", e.Timeout.Milliseconds(), e.QueueDepth)
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
