package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
)

const taskLogPrefix = "executor:task"

// Work is a unit of host-thread work. ctx is a host context when Work runs on
// the host loop, so nested RunOnHostThread calls take the inline path.
type Work func(ctx context.Context) (any, error)

// DispatchTask carries one Work item from a caller to the host loop.
// Completion is write-once: the first complete call wins, later ones are ignored.
type DispatchTask struct {
	ID string

	work      Work
	result    any
	err       error
	completed atomic.Bool
	done      chan struct{}
}

func newTask(work Work) *DispatchTask {
	return &DispatchTask{
		ID:   uuid.NewString(),
		work: work,
		done: make(chan struct{}),
	}
}

// Done is closed once the task has completed.
func (t *DispatchTask) Done() <-chan struct{} {
	return t.done
}

// Completed reports whether the task has completed.
func (t *DispatchTask) Completed() bool {
	return t.completed.Load()
}

// Result returns the outcome. Only meaningful after Done is closed.
func (t *DispatchTask) Result() (any, error) {
	return t.result, t.err
}

func (t *DispatchTask) complete(result any, err error) bool {
	if !t.completed.CompareAndSwap(false, true) {
		return false
	}
	t.result = result
	t.err = err
	close(t.done)
	return true
}

// run executes the work and completes the task, converting a panic into an error.
func (t *DispatchTask) run(ctx context.Context) {
	result, err := safeRun(ctx, t.ID, t.work)
	if !t.complete(result, err) {
		slog.Debug(fmt.Sprintf("%s - task %s already completed, result discarded", taskLogPrefix, t.ID))
	}
}

func safeRun(ctx context.Context, id string, work Work) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - task %s panicked: %v", taskLogPrefix, id, r))
			result = nil
			err = fmt.Errorf("%s - task panicked: %v", taskLogPrefix, r)
		}
	}()
	return work(ctx)
}
