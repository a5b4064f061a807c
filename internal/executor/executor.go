// Package executor defines the execution hooks the driver calls to dispatch
// tasks and observe their progress, plus the in-process and shell
// implementations.
package executor

import (
	"context"
	"sync"

	"github.com/aristath/deploygraph/internal/scheduler"
)

// Executor dispatches tasks to their nodes and reports on them.
//
// Run starts the task and returns once it has been handed off; it must not
// wait for the task to finish. An error means the dispatch itself failed and
// may be retried. Poll reports the task's current status: TaskRunning while
// in flight, then a terminal status. A task failing is reported as
// TaskFailed, not as an error.
type Executor interface {
	Run(ctx context.Context, task *scheduler.Task) error
	Poll(ctx context.Context, task *scheduler.Task) (scheduler.TaskStatus, error)
}

// Explainer is implemented by executors that can say why a task failed.
type Explainer interface {
	Explain(id scheduler.TaskID) error
}

// Unimplemented is the executor used when no implementation was configured.
// Both hooks fail with scheduler.ErrNotImplemented.
type Unimplemented struct{}

func (Unimplemented) Run(context.Context, *scheduler.Task) error {
	return scheduler.NotImplemented("executor run hook")
}

func (Unimplemented) Poll(context.Context, *scheduler.Task) (scheduler.TaskStatus, error) {
	return scheduler.TaskPending, scheduler.NotImplemented("executor poll hook")
}

// attempt is one dispatched task.
type attempt struct {
	done   bool
	err    error
	cancel context.CancelFunc
}

// tracker records dispatched tasks and their outcomes.
type tracker struct {
	mu   sync.Mutex
	runs map[scheduler.TaskID]*attempt
}

func newTracker() *tracker {
	return &tracker{runs: make(map[scheduler.TaskID]*attempt)}
}

// begin registers a dispatch. A finished earlier attempt is replaced; an
// in-flight one is an error.
func (tr *tracker) begin(id scheduler.TaskID, cancel context.CancelFunc) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if a, ok := tr.runs[id]; ok && !a.done {
		return &scheduler.Error{Kind: scheduler.ErrInvalidArgument, Msg: "task " + id.String() + " is already running"}
	}
	tr.runs[id] = &attempt{cancel: cancel}
	return nil
}

func (tr *tracker) finish(id scheduler.TaskID, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if a, ok := tr.runs[id]; ok {
		a.done = true
		a.err = err
		if a.cancel != nil {
			a.cancel()
		}
	}
}

func (tr *tracker) status(id scheduler.TaskID) (scheduler.TaskStatus, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	a, ok := tr.runs[id]
	switch {
	case !ok:
		return scheduler.TaskPending, &scheduler.Error{Kind: scheduler.ErrNotFound, Msg: "task " + id.String() + " was never dispatched"}
	case !a.done:
		return scheduler.TaskRunning, nil
	case a.err != nil:
		return scheduler.TaskFailed, nil
	}
	return scheduler.TaskSuccessful, nil
}

func (tr *tracker) explain(id scheduler.TaskID) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if a, ok := tr.runs[id]; ok {
		return a.err
	}
	return nil
}

// cancelAll stops every in-flight attempt.
func (tr *tracker) cancelAll() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, a := range tr.runs {
		if !a.done && a.cancel != nil {
			a.cancel()
		}
	}
}
