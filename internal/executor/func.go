package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aristath/deploygraph/internal/scheduler"
)

// TaskFunc performs a task in-process.
type TaskFunc func(ctx context.Context, task *scheduler.Task) error

// Func runs each task as a goroutine calling fn. It backs dry runs and
// tests.
type Func struct {
	fn TaskFunc
	tr *tracker
	wg sync.WaitGroup
}

var (
	_ Executor  = (*Func)(nil)
	_ Explainer = (*Func)(nil)
)

// NewFunc creates an executor calling fn for every task.
func NewFunc(fn TaskFunc) *Func {
	return &Func{fn: fn, tr: newTracker()}
}

// DryRun returns an executor that logs each task and reports success.
func DryRun(log logrus.FieldLogger) *Func {
	return NewFunc(func(_ context.Context, task *scheduler.Task) error {
		log.WithField("task", task.ID().String()).Info("dry run: would execute task")
		return nil
	})
}

func (f *Func) Run(ctx context.Context, task *scheduler.Task) error {
	id := task.ID()
	ctx, cancel := context.WithCancel(ctx)
	if err := f.tr.begin(id, cancel); err != nil {
		cancel()
		return err
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("task %s panicked: %v", id, r)
				}
			}()
			err = f.fn(ctx, task)
		}()
		f.tr.finish(id, err)
	}()
	return nil
}

func (f *Func) Poll(_ context.Context, task *scheduler.Task) (scheduler.TaskStatus, error) {
	return f.tr.status(task.ID())
}

// Explain returns the error the task's function returned, if any.
func (f *Func) Explain(id scheduler.TaskID) error {
	return f.tr.explain(id)
}

// Stop cancels in-flight tasks and waits for them to return.
func (f *Func) Stop() {
	f.tr.cancelAll()
	f.wg.Wait()
}
