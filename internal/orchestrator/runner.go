package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/deploygraph/internal/events"
	"github.com/aristath/deploygraph/internal/executor"
	"github.com/aristath/deploygraph/internal/persistence"
	"github.com/aristath/deploygraph/internal/scheduler"
)

// TaskResult represents the outcome of a task execution.
type TaskResult struct {
	Task     scheduler.TaskID
	Status   scheduler.TaskStatus
	Attempts int
	Duration time.Duration
	Error    error
}

// Report summarizes a finished run.
type Report struct {
	RunID      string
	Successful bool
	Failed     bool
	Reason     string
	Progress   scheduler.Progress
	Results    []TaskResult
	Ticks      int
}

// Config configures the runner. Every field is optional.
type Config struct {
	PollInterval  time.Duration // Wait between idle ticks (default 100ms)
	DispatchLimit int           // Max concurrent hook calls per tick (default 4)
	Retry         RetryConfig
	Breaker       BreakerConfig
	Publisher     events.Publisher
	Logger        logrus.FieldLogger

	// Journal, when set, records every transition the runner makes. RunID
	// continues an existing run; empty starts a new one.
	Journal persistence.Journal
	RunID   string
}

// Runner drives a cluster to completion: on every tick it polls the tasks in
// flight, starts the next ready task on every ready node and dispatches it
// through the executor.
type Runner struct {
	cfg      Config
	cluster  *scheduler.Cluster
	exec     executor.Executor
	breakers *CircuitBreakerRegistry
	log      logrus.FieldLogger

	mu      sync.Mutex
	results []TaskResult
	started map[scheduler.TaskID]startInfo
	runID   string
	ticks   int
}

type startInfo struct {
	at       time.Time
	attempts int
}

// NewRunner creates a runner for the cluster.
func NewRunner(cfg Config, cluster *scheduler.Cluster, ex executor.Executor) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.DispatchLimit <= 0 {
		cfg.DispatchLimit = 4
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if ex == nil {
		ex = executor.Unimplemented{}
	}
	log := cfg.Logger.WithField("cluster", cluster.Name())
	return &Runner{
		cfg:      cfg,
		cluster:  cluster,
		exec:     ex,
		breakers: NewCircuitBreakerRegistry(cfg.Breaker, log),
		log:      log,
		started:  make(map[scheduler.TaskID]startInfo),
		runID:    cfg.RunID,
	}
}

// Run executes the cluster until it finishes, fails or ctx is cancelled.
// The returned error is non-nil only when the run could not be driven: a
// cancelled context or a missing execution hook. Task failures end up in
// the report.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	r.beginRun(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			reason := "cancelled: " + err.Error()
			r.finishRun(persistence.RunCancelled, reason)
			return r.report(reason), err
		}

		if r.cluster.Failed() {
			reason := r.cluster.FailureReason()
			r.log.WithField("reason", reason).Error("cluster failed")
			r.finishRun(persistence.RunFailed, reason)
			return r.report(reason), nil
		}
		if r.cluster.Finished() {
			r.log.Info("cluster finished")
			if r.cluster.Successful() {
				r.finishRun(persistence.RunSuccessful, "")
				return r.report(""), nil
			}
			reason := "one or more tasks failed"
			r.finishRun(persistence.RunFailed, reason)
			return r.report(reason), nil
		}

		changed, busy, err := r.tick(ctx)
		r.publishProgress()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.finishRun(persistence.RunFailed, err.Error())
			return r.report(err.Error()), err
		}
		if changed {
			r.checkpoint(ctx)
			continue
		}
		if busy == 0 {
			// Nothing in flight and nothing could start.
			reason := "stalled: no runnable tasks remain"
			r.log.Error(reason)
			r.finishRun(persistence.RunFailed, reason)
			return r.report(reason), nil
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// tick performs one polling round. It reports whether any status changed
// and how many nodes are busy afterwards.
func (r *Runner) tick(ctx context.Context) (bool, int, error) {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()

	finished, err := r.pollRunning(ctx)
	if err != nil {
		return finished > 0, r.busy(), err
	}

	started := r.startReady(ctx)
	if err := r.dispatch(ctx, started); err != nil {
		return true, r.busy(), err
	}
	return finished > 0 || len(started) > 0, r.busy(), nil
}

func (r *Runner) busy() int {
	n := 0
	for _, node := range r.cluster.Nodes() {
		if node.Status() == scheduler.NodeBusy {
			n++
		}
	}
	return n
}

// pollRunning polls every task in flight and finishes those that reached a
// terminal status. Returns the number finished.
func (r *Runner) pollRunning(ctx context.Context) (int, error) {
	type polled struct {
		node   *scheduler.Node
		task   *scheduler.Task
		status scheduler.TaskStatus
		err    error
	}

	var inFlight []*polled
	for _, node := range r.cluster.Nodes() {
		if node.Status() != scheduler.NodeBusy {
			continue
		}
		if task := node.CurrentTask(); task != nil {
			inFlight = append(inFlight, &polled{node: node, task: task})
		}
	}
	if len(inFlight) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.DispatchLimit)
	for _, p := range inFlight {
		g.Go(func() error {
			p.status, p.err = r.exec.Poll(gctx, p.task)
			// Errors are per task; do not abort the group.
			return nil
		})
	}
	_ = g.Wait()

	finished := 0
	for _, p := range inFlight {
		if p.err != nil {
			if errors.Is(p.err, scheduler.ErrNotImplemented) {
				return finished, fmt.Errorf("poll %s: %w", p.task.ID(), p.err)
			}
			r.log.WithError(p.err).WithField("task", p.task.ID().String()).Warn("poll failed, marking task failed")
			p.status = scheduler.TaskFailed
		}
		if !p.status.Finished() {
			continue
		}

		var cause error
		if p.status == scheduler.TaskFailed {
			cause = p.err
			if cause == nil {
				cause = r.explain(p.task.ID())
			}
		}
		r.finish(ctx, p.node, p.task, p.status, cause)
		finished++
	}
	return finished, nil
}

// startReady starts the next ready task on every ready node. Nodes are
// visited in creation order; admission is decided by the cluster counter.
func (r *Runner) startReady(ctx context.Context) []*scheduler.Task {
	var started []*scheduler.Task
	for _, node := range r.cluster.Nodes() {
		if !node.Ready() {
			continue
		}
		next := node.NextReadyTask()
		if next == nil {
			continue
		}
		task, err := node.Start(next)
		if err != nil {
			if errors.Is(err, scheduler.ErrCapacity) {
				break
			}
			r.log.WithError(err).WithField("task", next.ID().String()).Warn("failed to start task")
			continue
		}

		r.mu.Lock()
		r.started[task.ID()] = startInfo{at: time.Now()}
		r.mu.Unlock()

		r.log.WithFields(logrus.Fields{"node": node.UID(), "task": task.ID().String()}).Info("task started")
		r.record(ctx, task.ID(), scheduler.TaskRunning, nil)
		r.recordNode(ctx, node)
		started = append(started, task)
	}
	return started
}

// dispatch hands the started tasks to the executor concurrently. A failed
// dispatch fails the task; a missing hook aborts the run.
func (r *Runner) dispatch(ctx context.Context, tasks []*scheduler.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	errs := make([]error, len(tasks))
	attempts := make([]int, len(tasks))

	// Run hands the task off and returns; the task lives on ctx, not on a
	// group context that is cancelled once Wait returns.
	var g errgroup.Group
	g.SetLimit(r.cfg.DispatchLimit)
	for i, task := range tasks {
		g.Go(func() error {
			cb := r.breakers.Get(task.Node().UID())
			attempts[i], errs[i] = runWithRetry(ctx, r.exec, task, cb, r.cfg.Retry)
			return nil
		})
	}
	_ = g.Wait()

	var fatal error
	for i, task := range tasks {
		r.mu.Lock()
		info := r.started[task.ID()]
		info.attempts = attempts[i]
		r.started[task.ID()] = info
		r.mu.Unlock()

		if errs[i] == nil {
			continue
		}
		if errors.Is(errs[i], scheduler.ErrNotImplemented) && fatal == nil {
			fatal = fmt.Errorf("dispatch %s: %w", task.ID(), errs[i])
		}
		r.log.WithError(errs[i]).WithFields(logrus.Fields{
			"task":     task.ID().String(),
			"attempts": attempts[i],
		}).Error("dispatch failed")
		r.finish(ctx, task.Node(), task, scheduler.TaskFailed, fmt.Errorf("dispatch failed: %w", errs[i]))
	}
	return fatal
}

// finish applies a terminal status to the node's current task.
func (r *Runner) finish(ctx context.Context, node *scheduler.Node, task *scheduler.Task, status scheduler.TaskStatus, cause error) {
	if err := node.Finish(status); err != nil {
		// The node was forced out of busy in the meantime; apply to the task directly.
		if err := task.SetStatus(status); err != nil {
			r.log.WithError(err).WithField("task", task.ID().String()).Warn("failed to record task outcome")
		}
	}

	r.mu.Lock()
	info := r.started[task.ID()]
	delete(r.started, task.ID())
	result := TaskResult{
		Task:     task.ID(),
		Status:   status,
		Attempts: info.attempts,
		Error:    cause,
	}
	if !info.at.IsZero() {
		result.Duration = time.Since(info.at)
	}
	r.results = append(r.results, result)
	r.mu.Unlock()

	entry := r.log.WithFields(logrus.Fields{
		"node":   node.UID(),
		"task":   task.ID().String(),
		"status": status.String(),
	})
	if cause != nil {
		entry.WithError(cause).Warn("task finished")
	} else {
		entry.Info("task finished")
	}

	r.record(ctx, task.ID(), status, cause)
	r.recordNode(ctx, node)
}

func (r *Runner) explain(id scheduler.TaskID) error {
	if ex, ok := r.exec.(executor.Explainer); ok {
		return ex.Explain(id)
	}
	return nil
}

func (r *Runner) publishProgress() {
	if r.cfg.Publisher == nil {
		return
	}
	p := r.cluster.Progress()
	current, maximum := r.cluster.Concurrency()
	r.cfg.Publisher.Publish(events.TopicCluster, events.ClusterProgressEvent{
		Total:       p.Total,
		Successful:  p.Successful,
		Running:     p.Running,
		Failed:      p.Failed + p.DepFailed,
		Skipped:     p.Skipped,
		Pending:     p.Pending,
		Concurrency: current,
		Maximum:     maximum,
		Timestamp:   time.Now(),
	})
}

func (r *Runner) report(reason string) Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Report{
		RunID:      r.runID,
		Successful: r.cluster.Successful(),
		Failed:     r.cluster.Failed() || reason != "",
		Reason:     reason,
		Progress:   r.cluster.Progress(),
		Results:    append([]TaskResult(nil), r.results...),
		Ticks:      r.ticks,
	}
}

// Results returns the task results recorded so far.
func (r *Runner) Results() []TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskResult(nil), r.results...)
}

// RunID returns the journal run ID, empty without a journal.
func (r *Runner) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}
