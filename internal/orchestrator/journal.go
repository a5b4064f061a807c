package orchestrator

import (
	"context"
	"time"

	"github.com/aristath/deploygraph/internal/scheduler"
)

// journalTimeout bounds journal writes issued after ctx was cancelled.
const journalTimeout = 5 * time.Second

func (r *Runner) beginRun(ctx context.Context) {
	if r.cfg.Journal == nil {
		return
	}
	if r.runID != "" {
		r.log.WithField("run", r.runID).Info("resuming run")
		return
	}
	runID, err := r.cfg.Journal.BeginRun(ctx, r.cluster.Snapshot())
	if err != nil {
		r.log.WithError(err).Warn("failed to begin journal run")
		return
	}
	r.mu.Lock()
	r.runID = runID
	r.mu.Unlock()
	r.log = r.log.WithField("run", runID)
	r.log.Info("journal run started")
}

func (r *Runner) journaling() bool {
	return r.cfg.Journal != nil && r.RunID() != ""
}

func (r *Runner) record(ctx context.Context, id scheduler.TaskID, status scheduler.TaskStatus, cause error) {
	if !r.journaling() {
		return
	}
	if err := r.cfg.Journal.UpdateTaskStatus(ctx, r.RunID(), id, status, cause); err != nil {
		r.log.WithError(err).WithField("task", id.String()).Warn("failed to journal task status")
	}
}

func (r *Runner) recordNode(ctx context.Context, node *scheduler.Node) {
	if !r.journaling() {
		return
	}
	if err := r.cfg.Journal.UpdateNodeStatus(ctx, r.RunID(), node.UID(), node.Status()); err != nil {
		r.log.WithError(err).WithField("node", node.UID()).Warn("failed to journal node status")
	}
}

// checkpoint stores a full snapshot so propagated statuses the runner never
// saw directly are journaled too.
func (r *Runner) checkpoint(ctx context.Context) {
	if !r.journaling() {
		return
	}
	if err := r.cfg.Journal.SaveSnapshot(ctx, r.RunID(), r.cluster.Snapshot()); err != nil {
		r.log.WithError(err).Warn("failed to checkpoint cluster")
	}
}

func (r *Runner) finishRun(status, reason string) {
	if !r.journaling() {
		return
	}
	// The run context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	r.checkpoint(ctx)
	if err := r.cfg.Journal.FinishRun(ctx, r.RunID(), status, reason); err != nil {
		r.log.WithError(err).Warn("failed to finish journal run")
	}
}
