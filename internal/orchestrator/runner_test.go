package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/deploygraph/internal/events"
	"github.com/aristath/deploygraph/internal/executor"
	"github.com/aristath/deploygraph/internal/persistence"
	"github.com/aristath/deploygraph/internal/scheduler"
)

// deployment builds:
//
//	db:  migrate
//	web: build -> deploy (deploy also after db/migrate)
//	lb:  drain -> enable (enable after web/deploy)
func deployment(t *testing.T, cfg scheduler.Config) *scheduler.Cluster {
	t.Helper()
	cfg.Logger = quietLogger()
	c := scheduler.NewCluster(cfg)

	add := func(node string, tasks ...string) {
		n, err := c.CreateNode(node, "")
		require.NoError(t, err)
		for _, name := range tasks {
			_, err := n.CreateTask(name, nil)
			require.NoError(t, err)
		}
	}
	add("db", "migrate")
	add("web", "build", "deploy")
	add("lb", "drain", "enable")

	depends := func(task, on string) {
		a, _ := scheduler.ParseTaskID(task)
		b, _ := scheduler.ParseTaskID(on)
		ta, ok := c.Lookup(a)
		require.True(t, ok)
		tb, ok := c.Lookup(b)
		require.True(t, ok)
		require.NoError(t, ta.Depends(tb))
	}
	depends("web/deploy", "web/build")
	depends("web/deploy", "db/migrate")
	depends("lb/enable", "lb/drain")
	depends("lb/enable", "web/deploy")
	return c
}

func testConfig() Config {
	return Config{
		PollInterval: 5 * time.Millisecond,
		Retry:        fastRetry(200 * time.Millisecond),
		Logger:       quietLogger(),
	}
}

func order(results []TaskResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Task.String()
	}
	return out
}

func position(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestRunner_CompletesInDependencyOrder(t *testing.T) {
	c := deployment(t, scheduler.Config{})
	var calls atomic.Int32
	ex := executor.NewFunc(func(context.Context, *scheduler.Task) error {
		calls.Add(1)
		return nil
	})

	report, err := NewRunner(testConfig(), c, ex).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Successful)
	assert.False(t, report.Failed)
	assert.Empty(t, report.Reason)
	assert.Equal(t, 5, report.Progress.Successful)
	assert.EqualValues(t, 5, calls.Load())
	require.Len(t, report.Results, 5)

	done := order(report.Results)
	assert.Greater(t, position(done, "web/deploy"), position(done, "web/build"))
	assert.Greater(t, position(done, "web/deploy"), position(done, "db/migrate"))
	assert.Greater(t, position(done, "lb/enable"), position(done, "web/deploy"))
	for _, r := range report.Results {
		assert.Equal(t, scheduler.TaskSuccessful, r.Status)
		assert.Equal(t, 1, r.Attempts)
	}
}

func TestRunner_RespectsMaxConcurrency(t *testing.T) {
	c := scheduler.NewCluster(scheduler.Config{MaxConcurrency: 2, Logger: quietLogger()})
	for _, name := range []string{"n1", "n2", "n3", "n4", "n5"} {
		n, err := c.CreateNode(name, "")
		require.NoError(t, err)
		for _, task := range []string{"a", "b"} {
			_, err := n.CreateTask(task, nil)
			require.NoError(t, err)
		}
	}

	var inFlight, peak atomic.Int32
	ex := executor.NewFunc(func(context.Context, *scheduler.Task) error {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	report, err := NewRunner(testConfig(), c, ex).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Successful)
	assert.Len(t, report.Results, 10)
	assert.LessOrEqual(t, peak.Load(), int32(2), "never more than two busy nodes")
}

func TestRunner_TaskFailurePropagates(t *testing.T) {
	c := deployment(t, scheduler.Config{})
	boom := errors.New("migration 0042 failed")
	ex := executor.NewFunc(func(_ context.Context, task *scheduler.Task) error {
		if task.Name() == "migrate" {
			return boom
		}
		return nil
	})

	report, err := NewRunner(testConfig(), c, ex).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Successful)
	assert.True(t, report.Failed)
	assert.Equal(t, "one or more tasks failed", report.Reason)
	assert.Equal(t, 1, report.Progress.Failed)
	assert.Equal(t, 2, report.Progress.DepFailed, "web/deploy and lb/enable")

	var failed *TaskResult
	for i := range report.Results {
		if report.Results[i].Task.String() == "db/migrate" {
			failed = &report.Results[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, scheduler.TaskFailed, failed.Status)
	assert.ErrorIs(t, failed.Error, boom, "failure cause comes from the executor")
}

func TestRunner_CriticalNodeStopsRun(t *testing.T) {
	c := deployment(t, scheduler.Config{})
	db, _ := c.Node("db")
	db.SetCritical(true)

	release := make(chan struct{})
	defer close(release)
	ex := executor.NewFunc(func(ctx context.Context, task *scheduler.Task) error {
		switch task.Name() {
		case "migrate":
			return errors.New("disk full")
		case "build":
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return nil
	})

	report, err := NewRunner(testConfig(), c, ex).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Failed)
	assert.Contains(t, report.Reason, `critical node "db" failed`)
	build, _ := c.Lookup(scheduler.TaskID{Node: "web", Name: "build"})
	assert.Equal(t, scheduler.TaskRunning, build.Status(), "the run stops without waiting for work in flight")
}

func TestRunner_UnimplementedExecutorIsFatal(t *testing.T) {
	c := deployment(t, scheduler.Config{})

	report, err := NewRunner(testConfig(), c, nil).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrNotImplemented)
	assert.True(t, report.Failed)
}

type rejectingExecutor struct {
	executor.Unimplemented
}

func (rejectingExecutor) Run(_ context.Context, task *scheduler.Task) error {
	return &scheduler.Error{Kind: scheduler.ErrInvalidArgument, Msg: "no payload for " + task.ID().String()}
}

func TestRunner_DispatchFailureFailsTask(t *testing.T) {
	c := scheduler.NewCluster(scheduler.Config{Logger: quietLogger()})
	n, _ := c.CreateNode("web", "")
	_, err := n.CreateTask("deploy", nil)
	require.NoError(t, err)

	report, err := NewRunner(testConfig(), c, rejectingExecutor{}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, scheduler.TaskFailed, report.Results[0].Status)
	assert.Equal(t, 1, report.Results[0].Attempts, "rejected payloads are not retried")
	assert.ErrorIs(t, report.Results[0].Error, scheduler.ErrInvalidArgument)
	assert.Equal(t, scheduler.NodeOnline, n.Status())
}

func TestRunner_ContextCancel(t *testing.T) {
	c := deployment(t, scheduler.Config{})
	ex := executor.NewFunc(func(ctx context.Context, _ *scheduler.Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	defer ex.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	report, err := NewRunner(testConfig(), c, ex).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, report.Reason, "cancelled")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunner_StallWithCriticalNodes(t *testing.T) {
	c := deployment(t, scheduler.Config{})
	web, _ := c.Node("web")
	web.SetCritical(true)
	require.NoError(t, web.SetStatus(scheduler.NodeOffline))

	ex := executor.NewFunc(func(context.Context, *scheduler.Task) error { return nil })
	report, err := NewRunner(testConfig(), c, ex).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Failed)
	assert.Contains(t, report.Reason, "stalled")
	assert.False(t, c.Failed(), "critical nodes decide cluster failure")
}

func TestRunner_PublishesProgress(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicCluster, 256)

	c := deployment(t, scheduler.Config{Publisher: bus})
	ex := executor.NewFunc(func(context.Context, *scheduler.Task) error { return nil })
	cfg := testConfig()
	cfg.Publisher = bus

	_, err := NewRunner(cfg, c, ex).Run(context.Background())
	require.NoError(t, err)

	var last events.ClusterProgressEvent
	seen := 0
drain:
	for {
		select {
		case e := <-ch:
			if p, ok := e.(events.ClusterProgressEvent); ok {
				last = p
				seen++
				assert.False(t, p.Timestamp.IsZero())
			}
		default:
			break drain
		}
	}
	require.Positive(t, seen)
	assert.Equal(t, 5, last.Total)
	assert.Equal(t, 5, last.Completed())
}

func TestRunner_JournalRecordsRun(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	c := deployment(t, scheduler.Config{Name: "prod"})
	ex := executor.NewFunc(func(context.Context, *scheduler.Task) error { return nil })
	cfg := testConfig()
	cfg.Journal = store

	report, err := NewRunner(cfg, c, ex).Run(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)

	run, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunSuccessful, run.Status)
	assert.NotNil(t, run.FinishedAt)

	snap, err := store.LoadSnapshot(ctx, report.RunID)
	require.NoError(t, err)
	for _, n := range snap.Nodes {
		for _, task := range n.Tasks {
			assert.Equal(t, "successful", task.Status, "%s/%s", n.UID, task.Name)
		}
	}

	history, err := store.TaskHistory(ctx, report.RunID, scheduler.TaskID{Node: "web", Name: "deploy"})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, scheduler.TaskRunning, history[0].Status)
	assert.Equal(t, scheduler.TaskSuccessful, history[1].Status)
}

func TestRunner_ResumeSkipsCompletedTasks(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	// First run: lb/drain keeps failing.
	first := deployment(t, scheduler.Config{Name: "prod"})
	cfg := testConfig()
	cfg.Journal = store
	report, err := NewRunner(cfg, first, executor.NewFunc(func(_ context.Context, task *scheduler.Task) error {
		if task.Name() == "drain" {
			return errors.New("lb unreachable")
		}
		return nil
	})).Run(ctx)
	require.NoError(t, err)
	require.False(t, report.Successful)

	// Second run resumes from the journal.
	snap, err := store.LoadSnapshot(ctx, report.RunID)
	require.NoError(t, err)
	second := deployment(t, scheduler.Config{Name: "prod"})
	require.NoError(t, second.Restore(snap.Resumable()))

	var mu sync.Mutex
	var ran []string
	cfg.RunID = report.RunID
	resumed, err := NewRunner(cfg, second, executor.NewFunc(func(_ context.Context, task *scheduler.Task) error {
		mu.Lock()
		ran = append(ran, task.ID().String())
		mu.Unlock()
		return nil
	})).Run(ctx)
	require.NoError(t, err)

	assert.True(t, resumed.Successful)
	assert.Equal(t, report.RunID, resumed.RunID)
	assert.ElementsMatch(t, []string{"lb/drain", "lb/enable"}, ran, "completed tasks are not re-run")

	run, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunSuccessful, run.Status)
}

func TestRunner_ShellCommandsOutliveDispatch(t *testing.T) {
	c := scheduler.NewCluster(scheduler.Config{Logger: quietLogger()})
	web, err := c.CreateNode("web", "")
	require.NoError(t, err)
	build, err := web.CreateTask("build", executor.Command{Run: "sleep 0.3"})
	require.NoError(t, err)
	deploy, err := web.CreateTask("deploy", executor.Command{Run: "true"})
	require.NoError(t, err)
	require.NoError(t, deploy.Depends(build))

	ex := executor.NewShell(executor.ShellConfig{Logger: quietLogger()})
	defer ex.Stop()

	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	report, err := NewRunner(cfg, c, ex).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Successful, report.Reason)
	assert.Equal(t, []string{"web/build", "web/deploy"}, order(report.Results))
	for _, r := range report.Results {
		assert.Equal(t, scheduler.TaskSuccessful, r.Status)
	}
}

func TestRunner_TaskContextSpansTicks(t *testing.T) {
	c := deployment(t, scheduler.Config{})
	ex := executor.NewFunc(func(ctx context.Context, _ *scheduler.Task) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return nil
		}
	})
	defer ex.Stop()

	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	report, err := NewRunner(cfg, c, ex).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Successful, report.Reason)
	assert.Equal(t, 5, report.Progress.Successful)
	for _, r := range report.Results {
		assert.Equal(t, scheduler.TaskSuccessful, r.Status, "%s must not see a cancelled context", r.Task)
	}
}
