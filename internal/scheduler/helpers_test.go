package scheduler

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/aristath/deploygraph/internal/events"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// recorder is an events.Publisher that keeps everything it receives.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ string, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.EventType() == typ {
			out = append(out, e)
		}
	}
	return out
}

// topology is the reference deployment used across the tests:
//
//	A:    task1 -> task2 -> task7 -> task9
//	      task1 -> task3 -> task8 -> task9
//	B:    A/task3 -> task4 -> task5,  sync/sync_task -> task6
//	sync: B/task5, A/task9 -> sync_task
type topology struct {
	cluster *Cluster
	a, b    *Node
	sync    *Node
}

func newTopology(t *testing.T, cfg Config) *topology {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	c := NewCluster(cfg)

	a, err := c.CreateNode("A", "")
	require.NoError(t, err)
	b, err := c.CreateNode("B", "")
	require.NoError(t, err)
	syncNode, err := c.CreateNode("sync", "")
	require.NoError(t, err)
	syncNode.SetSyncPoint(true)

	tp := &topology{cluster: c, a: a, b: b, sync: syncNode}

	for _, name := range []string{"task1", "task2", "task3", "task7", "task8", "task9"} {
		_, err := a.CreateTask(name, nil)
		require.NoError(t, err)
	}
	for _, name := range []string{"task4", "task5", "task6"} {
		_, err := b.CreateTask(name, nil)
		require.NoError(t, err)
	}
	_, err = syncNode.CreateTask("sync_task", nil)
	require.NoError(t, err)

	deps := []struct {
		task *Task
		on   *Task
	}{
		{tp.task(t, "A/task2"), tp.task(t, "A/task1")},
		{tp.task(t, "A/task3"), tp.task(t, "A/task1")},
		{tp.task(t, "A/task7"), tp.task(t, "A/task2")},
		{tp.task(t, "A/task8"), tp.task(t, "A/task3")},
		{tp.task(t, "A/task9"), tp.task(t, "A/task7")},
		{tp.task(t, "A/task9"), tp.task(t, "A/task8")},
		{tp.task(t, "B/task4"), tp.task(t, "A/task3")},
		{tp.task(t, "B/task5"), tp.task(t, "B/task4")},
	}
	for _, d := range deps {
		require.NoError(t, d.task.Depends(d.on))
	}

	require.NoError(t, c.WireBarrier(
		tp.task(t, "sync/sync_task"),
		[]*Task{tp.task(t, "A/task9"), tp.task(t, "B/task5")},
		[]*Task{tp.task(t, "B/task6")},
	))
	return tp
}

func (tp *topology) task(t *testing.T, ref string) *Task {
	t.Helper()
	id, ok := ParseTaskID(ref)
	require.True(t, ok, "bad task reference %q", ref)
	task, ok := tp.cluster.Lookup(id)
	require.True(t, ok, "unknown task %q", ref)
	return task
}

// drive plays the role of a polling driver: on every tick each ready node
// starts its next ready task, then every started task finishes with the
// outcome returned by result. It returns the completion order.
func drive(t *testing.T, c *Cluster, result func(*Task) TaskStatus) []string {
	t.Helper()
	var done []string
	for tick := 0; tick < 100; tick++ {
		if c.Finished() || c.Failed() {
			return done
		}

		var started []*Node
		for _, n := range c.Nodes() {
			if !n.Ready() {
				continue
			}
			next := n.NextReadyTask()
			if next == nil {
				continue
			}
			requireDependenciesSatisfied(t, c, next)
			_, err := n.Start(next)
			require.NoError(t, err)
			started = append(started, n)
			requireCounterMatchesBusy(t, c)
		}
		if len(started) == 0 {
			return done
		}
		for _, n := range started {
			task := n.CurrentTask()
			require.NoError(t, n.Finish(result(task)))
			done = append(done, task.ID().String())
			requireCounterMatchesBusy(t, c)
		}
	}
	t.Fatal("driver did not converge")
	return nil
}

func succeed(*Task) TaskStatus { return TaskSuccessful }

func requireDependenciesSatisfied(t *testing.T, c *Cluster, task *Task) {
	t.Helper()
	for _, id := range task.Dependencies() {
		dep, ok := c.Lookup(id)
		require.True(t, ok)
		status := dep.Status()
		ok = status == TaskSuccessful || (status == TaskSkipped && (dep.Sliced() || c.SkipPolicy() == SkipSatisfies))
		require.True(t, ok, "%s reported ready while dependency %s is %s", task.ID(), id, status)
	}
}

func requireCounterMatchesBusy(t *testing.T, c *Cluster) {
	t.Helper()
	busy := 0
	for _, n := range c.Nodes() {
		if n.Status() == NodeBusy {
			busy++
		}
	}
	current, maximum := c.Concurrency()
	require.Equal(t, busy, current, "counter must equal the number of busy nodes")
	if maximum > 0 {
		require.LessOrEqual(t, current, maximum)
	}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
