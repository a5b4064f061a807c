package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/deploygraph/internal/events"
)

func TestReferenceTopologyRunsInDependencyOrder(t *testing.T) {
	for _, limit := range []int{0, 1, 2} {
		t.Run("max-"+string(rune('0'+limit)), func(t *testing.T) {
			tp := newTopology(t, Config{MaxConcurrency: limit})
			done := drive(t, tp.cluster, succeed)

			require.Len(t, done, 10)
			assert.True(t, tp.cluster.Finished())
			assert.True(t, tp.cluster.Successful())
			assert.False(t, tp.cluster.Failed())

			syncIdx := indexOf(done, "sync/sync_task")
			assert.Greater(t, syncIdx, indexOf(done, "B/task5"))
			assert.Greater(t, syncIdx, indexOf(done, "A/task9"))
			assert.Greater(t, indexOf(done, "B/task6"), syncIdx)
			assert.Greater(t, indexOf(done, "B/task4"), indexOf(done, "A/task3"))
		})
	}
}

func TestBarrierBlocksUntilAllPredecessorsSucceed(t *testing.T) {
	tp := newTopology(t, Config{})
	syncTask := tp.task(t, "sync/sync_task")
	task6 := tp.task(t, "B/task6")

	for _, ref := range []string{"A/task1", "A/task2", "A/task3", "A/task7", "A/task8", "A/task9"} {
		require.NoError(t, tp.task(t, ref).SetStatus(TaskSuccessful))
		assert.False(t, syncTask.Ready(), "B/task5 still pending")
	}
	require.NoError(t, tp.task(t, "B/task4").SetStatus(TaskSuccessful))
	assert.False(t, syncTask.Ready())
	assert.False(t, task6.Ready())

	require.NoError(t, tp.task(t, "B/task5").SetStatus(TaskSuccessful))
	assert.True(t, syncTask.Ready())
	assert.False(t, task6.Ready(), "task6 waits for the barrier")
	assert.Same(t, syncTask, tp.sync.NextReadyTask())

	require.NoError(t, syncTask.SetStatus(TaskRunning))
	assert.False(t, task6.Ready())
	require.NoError(t, syncTask.SetStatus(TaskSuccessful))
	assert.True(t, task6.Ready())
}

func TestWireBarrier(t *testing.T) {
	tp := newTopology(t, Config{})

	barriers := tp.cluster.Barriers()
	require.Len(t, barriers, 1)
	assert.Equal(t, TaskID{Node: "sync", Name: "sync_task"}, barriers[0].Task)
	assert.Equal(t, []TaskID{{Node: "A", Name: "task9"}, {Node: "B", Name: "task5"}}, barriers[0].Before)
	assert.Equal(t, []TaskID{{Node: "B", Name: "task6"}}, barriers[0].After)
	assert.Equal(t, []*Node{tp.sync}, tp.cluster.SyncPoints())

	t.Run("non sync node", func(t *testing.T) {
		err := tp.cluster.WireBarrier(tp.task(t, "A/task1"), nil, []*Task{tp.task(t, "B/task4")})
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})

	t.Run("rolls back on cycle", func(t *testing.T) {
		gate, err := tp.sync.CreateTask("gate", nil)
		require.NoError(t, err)

		err = tp.cluster.WireBarrier(gate,
			[]*Task{tp.task(t, "A/task9")},
			[]*Task{tp.task(t, "A/task1")},
		)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCycle))
		assert.Empty(t, gate.Dependencies(), "no edge may survive a failed wiring")
		assert.Empty(t, gate.Dependents())
		assert.Equal(t, []TaskID{{Node: "sync", Name: "sync_task"}}, tp.task(t, "A/task9").Dependents())
	})

	t.Run("nil barrier", func(t *testing.T) {
		assert.True(t, errors.Is(tp.cluster.WireBarrier(nil, nil, nil), ErrInvalidArgument))
	})
}

func TestCriticalNodeFailsCluster(t *testing.T) {
	pub := &recorder{}
	tp := newTopology(t, Config{Publisher: pub})
	db, err := tp.cluster.CreateNode("db", "")
	require.NoError(t, err)
	migrate, err := db.CreateTask("migrate", nil)
	require.NoError(t, err)
	db.SetCritical(true)

	assert.False(t, tp.cluster.Failed())

	require.NoError(t, migrate.SetStatus(TaskFailed))
	assert.True(t, tp.cluster.Failed(), "critical failure fails the cluster")
	assert.Contains(t, tp.cluster.FailureReason(), `critical node "db" failed`)
	assert.Equal(t, NodeOnline, tp.a.Status())
	assert.Equal(t, TaskPending, tp.task(t, "A/task1").Status())

	// Monotonic: nothing short of Reset clears it.
	require.NoError(t, db.SetStatus(NodeSuccessful))
	assert.True(t, tp.cluster.Failed())
	db.SetCritical(false)
	assert.True(t, tp.cluster.Failed())

	require.Len(t, pub.ofType(events.EventTypeClusterFailed), 1)

	tp.cluster.Reset()
	assert.False(t, tp.cluster.Failed())
	assert.Empty(t, tp.cluster.FailureReason())
}

func TestCriticalNodeForcedFailed(t *testing.T) {
	tp := newTopology(t, Config{MaxConcurrency: 1})
	tp.a.SetCritical(true)

	_, err := tp.a.Start(nil)
	require.NoError(t, err)
	require.NoError(t, tp.a.SetStatus(NodeFailed))

	assert.True(t, tp.cluster.Failed())
	assert.Equal(t, TaskFailed, tp.task(t, "A/task1").Status())
	current, _ := tp.cluster.Concurrency()
	assert.Equal(t, 0, current)
}

func TestNonCriticalFailureDoesNotFailCluster(t *testing.T) {
	tp := newTopology(t, Config{})
	tp.a.SetCritical(true)

	require.NoError(t, tp.task(t, "B/task6").SetStatus(TaskFailed))
	assert.True(t, tp.b.Failed())
	assert.False(t, tp.cluster.Failed())
}

func TestStallDetection(t *testing.T) {
	tp := newTopology(t, Config{})
	assert.False(t, tp.cluster.Stalled())

	// B is offline, so once A is done B/task4 has nowhere to run.
	require.NoError(t, tp.b.SetStatus(NodeOffline))
	for _, ref := range []string{"A/task1", "A/task2", "A/task3", "A/task7", "A/task8"} {
		require.NoError(t, tp.task(t, ref).SetStatus(TaskSuccessful))
		assert.False(t, tp.cluster.Failed(), "A still has work after %s", ref)
	}
	require.NoError(t, tp.task(t, "A/task9").SetStatus(TaskSuccessful))

	assert.True(t, tp.cluster.Stalled())
	assert.True(t, tp.cluster.Failed())
	assert.Contains(t, tp.cluster.FailureReason(), "stalled")
	assert.Contains(t, tp.cluster.FailureReason(), "B/task4")
}

func TestStallClearsWhenNodeReturns(t *testing.T) {
	pub := &recorder{}
	c := newTestCluster(Config{Publisher: pub})
	a, err := c.CreateNode("A", "")
	require.NoError(t, err)
	b, err := c.CreateNode("B", "")
	require.NoError(t, err)
	t1, err := a.CreateTask("t1", nil)
	require.NoError(t, err)
	t2, err := b.CreateTask("t2", nil)
	require.NoError(t, err)
	require.NoError(t, t2.Depends(t1))

	require.NoError(t, a.SetStatus(NodeOffline))
	assert.True(t, c.Failed())
	assert.Contains(t, c.FailureReason(), "stalled")
	assert.True(t, c.Failed(), "repeated checks do not publish again")
	require.Len(t, pub.ofType(events.EventTypeClusterFailed), 1)

	require.NoError(t, a.SetStatus(NodeOnline))
	assert.False(t, c.Failed(), "a stall is not a permanent failure")
	assert.Empty(t, c.FailureReason())
	assert.Equal(t, t1, a.NextReadyTask())

	require.NoError(t, a.SetStatus(NodeOffline))
	assert.True(t, c.Failed())
	require.Len(t, pub.ofType(events.EventTypeClusterFailed), 2, "each new stall is announced")
}

func TestStallIgnoredWithCriticalNodes(t *testing.T) {
	tp := newTopology(t, Config{})
	tp.a.SetCritical(true)
	require.NoError(t, tp.a.SetStatus(NodeOffline))
	require.NoError(t, tp.b.SetStatus(NodeOffline))

	assert.True(t, tp.cluster.Stalled())
	assert.False(t, tp.cluster.Failed(), "critical nodes decide failure")
}

func TestValidateAndOrder(t *testing.T) {
	tp := newTopology(t, Config{})
	require.NoError(t, tp.cluster.Validate())

	order, err := tp.cluster.Order()
	require.NoError(t, err)
	require.Len(t, order, 10)

	pos := make(map[TaskID]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, task := range tp.cluster.Tasks() {
		for _, dep := range task.Dependencies() {
			assert.Less(t, pos[dep], pos[task.ID()], "%s must come before %s", dep, task.ID())
		}
	}
}

func TestResolve(t *testing.T) {
	tp := newTopology(t, Config{})
	extra, err := tp.b.CreateTask("task1", nil)
	require.NoError(t, err)

	tasks, err := tp.cluster.Resolve("task1")
	require.NoError(t, err)
	assert.Equal(t, []*Task{tp.task(t, "A/task1"), extra}, tasks)

	tasks, err = tp.cluster.Resolve("B/task1")
	require.NoError(t, err)
	assert.Equal(t, []*Task{extra}, tasks)

	_, err = tp.cluster.Resolve("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = tp.cluster.Resolve("C/task1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestProgress(t *testing.T) {
	tp := newTopology(t, Config{})
	require.NoError(t, tp.task(t, "A/task1").SetStatus(TaskSuccessful))
	require.NoError(t, tp.task(t, "A/task2").SetStatus(TaskRunning))
	require.NoError(t, tp.task(t, "A/task3").SetStatus(TaskFailed))

	p := tp.cluster.Progress()
	assert.Equal(t, 10, p.Total)
	assert.Equal(t, 1, p.Successful)
	assert.Equal(t, 1, p.Running)
	assert.Equal(t, 1, p.Failed)
	// task8, task9, task4, task5, sync_task, task6
	assert.Equal(t, 6, p.DepFailed)
	assert.Equal(t, 1, p.Pending)
	assert.Equal(t, 8, p.Finished())
}

func TestResetRestoresPendingState(t *testing.T) {
	tp := newTopology(t, Config{MaxConcurrency: 2})
	drive(t, tp.cluster, func(task *Task) TaskStatus {
		if task.Name() == "task3" {
			return TaskFailed
		}
		return TaskSuccessful
	})
	require.False(t, tp.cluster.Successful())

	tp.cluster.Reset()
	for _, task := range tp.cluster.Tasks() {
		assert.Equal(t, TaskPending, task.Status(), task.ID().String())
	}
	for _, n := range tp.cluster.Nodes() {
		assert.Equal(t, NodeOnline, n.Status())
	}
	current, _ := tp.cluster.Concurrency()
	assert.Equal(t, 0, current)

	done := drive(t, tp.cluster, succeed)
	assert.Len(t, done, 10)
	assert.True(t, tp.cluster.Successful())
}
