package scheduler

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRestore(t *testing.T) {
	src := newTopology(t, Config{MaxConcurrency: 1})
	require.NoError(t, src.task(t, "A/task1").SetStatus(TaskSuccessful))
	require.NoError(t, src.task(t, "A/task2").SetStatus(TaskFailed))
	_, err := src.a.Start(nil)
	require.NoError(t, err)

	snap := src.cluster.Snapshot()
	assert.Equal(t, src.cluster.Name(), snap.Cluster)
	require.Len(t, snap.Nodes, 3)
	assert.Equal(t, "busy", snap.Nodes[0].Status)
	assert.Equal(t, []string{"A/task1"}, snap.Nodes[0].Tasks[1].Dependencies)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	dst := newTopology(t, Config{MaxConcurrency: 1})
	require.NoError(t, dst.cluster.Restore(decoded))

	assert.Equal(t, TaskSuccessful, dst.task(t, "A/task1").Status())
	assert.Equal(t, TaskFailed, dst.task(t, "A/task2").Status())
	assert.Equal(t, TaskDepFailed, dst.task(t, "A/task7").Status())
	assert.Equal(t, TaskPending, dst.task(t, "A/task3").Status(), "interrupted work restarts")
	assert.Equal(t, NodeOnline, dst.a.Status())
	current, _ := dst.cluster.Concurrency()
	assert.Equal(t, 0, current)
	requireCounterMatchesBusy(t, dst.cluster)
}

func TestSnapshotResumable(t *testing.T) {
	src := newTopology(t, Config{})
	require.NoError(t, src.task(t, "A/task1").SetStatus(TaskSuccessful))
	require.NoError(t, src.task(t, "A/task2").SetStatus(TaskFailed))
	require.NoError(t, src.b.SetStatus(NodeFailed))

	resumable := src.cluster.Snapshot().Resumable()
	dst := newTopology(t, Config{})
	require.NoError(t, dst.cluster.Restore(resumable))

	assert.Equal(t, TaskSuccessful, dst.task(t, "A/task1").Status())
	assert.Equal(t, TaskPending, dst.task(t, "A/task2").Status())
	assert.Equal(t, TaskPending, dst.task(t, "A/task7").Status())
	assert.Equal(t, NodeOnline, dst.b.Status())
	assert.False(t, dst.cluster.Failed())

	done := drive(t, dst.cluster, succeed)
	assert.Len(t, done, 9, "completed work is not repeated")
	assert.True(t, dst.cluster.Successful())
}

func TestSnapshotRestoresSubgraph(t *testing.T) {
	src := newTopology(t, Config{})
	require.NoError(t, src.cluster.SetSubgraphs([]SubgraphSpec{{Start: []string{"task3"}, End: []string{"task9"}}}))

	dst := newTopology(t, Config{})
	require.NoError(t, dst.cluster.Restore(src.cluster.Snapshot()))
	assert.Equal(t, src.cluster.ActiveSubgraph(), dst.cluster.ActiveSubgraph())
	assert.True(t, dst.task(t, "A/task1").Sliced())
}

func TestRestoreValidatesBeforeMutating(t *testing.T) {
	tp := newTopology(t, Config{})
	snap := tp.cluster.Snapshot()
	snap.Nodes[0].Tasks[0].Status = "successful"
	snap.Nodes = append(snap.Nodes, NodeSnapshot{UID: "ghost", Status: "online"})

	err := tp.cluster.Restore(snap)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, TaskPending, tp.task(t, "A/task1").Status())

	snap = tp.cluster.Snapshot()
	snap.Nodes[1].Tasks[0].Status = "exploded"
	err = tp.cluster.Restore(snap)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
