package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statuses(c *Cluster) map[string]TaskStatus {
	out := make(map[string]TaskStatus)
	for _, task := range c.Tasks() {
		out[task.ID().String()] = task.Status()
	}
	return out
}

func ids(refs ...string) []TaskID {
	out := make([]TaskID, len(refs))
	for i, ref := range refs {
		out[i], _ = ParseTaskID(ref)
	}
	return out
}

func TestSubgraphStartEnd(t *testing.T) {
	tp := newTopology(t, Config{})
	require.NoError(t, tp.cluster.SetSubgraphs([]SubgraphSpec{{Start: []string{"task3"}, End: []string{"task9"}}}))

	assert.Equal(t, ids("A/task3", "A/task8", "A/task9"), tp.cluster.ActiveSubgraph())
	for ref, status := range statuses(tp.cluster) {
		switch ref {
		case "A/task3", "A/task8", "A/task9":
			assert.Equal(t, TaskPending, status, ref)
		default:
			assert.Equal(t, TaskSkipped, status, ref)
			assert.True(t, tp.task(t, ref).Sliced(), ref)
		}
	}

	assert.Same(t, tp.task(t, "A/task3"), tp.a.NextReadyTask(), "sliced dependencies satisfy readiness")
	assert.Nil(t, tp.b.NextReadyTask())

	done := drive(t, tp.cluster, succeed)
	assert.Equal(t, []string{"A/task3", "A/task8", "A/task9"}, done)
	assert.True(t, tp.cluster.Finished())
	assert.True(t, tp.cluster.Successful())
	assert.False(t, tp.cluster.Failed())
}

func TestSubgraphIsIdempotent(t *testing.T) {
	tp := newTopology(t, Config{})
	spec := []SubgraphSpec{{Start: []string{"task3"}, End: []string{"task9"}}}

	require.NoError(t, tp.cluster.SetSubgraphs(spec))
	first := statuses(tp.cluster)
	active := tp.cluster.ActiveSubgraph()

	require.NoError(t, tp.cluster.SetSubgraphs(spec))
	assert.Equal(t, first, statuses(tp.cluster))
	assert.Equal(t, active, tp.cluster.ActiveSubgraph())

	require.NoError(t, tp.cluster.SetupStartEnd())
	assert.Equal(t, first, statuses(tp.cluster))
	assert.Equal(t, active, tp.cluster.ActiveSubgraph())
	assert.Equal(t, spec, tp.cluster.Subgraphs())
}

func TestSubgraphUnknownNameIsAtomic(t *testing.T) {
	tp := newTopology(t, Config{})
	before := statuses(tp.cluster)

	err := tp.cluster.SetSubgraphs([]SubgraphSpec{
		{Start: []string{"task3"}},
		{Start: []string{"task4"}, End: []string{"nope"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, before, statuses(tp.cluster))
	assert.Nil(t, tp.cluster.ActiveSubgraph())
	assert.Empty(t, tp.cluster.Subgraphs())
}

func TestSubgraphReplaceAndClear(t *testing.T) {
	tp := newTopology(t, Config{})
	require.NoError(t, tp.cluster.SetSubgraphs([]SubgraphSpec{{Start: []string{"task3"}, End: []string{"task9"}}}))

	// Forward only: everything downstream of B/task4.
	require.NoError(t, tp.cluster.SetSubgraphs([]SubgraphSpec{{Start: []string{"B/task4"}}}))
	assert.Equal(t, ids("B/task4", "B/task5", "B/task6", "sync/sync_task"), tp.cluster.ActiveSubgraph())
	assert.Equal(t, TaskSkipped, tp.task(t, "A/task3").Status())
	assert.Equal(t, TaskPending, tp.task(t, "B/task6").Status())

	require.NoError(t, tp.cluster.SetSubgraphs(nil))
	assert.Nil(t, tp.cluster.ActiveSubgraph())
	for ref, status := range statuses(tp.cluster) {
		assert.Equal(t, TaskPending, status, ref)
		assert.False(t, tp.task(t, ref).Sliced(), ref)
	}
}

func TestSubgraphUnion(t *testing.T) {
	tp := newTopology(t, Config{})
	require.NoError(t, tp.cluster.SetSubgraphs([]SubgraphSpec{
		{Start: []string{"task2"}, End: []string{"task7"}},
		{Start: []string{"task4"}, End: []string{"task5"}},
	}))
	assert.Equal(t, ids("A/task2", "A/task7", "B/task4", "B/task5"), tp.cluster.ActiveSubgraph())
	assert.True(t, tp.cluster.InSubgraph(TaskID{Node: "B", Name: "task5"}))
	assert.False(t, tp.cluster.InSubgraph(TaskID{Node: "A", Name: "task1"}))
}

func TestSubgraphEmptyStartMeansRoots(t *testing.T) {
	tp := newTopology(t, Config{})
	require.NoError(t, tp.cluster.SetSubgraphs([]SubgraphSpec{{End: []string{"task4"}}}))
	assert.Equal(t, ids("A/task1", "A/task3", "B/task4"), tp.cluster.ActiveSubgraph())
}

func TestSlicedSkipSatisfiesUnderBlockingPolicy(t *testing.T) {
	tp := newTopology(t, Config{SkipPolicy: SkipBlocks})
	require.NoError(t, tp.cluster.SetSubgraphs([]SubgraphSpec{{Start: []string{"task3"}, End: []string{"task9"}}}))

	assert.Equal(t, TaskPending, tp.task(t, "A/task3").Status())
	assert.True(t, tp.task(t, "A/task3").Ready())

	done := drive(t, tp.cluster, succeed)
	assert.Equal(t, []string{"A/task3", "A/task8", "A/task9"}, done)
}

func TestSubgraphSurvivesReset(t *testing.T) {
	tp := newTopology(t, Config{})
	require.NoError(t, tp.cluster.SetSubgraphs([]SubgraphSpec{{Start: []string{"task3"}, End: []string{"task9"}}}))
	drive(t, tp.cluster, succeed)

	tp.cluster.Reset()
	assert.Equal(t, ids("A/task3", "A/task8", "A/task9"), tp.cluster.ActiveSubgraph())
	assert.Equal(t, TaskPending, tp.task(t, "A/task9").Status())
	assert.Equal(t, TaskSkipped, tp.task(t, "A/task1").Status())
}
