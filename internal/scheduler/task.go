package scheduler

import (
	"fmt"
	"strings"
)

// TaskID is the stable, cluster-wide address of a task: the owning node's
// uid plus the task name. Dependency edges are stored as TaskIDs and
// resolved through the cluster registry.
type TaskID struct {
	Node string
	Name string
}

func (id TaskID) String() string {
	return id.Node + "/" + id.Name
}

// ParseTaskID splits a qualified "node/task" reference.
func ParseTaskID(v string) (TaskID, bool) {
	node, name, ok := strings.Cut(v, "/")
	if !ok || node == "" || name == "" {
		return TaskID{}, false
	}
	return TaskID{Node: node, Name: name}, true
}

// Task represents a unit of work owned by a node's graph.
type Task struct {
	name   string
	node   *Node
	status TaskStatus
	data   any
	// sliced marks a task skipped because it lies outside the active subgraph.
	sliced bool

	dependencies []TaskID
	dependents   []TaskID
}

// Name returns the task name, unique within its graph.
func (t *Task) Name() string { return t.name }

// ID returns the cluster-wide task address.
func (t *Task) ID() TaskID { return TaskID{Node: t.node.uid, Name: t.name} }

// Node returns the owning node.
func (t *Task) Node() *Node { return t.node }

func (t *Task) String() string {
	return fmt.Sprintf("%s[%s]", t.ID(), t.Status())
}

// Status returns the current task status.
func (t *Task) Status() TaskStatus {
	t.node.mu.RLock()
	defer t.node.mu.RUnlock()
	return t.status
}

// SetStatus validates and applies a status transition. Failures propagate
// dep_failed to pending dependents, across node boundaries.
func (t *Task) SetStatus(status TaskStatus) error {
	t.node.mu.Lock()
	defer t.node.mu.Unlock()
	defer t.node.settle()
	return t.setStatus(status)
}

// Data returns the opaque payload.
func (t *Task) Data() any {
	t.node.mu.RLock()
	defer t.node.mu.RUnlock()
	return t.data
}

// SetData replaces the opaque payload.
func (t *Task) SetData(data any) {
	t.node.mu.Lock()
	defer t.node.mu.Unlock()
	t.data = data
}

// Dependencies returns the tasks this task waits for.
func (t *Task) Dependencies() []TaskID {
	t.node.mu.RLock()
	defer t.node.mu.RUnlock()
	return append([]TaskID(nil), t.dependencies...)
}

// Dependents returns the tasks waiting for this task.
func (t *Task) Dependents() []TaskID {
	t.node.mu.RLock()
	defer t.node.mu.RUnlock()
	return append([]TaskID(nil), t.dependents...)
}

// Depends registers other as a dependency of t.
func (t *Task) Depends(other *Task) error {
	t.node.mu.Lock()
	defer t.node.mu.Unlock()
	defer t.node.settle()
	return t.node.graph.addDependency(other, t)
}

// Ready reports whether the task is pending with every dependency satisfied.
func (t *Task) Ready() bool {
	t.node.mu.RLock()
	defer t.node.mu.RUnlock()
	return t.ready()
}

// Finished reports whether the task reached a terminal status.
func (t *Task) Finished() bool { return t.Status().Finished() }

// Failed reports whether the task is failed or dep_failed.
func (t *Task) Failed() bool { return t.Status().Failure() }

// Successful reports whether the task completed successfully.
func (t *Task) Successful() bool { return t.Status() == TaskSuccessful }

// Sliced reports whether the task was skipped by subgraph slicing.
func (t *Task) Sliced() bool {
	t.node.mu.RLock()
	defer t.node.mu.RUnlock()
	return t.sliced
}

// The methods below expect the cluster lock to be held.

func (t *Task) ready() bool {
	if t.status != TaskPending {
		return false
	}
	for _, id := range t.dependencies {
		dep := t.node.resolve(id)
		if dep == nil || !dep.satisfies() {
			return false
		}
	}
	return true
}

// effectiveStatus folds an explicit terminal node status into the status of
// the node's unfinished tasks.
func (t *Task) effectiveStatus() TaskStatus {
	if t.status.Finished() {
		return t.status
	}
	switch t.node.status {
	case NodeFailed:
		return TaskFailed
	case NodeSkipped:
		return TaskSkipped
	case NodeSuccessful:
		return TaskSuccessful
	}
	return t.status
}

// satisfies reports whether dependents of t may run.
func (t *Task) satisfies() bool {
	switch t.effectiveStatus() {
	case TaskSuccessful:
		return true
	case TaskSkipped:
		return t.sliced || t.node.skipPolicy() == SkipSatisfies
	}
	return false
}

// blocksDependents reports whether t can never satisfy its dependents.
func (t *Task) blocksDependents() bool {
	switch t.effectiveStatus() {
	case TaskFailed, TaskDepFailed:
		return true
	case TaskSkipped:
		return !t.sliced && t.node.skipPolicy() == SkipBlocks
	}
	return false
}

func (t *Task) setStatus(status TaskStatus) error {
	if !status.Valid() {
		return invalidf("task %s: invalid status %d", t.ID(), int(status))
	}
	from := t.status
	if from == status {
		return nil
	}
	if !validTaskTransition(from, status) {
		return invalidf("task %s: transition %s -> %s not allowed", t.ID(), from, status)
	}
	if status == TaskRunning {
		if running := t.node.graph.runningTask(); running != nil && running != t {
			return invalidf("task %s: node %q is already running %s", t.ID(), t.node.name, running.name)
		}
	}

	t.status = status
	t.sliced = false
	t.node.taskChanged(t, from, status)

	if t.blocksDependents() {
		t.propagateFailure()
	}
	return nil
}

// propagateFailure marks every pending transitive dependent dep_failed, in
// breadth-first order over the recorded dependents.
func (t *Task) propagateFailure() {
	t.propagate(nil)
}

// propagate is propagateFailure that leaves the tasks of spare untouched,
// neither marking them nor walking past them.
func (t *Task) propagate(spare *Node) {
	visited := map[TaskID]bool{t.ID(): true}
	queue := append([]TaskID(nil), t.dependents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		dep := t.node.resolve(id)
		if dep == nil || dep.status != TaskPending || (spare != nil && dep.node == spare) {
			continue
		}
		dep.status = TaskDepFailed
		dep.node.taskChanged(dep, TaskPending, TaskDepFailed)
		queue = append(queue, dep.dependents...)
	}
}

func hasTaskID(ids []TaskID, id TaskID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeTaskID(ids []TaskID, id TaskID) []TaskID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
