package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/deploygraph/internal/events"
)

// Node is a deployment participant. It owns exactly one Graph and runs at
// most one task at a time. While detached a node guards itself; once added
// to a cluster it shares the cluster lock.
type Node struct {
	mu  *sync.RWMutex
	own sync.RWMutex

	name      string
	uid       string
	status    NodeStatus
	critical  bool
	syncPoint bool
	current   *Task

	graph   *Graph
	cluster *Cluster
}

// NewNode creates a detached, online node. An empty uid defaults to name.
func NewNode(name, uid string) *Node {
	if uid == "" {
		uid = name
	}
	n := &Node{name: name, uid: uid, status: NodeOnline}
	n.mu = &n.own
	n.graph = newGraph(n)
	return n
}

// Name returns the display name.
func (n *Node) Name() string { return n.name }

// UID returns the cluster-unique identifier.
func (n *Node) UID() string { return n.uid }

// Graph returns the node's task graph.
func (n *Node) Graph() *Graph { return n.graph }

// Cluster returns the owning cluster, nil while detached.
func (n *Node) Cluster() *Cluster {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cluster
}

func (n *Node) String() string { return n.uid }

// Status returns the node status.
func (n *Node) Status() NodeStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// SetStatus applies a node transition. Entering busy takes a slot from the
// cluster counter and fails with an error wrapping ErrCapacity when none is
// free; leaving busy releases it. A forced failed, successful or skipped
// status completes the running task with the matching outcome.
func (n *Node) SetStatus(status NodeStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.settle()
	return n.setStatus(status)
}

// Critical reports whether a failure of this node fails the cluster.
func (n *Node) Critical() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.critical
}

// SetCritical flags the node as critical.
func (n *Node) SetCritical(critical bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.critical = critical
	n.settle()
}

// SyncPoint reports whether the node hosts barrier tasks.
func (n *Node) SyncPoint() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.syncPoint
}

// SetSyncPoint flags the node as a sync point.
func (n *Node) SetSyncPoint(syncPoint bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.syncPoint = syncPoint
}

// CurrentTask returns the task the node is working on, if any.
func (n *Node) CurrentTask() *Task {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current
}

// SetTask records the current task. The task must belong to this node.
func (n *Node) SetTask(t *Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t != nil && t.node != n {
		return invalidf("task %s does not belong to node %q", t.ID(), n.uid)
	}
	n.current = t
	return nil
}

// Ready reports whether the node is online and a concurrency slot is free.
func (n *Node) Ready() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ready()
}

// NextReadyTask returns the first runnable task of the node's graph, or nil.
func (n *Node) NextReadyTask() *Task {
	return n.graph.ReadyTask()
}

// Finished reports completion. An explicit failed, successful or skipped
// status short-circuits the graph aggregation.
func (n *Node) Finished() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.finished()
}

// Failed reports whether the node failed explicitly or through its tasks.
func (n *Node) Failed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.failed()
}

// Successful reports whether the node succeeded explicitly, was skipped, or
// completed every task successfully.
func (n *Node) Successful() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.successful()
}

// Start marks t running, the node busy and t current, all or nothing.
// A nil t starts the next ready task.
func (n *Node) Start(t *Task) (*Task, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.settle()

	if t == nil {
		t = n.graph.readyTask()
		if t == nil {
			return nil, notFoundf("node %q has no ready task", n.uid)
		}
	}
	if t.node != n {
		return nil, invalidf("task %s does not belong to node %q", t.ID(), n.uid)
	}
	if n.status != NodeOnline {
		return nil, invalidf("node %q is %s, not online", n.uid, n.status)
	}
	if !t.ready() {
		return nil, invalidf("task %s is not ready", t.ID())
	}

	if err := n.setStatus(NodeBusy); err != nil {
		return nil, err
	}
	if err := t.setStatus(TaskRunning); err != nil {
		_ = n.setStatus(NodeOnline)
		return nil, err
	}
	n.current = t
	return t, nil
}

// Finish completes the current task with a terminal status and puts the node
// back online.
func (n *Node) Finish(status TaskStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.settle()

	if !status.Finished() {
		return invalidf("node %q: %s is not a terminal task status", n.uid, status)
	}
	t := n.current
	if t == nil {
		return invalidf("node %q has no current task", n.uid)
	}
	if err := t.setStatus(status); err != nil {
		return err
	}
	n.current = nil
	if n.status == NodeBusy {
		return n.setStatus(NodeOnline)
	}
	return nil
}

// CreateTask creates a task in the node's graph.
func (n *Node) CreateTask(name string, data any) (*Task, error) {
	return n.graph.CreateTask(name, data)
}

// Task returns the node's task with the given name.
func (n *Node) Task(name string) (*Task, bool) { return n.graph.Task(name) }

// Tasks returns the node's tasks in creation order.
func (n *Node) Tasks() []*Task { return n.graph.Tasks() }

// ReadyTask is an alias of NextReadyTask.
func (n *Node) ReadyTask() *Task { return n.graph.ReadyTask() }

// ReadyTasks returns every ready task of the node.
func (n *Node) ReadyTasks() []*Task { return n.graph.ReadyTasks() }

// Progress counts the node's tasks per status.
func (n *Node) Progress() Progress { return n.graph.Progress() }

// The methods below expect the cluster lock to be held.

func (n *Node) ready() bool {
	if n.status != NodeOnline {
		return false
	}
	return n.cluster == nil || n.cluster.hasSlot()
}

func (n *Node) finished() bool {
	if n.status.Terminal() {
		return true
	}
	return n.graph.finished()
}

func (n *Node) failed() bool {
	switch n.status {
	case NodeFailed:
		return true
	case NodeSuccessful, NodeSkipped:
		return false
	}
	return n.graph.failed()
}

func (n *Node) successful() bool {
	switch n.status {
	case NodeSuccessful, NodeSkipped:
		return true
	case NodeFailed:
		return false
	}
	return n.graph.successful()
}

func (n *Node) setStatus(status NodeStatus) error {
	if !status.Valid() {
		return invalidf("node %q: invalid status %d", n.uid, int(status))
	}
	from := n.status
	if from == status {
		return nil
	}
	if !validNodeTransition(from, status) {
		return invalidf("node %q: transition %s -> %s not allowed", n.uid, from, status)
	}

	if n.cluster != nil {
		if err := n.cluster.admit(n.uid, concurrencyDelta(from, status)); err != nil {
			return err
		}
	}
	n.status = status
	n.nodeChanged(from, status)

	if status.Terminal() {
		n.forceOutcome(status)
	}
	return nil
}

// settle re-evaluates cluster-wide failure once a mutation is complete.
func (n *Node) settle() {
	if n.cluster != nil {
		n.cluster.evaluate()
	}
}

// forceOutcome completes the running task to match a forced node status and
// pushes the node's new effective outcome to foreign dependents.
func (n *Node) forceOutcome(status NodeStatus) {
	if t := n.graph.runningTask(); t != nil {
		outcome := TaskFailed
		switch status {
		case NodeSuccessful:
			outcome = TaskSuccessful
		case NodeSkipped:
			outcome = TaskSkipped
		}
		if err := t.setStatus(outcome); err != nil {
			n.logger().WithError(err).WithField("task", t.name).Warn("could not complete running task")
		}
	}
	n.current = nil
	// Unfinished tasks follow the node's status; only dependents on other
	// nodes are failed, so they are still pending if the node comes back.
	for _, t := range n.graph.order {
		if !t.status.Finished() && t.blocksDependents() {
			t.propagate(n)
		}
	}
}

func (n *Node) resolve(id TaskID) *Task {
	if id.Node == n.uid {
		return n.graph.tasks[id.Name]
	}
	if n.cluster == nil {
		return nil
	}
	return n.cluster.lookup(id)
}

func (n *Node) skipPolicy() SkipPolicy {
	if n.cluster == nil {
		return SkipSatisfies
	}
	return n.cluster.policy
}

func (n *Node) logger() logrus.FieldLogger {
	if n.cluster == nil {
		return logrus.StandardLogger()
	}
	return n.cluster.log
}

func (n *Node) publisher() events.Publisher {
	if n.cluster == nil {
		return nil
	}
	return n.cluster.publisher
}

func (n *Node) taskChanged(t *Task, from, to TaskStatus) {
	n.logger().WithFields(logrus.Fields{
		"node": n.uid,
		"task": t.name,
		"from": from.String(),
		"to":   to.String(),
	}).Debug("task status changed")

	if pub := n.publisher(); pub != nil {
		pub.Publish(events.TopicTask, events.TaskStatusEvent{
			ID:        t.ID().String(),
			Node:      n.uid,
			Name:      t.name,
			From:      from.String(),
			To:        to.String(),
			Timestamp: time.Now(),
		})
	}
}

func (n *Node) nodeChanged(from, to NodeStatus) {
	n.logger().WithFields(logrus.Fields{
		"node": n.uid,
		"from": from.String(),
		"to":   to.String(),
	}).Debug("node status changed")

	if pub := n.publisher(); pub != nil {
		var current string
		if n.current != nil {
			current = n.current.ID().String()
		}
		pub.Publish(events.TopicNode, events.NodeStatusEvent{
			Node:      n.uid,
			From:      from.String(),
			To:        to.String(),
			Task:      current,
			Timestamp: time.Now(),
		})
	}
}
