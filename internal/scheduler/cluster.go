package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
	"github.com/sirupsen/logrus"

	"github.com/aristath/deploygraph/internal/events"
)

// Config configures a Cluster.
type Config struct {
	Name string
	// MaxConcurrency bounds how many nodes may be busy at once. 0 = unlimited.
	MaxConcurrency int
	SkipPolicy     SkipPolicy
	// Logger receives transition logs at debug level. Defaults to the
	// logrus standard logger.
	Logger logrus.FieldLogger
	// Publisher, when set, receives task and node status events.
	Publisher events.Publisher
}

// Cluster owns the nodes of a deployment, the shared concurrency counter,
// the sync-point wiring and the active subgraph. All state reachable from a
// cluster is guarded by a single lock.
type Cluster struct {
	mu sync.RWMutex

	name      string
	nodes     map[string]*Node
	order     []*Node
	counter   *Counter
	policy    SkipPolicy
	log       logrus.FieldLogger
	publisher events.Publisher

	failed    bool // critical-node failure, latched until Reset
	reason    string
	stallSeen bool // last evaluated stall state, for edge-triggered events

	subgraphs []SubgraphSpec
	active    map[TaskID]bool // nil = full graph
}

// Barrier describes one barrier task hosted by a sync-point node.
type Barrier struct {
	Task   TaskID
	Before []TaskID
	After  []TaskID
}

// NewCluster creates an empty cluster.
func NewCluster(cfg Config) *Cluster {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := cfg.Name
	if name == "" {
		name = "cluster"
	}
	return &Cluster{
		name:      name,
		nodes:     make(map[string]*Node),
		counter:   NewCounter(cfg.MaxConcurrency),
		policy:    cfg.SkipPolicy,
		log:       log.WithField("cluster", name),
		publisher: cfg.Publisher,
	}
}

// Name returns the cluster name.
func (c *Cluster) Name() string { return c.name }

// SkipPolicy returns the configured skip policy.
func (c *Cluster) SkipPolicy() SkipPolicy { return c.policy }

// Concurrency returns the counter's current occupancy and maximum.
func (c *Cluster) Concurrency() (current, maximum int) {
	return c.counter.Current(), c.counter.Maximum()
}

// SetMaxConcurrency changes the admission limit. 0 means unlimited.
func (c *Cluster) SetMaxConcurrency(maximum int) error {
	return c.counter.SetMaximum(maximum)
}

// CreateNode creates a node and registers it. An empty uid defaults to name.
func (c *Cluster) CreateNode(name, uid string) (*Node, error) {
	n := NewNode(name, uid)
	if err := c.AddNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// AddNode registers a detached node. From then on the node shares the
// cluster lock; it must not be used concurrently while being added.
func (c *Cluster) AddNode(n *Node) error {
	if n == nil {
		return invalidf("node must not be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n.own.Lock()
	defer n.own.Unlock()

	if n.cluster != nil {
		return invalidf("node %q already belongs to cluster %q", n.uid, n.cluster.name)
	}
	if n.uid == "" {
		return invalidf("node uid must not be empty")
	}
	if _, exists := c.nodes[n.uid]; exists {
		return invalidf("node %q already exists", n.uid)
	}
	if n.status == NodeBusy {
		if err := c.admit(n.uid, 1); err != nil {
			return err
		}
	}

	n.cluster = c
	n.mu = &c.mu
	c.nodes[n.uid] = n
	c.order = append(c.order, n)

	c.log.WithField("node", n.uid).Debug("node added")
	c.evaluate()
	return nil
}

// admit applies a concurrency delta on behalf of node uid. Nodes report
// their transitions here and never touch the counter themselves. Expects
// the cluster lock to be held.
func (c *Cluster) admit(uid string, delta int) error {
	switch delta {
	case 1:
		if !c.counter.Increment() {
			return capacityError(uid, c.counter)
		}
	case -1:
		c.counter.Decrement()
	}
	return nil
}

// hasSlot reports whether one more node may become busy.
func (c *Cluster) hasSlot() bool {
	return c.counter.Available()
}

// Node returns the node with the given uid.
func (c *Cluster) Node(uid string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[uid]
	return n, ok
}

// Nodes returns every node in insertion order.
func (c *Cluster) Nodes() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Node(nil), c.order...)
}

// Lookup resolves a task address through the cluster registry.
func (c *Cluster) Lookup(id TaskID) (*Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := c.lookup(id)
	return t, t != nil
}

// Resolve finds tasks by name. A qualified "node/task" name matches at most
// one task; a bare name matches that task on every node.
func (c *Cluster) Resolve(name string) ([]*Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolve(name)
}

// Tasks returns every task, node by node in creation order.
func (c *Cluster) Tasks() []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tasks()
}

// Failed reports cluster failure: a critical node failed or, when no node is
// critical, the cluster is stalled right now. Critical failure stays true
// until Reset; a stall clears as soon as the cluster can progress again.
func (c *Cluster) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluate()
	failed, _ := c.failure()
	return failed
}

// FailureReason describes why the cluster failed, empty when it has not.
func (c *Cluster) FailureReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, reason := c.failure()
	return reason
}

// Finished reports whether every node is finished.
func (c *Cluster) Finished() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finished()
}

// Successful reports whether every node is successful.
func (c *Cluster) Successful() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range c.order {
		if !n.successful() {
			return false
		}
	}
	return true
}

// Stalled reports whether the cluster is unfinished, nothing is running and
// no online node has a ready task. Work held by offline nodes counts as
// stalled.
func (c *Cluster) Stalled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stalled()
}

// Progress counts every task of the cluster per status.
func (c *Cluster) Progress() Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var p Progress
	for _, n := range c.order {
		p.merge(n.graph.progress())
	}
	return p
}

// SyncPoints returns the sync-point nodes in insertion order.
func (c *Cluster) SyncPoints() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Node
	for _, n := range c.order {
		if n.syncPoint {
			out = append(out, n)
		}
	}
	return out
}

// Barriers lists the tasks hosted by sync-point nodes with their wiring.
func (c *Cluster) Barriers() []Barrier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Barrier
	for _, n := range c.order {
		if !n.syncPoint {
			continue
		}
		for _, t := range n.graph.order {
			out = append(out, Barrier{
				Task:   t.ID(),
				Before: append([]TaskID(nil), t.dependencies...),
				After:  append([]TaskID(nil), t.dependents...),
			})
		}
	}
	return out
}

// WireBarrier makes barrier depend on every task in before and every task in
// after depend on barrier. Either all edges are added or none.
func (c *Cluster) WireBarrier(barrier *Task, before, after []*Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.evaluate()

	if barrier == nil {
		return invalidf("barrier task must not be nil")
	}
	if barrier.node.cluster != c {
		return invalidf("barrier %s does not belong to cluster %q", barrier.ID(), c.name)
	}
	if !barrier.node.syncPoint {
		return invalidf("barrier %s: node %q is not a sync point", barrier.ID(), barrier.node.uid)
	}

	edges := make([]edge, 0, len(before)+len(after))
	for _, t := range before {
		edges = append(edges, edge{t, barrier})
	}
	for _, t := range after {
		edges = append(edges, edge{barrier, t})
	}

	var added []edge
	for _, e := range edges {
		if e.from == nil || e.to == nil {
			unlinkAll(added)
			return invalidf("barrier %s: nil task in wiring", barrier.ID())
		}
		ok, err := link(e.from, e.to)
		if err != nil {
			unlinkAll(added)
			return fmt.Errorf("wire barrier %s: %w", barrier.ID(), err)
		}
		if ok {
			added = append(added, e)
		}
	}
	for _, e := range added {
		if e.from.blocksDependents() {
			e.from.propagateFailure()
		}
	}

	c.log.WithFields(logrus.Fields{
		"barrier": barrier.ID().String(),
		"before":  len(before),
		"after":   len(after),
	}).Debug("barrier wired")
	return nil
}

type edge struct{ from, to *Task }

func unlinkAll(added []edge) {
	for i := len(added) - 1; i >= 0; i-- {
		unlink(added[i].from, added[i].to)
	}
}

// Validate checks that the union of all edges is acyclic and that every
// edge resolves.
func (c *Cluster) Validate() error {
	_, err := c.Order()
	return err
}

// Order returns a deterministic topological order of every task.
func (c *Cluster) Order() ([]TaskID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var edges []toposort.Edge
	total := 0
	for _, n := range c.order {
		for _, t := range n.graph.order {
			total++
			if len(t.dependencies) == 0 {
				edges = append(edges, toposort.Edge{nil, t.ID()})
				continue
			}
			for _, dep := range t.dependencies {
				if c.lookup(dep) == nil {
					return nil, notFoundf("task %s depends on unknown task %s", t.ID(), dep)
				}
				edges = append(edges, toposort.Edge{dep, t.ID()})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &Error{Kind: ErrCycle, Msg: "cluster graph", Err: err}
	}

	order := make([]TaskID, 0, total)
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(TaskID))
		}
	}
	if len(order) != total {
		return nil, &Error{Kind: ErrCycle, Msg: fmt.Sprintf("topological sort covered %d of %d tasks", len(order), total)}
	}
	return order, nil
}

// Reset returns every task to pending and every node to online, clears the
// failure latch and re-applies the configured subgraphs.
func (c *Cluster) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.order {
		for _, t := range n.graph.order {
			t.status = TaskPending
			t.sliced = false
		}
		n.status = NodeOnline
		n.current = nil
	}
	c.counter.Zero()
	c.failed = false
	c.reason = ""
	c.stallSeen = false
	c.active = nil

	if len(c.subgraphs) > 0 {
		// Names were resolved when the subgraphs were set and tasks are
		// never removed, so this cannot fail.
		if err := c.applySubgraphs(c.subgraphs); err != nil {
			c.log.WithError(err).Warn("re-applying subgraphs after reset")
		}
	}
	c.log.Info("cluster reset")
}

// The methods below expect the cluster lock to be held.

func (c *Cluster) lookup(id TaskID) *Task {
	n, ok := c.nodes[id.Node]
	if !ok {
		return nil
	}
	return n.graph.tasks[id.Name]
}

func (c *Cluster) resolve(name string) ([]*Task, error) {
	if id, ok := ParseTaskID(name); ok {
		if t := c.lookup(id); t != nil {
			return []*Task{t}, nil
		}
		return nil, notFoundf("task %q", name)
	}
	var out []*Task
	for _, n := range c.order {
		if t, ok := n.graph.tasks[name]; ok {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, notFoundf("task %q", name)
	}
	return out, nil
}

func (c *Cluster) tasks() []*Task {
	var out []*Task
	for _, n := range c.order {
		out = append(out, n.graph.order...)
	}
	return out
}

func (c *Cluster) finished() bool {
	for _, n := range c.order {
		if !n.finished() {
			return false
		}
	}
	return true
}

func (c *Cluster) stalled() bool {
	if c.finished() {
		return false
	}
	for _, n := range c.order {
		if n.status == NodeBusy {
			return false
		}
		if n.graph.runningTask() != nil {
			return false
		}
		if n.status == NodeOnline && n.graph.readyTask() != nil {
			return false
		}
	}
	return true
}

func (c *Cluster) hasCritical() bool {
	for _, n := range c.order {
		if n.critical {
			return true
		}
	}
	return false
}

// failure derives the current failure state without mutating anything.
func (c *Cluster) failure() (bool, string) {
	if c.failed {
		return true, c.reason
	}
	if !c.hasCritical() && c.stalled() {
		return true, "cluster stalled: " + c.describePending()
	}
	return false, ""
}

// evaluate latches critical-node failure and reports stall transitions.
func (c *Cluster) evaluate() {
	if c.failed {
		return
	}
	for _, n := range c.order {
		if n.critical && n.failed() {
			c.latch(fmt.Sprintf("critical node %q failed", n.uid))
			return
		}
	}

	stalled := !c.hasCritical() && c.stalled()
	if stalled && !c.stallSeen {
		reason := "cluster stalled: " + c.describePending()
		c.log.WithField("reason", reason).Warn("cluster stalled")
		c.announce(reason)
	}
	c.stallSeen = stalled
}

func (c *Cluster) latch(reason string) {
	c.failed = true
	c.reason = reason
	c.log.WithField("reason", reason).Error("cluster failed")
	c.announce(reason)
}

func (c *Cluster) announce(reason string) {
	if c.publisher != nil {
		c.publisher.Publish(events.TopicCluster, events.ClusterFailedEvent{
			Reason:    reason,
			Timestamp: time.Now(),
		})
	}
}

func (c *Cluster) describePending() string {
	var pending []string
	for _, n := range c.order {
		if n.status.Terminal() {
			continue
		}
		for _, t := range n.graph.order {
			if t.status == TaskPending {
				pending = append(pending, t.ID().String())
			}
		}
	}
	const limit = 5
	if len(pending) > limit {
		return fmt.Sprintf("%s and %d more pending", strings.Join(pending[:limit], ", "), len(pending)-limit)
	}
	return strings.Join(pending, ", ") + " pending"
}
