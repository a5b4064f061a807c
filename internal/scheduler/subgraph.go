package scheduler

import "github.com/sirupsen/logrus"

// SubgraphSpec selects the tasks on a path from any Start task to any End
// task. Names are bare task names or qualified "node/task" references. An
// empty End keeps everything reachable from Start; an empty Start means every
// root task.
type SubgraphSpec struct {
	Start []string `json:"start,omitempty" yaml:"start,omitempty"`
	End   []string `json:"end,omitempty" yaml:"end,omitempty"`
}

// SetSubgraphs resolves and applies a partial-run selection. Every name is
// resolved before anything changes, so an unknown name leaves the cluster
// untouched. An empty list restores the full graph.
func (c *Cluster) SetSubgraphs(specs []SubgraphSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.evaluate()

	if err := c.applySubgraphs(specs); err != nil {
		return err
	}
	c.subgraphs = append([]SubgraphSpec(nil), specs...)
	return nil
}

// Subgraphs returns the configured selection.
func (c *Cluster) Subgraphs() []SubgraphSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]SubgraphSpec(nil), c.subgraphs...)
}

// SetupStartEnd re-applies the configured selection. Tasks skipped by an
// earlier slicing are restored first, so repeated calls are idempotent.
func (c *Cluster) SetupStartEnd() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.evaluate()
	return c.applySubgraphs(c.subgraphs)
}

// ActiveSubgraph returns the selected tasks in cluster order, or nil when the
// full graph is active.
func (c *Cluster) ActiveSubgraph() []TaskID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return nil
	}
	out := make([]TaskID, 0, len(c.active))
	for _, t := range c.tasks() {
		if c.active[t.ID()] {
			out = append(out, t.ID())
		}
	}
	return out
}

// InSubgraph reports whether id belongs to the active subgraph. Always true
// when the full graph is active.
func (c *Cluster) InSubgraph(id TaskID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active == nil || c.active[id]
}

func (c *Cluster) applySubgraphs(specs []SubgraphSpec) error {
	type resolved struct{ start, end []*Task }
	sets := make([]resolved, 0, len(specs))
	for _, spec := range specs {
		var r resolved
		var err error
		if r.start, err = c.resolveAll(spec.Start); err != nil {
			return err
		}
		if r.end, err = c.resolveAll(spec.End); err != nil {
			return err
		}
		sets = append(sets, r)
	}

	c.restoreSliced()
	if len(sets) == 0 {
		c.active = nil
		return nil
	}

	active := make(map[TaskID]bool)
	for _, r := range sets {
		start := r.start
		if len(start) == 0 {
			start = c.roots()
		}
		forward := c.reach(start, func(t *Task) []TaskID { return t.dependents })
		if len(r.end) > 0 {
			backward := c.reach(r.end, func(t *Task) []TaskID { return t.dependencies })
			for id := range forward {
				if !backward[id] {
					delete(forward, id)
				}
			}
		}
		for id := range forward {
			active[id] = true
		}
	}
	c.active = active

	sliced := 0
	for _, t := range c.tasks() {
		if active[t.ID()] || t.status != TaskPending {
			continue
		}
		t.status = TaskSkipped
		t.sliced = true
		t.node.taskChanged(t, TaskPending, TaskSkipped)
		sliced++
	}
	c.log.WithFields(logrus.Fields{
		"active":  len(active),
		"skipped": sliced,
	}).Info("subgraph applied")
	return nil
}

func (c *Cluster) resolveAll(names []string) ([]*Task, error) {
	var out []*Task
	for _, name := range names {
		tasks, err := c.resolve(name)
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}

// restoreSliced puts tasks skipped by a previous slicing back to pending.
func (c *Cluster) restoreSliced() {
	for _, t := range c.tasks() {
		if !t.sliced {
			continue
		}
		t.sliced = false
		if t.status == TaskSkipped {
			t.status = TaskPending
			t.node.taskChanged(t, TaskSkipped, TaskPending)
		}
	}
}

func (c *Cluster) roots() []*Task {
	var out []*Task
	for _, t := range c.tasks() {
		if len(t.dependencies) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// reach returns the tasks reachable from the seeds, seeds included.
func (c *Cluster) reach(seeds []*Task, next func(*Task) []TaskID) map[TaskID]bool {
	seen := make(map[TaskID]bool, len(seeds))
	queue := make([]*Task, 0, len(seeds))
	for _, t := range seeds {
		if !seen[t.ID()] {
			seen[t.ID()] = true
			queue = append(queue, t)
		}
	}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		for _, id := range next(t) {
			if seen[id] {
				continue
			}
			if dep := c.lookup(id); dep != nil {
				seen[id] = true
				queue = append(queue, dep)
			}
		}
	}
	return seen
}
