package scheduler

import "time"

// Snapshot is a serializable copy of cluster state. It carries statuses
// only; structure is rebuilt from the deployment description.
type Snapshot struct {
	Cluster   string         `json:"cluster"`
	TakenAt   time.Time      `json:"taken_at"`
	Failed    bool           `json:"failed,omitempty"` // latched critical-node failure
	Reason    string         `json:"reason,omitempty"`
	Subgraphs []SubgraphSpec `json:"subgraphs,omitempty"`
	Nodes     []NodeSnapshot `json:"nodes"`
}

// NodeSnapshot is the state of one node.
type NodeSnapshot struct {
	UID       string         `json:"uid"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Critical  bool           `json:"critical,omitempty"`
	SyncPoint bool           `json:"sync_point,omitempty"`
	Tasks     []TaskSnapshot `json:"tasks"`
}

// TaskSnapshot is the state of one task.
type TaskSnapshot struct {
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	Sliced       bool     `json:"sliced,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Snapshot captures the current state.
func (c *Cluster) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Cluster:   c.name,
		TakenAt:   time.Now().UTC(),
		Failed:    c.failed,
		Reason:    c.reason,
		Subgraphs: append([]SubgraphSpec(nil), c.subgraphs...),
		Nodes:     make([]NodeSnapshot, 0, len(c.order)),
	}
	for _, n := range c.order {
		ns := NodeSnapshot{
			UID:       n.uid,
			Name:      n.name,
			Status:    n.status.String(),
			Critical:  n.critical,
			SyncPoint: n.syncPoint,
			Tasks:     make([]TaskSnapshot, 0, len(n.graph.order)),
		}
		for _, t := range n.graph.order {
			ts := TaskSnapshot{Name: t.name, Status: t.status.String(), Sliced: t.sliced}
			for _, dep := range t.dependencies {
				ts.Dependencies = append(ts.Dependencies, dep.String())
			}
			ns.Tasks = append(ns.Tasks, ts)
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	return snap
}

// Resumable returns a copy suitable for continuing an interrupted run:
// interrupted and failed work goes back to pending and nodes come back
// online, while successful and skipped tasks keep their outcome.
func (s Snapshot) Resumable() Snapshot {
	out := s
	out.Failed = false
	out.Reason = ""
	out.Nodes = make([]NodeSnapshot, len(s.Nodes))
	for i, n := range s.Nodes {
		n.Tasks = append([]TaskSnapshot(nil), n.Tasks...)
		switch n.Status {
		case NodeSuccessful.String(), NodeSkipped.String():
		default:
			n.Status = NodeOnline.String()
		}
		for j, t := range n.Tasks {
			switch t.Status {
			case TaskSuccessful.String(), TaskSkipped.String():
			default:
				n.Tasks[j].Status = TaskPending.String()
			}
		}
		out.Nodes[i] = n
	}
	return out
}

// Restore applies the statuses of a snapshot taken from a cluster with the
// same nodes and tasks. Every entry is validated before anything changes.
// Busy nodes come back online and running tasks come back pending, since no
// work survives a restart.
func (c *Cluster) Restore(s Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	type taskState struct {
		task   *Task
		status TaskStatus
		sliced bool
	}
	type nodeState struct {
		node   *Node
		status NodeStatus
	}
	var nodes []nodeState
	var tasks []taskState

	for _, ns := range s.Nodes {
		n, ok := c.nodes[ns.UID]
		if !ok {
			return notFoundf("node %q", ns.UID)
		}
		status, err := ParseNodeStatus(ns.Status)
		if err != nil {
			return err
		}
		if status == NodeBusy {
			status = NodeOnline
		}
		nodes = append(nodes, nodeState{n, status})

		for _, ts := range ns.Tasks {
			t, ok := n.graph.tasks[ts.Name]
			if !ok {
				return notFoundf("task %s/%s", ns.UID, ts.Name)
			}
			status, err := ParseTaskStatus(ts.Status)
			if err != nil {
				return err
			}
			if status == TaskRunning {
				status = TaskPending
			}
			tasks = append(tasks, taskState{t, status, ts.Sliced && status == TaskSkipped})
		}
	}

	for _, spec := range s.Subgraphs {
		if _, err := c.resolveAll(append(append([]string(nil), spec.Start...), spec.End...)); err != nil {
			return err
		}
	}

	for _, ns := range nodes {
		if ns.node.status == NodeBusy {
			c.counter.Decrement()
		}
		ns.node.status = ns.status
		ns.node.current = nil
	}
	for _, ts := range tasks {
		ts.task.status = ts.status
		ts.task.sliced = ts.sliced
	}
	c.subgraphs = append([]SubgraphSpec(nil), s.Subgraphs...)
	c.active = nil
	if len(c.subgraphs) > 0 {
		_ = c.applySubgraphs(c.subgraphs)
	}

	c.failed = false
	c.reason = ""
	c.stallSeen = false
	if s.Failed {
		c.failed = true
		c.reason = s.Reason
	}
	c.evaluate()
	c.log.WithField("taken_at", s.TakenAt).Info("cluster restored from snapshot")
	return nil
}
