package scheduler

// Graph holds the tasks owned by one node and answers readiness and
// completion queries over them. Iteration follows creation order.
type Graph struct {
	node  *Node
	tasks map[string]*Task
	order []*Task
}

func newGraph(node *Node) *Graph {
	return &Graph{
		node:  node,
		tasks: make(map[string]*Task),
	}
}

// Progress counts tasks per status.
type Progress struct {
	Total      int
	Pending    int
	Running    int
	Successful int
	Failed     int
	Skipped    int
	DepFailed  int
}

// Finished returns the number of tasks in a terminal status.
func (p Progress) Finished() int {
	return p.Successful + p.Failed + p.Skipped + p.DepFailed
}

func (p *Progress) add(s TaskStatus) {
	p.Total++
	switch s {
	case TaskPending:
		p.Pending++
	case TaskRunning:
		p.Running++
	case TaskSuccessful:
		p.Successful++
	case TaskFailed:
		p.Failed++
	case TaskSkipped:
		p.Skipped++
	case TaskDepFailed:
		p.DepFailed++
	}
}

func (p *Progress) merge(o Progress) {
	p.Total += o.Total
	p.Pending += o.Pending
	p.Running += o.Running
	p.Successful += o.Successful
	p.Failed += o.Failed
	p.Skipped += o.Skipped
	p.DepFailed += o.DepFailed
}

// Node returns the owning node.
func (g *Graph) Node() *Node { return g.node }

// CreateTask adds a new pending task. Names must be unique within the graph.
func (g *Graph) CreateTask(name string, data any) (*Task, error) {
	g.node.mu.Lock()
	defer g.node.mu.Unlock()
	return g.createTask(name, data)
}

func (g *Graph) createTask(name string, data any) (*Task, error) {
	if name == "" {
		return nil, invalidf("node %q: task name must not be empty", g.node.name)
	}
	if _, exists := g.tasks[name]; exists {
		return nil, invalidf("node %q: task %q already exists", g.node.name, name)
	}
	t := &Task{
		name:   name,
		node:   g.node,
		status: TaskPending,
		data:   data,
	}
	g.tasks[name] = t
	g.order = append(g.order, t)
	return t, nil
}

// Task returns the task with the given name.
func (g *Graph) Task(name string) (*Task, bool) {
	g.node.mu.RLock()
	defer g.node.mu.RUnlock()
	t, ok := g.tasks[name]
	return t, ok
}

// Tasks returns all tasks in creation order.
func (g *Graph) Tasks() []*Task {
	g.node.mu.RLock()
	defer g.node.mu.RUnlock()
	return append([]*Task(nil), g.order...)
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.node.mu.RLock()
	defer g.node.mu.RUnlock()
	return len(g.order)
}

// AddDependency registers to as depending on from. The edge is rejected with
// a cycle error, before anything is modified, if to already reaches from.
// Adding an existing edge is a no-op.
func (g *Graph) AddDependency(from, to *Task) error {
	g.node.mu.Lock()
	defer g.node.mu.Unlock()
	defer g.node.settle()
	return g.addDependency(from, to)
}

// ReadyTask returns the first pending task, in creation order, whose
// dependencies are all satisfied. Nil means blocked or finished.
func (g *Graph) ReadyTask() *Task {
	g.node.mu.RLock()
	defer g.node.mu.RUnlock()
	return g.readyTask()
}

// ReadyTasks returns every ready task in creation order.
func (g *Graph) ReadyTasks() []*Task {
	g.node.mu.RLock()
	defer g.node.mu.RUnlock()
	var ready []*Task
	for _, t := range g.order {
		if t.ready() {
			ready = append(ready, t)
		}
	}
	return ready
}

// Finished reports whether every task is terminal.
func (g *Graph) Finished() bool {
	g.node.mu.RLock()
	defer g.node.mu.RUnlock()
	return g.finished()
}

// Failed reports whether any task is failed or dep_failed.
func (g *Graph) Failed() bool {
	g.node.mu.RLock()
	defer g.node.mu.RUnlock()
	return g.failed()
}

// Successful reports whether every task is successful or skipped.
func (g *Graph) Successful() bool {
	g.node.mu.RLock()
	defer g.node.mu.RUnlock()
	return g.successful()
}

// Progress counts the graph's tasks per status.
func (g *Graph) Progress() Progress {
	g.node.mu.RLock()
	defer g.node.mu.RUnlock()
	return g.progress()
}

// The methods below expect the cluster lock to be held.

func (g *Graph) readyTask() *Task {
	for _, t := range g.order {
		if t.ready() {
			return t
		}
	}
	return nil
}

func (g *Graph) runningTask() *Task {
	for _, t := range g.order {
		if t.status == TaskRunning {
			return t
		}
	}
	return nil
}

func (g *Graph) finished() bool {
	for _, t := range g.order {
		if !t.status.Finished() {
			return false
		}
	}
	return true
}

func (g *Graph) failed() bool {
	for _, t := range g.order {
		if t.status.Failure() {
			return true
		}
	}
	return false
}

func (g *Graph) successful() bool {
	for _, t := range g.order {
		if t.status != TaskSuccessful && t.status != TaskSkipped {
			return false
		}
	}
	return true
}

func (g *Graph) progress() Progress {
	var p Progress
	for _, t := range g.order {
		p.add(t.status)
	}
	return p
}

func (g *Graph) addDependency(from, to *Task) error {
	if to != nil && to.node != g.node {
		return invalidf("task %s does not belong to node %q", to.ID(), g.node.name)
	}
	added, err := link(from, to)
	if err != nil {
		return err
	}
	if added && from.blocksDependents() {
		from.propagateFailure()
	}
	return nil
}

// link records the edge without propagating status. It reports false for an
// edge that already existed.
func link(from, to *Task) (bool, error) {
	if from == nil || to == nil {
		return false, invalidf("dependency endpoints must not be nil")
	}
	if from.node != to.node && (from.node.cluster == nil || from.node.cluster != to.node.cluster) {
		return false, invalidf("tasks %s and %s are not in the same cluster", from.ID(), to.ID())
	}
	if from == to {
		return false, cycleError([]TaskID{to.ID(), to.ID()})
	}
	if hasTaskID(to.dependencies, from.ID()) {
		return false, nil
	}
	if path := pathBetween(to, from); path != nil {
		return false, cycleError(append([]TaskID{from.ID()}, path...))
	}

	to.dependencies = append(to.dependencies, from.ID())
	from.dependents = append(from.dependents, to.ID())
	return true, nil
}

func unlink(from, to *Task) {
	to.dependencies = removeTaskID(to.dependencies, from.ID())
	from.dependents = removeTaskID(from.dependents, to.ID())
}

// pathBetween returns the dependents path from src to dst (inclusive), or
// nil when dst is unreachable from src.
func pathBetween(src, dst *Task) []TaskID {
	parent := map[TaskID]TaskID{}
	seen := map[TaskID]bool{src.ID(): true}
	queue := []*Task{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == dst {
			var path []TaskID
			for id := dst.ID(); ; id = parent[id] {
				path = append([]TaskID{id}, path...)
				if id == src.ID() {
					return path
				}
			}
		}
		for _, id := range cur.dependents {
			if seen[id] {
				continue
			}
			next := cur.node.resolve(id)
			if next == nil {
				continue
			}
			seen[id] = true
			parent[id] = cur.ID()
			queue = append(queue, next)
		}
	}
	return nil
}
