package scheduler

import "strings"

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending    TaskStatus = iota // Waiting for dependencies or admission
	TaskRunning                      // Dispatched to its node
	TaskSuccessful                   // Finished successfully
	TaskFailed                       // Finished with error
	TaskSkipped                      // Intentionally not run
	TaskDepFailed                    // Unrunnable because a dependency failed
)

var taskStatusNames = [...]string{
	TaskPending:    "pending",
	TaskRunning:    "running",
	TaskSuccessful: "successful",
	TaskFailed:     "failed",
	TaskSkipped:    "skipped",
	TaskDepFailed:  "dep_failed",
}

func (s TaskStatus) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return taskStatusNames[s]
}

// Valid reports whether s is one of the declared task statuses.
func (s TaskStatus) Valid() bool {
	return s >= TaskPending && s <= TaskDepFailed
}

// Finished reports whether the status is terminal.
func (s TaskStatus) Finished() bool {
	switch s {
	case TaskSuccessful, TaskFailed, TaskSkipped, TaskDepFailed:
		return true
	}
	return false
}

// Failure reports whether the status counts as a failure for aggregation.
func (s TaskStatus) Failure() bool {
	return s == TaskFailed || s == TaskDepFailed
}

// ParseTaskStatus converts the textual form back to a TaskStatus.
func ParseTaskStatus(v string) (TaskStatus, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range taskStatusNames {
		if name == v {
			return TaskStatus(i), nil
		}
	}
	return TaskPending, invalidf("unknown task status %q", v)
}

// validTaskTransition is the task state machine. Transitions back to
// pending are only performed internally by Reset and slicing.
func validTaskTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskSuccessful || to == TaskFailed ||
			to == TaskSkipped || to == TaskDepFailed
	case TaskRunning:
		return to == TaskSuccessful || to == TaskFailed || to == TaskSkipped
	default:
		return false
	}
}

// NodeStatus represents the current state of a node.
type NodeStatus int

const (
	NodeOnline     NodeStatus = iota // Idle and able to accept work
	NodeBusy                         // Running a task, holds a concurrency slot
	NodeOffline                      // Not accepting work
	NodeFailed                       // Forced or observed failure
	NodeSuccessful                   // Forced success
	NodeSkipped                      // Excluded from the run
)

var nodeStatusNames = [...]string{
	NodeOnline:     "online",
	NodeBusy:       "busy",
	NodeOffline:    "offline",
	NodeFailed:     "failed",
	NodeSuccessful: "successful",
	NodeSkipped:    "skipped",
}

func (s NodeStatus) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return nodeStatusNames[s]
}

// Valid reports whether s is one of the declared node statuses.
func (s NodeStatus) Valid() bool {
	return s >= NodeOnline && s <= NodeSkipped
}

// Terminal reports whether the status is an explicit final outcome that
// overrides the node's task aggregation.
func (s NodeStatus) Terminal() bool {
	return s == NodeFailed || s == NodeSuccessful || s == NodeSkipped
}

// ParseNodeStatus converts the textual form back to a NodeStatus.
func ParseNodeStatus(v string) (NodeStatus, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range nodeStatusNames {
		if name == v {
			return NodeStatus(i), nil
		}
	}
	return NodeOnline, invalidf("unknown node status %q", v)
}

// validNodeTransition is the node state machine. Terminal statuses may only
// go back online (driver reset); busy is never entered from a terminal state.
func validNodeTransition(from, to NodeStatus) bool {
	switch from {
	case NodeOnline, NodeBusy, NodeOffline:
		return true
	default:
		return to == NodeOnline
	}
}

// concurrencyDelta is the change a node transition implies for the shared
// concurrency counter.
func concurrencyDelta(from, to NodeStatus) int {
	switch {
	case from != NodeBusy && to == NodeBusy:
		return 1
	case from == NodeBusy && to != NodeBusy:
		return -1
	}
	return 0
}

// SkipPolicy decides whether a dependency skipped during a normal run
// satisfies its dependents. Tasks skipped by subgraph slicing always do.
type SkipPolicy int

const (
	SkipSatisfies SkipPolicy = iota // Treat as success for dependency purposes
	SkipBlocks                      // Propagate dep_failed to dependents
)

func (p SkipPolicy) String() string {
	if p == SkipBlocks {
		return "blocks"
	}
	return "satisfies"
}

// ParseSkipPolicy accepts "satisfies" and "blocks"; empty means satisfies.
func ParseSkipPolicy(v string) (SkipPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "satisfies":
		return SkipSatisfies, nil
	case "blocks":
		return SkipBlocks, nil
	}
	return SkipSatisfies, invalidf("unknown skip policy %q", v)
}
