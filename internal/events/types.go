package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Publisher is the publishing half of the bus. The scheduler core depends on
// this interface only.
type Publisher interface {
	Publish(topic string, event Event)
}

// Topic constants
const (
	TopicTask    = "task"
	TopicNode    = "node"
	TopicCluster = "cluster"
)

// Event type constants
const (
	EventTypeTaskStatus      = "task.status"
	EventTypeTaskOutput      = "task.output"
	EventTypeNodeStatus      = "node.status"
	EventTypeClusterProgress = "cluster.progress"
	EventTypeClusterFailed   = "cluster.failed"
)

// TaskStatusEvent is published on every task status transition.
// ID is the qualified "node/task" address.
type TaskStatusEvent struct {
	ID        string
	Node      string
	Name      string
	From      string
	To        string
	Timestamp time.Time
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) TaskID() string    { return e.ID }

// TaskOutputEvent is published when a running task produces output.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// NodeStatusEvent is published on every node status transition.
type NodeStatusEvent struct {
	Node      string
	From      string
	To        string
	Task      string // current task, empty when idle
	Timestamp time.Time
}

func (e NodeStatusEvent) EventType() string { return EventTypeNodeStatus }
func (e NodeStatusEvent) TaskID() string    { return e.Task }

// ClusterProgressEvent is published by the driver after each polling tick.
type ClusterProgressEvent struct {
	Total       int
	Successful  int
	Running     int
	Failed      int
	Skipped     int
	Pending     int
	Concurrency int
	Maximum     int
	Timestamp   time.Time
}

func (e ClusterProgressEvent) EventType() string { return EventTypeClusterProgress }
func (e ClusterProgressEvent) TaskID() string    { return "" }

// Completed returns the number of tasks in a terminal status.
func (e ClusterProgressEvent) Completed() int {
	return e.Successful + e.Failed + e.Skipped
}

// ClusterFailedEvent is published once when the cluster failure latches.
type ClusterFailedEvent struct {
	Reason    string
	Timestamp time.Time
}

func (e ClusterFailedEvent) EventType() string { return EventTypeClusterFailed }
func (e ClusterFailedEvent) TaskID() string    { return "" }
