package deployment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/deploygraph/internal/events"
	"github.com/aristath/deploygraph/internal/executor"
	"github.com/aristath/deploygraph/internal/scheduler"
)

// Options carries what a description does not: runtime collaborators and
// overrides from configuration or flags.
type Options struct {
	Logger    logrus.FieldLogger
	Publisher events.Publisher

	// MaxConcurrency and SkipPolicy, when set, win over the description.
	MaxConcurrency int
	SkipPolicy     string
}

// Build creates a cluster from the description. Task payloads are
// executor.Command values. The result is validated as a whole; any error
// leaves nothing behind.
func Build(d *Deployment, opts Options) (*scheduler.Cluster, error) {
	if d == nil {
		return nil, errors.New("nil deployment")
	}

	policyName := d.SkipPolicy
	if opts.SkipPolicy != "" {
		policyName = opts.SkipPolicy
	}
	policy, err := scheduler.ParseSkipPolicy(policyName)
	if err != nil {
		return nil, err
	}
	maxConcurrency := d.MaxConcurrency
	if opts.MaxConcurrency > 0 {
		maxConcurrency = opts.MaxConcurrency
	}

	c := scheduler.NewCluster(scheduler.Config{
		Name:           d.Name,
		MaxConcurrency: maxConcurrency,
		SkipPolicy:     policy,
		Logger:         opts.Logger,
		Publisher:      opts.Publisher,
	})

	nodes := make([]*scheduler.Node, len(d.Nodes))
	for i, spec := range d.Nodes {
		n, err := c.CreateNode(spec.Name, spec.UID)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", spec.Name, err)
		}
		n.SetCritical(spec.Critical)
		n.SetSyncPoint(spec.SyncPoint)

		for _, ts := range spec.Tasks {
			cmd, err := command(ts)
			if err != nil {
				return nil, fmt.Errorf("task %s/%s: %w", n.UID(), ts.Name, err)
			}
			if _, err := n.CreateTask(ts.Name, cmd); err != nil {
				return nil, fmt.Errorf("task %s/%s: %w", n.UID(), ts.Name, err)
			}
		}
		nodes[i] = n
	}

	for i, spec := range d.Nodes {
		n := nodes[i]
		for _, ts := range spec.Tasks {
			task, _ := n.Task(ts.Name)
			for _, ref := range ts.DependsOn {
				dep, err := lookup(c, n, ref)
				if err != nil {
					return nil, fmt.Errorf("task %s: %w", task.ID(), err)
				}
				if err := task.Depends(dep); err != nil {
					return nil, fmt.Errorf("task %s: %w", task.ID(), err)
				}
			}

			if len(ts.Before) == 0 && len(ts.After) == 0 {
				continue
			}
			before, err := lookupAll(c, n, ts.Before)
			if err != nil {
				return nil, fmt.Errorf("barrier %s: %w", task.ID(), err)
			}
			after, err := lookupAll(c, n, ts.After)
			if err != nil {
				return nil, fmt.Errorf("barrier %s: %w", task.ID(), err)
			}
			if err := c.WireBarrier(task, before, after); err != nil {
				return nil, err
			}
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	// Offline nodes are applied last so wiring sees the whole graph.
	for i, spec := range d.Nodes {
		if spec.Offline {
			if err := nodes[i].SetStatus(scheduler.NodeOffline); err != nil {
				return nil, fmt.Errorf("node %q: %w", spec.Name, err)
			}
		}
	}

	if len(d.Subgraphs) > 0 {
		if err := c.SetSubgraphs(d.Subgraphs); err != nil {
			return nil, fmt.Errorf("subgraphs: %w", err)
		}
	}
	return c, nil
}

func command(ts Task) (executor.Command, error) {
	cmd := executor.Command{
		Run:   ts.Run,
		Dir:   ts.Dir,
		Env:   ts.Env,
		Locks: ts.Locks,
	}
	if ts.Timeout != "" {
		timeout, err := time.ParseDuration(ts.Timeout)
		if err != nil {
			return cmd, fmt.Errorf("invalid timeout: %w", err)
		}
		if timeout < 0 {
			return cmd, fmt.Errorf("negative timeout %s", ts.Timeout)
		}
		cmd.Timeout = timeout
	}
	return cmd, nil
}

// lookup resolves a dependency reference relative to node n.
func lookup(c *scheduler.Cluster, n *scheduler.Node, ref string) (*scheduler.Task, error) {
	id := scheduler.TaskID{Node: n.UID(), Name: ref}
	if strings.Contains(ref, "/") {
		parsed, ok := scheduler.ParseTaskID(ref)
		if !ok {
			return nil, &scheduler.Error{Kind: scheduler.ErrInvalidArgument, Msg: fmt.Sprintf("bad task reference %q", ref)}
		}
		id = parsed
	}
	task, ok := c.Lookup(id)
	if !ok {
		return nil, &scheduler.Error{Kind: scheduler.ErrNotFound, Msg: fmt.Sprintf("unknown task %q", id)}
	}
	return task, nil
}

func lookupAll(c *scheduler.Cluster, n *scheduler.Node, refs []string) ([]*scheduler.Task, error) {
	out := make([]*scheduler.Task, 0, len(refs))
	for _, ref := range refs {
		task, err := lookup(c, n, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}
