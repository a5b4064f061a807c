package executor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/deploygraph/internal/events"
	"github.com/aristath/deploygraph/internal/scheduler"
)

// Command is the task payload the Shell executor understands.
type Command struct {
	Run     string
	Dir     string
	Env     map[string]string
	Locks   []string
	Timeout time.Duration
}

// ShellConfig configures a Shell executor. Every field is optional.
type ShellConfig struct {
	Shell     string // defaults to /bin/sh
	Processes *ProcessManager
	Locks     *ResourceLockManager
	Publisher events.Publisher
	Logger    logrus.FieldLogger
}

// Shell runs a task's Command through the shell as a tracked process. Output
// lines are published as task output events.
type Shell struct {
	cfg ShellConfig
	tr  *tracker
	wg  sync.WaitGroup
}

var (
	_ Executor  = (*Shell)(nil)
	_ Explainer = (*Shell)(nil)
)

// NewShell creates a shell executor.
func NewShell(cfg ShellConfig) *Shell {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Processes == nil {
		cfg.Processes = NewProcessManager()
	}
	if cfg.Locks == nil {
		cfg.Locks = NewResourceLockManager()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Shell{cfg: cfg, tr: newTracker()}
}

// Processes returns the process manager tracking running commands.
func (s *Shell) Processes() *ProcessManager { return s.cfg.Processes }

func commandOf(task *scheduler.Task) (Command, error) {
	switch c := task.Data().(type) {
	case Command:
		return c, nil
	case *Command:
		if c != nil {
			return *c, nil
		}
	}
	return Command{}, &scheduler.Error{
		Kind: scheduler.ErrInvalidArgument,
		Msg:  fmt.Sprintf("task %s has no shell command", task.ID()),
	}
}

func (s *Shell) Run(ctx context.Context, task *scheduler.Task) error {
	command, err := commandOf(task)
	if err != nil {
		return err
	}
	id := task.ID()

	var cancel context.CancelFunc
	if command.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	if err := s.tr.begin(id, cancel); err != nil {
		cancel()
		return err
	}

	log := s.cfg.Logger.WithField("task", id.String())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.cfg.Locks.LockAll(command.Locks)
		defer s.cfg.Locks.UnlockAll(command.Locks)

		if err := ctx.Err(); err != nil {
			s.tr.finish(id, fmt.Errorf("cancelled before start: %w", err))
			return
		}

		cmd := newCommand(ctx, s.cfg.Shell, "-c", command.Run)
		cmd.Dir = command.Dir
		cmd.Env = environ(command.Env)

		log.WithField("command", command.Run).Debug("starting command")
		err := streamCommand(cmd, s.cfg.Processes, func(stream, line string) {
			if s.cfg.Publisher != nil {
				s.cfg.Publisher.Publish(events.TopicTask, events.TaskOutputEvent{
					ID:        id.String(),
					Line:      line,
					Timestamp: time.Now(),
				})
			}
			log.WithField("stream", stream).Trace(line)
		})
		if err != nil {
			log.WithError(err).Debug("command failed")
		}
		s.tr.finish(id, err)
	}()
	return nil
}

func (s *Shell) Poll(_ context.Context, task *scheduler.Task) (scheduler.TaskStatus, error) {
	return s.tr.status(task.ID())
}

// Explain returns the command error of a failed task.
func (s *Shell) Explain(id scheduler.TaskID) error {
	return s.tr.explain(id)
}

// Stop cancels running commands and waits for them to exit.
func (s *Shell) Stop() {
	s.tr.cancelAll()
	s.wg.Wait()
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
