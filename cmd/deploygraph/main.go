package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/aristath/deploygraph/internal/config"
	"github.com/aristath/deploygraph/internal/deployment"
	"github.com/aristath/deploygraph/internal/events"
	"github.com/aristath/deploygraph/internal/executor"
	"github.com/aristath/deploygraph/internal/logging"
	"github.com/aristath/deploygraph/internal/orchestrator"
	"github.com/aristath/deploygraph/internal/persistence"
	"github.com/aristath/deploygraph/internal/scheduler"
	"github.com/aristath/deploygraph/internal/tui"
)

// options holds the parsed command line.
type options struct {
	deployment     string
	tui            bool
	dryRun         bool
	journal        string
	noJournal      bool
	resume         bool
	start          []string
	end            []string
	plan           bool
	maxConcurrency int
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	var start, end string

	fs := flag.NewFlagSet("deploygraph", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.deployment, "deployment", "", "deployment description (.yaml, .yml or .json)")
	fs.BoolVar(&opts.tui, "tui", false, "show the interactive dashboard")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "log tasks instead of running their commands")
	fs.StringVar(&opts.journal, "journal", "", "journal database path (overrides config)")
	fs.BoolVar(&opts.noJournal, "no-journal", false, "do not record the run")
	fs.BoolVar(&opts.resume, "resume", false, "resume the latest journaled run of this deployment")
	fs.StringVar(&start, "start", "", "comma-separated tasks the run starts from")
	fs.StringVar(&end, "end", "", "comma-separated tasks the run ends at")
	fs.BoolVar(&opts.plan, "plan", false, "print the execution order and exit")
	fs.IntVar(&opts.maxConcurrency, "max-concurrency", -1, "busy-node limit, 0 for unlimited (overrides config)")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.deployment == "" && fs.NArg() == 1 {
		opts.deployment = fs.Arg(0)
	}
	if opts.deployment == "" {
		return opts, errors.New("-deployment is required")
	}
	if opts.resume && opts.noJournal {
		return opts, errors.New("-resume needs the journal")
	}
	opts.start = splitList(start)
	opts.end = splitList(end)
	return opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	if opts.maxConcurrency >= 0 {
		cfg.Runner.MaxConcurrency = opts.maxConcurrency
	}

	logOut := stderr
	if opts.tui {
		// The dashboard owns the terminal; logs go to a file next to the journal.
		f, err := openLogFile()
		if err != nil {
			fmt.Fprintf(stderr, "Error opening log file: %v\n", err)
			return 1
		}
		defer f.Close()
		logOut = f
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, logOut)
	if err != nil {
		fmt.Fprintf(stderr, "Error configuring logging: %v\n", err)
		return 1
	}

	app, err := setup(ctx, cfg, opts, log)
	if err != nil {
		log.WithError(err).Error("setup failed")
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer app.close()

	if opts.plan {
		if err := printPlan(stdout, app.cluster); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	var report orchestrator.Report
	if opts.tui {
		report, err = app.runWithTUI(ctx, cfg)
	} else {
		report, err = app.runner.Run(ctx)
	}
	app.shutdown()

	printReport(stdout, report, err)
	if err != nil || !report.Successful {
		return 1
	}
	return 0
}

func openLogFile() (*os.File, error) {
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(config.Dir, "deploygraph.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// app is the wired set of collaborators for one invocation.
type app struct {
	log     *logrus.Logger
	bus     *events.EventBus
	cluster *scheduler.Cluster
	exec    executor.Executor
	store   *persistence.SQLiteStore
	runner  *orchestrator.Runner
}

func setup(ctx context.Context, cfg *config.Config, opts options, log *logrus.Logger) (*app, error) {
	d, err := deployment.Load(opts.deployment)
	if err != nil {
		return nil, err
	}

	a := &app{log: log, bus: events.NewEventBus()}
	cluster, err := deployment.Build(d, deployment.Options{
		Logger:         log,
		Publisher:      a.bus,
		MaxConcurrency: cfg.Runner.MaxConcurrency,
		SkipPolicy:     cfg.Runner.SkipPolicy,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.cluster = cluster

	var runID string
	if cfg.Journal.Enabled && !opts.noJournal && !opts.plan {
		path := cfg.JournalPath()
		if opts.journal != "" {
			path = opts.journal
		}
		if a.store, err = persistence.NewSQLiteStore(ctx, path); err != nil {
			a.close()
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		if opts.resume {
			if runID, err = a.resume(ctx); err != nil {
				a.close()
				return nil, err
			}
		}
	} else if opts.resume {
		a.close()
		return nil, errors.New("-resume needs the journal enabled")
	}

	// Explicit slicing wins over both the description and a resumed snapshot.
	if len(opts.start) > 0 || len(opts.end) > 0 {
		if err := cluster.SetSubgraphs([]scheduler.SubgraphSpec{{Start: opts.start, End: opts.end}}); err != nil {
			a.close()
			return nil, err
		}
	}

	if opts.dryRun {
		a.exec = executor.DryRun(log)
	} else {
		a.exec = executor.NewShell(executor.ShellConfig{Publisher: a.bus, Logger: log})
	}

	rc := orchestrator.Config{
		PollInterval:  cfg.Runner.PollInterval.Std(),
		DispatchLimit: cfg.Runner.DispatchLimit,
		Retry: orchestrator.RetryConfig{
			InitialInterval:     cfg.Retry.InitialInterval.Std(),
			MaxInterval:         cfg.Retry.MaxInterval.Std(),
			MaxElapsedTime:      cfg.Retry.MaxElapsedTime.Std(),
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.RandomizationFactor,
		},
		Breaker: orchestrator.BreakerConfig{
			MaxRequests:         cfg.Breaker.MaxRequests,
			Timeout:             cfg.Breaker.Timeout.Std(),
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		},
		Publisher: a.bus,
		Logger:    log,
		RunID:     runID,
	}
	if a.store != nil {
		rc.Journal = a.store
	}
	a.runner = orchestrator.NewRunner(rc, cluster, a.exec)
	return a, nil
}

// resume restores the cluster from the latest journaled run. Work that did
// not succeed runs again.
func (a *app) resume(ctx context.Context) (string, error) {
	last, err := a.store.LatestRun(ctx, a.cluster.Name())
	if errors.Is(err, persistence.ErrRunNotFound) {
		return "", fmt.Errorf("no journaled run of %q to resume", a.cluster.Name())
	}
	if err != nil {
		return "", err
	}
	snap, err := a.store.LoadSnapshot(ctx, last.ID)
	if err != nil {
		return "", err
	}
	if err := a.cluster.Restore(snap.Resumable()); err != nil {
		return "", fmt.Errorf("restoring run %s: %w", last.ID, err)
	}
	a.log.WithFields(logrus.Fields{"run": last.ID, "status": last.Status}).Info("resuming run")
	return last.ID, nil
}

// shutdown stops in-flight work and kills any process left behind.
func (a *app) shutdown() {
	if s, ok := a.exec.(interface{ Stop() }); ok {
		s.Stop()
	}
	if sh, ok := a.exec.(*executor.Shell); ok {
		if err := sh.Processes().KillAll(); err != nil {
			a.log.WithError(err).Warn("killing subprocesses")
		}
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("closing journal")
		}
	}
	a.bus.Close()
}

// runWithTUI drives the runner in the background while the dashboard owns
// the terminal. Quitting the dashboard cancels the run.
func (a *app) runWithTUI(ctx context.Context, cfg *config.Config) (orchestrator.Report, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return orchestrator.Report{}, err
	}

	var uids []string
	for _, n := range a.cluster.Nodes() {
		uids = append(uids, n.UID())
	}
	model := tui.New(a.bus, cfg, globalPath, config.ProjectPath(), uids...)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		report orchestrator.Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := a.runner.Run(runCtx)
		p.Send(tui.RunFinishedMsg{Successful: report.Successful, Reason: report.Reason, Err: err})
		done <- outcome{report, err}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		a.log.WithError(err).Warn("dashboard exited with error")
	}
	cancel()

	select {
	case out := <-done:
		return out.report, out.err
	case <-time.After(10 * time.Second):
		a.log.Warn("shutdown timeout exceeded, forcing exit")
		return orchestrator.Report{}, errors.New("run did not stop in time")
	}
}

// printPlan writes the execution order, marking tasks the active subgraph
// leaves out.
func printPlan(w io.Writer, c *scheduler.Cluster) error {
	order, err := c.Order()
	if err != nil {
		return err
	}
	_, maximum := c.Concurrency()
	fmt.Fprintf(w, "cluster %s: %d tasks, max concurrency %s\n", c.Name(), len(order), limit(maximum))
	for i, id := range order {
		task, _ := c.Lookup(id)
		mark := " "
		if task.Sliced() {
			mark = "-"
		}
		node := task.Node()
		var tags []string
		if node.Critical() {
			tags = append(tags, "critical")
		}
		if node.SyncPoint() {
			tags = append(tags, "sync")
		}
		line := fmt.Sprintf("%3d %s %s", i+1, mark, id)
		if deps := task.Dependencies(); len(deps) > 0 {
			line += "  after " + joinIDs(deps)
		}
		if len(tags) > 0 {
			line += "  [" + strings.Join(tags, ",") + "]"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func limit(n int) string {
	if n == 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}

func joinIDs(ids []scheduler.TaskID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}

func printReport(w io.Writer, r orchestrator.Report, err error) {
	p := r.Progress
	fmt.Fprintf(w, "%d/%d tasks successful, %d failed, %d dependency-failed, %d skipped\n",
		p.Successful, p.Total, p.Failed, p.DepFailed, p.Skipped)
	for _, res := range r.Results {
		if res.Error != nil {
			fmt.Fprintf(w, "  %s %s after %d attempt(s): %v\n", res.Task, res.Status, res.Attempts, res.Error)
		}
	}
	switch {
	case err != nil:
		fmt.Fprintf(w, "run aborted: %v\n", err)
	case r.Successful:
		fmt.Fprintln(w, "run successful")
	default:
		fmt.Fprintf(w, "run failed: %s\n", r.Reason)
	}
	if r.RunID != "" {
		fmt.Fprintf(w, "journal run %s\n", r.RunID)
	}
}
