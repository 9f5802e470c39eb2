// Package ipalab is the programmatic entry point for running experiment
// suites against named result ledgers and reading them back.
package ipalab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ipalab/internal/config"
	"ipalab/internal/ledger"
	"ipalab/internal/logging"
	"ipalab/internal/model"
	"ipalab/internal/stats"
	"ipalab/internal/storage"
)

const defaultRunsDir = "results"

var ErrNameRequired = errors.New("run name is required")

type Options struct {
	RunsDir string
	Backend string
	// Resolve proposes alternate names when a new run collides with an
	// existing directory. Nil means ledger.AutoSuffix.
	Resolve ledger.Resolver
	Logger  *logging.Logger
}

type Client struct {
	runner *ledger.Runner
	logger *logging.Logger
}

type RunRequest struct {
	Name             string
	Description      string
	PrependTimestamp bool
	// Continue appends to the existing run Name instead of creating one.
	Continue bool
	Jobs     []ledger.Job
}

type RunSummary struct {
	Name         string
	Directory    string
	Session      string
	RowsAppended int
	Completed    map[string]int
}

type RunItem struct {
	Name          string
	CreatedAtUTC  string
	Backend       string
	ProgressFlag  string
	Sessions      int
	Interruptions int
}

type ShowSummary struct {
	Manifest    ledger.Manifest
	Description string
	Rows        []model.ResultRow
}

type ExportRequest struct {
	Name string
	Out  string
}

type ExportSummary struct {
	Name string
	Path string
	Rows int
}

type MigrateRequest struct {
	In          string
	Name        string
	Description string
}

func New(opts Options) *Client {
	if opts.RunsDir == "" {
		opts.RunsDir = defaultRunsDir
	}
	if opts.Backend == "" {
		opts.Backend = storage.BackendCSV
	}
	logger := logging.Or(opts.Logger)
	return &Client{
		runner: &ledger.Runner{Root: opts.RunsDir, Backend: opts.Backend, Resolve: opts.Resolve, Logger: logger},
		logger: logger,
	}
}

// FromSuite builds a client and the suite's experiments. The returned func
// releases the shared test observation cache.
func FromSuite(s *config.Suite, resolve ledger.Resolver, logger *logging.Logger) (*Client, RunRequest, func() error, error) {
	b, err := config.NewBuilder(s, logger)
	if err != nil {
		return nil, RunRequest{}, nil, err
	}
	exps, err := b.Experiments()
	if err != nil {
		_ = b.Close()
		return nil, RunRequest{}, nil, err
	}
	jobs := make([]ledger.Job, len(exps))
	for i, e := range exps {
		jobs[i] = e
	}
	client := New(Options{RunsDir: s.RunsDir, Backend: s.Backend, Resolve: resolve, Logger: logger})
	req := RunRequest{
		Name:             s.Name,
		Description:      s.Description,
		PrependTimestamp: s.PrependTimestamp,
		Jobs:             jobs,
	}
	return client, req, b.Close, nil
}

// Run executes the missing repetitions of every job.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.Name == "" {
		return RunSummary{}, ErrNameRequired
	}
	var (
		run *ledger.Run
		err error
	)
	if req.Continue {
		run, err = c.runner.Continue(ctx, req.Name)
	} else {
		run, err = c.runner.Start(ctx, req.Name, req.Description, req.PrependTimestamp)
	}
	if err != nil {
		return RunSummary{}, err
	}
	defer func() {
		_ = run.Close()
	}()

	execErr := run.Execute(ctx, req.Jobs)
	summary := RunSummary{Name: run.Name, Directory: run.Dir}
	if sessions := run.Manifest().Sessions; len(sessions) > 0 {
		last := sessions[len(sessions)-1]
		summary.Session, summary.RowsAppended = last.ID, last.RowsAppended
	}
	if execErr != nil {
		return summary, execErr
	}
	if summary.Completed, err = run.Completed(ctx); err != nil {
		return summary, err
	}
	return summary, nil
}

func (c *Client) Runs(_ context.Context) ([]RunItem, error) {
	manifests, err := ledger.List(c.runner.Root)
	if err != nil {
		return nil, err
	}
	items := make([]RunItem, len(manifests))
	for i, m := range manifests {
		items[i] = RunItem{
			Name:          m.Name,
			CreatedAtUTC:  m.CreatedAtUTC,
			Backend:       m.Backend,
			ProgressFlag:  m.ProgressFlag,
			Sessions:      len(m.Sessions),
			Interruptions: len(m.Interruptions),
		}
	}
	return items, nil
}

func (c *Client) Show(ctx context.Context, name string) (ShowSummary, error) {
	var out ShowSummary
	err := c.withRun(ctx, name, func(run *ledger.Run) error {
		desc, err := run.Description()
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		rows, err := run.Ledger.Rows(ctx)
		if err != nil {
			return err
		}
		out = ShowSummary{Manifest: run.Manifest(), Description: desc, Rows: rows}
		return nil
	})
	return out, err
}

// Summarize aggregates every metric per experiment and writes summary.json
// into the run directory.
func (c *Client) Summarize(ctx context.Context, name string) (stats.SummaryReport, string, error) {
	var (
		report stats.SummaryReport
		path   string
	)
	err := c.withRun(ctx, name, func(run *ledger.Run) error {
		rows, err := run.Ledger.Rows(ctx)
		if err != nil {
			return err
		}
		report = stats.SummaryReport{
			Run:         run.Name,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Experiments: stats.Summarize(rows),
		}
		path, err = stats.WriteSummaryReport(run.Dir, report)
		return err
	})
	return report, path, err
}

// Export writes the flattened ledger of a run as CSV. An empty Out writes
// <run>/results_flat.csv.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	var out ExportSummary
	err := c.withRun(ctx, req.Name, func(run *ledger.Run) error {
		rows, err := run.Ledger.Rows(ctx)
		if err != nil {
			return err
		}
		path := req.Out
		if path == "" {
			path = filepath.Join(run.Dir, "results_flat.csv")
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := ledger.Export(f, rows); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		out = ExportSummary{Name: run.Name, Path: path, Rows: len(rows)}
		return nil
	})
	return out, err
}

// Migrate converts a legacy results file into a new run.
func (c *Client) Migrate(ctx context.Context, req MigrateRequest) (RunSummary, error) {
	if req.Name == "" {
		return RunSummary{}, ErrNameRequired
	}
	f, err := os.Open(req.In)
	if err != nil {
		return RunSummary{}, err
	}
	defer f.Close()

	run, err := c.runner.Start(ctx, req.Name, req.Description, false)
	if err != nil {
		return RunSummary{}, err
	}
	defer func() {
		_ = run.Close()
	}()
	rows, err := ledger.MigrateLegacy(f, "migrated:"+filepath.Base(req.In))
	if err != nil {
		return RunSummary{}, fmt.Errorf("migrate %s: %w", req.In, err)
	}
	if err := run.Import(ctx, rows); err != nil {
		return RunSummary{}, err
	}
	done, err := run.Completed(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	return RunSummary{Name: run.Name, Directory: run.Dir, RowsAppended: len(rows), Completed: done}, nil
}

func (c *Client) withRun(ctx context.Context, name string, fn func(*ledger.Run) error) error {
	if name == "" {
		return ErrNameRequired
	}
	run, err := c.runner.Continue(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		_ = run.Close()
	}()
	return fn(run)
}
