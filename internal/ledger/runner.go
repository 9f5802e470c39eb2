package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"ipalab/internal/logging"
	"ipalab/internal/model"
	"ipalab/internal/storage"
	"ipalab/internal/telemetry"
)

var (
	ErrInconsistentLedger = errors.New("ledger: fingerprint and experiment number disagree")
	ErrRunExists          = errors.New("ledger: run directory exists")
	ErrRunNotFound        = errors.New("ledger: run not found")
)

const timestampLayout = "2006-01-02-15:04:05"

// Job is one experiment configuration.
type Job interface {
	Params() model.ExperimentParams
	RepetitionCount() int
	// Run executes repetitions resumeAt.. and emits each result in order.
	Run(ctx context.Context, resumeAt int, emit func(model.RepetitionResult) error) error
}

// Resolver proposes an alternate run name after attempt collisions.
type Resolver func(name string, attempt int) (string, error)

// AutoSuffix appends "-2", "-3", ... to the colliding name.
func AutoSuffix(name string, attempt int) (string, error) {
	return fmt.Sprintf("%s-%d", name, attempt+1), nil
}

const maxResolveAttempts = 100

// Runner creates and reopens run directories under Root.
type Runner struct {
	Root    string
	Backend string
	Resolve Resolver
	Logger  *logging.Logger
	Now     func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Start creates a new run. Name collisions go through Resolve, or
// AutoSuffix when it is nil. The description is written once.
func (r *Runner) Start(ctx context.Context, name, description string, prependTimestamp bool) (*Run, error) {
	if prependTimestamp {
		name = r.now().Format(timestampLayout) + " " + name
	}
	if err := os.MkdirAll(r.Root, 0o755); err != nil {
		return nil, err
	}
	resolve := r.Resolve
	if resolve == nil {
		resolve = AutoSuffix
	}

	base := name
	for attempt := 1; ; attempt++ {
		err := os.Mkdir(filepath.Join(r.Root, name), 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if attempt >= maxResolveAttempts {
			return nil, fmt.Errorf("%w: %s", ErrRunExists, name)
		}
		logging.Or(r.Logger).Warn("run directory exists", "name", name)
		if name, err = resolve(base, attempt); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRunExists, base, err)
		}
	}

	dir := filepath.Join(r.Root, name)
	desc, err := os.OpenFile(filepath.Join(dir, descriptionFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := desc.WriteString(description); err != nil {
		_ = desc.Close()
		return nil, err
	}
	if err := desc.Close(); err != nil {
		return nil, err
	}

	backend := r.Backend
	if backend == "" {
		backend = storage.BackendCSV
	}
	m := Manifest{
		Name:         name,
		Backend:      backend,
		CreatedAtUTC: r.now().UTC().Format(time.RFC3339),
		ProgressFlag: ProgressInProgress,
	}
	if err := writeManifest(dir, m); err != nil {
		return nil, err
	}
	return r.open(ctx, dir, m)
}

// Continue reopens an existing run.
func (r *Runner) Continue(ctx context.Context, name string) (*Run, error) {
	dir := filepath.Join(r.Root, name)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, name)
	}
	m, ok, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		m = Manifest{Name: name, Backend: detectBackend(dir), ProgressFlag: ProgressInProgress}
	}
	return r.open(ctx, dir, m)
}

func detectBackend(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, storage.FileName(storage.BackendSQLite))); err == nil {
		return storage.BackendSQLite
	}
	return storage.BackendCSV
}

func (r *Runner) open(ctx context.Context, dir string, m Manifest) (*Run, error) {
	ledger, err := storage.NewLedger(m.Backend, dir)
	if err != nil {
		return nil, err
	}
	if err := ledger.Init(ctx); err != nil {
		return nil, fmt.Errorf("open ledger of %s: %w", m.Name, err)
	}
	return &Run{
		Name:     m.Name,
		Dir:      dir,
		Ledger:   ledger,
		manifest: m,
		logger:   logging.Or(r.Logger),
		now:      r.now,
	}, nil
}

// Run is an open run directory.
type Run struct {
	Name   string
	Dir    string
	Ledger storage.Ledger

	manifest Manifest
	logger   *logging.Logger
	now      func() time.Time
}

func (r *Run) Manifest() Manifest {
	return r.manifest
}

// Description returns the text written when the run was created.
func (r *Run) Description() (string, error) {
	data, err := os.ReadFile(filepath.Join(r.Dir, descriptionFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *Run) Close() error {
	return storage.CloseIfSupported(r.Ledger)
}

// progress is the per-fingerprint state recovered from the ledger.
type progress struct {
	done    map[string]int
	expNo   map[string]int
	byExpNo map[int]string
	next    int
}

func (r *Run) load(ctx context.Context) (*progress, error) {
	rows, err := r.Ledger.Rows(ctx)
	if err != nil {
		return nil, err
	}
	p := &progress{
		done:    make(map[string]int),
		expNo:   make(map[string]int),
		byExpNo: make(map[int]string),
		next:    1,
	}
	for _, row := range rows {
		fp := Fingerprint(row.Params)
		if n, ok := p.expNo[fp]; ok {
			if n != row.ExpNo {
				return nil, fmt.Errorf("%w: fingerprint %s recorded as experiments %d and %d", ErrInconsistentLedger, fp, n, row.ExpNo)
			}
		} else {
			if other, ok := p.byExpNo[row.ExpNo]; ok && other != fp {
				return nil, fmt.Errorf("%w: experiment %d recorded with fingerprints %s and %s", ErrInconsistentLedger, row.ExpNo, other, fp)
			}
			p.expNo[fp] = row.ExpNo
			p.byExpNo[row.ExpNo] = fp
			p.next = max(p.next, row.ExpNo+1)
		}
		p.done[fp]++
	}
	return p, nil
}

// Completed returns the number of recorded repetitions per fingerprint.
func (r *Run) Completed(ctx context.Context) (map[string]int, error) {
	p, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return p.done, nil
}

// Execute runs every job's missing repetitions and appends one row per
// repetition. Jobs with equal fingerprints share an experiment number and
// a repetition count.
func (r *Run) Execute(ctx context.Context, jobs []Job) (err error) {
	p, err := r.load(ctx)
	if err != nil {
		return err
	}

	session := SessionRecord{ID: uuid.NewString(), StartedAtUTC: r.now().UTC().Format(time.RFC3339)}
	r.manifest.ProgressFlag = ProgressInProgress
	r.manifest.Sessions = append(r.manifest.Sessions, session)
	current := len(r.manifest.Sessions) - 1
	if err := writeManifest(r.Dir, r.manifest); err != nil {
		return err
	}
	defer func() {
		s := &r.manifest.Sessions[current]
		s.CompletedAtUTC = r.now().UTC().Format(time.RFC3339)
		if err != nil {
			r.manifest.ProgressFlag = ProgressInterrupted
			r.manifest.Interruptions = append(r.manifest.Interruptions, fmt.Sprintf("%s: %v", s.CompletedAtUTC, err))
		} else {
			r.manifest.ProgressFlag = ProgressCompleted
		}
		if werr := writeManifest(r.Dir, r.manifest); werr != nil && err == nil {
			err = werr
		}
	}()

	log, done := r.logger.Task("Running experiments...", "run", r.Name, "jobs", len(jobs), "session", session.ID)
	defer done()

	for i, job := range jobs {
		params := job.Params()
		fp := Fingerprint(params)
		if p.done[fp] >= job.RepetitionCount() {
			log.Item("Skipping completed experiment", "job", i, "fingerprint", fp, "exp_no", p.expNo[fp], "repetitions", p.done[fp])
			continue
		}
		expNo, ok := p.expNo[fp]
		if !ok {
			expNo = p.next
			p.expNo[fp] = expNo
			p.byExpNo[expNo] = fp
			p.next++
		}
		resumeAt := p.done[fp] + 1
		log.Item("Starting experiment", "job", i, "exp_no", expNo, "fingerprint", fp, "resume_at", resumeAt)

		emit := func(res model.RepetitionResult) error {
			if res.RepNo != p.done[fp]+1 {
				return fmt.Errorf("%w: experiment %d emitted repetition %d after %d", ErrInconsistentLedger, expNo, res.RepNo, p.done[fp])
			}
			row := storage.Stamp(model.ResultRow{
				ExpNo:            expNo,
				Fingerprint:      fp,
				Session:          session.ID,
				Params:           params,
				RepetitionResult: res,
			})
			if err := r.Ledger.Append(ctx, row); err != nil {
				return err
			}
			p.done[fp]++
			r.manifest.Sessions[current].RowsAppended++
			telemetry.LedgerRowsTotal.Inc()
			return nil
		}
		if err := job.Run(ctx, resumeAt, emit); err != nil {
			return fmt.Errorf("experiment %d: %w", expNo, err)
		}
	}
	return nil
}

// Import appends rows that already carry experiment and repetition numbers,
// checking them against the rows already recorded.
func (r *Run) Import(ctx context.Context, rows []model.ResultRow) error {
	p, err := r.load(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fp := Fingerprint(row.Params)
		if n, ok := p.expNo[fp]; ok && n != row.ExpNo {
			return fmt.Errorf("%w: fingerprint %s is experiment %d, row says %d", ErrInconsistentLedger, fp, n, row.ExpNo)
		}
		if other, ok := p.byExpNo[row.ExpNo]; ok && other != fp {
			return fmt.Errorf("%w: experiment %d has fingerprint %s, row has %s", ErrInconsistentLedger, row.ExpNo, other, fp)
		}
		p.expNo[fp], p.byExpNo[row.ExpNo] = row.ExpNo, fp
		row.Fingerprint = fp
		if err := r.Ledger.Append(ctx, storage.Stamp(row)); err != nil {
			return err
		}
		telemetry.LedgerRowsTotal.Inc()
	}
	return nil
}
