package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"ipalab/internal/model"
	"ipalab/internal/storage"
)

var errInterrupted = errors.New("interrupted")

type fakeJob struct {
	params model.ExperimentParams
	reps   int
	failAt int
	starts []int
	badRep bool
}

func (j *fakeJob) Params() model.ExperimentParams { return j.params }
func (j *fakeJob) RepetitionCount() int           { return j.reps }

func (j *fakeJob) Run(_ context.Context, resumeAt int, emit func(model.RepetitionResult) error) error {
	j.starts = append(j.starts, resumeAt)
	for rep := resumeAt; rep <= j.reps; rep++ {
		if rep == j.failAt {
			return errInterrupted
		}
		no := rep
		if j.badRep {
			no = rep + 1
		}
		res := model.RepetitionResult{
			RepNo:   no,
			Metrics: model.Floats{"auc": float64(rep) / 10},
			Stats:   model.Floats{"explained_images": 4},
		}
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}

func sampleParams(classifier string) model.ExperimentParams {
	return model.ExperimentParams{
		Classifier:                classifier,
		ClassNames:                []string{"a", "b"},
		ImagesURL:                 "file:///data/images",
		NumTrainObs:               100,
		NumCalibrationObs:         20,
		NumTestObs:                50,
		Interpreter:               "ground_truth",
		ConceptNames:              []string{"x", "y"},
		Type2:                     "occlusion",
		Type1:                     "decision_tree",
		MaxPerturbedArea:          0.6,
		MinOverlapForConceptMerge: 0.8,
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newRunner(t *testing.T, backend string) *Runner {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &Runner{Root: t.TempDir(), Backend: backend, Now: c.now}
}

func TestFingerprintKeys(t *testing.T) {
	base := sampleParams("resnet")
	fp := Fingerprint(base)
	if len(fp) != 16 {
		t.Fatalf("fingerprint %q: want 16 hex chars", fp)
	}

	nonKey := base
	nonKey.ClassNames = []string{"other"}
	nonKey.ConceptNames = nil
	nonKey.NumTestObs = 7
	if got := Fingerprint(nonKey); got != fp {
		t.Fatalf("non-key change altered fingerprint: %s != %s", got, fp)
	}

	explicit := base
	explicit.ModelAgnosticPicker = DefaultPicker
	if got := Fingerprint(explicit); got != fp {
		t.Fatalf("explicit default picker altered fingerprint: %s != %s", got, fp)
	}

	key := base
	key.NumTrainObs++
	if got := Fingerprint(key); got == fp {
		t.Fatal("key change kept fingerprint")
	}
	area := base
	area.MaxPerturbedArea = 0.5
	if got := Fingerprint(area); got == fp {
		t.Fatal("area change kept fingerprint")
	}
}

func TestFingerprintSeparatesValuesContainingSeparators(t *testing.T) {
	a := sampleParams("resnet")
	a.Type1 = "tree|type2=occlusion"
	a.Type2 = "gradient"

	b := a
	b.Type1 = "tree"
	b.Type2 = "occlusion|type2=gradient"

	if Fingerprint(a) == Fingerprint(b) {
		t.Fatalf("different parameters share fingerprint %s", Fingerprint(a))
	}
}

func TestExecuteResumesInterruptedExperiment(t *testing.T) {
	ctx := context.Background()
	runner := newRunner(t, storage.BackendCSV)
	run, err := runner.Start(ctx, "suite", "resume check", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	job := &fakeJob{params: sampleParams("resnet"), reps: 3, failAt: 3}
	if err := run.Execute(ctx, []Job{job}); !errors.Is(err, errInterrupted) {
		t.Fatalf("execute error = %v, want interrupted", err)
	}
	if got := run.Manifest().ProgressFlag; got != ProgressInterrupted {
		t.Fatalf("progress = %q, want %q", got, ProgressInterrupted)
	}
	if err := run.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	run, err = runner.Continue(ctx, "suite")
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	defer run.Close()
	job.failAt = 0
	if err := run.Execute(ctx, []Job{job}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := run.Execute(ctx, []Job{job}); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if !reflect.DeepEqual(job.starts, []int{1, 3}) {
		t.Fatalf("resume points = %v, want [1 3]", job.starts)
	}

	rows, err := run.Ledger.Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for i, row := range rows {
		if row.ExpNo != 1 || row.RepNo != i+1 {
			t.Fatalf("row %d = exp %d rep %d", i, row.ExpNo, row.RepNo)
		}
		if row.Fingerprint != Fingerprint(job.params) {
			t.Fatalf("row %d fingerprint %q", i, row.Fingerprint)
		}
	}
	if rows[0].Session == rows[2].Session {
		t.Fatal("resumed rows share the first session id")
	}

	m := run.Manifest()
	if m.ProgressFlag != ProgressCompleted {
		t.Fatalf("progress = %q, want %q", m.ProgressFlag, ProgressCompleted)
	}
	if len(m.Sessions) != 3 || len(m.Interruptions) != 1 {
		t.Fatalf("sessions = %d interruptions = %d", len(m.Sessions), len(m.Interruptions))
	}
	if m.Sessions[0].RowsAppended != 2 || m.Sessions[1].RowsAppended != 1 || m.Sessions[2].RowsAppended != 0 {
		t.Fatalf("rows per session = %+v", m.Sessions)
	}
}

func TestExecuteNumbersExperimentsByFingerprint(t *testing.T) {
	ctx := context.Background()
	runner := newRunner(t, storage.BackendSQLite)
	run, err := runner.Start(ctx, "suite", "", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer run.Close()

	first := &fakeJob{params: sampleParams("resnet"), reps: 2}
	second := &fakeJob{params: sampleParams("vgg"), reps: 1}
	if err := run.Execute(ctx, []Job{first, second}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// A later suite lists the experiments in a different order and adds a
	// repetition to one of them.
	more := &fakeJob{params: sampleParams("vgg"), reps: 2}
	again := &fakeJob{params: sampleParams("resnet"), reps: 2}
	third := &fakeJob{params: sampleParams("inception"), reps: 1}
	if err := run.Execute(ctx, []Job{more, again, third}); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if len(again.starts) != 0 {
		t.Fatalf("completed experiment was rerun from %v", again.starts)
	}

	rows, err := run.Ledger.Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	got := make([]string, len(rows))
	for i, row := range rows {
		got[i] = fmt.Sprintf("%s:%d.%d", row.Params.Classifier, row.ExpNo, row.RepNo)
	}
	want := []string{"resnet:1.1", "resnet:1.2", "vgg:2.1", "vgg:2.2", "inception:3.1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("rows = %v, want %v", got, want)
	}

	done, err := run.Completed(ctx)
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if done[Fingerprint(sampleParams("vgg"))] != 2 {
		t.Fatalf("completed = %v", done)
	}
}

func TestExecuteRejectsInconsistentLedger(t *testing.T) {
	ctx := context.Background()
	runner := newRunner(t, storage.BackendMemory)
	run, err := runner.Start(ctx, "suite", "", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	params := sampleParams("resnet")
	for _, expNo := range []int{1, 2} {
		row := model.ResultRow{ExpNo: expNo, Params: params, RepetitionResult: model.RepetitionResult{RepNo: 1}}
		if err := run.Ledger.Append(ctx, storage.Stamp(row)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	err = run.Execute(ctx, []Job{&fakeJob{params: params, reps: 3}})
	if !errors.Is(err, ErrInconsistentLedger) {
		t.Fatalf("execute error = %v, want %v", err, ErrInconsistentLedger)
	}
}

func TestExecuteRejectsOutOfOrderRepetition(t *testing.T) {
	ctx := context.Background()
	runner := newRunner(t, storage.BackendMemory)
	run, err := runner.Start(ctx, "suite", "", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	err = run.Execute(ctx, []Job{&fakeJob{params: sampleParams("resnet"), reps: 2, badRep: true}})
	if !errors.Is(err, ErrInconsistentLedger) {
		t.Fatalf("execute error = %v, want %v", err, ErrInconsistentLedger)
	}
	rows, _ := run.Ledger.Rows(ctx)
	if len(rows) != 0 {
		t.Fatalf("rows = %d, want 0", len(rows))
	}
}

func TestStartResolvesNameCollisions(t *testing.T) {
	ctx := context.Background()
	runner := newRunner(t, storage.BackendMemory)
	first, err := runner.Start(ctx, "suite", "first", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := runner.Start(ctx, "suite", "second", false)
	if err != nil {
		t.Fatalf("start again: %v", err)
	}
	if first.Name != "suite" || second.Name != "suite-2" {
		t.Fatalf("names = %q, %q", first.Name, second.Name)
	}
	desc, err := first.Description()
	if err != nil || desc != "first" {
		t.Fatalf("description = %q, %v", desc, err)
	}

	runner.Resolve = func(string, int) (string, error) { return "", errors.New("declined") }
	if _, err := runner.Start(ctx, "suite", "third", false); !errors.Is(err, ErrRunExists) {
		t.Fatalf("declined collision error = %v, want %v", err, ErrRunExists)
	}
}

func TestStartPrependsTimestamp(t *testing.T) {
	runner := newRunner(t, storage.BackendMemory)
	run, err := runner.Start(context.Background(), "suite", "", true)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Name != "2024-03-01-12:00:01 suite" {
		t.Fatalf("name = %q", run.Name)
	}
}

func TestContinueKeepsDescription(t *testing.T) {
	ctx := context.Background()
	runner := newRunner(t, storage.BackendCSV)
	run, err := runner.Start(ctx, "suite", "why this run exists", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = run.Close()

	again, err := runner.Continue(ctx, "suite")
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	defer again.Close()
	desc, err := again.Description()
	if err != nil || desc != "why this run exists" {
		t.Fatalf("description = %q, %v", desc, err)
	}
	if _, err := runner.Continue(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("missing run error = %v, want %v", err, ErrRunNotFound)
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	runner := newRunner(t, storage.BackendMemory)
	for _, name := range []string{"old", "new"} {
		if _, err := runner.Start(ctx, name, "", false); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(runner.Root, "stray"), 0o755); err != nil {
		t.Fatal(err)
	}
	runs, err := List(runner.Root)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].Name != "new" || runs[1].Name != "old" {
		t.Fatalf("runs = %+v", runs)
	}
}

const legacyCSV = `exp_no,params,rep_no,stats,cv_params,fit_params,metrics,surrogate_serial
1,"{'classifier': 'resnet', 'class_names': ['a', 'b'], 'images_url': 'file:///data/images', 'num_train_obs': 100, 'num_calibration_obs': 20, 'interpreter': 'ground_truth', 'concept_names': ['x', 'y'], 'type2': 'occlusion', 'type1': 'decision_tree', 'model_agnostic_picker': 'None', 'num_test_obs': 50, 'max_perturbed_area': 0.6, 'min_overlap_for_concept_merge': 0.8}",1,"{'explained_images': 4}","{'approximate__max_depth': 3}","{'picked_concepts_': [0, 1], 'picked_concept_names_': ['x', 'y'], 'concept_influences_': array([0.5, 0.25], dtype=float32)}","{'auc': 0.75, 'iv_auc': nan, 'n_leaves': np.int64(4)}",'tree serial'
`

func TestMigrateLegacy(t *testing.T) {
	rows, err := MigrateLegacy(strings.NewReader(legacyCSV), "legacy")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.SchemaVersion != storage.CurrentSchemaVersion || row.Session != "legacy" {
		t.Fatalf("row header = %+v", row.VersionedRecord)
	}
	if row.Params.ModelAgnosticPicker != DefaultPicker {
		t.Fatalf("picker = %q", row.Params.ModelAgnosticPicker)
	}
	if row.Fingerprint != Fingerprint(sampleParams("resnet")) {
		t.Fatalf("fingerprint %q does not match current params", row.Fingerprint)
	}
	if !reflect.DeepEqual(row.FitParams.PickedConcepts, []int{0, 1}) ||
		!reflect.DeepEqual(row.FitParams.ConceptInfluences, []float64{0.5, 0.25}) ||
		!reflect.DeepEqual(row.FitParams.PickedConceptNames, []string{"x", "y"}) {
		t.Fatalf("fit params = %+v", row.FitParams)
	}
	if row.Metrics["auc"] != 0.75 || row.Metrics["n_leaves"] != 4 || !math.IsNaN(row.Metrics["iv_auc"]) {
		t.Fatalf("metrics = %v", row.Metrics)
	}
	if row.CVParams["approximate__max_depth"] != int64(3) {
		t.Fatalf("cv params = %v", row.CVParams)
	}
	if row.SurrogateSerial != "tree serial" {
		t.Fatalf("serial = %q", row.SurrogateSerial)
	}
}

func TestMigrateLegacyRejectsMissingColumns(t *testing.T) {
	_, err := MigrateLegacy(strings.NewReader("exp_no,params\n1,{}\n"), "legacy")
	if !errors.Is(err, ErrLegacyFormat) {
		t.Fatalf("error = %v, want %v", err, ErrLegacyFormat)
	}
}

func TestImportMigratedRows(t *testing.T) {
	ctx := context.Background()
	rows, err := MigrateLegacy(strings.NewReader(legacyCSV), "legacy")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	runner := newRunner(t, storage.BackendMemory)
	run, err := runner.Start(ctx, "migrated", "", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := run.Import(ctx, rows); err != nil {
		t.Fatalf("import: %v", err)
	}
	job := &fakeJob{params: sampleParams("resnet"), reps: 2}
	if err := run.Execute(ctx, []Job{job}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !reflect.DeepEqual(job.starts, []int{2}) {
		t.Fatalf("resume points = %v, want [2]", job.starts)
	}
}

func TestParsePyLiteral(t *testing.T) {
	cases := []struct {
		src  string
		want any
	}{
		{`{'a': 1, "b": [True, None, -2.5]}`, map[string]any{"a": int64(1), "b": []any{true, nil, -2.5}}},
		{`(1, 'it\'s')`, []any{int64(1), "it's"}},
		{`np.float64(0.5)`, 0.5},
		{`array([1, 2], dtype=int64)`, []any{int64(1), int64(2)}},
		{`-inf`, math.Inf(-1)},
		{`[]`, []any{}},
	}
	for _, tc := range cases {
		got, err := parsePyLiteral(tc.src)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.src, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("parse %s = %#v, want %#v", tc.src, got, tc.want)
		}
	}
	for _, bad := range []string{`{'a' 1}`, `'open`, `[1, 2`, `lambda`, `1 2`} {
		if _, err := parsePyLiteral(bad); err == nil {
			t.Fatalf("parse %s: want error", bad)
		}
	}
}

func TestFlatten(t *testing.T) {
	a := storage.Stamp(model.ResultRow{
		ExpNo:       1,
		Fingerprint: "fp1",
		Session:     "s",
		Params:      sampleParams("resnet"),
		RepetitionResult: model.RepetitionResult{
			RepNo:    1,
			Metrics:  model.Floats{"auc": math.NaN()},
			CVParams: map[string]any{"approximate.max_depth": 3},
		},
	})
	b := a
	b.RepNo = 2
	b.Metrics = model.Floats{"auc": 0.5, "iv_auc": 1}

	header, records, err := Flatten([]model.ResultRow{a, b})
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if header[0] != "exp_no" || header[3] != "session" || header[len(header)-1] != "surrogate_serial" {
		t.Fatalf("header = %v", header)
	}
	col := map[string]int{}
	for i, h := range header {
		col[h] = i
	}
	for _, h := range []string{"classifier", "approximate.max_depth", "picked_concepts", "auc", "iv_auc"} {
		if _, ok := col[h]; !ok {
			t.Fatalf("header %v lacks %q", header, h)
		}
	}
	if records[0][col["auc"]] != "NaN" || records[1][col["auc"]] != "0.5" {
		t.Fatalf("auc cells = %q, %q", records[0][col["auc"]], records[1][col["auc"]])
	}
	if records[0][col["iv_auc"]] != "" || records[1][col["rep_no"]] != "2" {
		t.Fatalf("records = %v", records)
	}
	if records[0][col["classifier"]] != "resnet" || records[0][col["approximate.max_depth"]] != "3" {
		t.Fatalf("nested cells = %v", records[0])
	}
}
