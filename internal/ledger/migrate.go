package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"ipalab/internal/hyper"
	"ipalab/internal/model"
	"ipalab/internal/storage"
)

var ErrLegacyFormat = errors.New("ledger: unrecognized legacy results file")

// legacyColumns are the columns of results files written before rows were
// versioned. Nested cells hold Python literals.
var legacyColumns = []string{"exp_no", "params", "rep_no", "stats", "cv_params", "fit_params", "metrics", "surrogate_serial"}

// MigrateLegacy reads a legacy packed results file and returns versioned
// rows with fingerprints, attributed to session.
func MigrateLegacy(r io.Reader, session string) ([]model.ResultRow, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLegacyFormat, err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[h] = i
	}
	for _, c := range legacyColumns {
		if _, ok := index[c]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrLegacyFormat, c)
		}
	}

	var rows []model.ResultRow
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		cell := func(name string) string { return record[index[name]] }
		row, err := migrateRow(cell)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row.Session = session
		rows = append(rows, storage.Stamp(row))
	}
	return rows, nil
}

func migrateRow(cell func(string) string) (model.ResultRow, error) {
	var row model.ResultRow
	var err error
	if row.ExpNo, err = strconv.Atoi(strings.TrimSpace(cell("exp_no"))); err != nil {
		return row, fmt.Errorf("exp_no: %w", err)
	}
	if row.RepNo, err = strconv.Atoi(strings.TrimSpace(cell("rep_no"))); err != nil {
		return row, fmt.Errorf("rep_no: %w", err)
	}

	params, err := literalDict(cell("params"))
	if err != nil {
		return row, fmt.Errorf("params: %w", err)
	}
	if row.Params, err = legacyParams(params); err != nil {
		return row, fmt.Errorf("params: %w", err)
	}
	row.Fingerprint = Fingerprint(row.Params)

	for name, dst := range map[string]*model.Floats{"stats": &row.Stats, "metrics": &row.Metrics} {
		d, err := literalDict(cell(name))
		if err != nil {
			return row, fmt.Errorf("%s: %w", name, err)
		}
		if *dst, err = floats(d); err != nil {
			return row, fmt.Errorf("%s: %w", name, err)
		}
	}

	if row.CVParams, err = literalDict(cell("cv_params")); err != nil {
		return row, fmt.Errorf("cv_params: %w", err)
	}
	fit, err := literalDict(cell("fit_params"))
	if err != nil {
		return row, fmt.Errorf("fit_params: %w", err)
	}
	if row.FitParams, err = legacyFitParams(fit); err != nil {
		return row, fmt.Errorf("fit_params: %w", err)
	}

	row.SurrogateSerial = cell("surrogate_serial")
	if v, err := parsePyLiteral(row.SurrogateSerial); err == nil {
		if s, ok := v.(string); ok {
			row.SurrogateSerial = s
		}
	}
	return row, nil
}

func literalDict(src string) (map[string]any, error) {
	if strings.TrimSpace(src) == "" {
		return map[string]any{}, nil
	}
	v, err := parsePyLiteral(src)
	if err != nil {
		return nil, err
	}
	d, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected dict, got %T", v)
	}
	return d, nil
}

func legacyParams(d map[string]any) (model.ExperimentParams, error) {
	var p model.ExperimentParams
	var err error
	p.Classifier = str(d["classifier"])
	p.ImagesURL = str(d["images_url"])
	p.Interpreter = str(d["interpreter"])
	p.Type2 = str(d["type2"])
	p.Type1 = str(d["type1"])
	p.ModelAgnosticPicker = str(d["model_agnostic_picker"])
	if p.ModelAgnosticPicker == "" || p.ModelAgnosticPicker == "None" {
		p.ModelAgnosticPicker = DefaultPicker
	}
	p.ClassNames = strs(d["class_names"])
	p.ConceptNames = strs(d["concept_names"])
	for key, dst := range map[string]*int{
		"num_train_obs":       &p.NumTrainObs,
		"num_calibration_obs": &p.NumCalibrationObs,
		"num_test_obs":        &p.NumTestObs,
	} {
		if v, ok := d[key]; ok && v != nil {
			if *dst, err = hyper.Int(v); err != nil {
				return p, fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	for key, dst := range map[string]*float64{
		"max_perturbed_area":            &p.MaxPerturbedArea,
		"min_overlap_for_concept_merge": &p.MinOverlapForConceptMerge,
	} {
		if v, ok := d[key]; ok && v != nil {
			if *dst, err = hyper.Float(v); err != nil {
				return p, fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return p, nil
}

func legacyFitParams(d map[string]any) (model.FitParams, error) {
	var f model.FitParams
	trimmed := make(map[string]any, len(d))
	for k, v := range d {
		trimmed[strings.TrimSuffix(k, "_")] = v
	}
	var err error
	if f.PickedConcepts, err = ints(trimmed["picked_concepts"]); err != nil {
		return f, fmt.Errorf("picked_concepts: %w", err)
	}
	if f.AgnosticPickedConcepts, err = ints(trimmed["agnostic_picked_concepts"]); err != nil {
		return f, fmt.Errorf("agnostic_picked_concepts: %w", err)
	}
	f.PickedConceptNames = strs(trimmed["picked_concept_names"])
	if v, ok := trimmed["concept_influences"].([]any); ok {
		f.ConceptInfluences = make([]float64, len(v))
		for i, x := range v {
			if f.ConceptInfluences[i], err = hyper.Float(x); err != nil {
				return f, fmt.Errorf("concept_influences: %w", err)
			}
		}
	}
	return f, nil
}

func floats(d map[string]any) (model.Floats, error) {
	out := make(model.Floats, len(d))
	for k, v := range d {
		if v == nil {
			continue
		}
		f, err := hyper.Float(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = f
	}
	return out, nil
}

func ints(v any) ([]int, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, nil
	}
	out := make([]int, len(list))
	for i, x := range list {
		n, err := hyper.Int(x)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func strs(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, len(list))
	for i, x := range list {
		out[i] = str(x)
	}
	return out
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
