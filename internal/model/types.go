package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Concept is an interpretable unit owned by an interpreter.
type Concept struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ExperimentParams are the descriptive parameters of one experiment
// configuration as they are recorded in the ledger.
type ExperimentParams struct {
	Classifier                string   `json:"classifier"`
	ClassNames                []string `json:"class_names"`
	ImagesURL                 string   `json:"images_url"`
	NumTrainObs               int      `json:"num_train_obs"`
	NumCalibrationObs         int      `json:"num_calibration_obs"`
	NumTestObs                int      `json:"num_test_obs"`
	Interpreter               string   `json:"interpreter"`
	ConceptNames              []string `json:"concept_names"`
	Type2                     string   `json:"type2"`
	Type1                     string   `json:"type1"`
	ModelAgnosticPicker       string   `json:"model_agnostic_picker,omitempty"`
	MaxPerturbedArea          float64  `json:"max_perturbed_area"`
	MinOverlapForConceptMerge float64  `json:"min_overlap_for_concept_merge"`
}

// FitParams records what the interpret-pick stage and the agnostic picker
// selected during the final refit.
type FitParams struct {
	PickedConcepts         []int     `json:"picked_concepts"`
	PickedConceptNames     []string  `json:"picked_concept_names"`
	ConceptInfluences      []float64 `json:"concept_influences"`
	AgnosticPickedConcepts []int     `json:"agnostic_picked_concepts,omitempty"`
}

// RepetitionResult is what one experiment repetition produces.
type RepetitionResult struct {
	RepNo           int            `json:"rep_no"`
	Stats           Floats         `json:"stats"`
	CVParams        map[string]any `json:"cv_params"`
	FitParams       FitParams      `json:"fit_params"`
	Metrics         Floats         `json:"metrics"`
	SurrogateSerial string         `json:"surrogate_serial"`
}

// ResultRow is one ledger line: a repetition of a numbered experiment.
type ResultRow struct {
	VersionedRecord
	ExpNo       int              `json:"exp_no"`
	Fingerprint string           `json:"fingerprint"`
	Session     string           `json:"session"`
	Params      ExperimentParams `json:"params"`
	RepetitionResult
}

// Floats is a metric map whose non-finite values survive a JSON round trip.
// NaN and the infinities are written as the strings "NaN", "+Inf" and "-Inf".
type Floats map[string]float64

func (f Floats) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	out := make(map[string]any, len(f))
	for k, v := range f {
		switch {
		case math.IsNaN(v):
			out[k] = "NaN"
		case math.IsInf(v, 1):
			out[k] = "+Inf"
		case math.IsInf(v, -1):
			out[k] = "-Inf"
		default:
			out[k] = v
		}
	}
	return json.Marshal(out)
}

func (f *Floats) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*f = nil
		return nil
	}
	out := make(Floats, len(raw))
	for k, msg := range raw {
		var num float64
		if err := json.Unmarshal(msg, &num); err == nil {
			out[k] = num
			continue
		}
		var text string
		if err := json.Unmarshal(msg, &text); err != nil {
			return fmt.Errorf("metric %q: %w", k, err)
		}
		switch text {
		case "NaN":
			out[k] = math.NaN()
		case "+Inf", "Inf":
			out[k] = math.Inf(1)
		case "-Inf":
			out[k] = math.Inf(-1)
		default:
			return fmt.Errorf("metric %q: unexpected value %q", k, text)
		}
	}
	*f = out
	return nil
}

// Keys returns the metric names in lexical order.
func (f Floats) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy.
func (f Floats) Clone() Floats {
	if f == nil {
		return nil
	}
	out := make(Floats, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
