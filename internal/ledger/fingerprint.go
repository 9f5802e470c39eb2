// Package ledger runs experiment suites against a named, append-only result
// ledger and resumes them from the repetitions it already holds.
package ledger

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"ipalab/internal/model"
)

// DefaultPicker stands in for rows recorded before the picker was a
// parameter.
const DefaultPicker = "passthrough"

// KeyParams are the parameters that identify a logical experiment. Class
// names, concept names and the test size do not.
var KeyParams = []string{
	"classifier",
	"images_url",
	"num_train_obs",
	"num_calibration_obs",
	"interpreter",
	"type2",
	"type1",
	"model_agnostic_picker",
	"max_perturbed_area",
	"min_overlap_for_concept_merge",
}

// KeyValues renders the identifying parameters of p.
func KeyValues(p model.ExperimentParams) map[string]string {
	picker := p.ModelAgnosticPicker
	if picker == "" {
		picker = DefaultPicker
	}
	return map[string]string{
		"classifier":                    p.Classifier,
		"images_url":                    p.ImagesURL,
		"num_train_obs":                 strconv.Itoa(p.NumTrainObs),
		"num_calibration_obs":           strconv.Itoa(p.NumCalibrationObs),
		"interpreter":                   p.Interpreter,
		"type2":                         p.Type2,
		"type1":                         p.Type1,
		"model_agnostic_picker":         picker,
		"max_perturbed_area":            strconv.FormatFloat(p.MaxPerturbedArea, 'g', -1, 64),
		"min_overlap_for_concept_merge": strconv.FormatFloat(p.MinOverlapForConceptMerge, 'g', -1, 64),
	}
}

// Fingerprint hashes the identifying parameters in a canonical key order.
// Values are quoted so no value can spill into the next pair.
func Fingerprint(p model.ExperimentParams) string {
	values := KeyValues(p)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.Quote(values[k])
	}
	digest := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(digest[:8])
}
