// Package config loads experiment suites from YAML and builds the
// experiments they describe.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"ipalab/internal/folds"
	"ipalab/internal/interpret"
	"ipalab/internal/ipa"
	"ipalab/internal/picker"
	"ipalab/internal/storage"
	"ipalab/internal/surrogate"
)

var ErrInvalidSuite = errors.New("config: invalid suite")

const (
	InterpreterGroundTruth = "ground_truth_objects"
	InterpreterColors      = "perceivable_colors"
	ExplainerOcclusion     = "occlusion"
)

var validate = validator.New()

// Suite is one invocation of the runner: a named ledger run and the
// experiments to record in it.
type Suite struct {
	Name             string  `yaml:"name" validate:"required,excludesall=/\\"`
	Description      string  `yaml:"description"`
	Backend          string  `yaml:"backend" validate:"oneof=csv sqlite memory"`
	RunsDir          string  `yaml:"runs_dir" validate:"required"`
	PrependTimestamp bool    `yaml:"prepend_timestamp"`
	Cache            Cache   `yaml:"cache"`
	Workers          Workers `yaml:"workers"`
	ArenaDir         string  `yaml:"arena_dir"`
	InMemoryArena    bool    `yaml:"in_memory_arena"`
	S3Region         string  `yaml:"s3_region"`
	Experiments      []Entry `yaml:"experiments" validate:"required,min=1,dive"`
}

// Cache configures the held-out observation cache.
type Cache struct {
	Dir        string `yaml:"dir"`
	InMemory   bool   `yaml:"in_memory"`
	Disabled   bool   `yaml:"disabled"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type Workers struct {
	Grid     int `yaml:"grid" validate:"gte=0"`
	Observe  int `yaml:"observe" validate:"gte=0"`
	Selector int `yaml:"selector" validate:"gte=0"`
}

// Entry describes one experiment, or several when Sweep lists
// alternatives.
type Entry struct {
	RandomState             int64           `yaml:"random_state"`
	Repetitions             int             `yaml:"repetitions" validate:"gte=1"`
	ImagesURL               string          `yaml:"images_url" validate:"required"`
	NumTrainObs             int             `yaml:"num_train_obs" validate:"gte=1"`
	NumCalibrationObs       int             `yaml:"num_calibration_obs" validate:"gte=0"`
	NumTestObs              int             `yaml:"num_test_obs" validate:"gte=1"`
	ClassNames              []string        `yaml:"class_names" validate:"required,min=2,dive,required"`
	Classifier              ClassifierSpec  `yaml:"classifier"`
	Interpreter             InterpreterSpec `yaml:"interpreter"`
	Explainer               ExplainerSpec   `yaml:"explainer"`
	Surrogate               ComponentSpec   `yaml:"surrogate"`
	Picker                  ComponentSpec   `yaml:"picker"`
	ParamGrid               ipa.ParamGrid   `yaml:"param_grid"`
	CV                      CVSpec          `yaml:"cv"`
	TopK                    []int           `yaml:"top_k" validate:"dive,gte=1"`
	CounterfactualsPerImage int             `yaml:"counterfactuals_per_image" validate:"gte=0"`
	Sweep                   Sweep           `yaml:"sweep"`
}

type ClassifierSpec struct {
	Name      string        `yaml:"name" validate:"required"`
	URL       string        `yaml:"url" validate:"required,url"`
	Timeout   time.Duration `yaml:"timeout"`
	BatchSize int           `yaml:"batch_size" validate:"gte=0"`
}

type InterpreterSpec struct {
	Kind                       string   `yaml:"kind" validate:"oneof=ground_truth_objects perceivable_colors"`
	Annotations                string   `yaml:"annotations" validate:"required_if=Kind ground_truth_objects"`
	IgnoreImagesWithoutObjects bool     `yaml:"ignore_images_without_objects"`
	ObjectNames                []string `yaml:"object_names"`
	MinArea                    float64  `yaml:"min_area" validate:"gte=0,lte=1"`

	interpret.Perturbation `yaml:",inline"`
}

type ExplainerSpec struct {
	Kind          string  `yaml:"kind" validate:"oneof=occlusion"`
	QuantileLevel float64 `yaml:"quantile_level" validate:"gt=0,lte=1"`
	// CacheSize bounds the memoized explanations; 0 disables the memo.
	CacheSize int `yaml:"cache_size" validate:"gte=0"`
}

// ComponentSpec names a registered variant and its parameters.
type ComponentSpec struct {
	Kind   string         `yaml:"kind"`
	Params map[string]any `yaml:"params"`
}

type CVSpec struct {
	folds.Planner `yaml:",inline"`
	Scoring       string `yaml:"scoring" validate:"oneof=roc_auc_ovo accuracy neg_log_loss"`
}

// Sweep lists alternatives. The entry expands into the Cartesian product of
// every non-empty list; an empty list keeps the entry's own value.
type Sweep struct {
	Classifiers  []ClassifierSpec  `yaml:"classifiers" validate:"dive"`
	Interpreters []InterpreterSpec `yaml:"interpreters" validate:"dive"`
	Explainers   []ExplainerSpec   `yaml:"explainers" validate:"dive"`
	Surrogates   []ComponentSpec   `yaml:"surrogates"`
	Pickers      []ComponentSpec   `yaml:"pickers"`
	NumTrainObs  []int             `yaml:"num_train_obs" validate:"dive,gte=1"`
}

// Load reads, defaults and validates a suite file.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a suite. Unknown keys are errors.
func Parse(data []byte) (*Suite, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Suite
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSuite, err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Suite) applyDefaults() {
	if s.Backend == "" {
		s.Backend = storage.BackendCSV
	}
	if s.RunsDir == "" {
		s.RunsDir = "results"
	}
	cpus := runtime.NumCPU()
	for _, w := range []*int{&s.Workers.Grid, &s.Workers.Observe, &s.Workers.Selector} {
		if *w == 0 {
			*w = cpus
		}
	}
	for i := range s.Experiments {
		s.Experiments[i].applyDefaults()
	}
}

func (e *Entry) applyDefaults() {
	if e.Repetitions == 0 {
		e.Repetitions = 1
	}
	if e.RandomState == 0 {
		e.RandomState = 42
	}
	if len(e.TopK) == 0 {
		e.TopK = []int{1}
	}
	if e.CounterfactualsPerImage == 0 {
		e.CounterfactualsPerImage = 1
	}
	if e.CV.MinFolds == 0 {
		e.CV.MinFolds = folds.DefaultMinFolds
	}
	if e.CV.MaxFolds == 0 {
		e.CV.MaxFolds = max(e.CV.MinFolds, folds.DefaultMinFolds)
	}
	if e.CV.Scoring == "" {
		e.CV.Scoring = ipa.ScoreROCAUCOvO
	}
	e.Interpreter.applyDefaults()
	e.Explainer.applyDefaults()
	for i := range e.Sweep.Interpreters {
		e.Sweep.Interpreters[i].applyDefaults()
	}
	for i := range e.Sweep.Explainers {
		e.Sweep.Explainers[i].applyDefaults()
	}
	if e.Surrogate.Kind == "" {
		e.Surrogate.Kind = surrogate.KindDecisionTree
	}
	if e.Picker.Kind == "" {
		e.Picker.Kind = picker.KindPassthrough
	}
}

func (i *InterpreterSpec) applyDefaults() {
	if i.Kind == "" {
		i.Kind = InterpreterGroundTruth
	}
	if i.Perturbation == (interpret.Perturbation{}) {
		i.Perturbation = interpret.DefaultPerturbation()
	}
}

func (x *ExplainerSpec) applyDefaults() {
	if x.Kind == "" {
		x.Kind = ExplainerOcclusion
	}
	if x.QuantileLevel == 0 {
		x.QuantileLevel = 0.8
	}
}

// Validate checks struct tags and the cross-field rules tags cannot state.
func (s *Suite) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSuite, err)
	}
	for i, e := range s.Experiments {
		if err := e.CV.Planner.Validate(); err != nil {
			return fmt.Errorf("%w: experiment %d: %w", ErrInvalidSuite, i+1, err)
		}
		for key, values := range e.ParamGrid {
			if len(values) == 0 {
				return fmt.Errorf("%w: experiment %d: no values for %s", ErrInvalidSuite, i+1, key)
			}
		}
	}
	return nil
}

// Expand returns the entry once per sweep combination, with Sweep cleared.
func (e Entry) Expand() []Entry {
	classifiers := orSelf(e.Sweep.Classifiers, e.Classifier)
	interpreters := orSelf(e.Sweep.Interpreters, e.Interpreter)
	explainers := orSelf(e.Sweep.Explainers, e.Explainer)
	surrogates := orSelf(e.Sweep.Surrogates, e.Surrogate)
	pickers := orSelf(e.Sweep.Pickers, e.Picker)
	trainSizes := orSelf(e.Sweep.NumTrainObs, e.NumTrainObs)

	base := e
	base.Sweep = Sweep{}
	var out []Entry
	for _, clf := range classifiers {
		for _, interp := range interpreters {
			for _, expl := range explainers {
				for _, sur := range surrogates {
					for _, pick := range pickers {
						for _, n := range trainSizes {
							x := base
							x.Classifier, x.Interpreter, x.Explainer = clf, interp, expl
							x.Surrogate, x.Picker, x.NumTrainObs = sur, pick, n
							out = append(out, x)
						}
					}
				}
			}
		}
	}
	return out
}

// Entries expands every experiment of the suite in order.
func (s *Suite) Entries() []Entry {
	var out []Entry
	for _, e := range s.Experiments {
		out = append(out, e.Expand()...)
	}
	return out
}

func orSelf[T any](values []T, self T) []T {
	if len(values) == 0 {
		return []T{self}
	}
	return values
}
