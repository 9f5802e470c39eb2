package config

import (
	"fmt"
	"path/filepath"

	"ipalab/internal/classify"
	"ipalab/internal/concepts"
	"ipalab/internal/corpus"
	"ipalab/internal/experiment"
	"ipalab/internal/explain"
	"ipalab/internal/folds"
	"ipalab/internal/interpret"
	"ipalab/internal/logging"
	"ipalab/internal/picker"
	"ipalab/internal/surrogate"
)

// Builder turns suite entries into experiments sharing one image opener
// and one test observation cache.
type Builder struct {
	suite  *Suite
	logger *logging.Logger
	open   corpus.Opener
	cache  *experiment.TestCache
	truth  map[string]*interpret.GroundTruthObjects
}

func NewBuilder(s *Suite, logger *logging.Logger) (*Builder, error) {
	b := &Builder{
		suite:  s,
		logger: logging.Or(logger),
		open:   corpus.NewOpener(corpus.OpenOptions{S3Region: s.S3Region}),
		truth:  make(map[string]*interpret.GroundTruthObjects),
	}
	if !s.Cache.Disabled {
		dir := s.Cache.Dir
		if dir == "" {
			dir = filepath.Join(s.RunsDir, ".cache")
		}
		cache, err := experiment.OpenTestCache(experiment.CacheConfig{
			Dir:        dir,
			InMemory:   s.Cache.InMemory,
			SyncWrites: s.Cache.SyncWrites,
			Logger:     b.logger.Slog(),
		})
		if err != nil {
			return nil, err
		}
		b.cache = cache
	}
	return b, nil
}

// WithOpener replaces the image opener.
func (b *Builder) WithOpener(open corpus.Opener) *Builder {
	b.open = open
	return b
}

func (b *Builder) Close() error {
	if b.cache == nil {
		return nil
	}
	return b.cache.Close()
}

// Experiments builds every expanded entry of the suite.
func (b *Builder) Experiments() ([]*experiment.Experiment, error) {
	entries := b.suite.Entries()
	out := make([]*experiment.Experiment, 0, len(entries))
	for i, entry := range entries {
		e, err := b.Experiment(entry)
		if err != nil {
			return nil, fmt.Errorf("experiment %d: %w", i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Experiment builds one entry. Sweep lists are ignored.
func (b *Builder) Experiment(entry Entry) (*experiment.Experiment, error) {
	clf := b.classifier(entry)
	interp, err := b.interpreter(entry.Interpreter)
	if err != nil {
		return nil, err
	}
	type2, err := b.explainer(entry.Explainer, clf, interp)
	if err != nil {
		return nil, err
	}
	type1, err := surrogate.NewTrainer(entry.Surrogate.Kind, entry.Surrogate.Params)
	if err != nil {
		return nil, err
	}
	pick, err := picker.New(entry.Picker.Kind, entry.Picker.Params)
	if err != nil {
		return nil, err
	}
	e := &experiment.Experiment{
		RandomState:       entry.RandomState,
		Repetitions:       entry.Repetitions,
		ImagesURL:         entry.ImagesURL,
		NumTrainObs:       entry.NumTrainObs,
		NumCalibrationObs: entry.NumCalibrationObs,
		NumTestObs:        entry.NumTestObs,
		ClassNames:        entry.ClassNames,
		Type1:             type1,
		Type2:             type2,
		Picker:            pick,
		ParamGrid:         entry.ParamGrid,
		CV: experiment.CV{
			Planner: folds.Planner{MinFolds: entry.CV.MinFolds, MaxFolds: entry.CV.MaxFolds},
			Scoring: entry.CV.Scoring,
			Workers: b.suite.Workers.Grid,
		},
		TopK:                    entry.TopK,
		SelectorWorkers:         b.suite.Workers.Selector,
		ObserveWorkers:          b.suite.Workers.Observe,
		CounterfactualsPerImage: entry.CounterfactualsPerImage,
		Open:                    b.open,
		Cache:                   b.cache,
		Corpus:                  corpus.Options{Dir: b.suite.ArenaDir, InMemory: b.suite.InMemoryArena, Logger: b.logger},
		Logger:                  b.logger,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (b *Builder) classifier(entry Entry) concepts.Classifier {
	spec := entry.Classifier
	return classify.NewHTTP(classify.HTTPOptions{
		Name:       spec.Name,
		URL:        spec.URL,
		NumClasses: len(entry.ClassNames),
		Timeout:    spec.Timeout,
		BatchSize:  spec.BatchSize,
	})
}

func (b *Builder) interpreter(spec InterpreterSpec) (concepts.Interpreter, error) {
	switch spec.Kind {
	case InterpreterColors:
		return interpret.NewPerceivableColors(interpret.ColorOptions{Perturbation: spec.Perturbation, MinArea: spec.MinArea}), nil
	case InterpreterGroundTruth:
		key := fmt.Sprintf("%s|%v|%v|%+v", spec.Annotations, spec.IgnoreImagesWithoutObjects, spec.ObjectNames, spec.Perturbation)
		if g, ok := b.truth[key]; ok {
			return g, nil
		}
		g, err := interpret.LoadGroundTruthObjects(spec.Annotations, interpret.GroundTruthOptions{
			Perturbation:               spec.Perturbation,
			IgnoreImagesWithoutObjects: spec.IgnoreImagesWithoutObjects,
			ObjectNames:                spec.ObjectNames,
		})
		if err != nil {
			return nil, err
		}
		b.truth[key] = g
		return g, nil
	default:
		return nil, fmt.Errorf("%w: interpreter %q", ErrInvalidSuite, spec.Kind)
	}
}

func (b *Builder) explainer(spec ExplainerSpec, clf concepts.Classifier, interp concepts.Interpreter) (concepts.Explainer, error) {
	if spec.Kind != ExplainerOcclusion {
		return nil, fmt.Errorf("%w: explainer %q", ErrInvalidSuite, spec.Kind)
	}
	var out concepts.Explainer = explain.NewOcclusion(clf, interp, spec.QuantileLevel, b.logger)
	if spec.CacheSize > 0 {
		cached, err := explain.NewCached(out, spec.CacheSize)
		if err != nil {
			return nil, err
		}
		out = cached
	}
	return out, nil
}
