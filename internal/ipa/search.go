package ipa

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"ipalab/internal/concepts"
	"ipalab/internal/corpus"
	"ipalab/internal/folds"
	"ipalab/internal/logging"
	"ipalab/internal/metrics"
	"ipalab/internal/telemetry"
)

// SearchOptions configures GridSearch.
type SearchOptions struct {
	Planner    folds.Planner
	Grid       ParamGrid
	Scoring    string
	Workers    int
	NumClasses int
	Logger     *logging.Logger
}

// ComboScore holds the fold scores of one parameter combination.
type ComboScore struct {
	Params map[string]any
	Folds  []float64
	Mean   float64
}

type SearchResult struct {
	Best       *Pipeline
	BestParams map[string]any
	BestScore  float64
	Plan       folds.Plan
	Scores     []ComboScore
	// Predicted are the classifier labels of every observation, including
	// the ones the plan excluded.
	Predicted []int
}

type fold struct {
	train, test   *corpus.Corpus
	yTrain, yTest []int
}

// GridSearch plans folds from the predicted labels, scores every grid
// combination on every fold and refits the best combination on all included
// observations.
func GridSearch(ctx context.Context, images *corpus.Corpus, predicted []int, base *Pipeline, opts SearchOptions) (res *SearchResult, err error) {
	ctx, span := telemetry.Tracer("ipa").Start(ctx, "ipa.grid_search")
	defer func() { telemetry.End(span, err) }()

	if images.Len() != len(predicted) {
		return nil, fmt.Errorf("ipa: %d images, %d labels", images.Len(), len(predicted))
	}
	scorer, err := LookupScorer(opts.Scoring)
	if err != nil {
		return nil, err
	}
	combos := opts.Grid.Combinations()
	for _, combo := range combos {
		if err := base.Clone().SetParams(combo); err != nil {
			return nil, err
		}
	}

	plan, err := opts.Planner.Plan(predicted, concepts.ClassIDs(opts.NumClasses))
	if errors.Is(err, folds.ErrNoObservations) {
		return nil, fmt.Errorf("%w: %w", ErrEmptyPopulation, err)
	}
	if err != nil {
		return nil, err
	}
	included := plan.Included()
	if len(included) == 0 {
		return nil, ErrEmptyPopulation
	}
	population, err := images.Subset(included)
	if err != nil {
		return nil, err
	}
	y := make([]int, len(included))
	for i, idx := range included {
		y[i] = predicted[idx]
	}
	splits, err := plan.Splits(y)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("ipa.combinations", len(combos)),
		attribute.Int("ipa.folds", plan.Folds),
		attribute.String("ipa.strategy", string(plan.Strategy)),
		attribute.Int("ipa.population", len(included)),
	)

	log, done := logging.Or(opts.Logger).Task("Searching hyperparameters...",
		"combinations", len(combos), "folds", plan.Folds, "strategy", plan.Strategy,
		"population", len(included), "excluded", len(predicted)-len(included))
	defer done()

	fs := make([]fold, len(splits))
	for i, s := range splits {
		f := fold{yTrain: pick(y, s.Train), yTest: pick(y, s.Test)}
		if f.train, err = population.Subset(s.Train); err != nil {
			return nil, err
		}
		if f.test, err = population.Subset(s.Test); err != nil {
			return nil, err
		}
		fs[i] = f
	}

	scores := make([]ComboScore, len(combos))
	for i, combo := range combos {
		scores[i] = ComboScore{Params: combo, Folds: make([]float64, len(fs))}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for ci := range combos {
		for fi := range fs {
			g.Go(func() error {
				score, err := fitAndScore(gctx, base, combos[ci], fs[fi], scorer, opts.NumClasses)
				telemetry.GridFitsTotal.WithLabelValues(telemetry.Result(err)).Inc()
				if err != nil {
					return fmt.Errorf("params %s fold %d: %w", FormatParams(combos[ci]), fi, err)
				}
				scores[ci].Folds[fi] = score
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := 0
	for i := range scores {
		scores[i].Mean = nanMean(scores[i].Folds)
		log.Debug("scored", "params", FormatParams(scores[i].Params), "mean", scores[i].Mean)
		if better(scores[i].Mean, scores[best].Mean) {
			best = i
		}
	}
	log.Item("Best parameters", "params", FormatParams(scores[best].Params), "score", scores[best].Mean)

	refit := base.Clone()
	if err := refit.SetParams(scores[best].Params); err != nil {
		return nil, err
	}
	if err := refit.Fit(ctx, population, y); err != nil {
		return nil, fmt.Errorf("refit: %w", err)
	}
	return &SearchResult{
		Best:       refit,
		BestParams: scores[best].Params,
		BestScore:  scores[best].Mean,
		Plan:       plan,
		Scores:     scores,
		Predicted:  predicted,
	}, nil
}

func fitAndScore(ctx context.Context, base *Pipeline, params map[string]any, f fold, scorer Scorer, numClasses int) (float64, error) {
	p := base.Clone()
	if err := p.SetParams(params); err != nil {
		return 0, err
	}
	if err := p.Fit(ctx, f.train, f.yTrain); err != nil {
		return 0, err
	}
	probs, err := p.PredictProba(ctx, f.test)
	if err != nil {
		return 0, err
	}
	full, err := metrics.Spread(probs, p.Classes(), numClasses)
	if err != nil {
		return 0, err
	}
	return scorer(f.yTest, full)
}

func pick(values []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}

// nanMean averages the finite scores; it is NaN when there are none.
func nanMean(values []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// better orders scores with NaN below every number.
func better(candidate, current float64) bool {
	if math.IsNaN(candidate) {
		return false
	}
	return math.IsNaN(current) || candidate > current
}
