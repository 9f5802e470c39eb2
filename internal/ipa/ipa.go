package ipa

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"ipalab/internal/corpus"
	"ipalab/internal/logging"
	"ipalab/internal/telemetry"
)

// RunOptions configures Run.
type RunOptions struct {
	Search         SearchOptions
	ObserveWorkers int
	Corpus         corpus.Options
}

// Run materializes images into a scoped corpus, labels every image with the
// classifier behind the pipeline's explainer and grid searches the pipeline
// on those labels. The corpus is released before Run returns.
func Run(ctx context.Context, images corpus.Stream, base *Pipeline, opts RunOptions) (res *SearchResult, err error) {
	ctx, span := telemetry.Tracer("ipa").Start(ctx, "ipa.run")
	defer func() { telemetry.End(span, err) }()

	log := logging.Or(opts.Search.Logger)
	clf := base.Selector.Explainer.Classifier()
	if opts.Search.NumClasses == 0 {
		opts.Search.NumClasses = clf.NumClasses()
	}
	if opts.Corpus.Logger == nil {
		opts.Corpus.Logger = log
	}

	err = corpus.With(ctx, images, opts.Corpus, func(c *corpus.Corpus) error {
		predicted, err := observe(ctx, c, base, opts.ObserveWorkers, log)
		if err != nil {
			return err
		}
		runLog, done := log.Task("Running IPA...")
		defer done()
		search := opts.Search
		search.Logger = runLog
		res, err = GridSearch(ctx, c, predicted, base, search)
		return err
	})
	if errors.Is(err, corpus.ErrEmpty) {
		return nil, fmt.Errorf("%w: %w", ErrEmptyPopulation, err)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func observe(ctx context.Context, c *corpus.Corpus, base *Pipeline, workers int, log *logging.Logger) ([]int, error) {
	_, done := log.Task("Observing classifier...", "images", c.Len())
	defer done()

	clf := base.Selector.Explainer.Classifier()
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	predicted := make([]int, c.Len())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < c.Len(); i++ {
		g.Go(func() error {
			img, err := c.At(i)
			if err != nil {
				return err
			}
			label, err := clf.PredictSingle(gctx, img)
			if err != nil {
				return fmt.Errorf("classify %s: %w", img.ID, err)
			}
			predicted[i] = label
			telemetry.ImagesObservedTotal.Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return predicted, nil
}
