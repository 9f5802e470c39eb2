package explain

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"ipalab/internal/concepts"
	"ipalab/internal/corpus"
	"ipalab/internal/model"
)

// Cached memoizes explanations by image id. Grid search explains the same
// training images once per fold and parameter combination; the cache turns
// the repeats into lookups. Calibration invalidates every entry.
type Cached struct {
	concepts.Explainer
	cache *lru.Cache
}

func NewCached(inner concepts.Explainer, size int) (*Cached, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("explanation cache: %w", err)
	}
	return &Cached{Explainer: inner, cache: cache}, nil
}

func (c *Cached) Calibrate(ctx context.Context, images corpus.Stream) error {
	c.cache.Purge()
	return c.Explainer.Calibrate(ctx, images)
}

func (c *Cached) Explain(ctx context.Context, image model.LabeledImage) ([]concepts.InfluentialConcept, error) {
	if v, ok := c.cache.Get(image.ID); ok {
		return v.([]concepts.InfluentialConcept), nil
	}
	out, err := c.Explainer.Explain(ctx, image)
	if err != nil {
		return nil, err
	}
	c.cache.Add(image.ID, out)
	return out, nil
}

// Len is the number of cached explanations.
func (c *Cached) Len() int {
	return c.cache.Len()
}
