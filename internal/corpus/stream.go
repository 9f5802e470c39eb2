package corpus

import (
	"context"
	"errors"
	"fmt"
	"io"

	"ipalab/internal/model"
)

// Stream is a forward-only source of labeled images. Next returns io.EOF
// once the source is exhausted. Items are consumed destructively.
type Stream interface {
	Next(ctx context.Context) (model.LabeledImage, error)
	Close() error
}

// Opener opens a fresh stream positioned at the first image of a locator.
type Opener func(ctx context.Context, locator string) (Stream, error)

// ErrShortStream is returned by streams from Exactly when the source ends
// before the requested number of items.
var ErrShortStream = errors.New("corpus: stream ended early")

type takeStream struct {
	src   Stream
	n     int
	left  int
	exact bool
}

// Take yields at most n items of src. Closing the result does not close src.
func Take(src Stream, n int) Stream {
	return &takeStream{src: src, n: n, left: n}
}

// Exactly is Take that fails with ErrShortStream instead of ending quietly
// when src runs out before n items.
func Exactly(src Stream, n int) Stream {
	return &takeStream{src: src, n: n, left: n, exact: true}
}

func (s *takeStream) Next(ctx context.Context) (model.LabeledImage, error) {
	if s.left <= 0 {
		return model.LabeledImage{}, io.EOF
	}
	item, err := s.src.Next(ctx)
	if s.exact && errors.Is(err, io.EOF) {
		return model.LabeledImage{}, fmt.Errorf("%w: got %d of %d images", ErrShortStream, s.n-s.left, s.n)
	}
	if err != nil {
		return model.LabeledImage{}, err
	}
	s.left--
	return item, nil
}

func (s *takeStream) Close() error { return nil }

// Skip discards n items. It returns the number actually skipped, which is
// smaller than n only when the stream ended early.
func Skip(ctx context.Context, src Stream, n int) (int, error) {
	for i := 0; i < n; i++ {
		if _, err := src.Next(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return i, nil
			}
			return i, err
		}
	}
	return n, nil
}

// Collect drains src into memory.
func Collect(ctx context.Context, src Stream) ([]model.LabeledImage, error) {
	var out []model.LabeledImage
	for {
		item, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
}

// SliceStream serves images from memory.
type SliceStream struct {
	items []model.LabeledImage
	pos   int
}

func NewSliceStream(items []model.LabeledImage) *SliceStream {
	return &SliceStream{items: items}
}

func (s *SliceStream) Next(ctx context.Context) (model.LabeledImage, error) {
	if err := ctx.Err(); err != nil {
		return model.LabeledImage{}, err
	}
	if s.pos >= len(s.items) {
		return model.LabeledImage{}, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

func (s *SliceStream) Close() error { return nil }

// Consumed reports how many items have been handed out.
func (s *SliceStream) Consumed() int { return s.pos }
