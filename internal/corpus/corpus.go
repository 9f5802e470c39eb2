// Package corpus holds the image sample an IPA run works on. A Corpus is
// built once from a forward-only stream into an arena and is immutable
// afterwards, so any number of workers may read it concurrently.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"ipalab/internal/logging"
	"ipalab/internal/model"
)

var (
	ErrShapeMismatch     = errors.New("corpus: inconsistent image shape")
	ErrEmpty             = errors.New("corpus: no images")
	ErrClosed            = errors.New("corpus: arena released")
	ErrIndexOutOfRange   = errors.New("corpus: index out of range")
	ErrMaskLength        = errors.New("corpus: mask length differs from corpus length")
	ErrCountDisagreement = errors.New("corpus: id and image counts disagree")
)

type Options struct {
	// Dir is where the arena file is created. Empty means os.TempDir().
	Dir string
	// InMemory keeps pixels on the heap instead of a mapped file.
	InMemory bool
	Logger   *logging.Logger
}

// Corpus is an indexable sequence of (id, image) pairs. Subsets share the
// arena of the corpus they were cut from; only the root owns it.
type Corpus struct {
	arena  *Arena
	root   bool
	height int
	width  int
	ids    []string
	slots  []int
}

// Build materializes every item of src.
func Build(ctx context.Context, src Stream, opts Options) (*Corpus, error) {
	arena, err := newArena(opts.Dir, opts.InMemory)
	if err != nil {
		return nil, err
	}
	c := &Corpus{arena: arena, root: true}
	if err := c.fill(ctx, src); err != nil {
		_ = arena.Release()
		return nil, err
	}
	logging.Or(opts.Logger).Debug("corpus built",
		"images", c.Len(),
		"shape", fmt.Sprintf("%dx%dx3", c.height, c.width),
		"size", humanize.Bytes(uint64(arena.Size())),
		"in_memory", opts.InMemory)
	return c, nil
}

// With builds a corpus, hands it to fn and releases the arena on every
// return path.
func With(ctx context.Context, src Stream, opts Options, fn func(*Corpus) error) (err error) {
	c, err := Build(ctx, src, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(c)
}

// FromImages builds a corpus from parallel id and image slices.
func FromImages(ctx context.Context, ids []string, images []model.Image, opts Options) (*Corpus, error) {
	if len(ids) != len(images) {
		return nil, fmt.Errorf("%w: %d ids, %d images", ErrCountDisagreement, len(ids), len(images))
	}
	items := make([]model.LabeledImage, len(ids))
	for i := range ids {
		items[i] = model.LabeledImage{ID: ids[i], Image: images[i]}
	}
	return Build(ctx, NewSliceStream(items), opts)
}

func (c *Corpus) fill(ctx context.Context, src Stream) error {
	for {
		item, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read image %d: %w", len(c.ids), err)
		}
		if err := item.Image.Validate(); err != nil {
			return fmt.Errorf("%w: image %q: %v", ErrShapeMismatch, item.ID, err)
		}
		if len(c.ids) == 0 {
			c.height, c.width = item.Image.Height, item.Image.Width
		} else if item.Image.Height != c.height || item.Image.Width != c.width {
			return fmt.Errorf("%w: image %q is %dx%d, expected %dx%d",
				ErrShapeMismatch, item.ID, item.Image.Height, item.Image.Width, c.height, c.width)
		}
		if err := c.arena.append(item.Image.Pix); err != nil {
			return fmt.Errorf("store image %q: %w", item.ID, err)
		}
		c.slots = append(c.slots, len(c.ids))
		c.ids = append(c.ids, item.ID)
	}
	if len(c.ids) == 0 {
		return ErrEmpty
	}
	return c.arena.seal()
}

func (c *Corpus) Len() int {
	return len(c.ids)
}

// Shape returns the height and width shared by all images.
func (c *Corpus) Shape() (int, int) {
	return c.height, c.width
}

// IDs returns a copy of the image ids in corpus order.
func (c *Corpus) IDs() []string {
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

func (c *Corpus) ID(i int) string {
	return c.ids[i]
}

// At returns image i. The pixels are copied out of the arena, so the
// result stays valid after the corpus is closed.
func (c *Corpus) At(i int) (model.LabeledImage, error) {
	if i < 0 || i >= len(c.ids) {
		return model.LabeledImage{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(c.ids))
	}
	n := c.height * c.width * 3
	pix, err := c.arena.read(c.slots[i]*n, n)
	if err != nil {
		return model.LabeledImage{}, err
	}
	return model.LabeledImage{
		ID:    c.ids[i],
		Image: model.Image{Height: c.height, Width: c.width, Pix: pix},
	}, nil
}

// Subset returns the images at the given positions, in that order.
func (c *Corpus) Subset(indices []int) (*Corpus, error) {
	out := &Corpus{
		arena:  c.arena,
		height: c.height,
		width:  c.width,
		ids:    make([]string, 0, len(indices)),
		slots:  make([]int, 0, len(indices)),
	}
	for _, i := range indices {
		if i < 0 || i >= len(c.ids) {
			return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(c.ids))
		}
		out.ids = append(out.ids, c.ids[i])
		out.slots = append(out.slots, c.slots[i])
	}
	return out, nil
}

// Mask returns the images whose mask entry is true.
func (c *Corpus) Mask(mask []bool) (*Corpus, error) {
	if len(mask) != len(c.ids) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrMaskLength, len(mask), len(c.ids))
	}
	indices := make([]int, 0, len(mask))
	for i, keep := range mask {
		if keep {
			indices = append(indices, i)
		}
	}
	return c.Subset(indices)
}

// Stream replays the corpus in order.
func (c *Corpus) Stream() Stream {
	return &corpusStream{c: c}
}

// Close releases the arena when called on the root corpus. Closing a
// subset is a no-op.
func (c *Corpus) Close() error {
	if !c.root {
		return nil
	}
	return c.arena.Release()
}

type corpusStream struct {
	c   *Corpus
	pos int
}

func (s *corpusStream) Next(ctx context.Context) (model.LabeledImage, error) {
	if err := ctx.Err(); err != nil {
		return model.LabeledImage{}, err
	}
	if s.pos >= s.c.Len() {
		return model.LabeledImage{}, io.EOF
	}
	item, err := s.c.At(s.pos)
	if err != nil {
		return model.LabeledImage{}, err
	}
	s.pos++
	return item, nil
}

func (s *corpusStream) Close() error { return nil }
