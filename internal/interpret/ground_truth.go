package interpret

import (
	"context"
	"fmt"
	"iter"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/dgryski/go-spooky"
	"github.com/gocarina/gocsv"

	"ipalab/internal/concepts"
	"ipalab/internal/model"
)

// Box is one annotated object with coordinates normalized to [0, 1].
type Box struct {
	ImageID string  `csv:"image_id"`
	Object  string  `csv:"object"`
	XMin    float64 `csv:"x_min"`
	YMin    float64 `csv:"y_min"`
	XMax    float64 `csv:"x_max"`
	YMax    float64 `csv:"y_max"`
}

type GroundTruthOptions struct {
	Perturbation
	// IgnoreImagesWithoutObjects makes unknown image ids yield no concepts
	// instead of failing.
	IgnoreImagesWithoutObjects bool
	// ObjectNames fixes the concept universe. When empty it is the sorted
	// set of annotated object names.
	ObjectNames []string
}

// GroundTruthObjects describes each image by the boxes annotated for it.
type GroundTruthObjects struct {
	opts   GroundTruthOptions
	names  []string
	index  map[string]int
	boxes  map[string][]Box
	digest uint64
}

// LoadGroundTruthObjects reads boxes from a CSV file with the header
// image_id,object,x_min,y_min,x_max,y_max.
func LoadGroundTruthObjects(path string, opts GroundTruthOptions) (*GroundTruthObjects, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var boxes []Box
	if err := gocsv.UnmarshalFile(f, &boxes); err != nil {
		return nil, fmt.Errorf("read object boxes %s: %w", path, err)
	}
	return NewGroundTruthObjects(boxes, opts)
}

func NewGroundTruthObjects(boxes []Box, opts GroundTruthOptions) (*GroundTruthObjects, error) {
	names := opts.ObjectNames
	if len(names) == 0 {
		seen := map[string]bool{}
		for _, b := range boxes {
			if !seen[b.Object] {
				seen[b.Object] = true
				names = append(names, b.Object)
			}
		}
		sort.Strings(names)
	}
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	var material strings.Builder
	for _, n := range names {
		fmt.Fprintf(&material, "%q\n", n)
	}
	byImage := make(map[string][]Box)
	for _, b := range boxes {
		fmt.Fprintf(&material, "%q %q %g %g %g %g\n", b.ImageID, b.Object, b.XMin, b.YMin, b.XMax, b.YMax)
		if _, ok := index[b.Object]; !ok {
			return nil, fmt.Errorf("%w: object %q of image %s", concepts.ErrUnknownConcept, b.Object, b.ImageID)
		}
		byImage[b.ImageID] = append(byImage[b.ImageID], b)
	}
	return &GroundTruthObjects{
		opts:   opts,
		names:  names,
		index:  index,
		boxes:  byImage,
		digest: spooky.Hash64([]byte(material.String())),
	}, nil
}

// Identity covers the annotation content and every option, so two
// interpreters share an identity only when they produce the same masks.
func (g *GroundTruthObjects) Identity() string {
	return fmt.Sprintf("ground_truth_objects(annotations=%016x,ignore_images_without_objects=%t,%s)",
		g.digest, g.opts.IgnoreImagesWithoutObjects, g.opts.Perturbation.identity())
}

func (g *GroundTruthObjects) String() string             { return "ground_truth_objects" }
func (g *GroundTruthObjects) Concepts() []string         { return g.names }
func (g *GroundTruthObjects) MaxPerturbedArea() float64  { return g.opts.MaxPerturbedArea }
func (g *GroundTruthObjects) MaxConceptOverlap() float64 { return g.opts.MaxConceptOverlap }

func (g *GroundTruthObjects) Interpret(_ context.Context, image model.LabeledImage) ([]concepts.ConceptMask, error) {
	boxes, ok := g.boxes[image.ID]
	if !ok {
		if g.opts.IgnoreImagesWithoutObjects {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", concepts.ErrNoConcepts, image.ID)
	}
	h, w := image.Image.Height, image.Image.Width
	out := make([]concepts.ConceptMask, 0, len(boxes))
	for _, b := range boxes {
		mask := model.NewMask(h, w)
		y0 := int(clip(b.YMin*float64(h), float64(h)))
		y1 := int(math.Ceil(clip(b.YMax*float64(h), float64(h))))
		x0 := int(clip(b.XMin*float64(w), float64(w)))
		x1 := int(math.Ceil(clip(b.XMax*float64(w), float64(w))))
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				mask.Set(y, x, true)
			}
		}
		out = append(out, concepts.ConceptMask{ConceptID: g.index[b.Object], Mask: mask})
	}
	return out, nil
}

func (g *GroundTruthObjects) Counterfactuals(ctx context.Context, image model.LabeledImage, shuffle bool) iter.Seq2[concepts.Counterfactual, error] {
	return counterfactuals(ctx, g, g.opts.Perturbation, image, shuffle)
}

func clip(v, hi float64) float64 {
	return math.Min(math.Max(v, 0), hi)
}
