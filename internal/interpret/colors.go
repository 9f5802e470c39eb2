package interpret

import (
	"context"
	"fmt"
	"iter"
	"math"

	"ipalab/internal/concepts"
	"ipalab/internal/model"
)

// ColorNames is the concept universe of PerceivableColors.
var ColorNames = []string{
	"red", "orange", "gold", "yellow",
	"green", "turquoise", "blue",
	"purple", "magenta",
	"black", "white", "grey",
}

// hueBins maps upper hue bounds in degrees to color ids.
var hueBins = []struct {
	upper float64
	color int
}{
	{20, 0}, {45, 1}, {55, 2}, {65, 3}, {155, 4}, {185, 5}, {250, 6}, {280, 7}, {320, 8}, {360, 0},
}

const (
	colorBlack = 9
	colorWhite = 10
	colorGrey  = 11
)

type ColorOptions struct {
	Perturbation
	// MinArea is the image share a color needs to count as present.
	MinArea float64
}

// PerceivableColors yields one mask per clearly perceivable color.
type PerceivableColors struct {
	opts ColorOptions
}

func NewPerceivableColors(opts ColorOptions) *PerceivableColors {
	return &PerceivableColors{opts: opts}
}

// Identity includes every option that changes masks or counterfactuals.
func (p *PerceivableColors) Identity() string {
	return fmt.Sprintf("perceivable_colors(min_area=%g,%s)", p.opts.MinArea, p.opts.Perturbation.identity())
}

func (p *PerceivableColors) String() string             { return "perceivable_colors" }
func (p *PerceivableColors) Concepts() []string         { return ColorNames }
func (p *PerceivableColors) MaxPerturbedArea() float64  { return p.opts.MaxPerturbedArea }
func (p *PerceivableColors) MaxConceptOverlap() float64 { return p.opts.MaxConceptOverlap }

func (p *PerceivableColors) Interpret(ctx context.Context, image model.LabeledImage) ([]concepts.ConceptMask, error) {
	img := image.Image
	masks := make([]model.Mask, len(ColorNames))
	for i := range masks {
		masks[i] = model.NewMask(img.Height, img.Width)
	}
	for y := 0; y < img.Height; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < img.Width; x++ {
			if c, ok := classifyPixel(img.At(y, x)); ok {
				masks[c].Set(y, x, true)
			}
		}
	}
	var out []concepts.ConceptMask
	for c, m := range masks {
		if a := m.Area(); a > 0 && m.Fraction() >= p.opts.MinArea {
			out = append(out, concepts.ConceptMask{ConceptID: c, Mask: m})
		}
	}
	return out, nil
}

func (p *PerceivableColors) Counterfactuals(ctx context.Context, image model.LabeledImage, shuffle bool) iter.Seq2[concepts.Counterfactual, error] {
	return counterfactuals(ctx, p, p.opts.Perturbation, image, shuffle)
}

// classifyPixel names the color of one pixel. Pixels whose saturation is
// too low to name a hue but too high to be grey have no color.
func classifyPixel(r, g, b byte) (int, bool) {
	hue, sat, light := rgbToHSL(r, g, b)
	switch {
	case light < 0.1:
		return colorBlack, true
	case light > 0.9:
		return colorWhite, true
	case sat < 0.1:
		return colorGrey, true
	case sat < 0.7:
		return 0, false
	}
	deg := hue * 360
	for _, bin := range hueBins {
		if deg < bin.upper {
			return bin.color, true
		}
	}
	return 0, true
}

func rgbToHSL(r8, g8, b8 byte) (h, s, l float64) {
	r, g, b := float64(r8)/255, float64(g8)/255, float64(b8)/255
	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	l = (maxC + minC) / 2
	delta := maxC - minC
	if delta == 0 {
		return 0, 0, l
	}
	if l < 0.5 {
		s = delta / (maxC + minC)
	} else {
		s = delta / (2 - maxC - minC)
	}
	switch maxC {
	case r:
		h = (g - b) / delta
		if h < 0 {
			h += 6
		}
	case g:
		h = (b-r)/delta + 2
	default:
		h = (r-g)/delta + 4
	}
	return h / 6, s, l
}
