package model

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

var ErrInvalidImage = errors.New("invalid image")

// Image is an H×W raster with three bytes (R, G, B) per pixel, row major.
type Image struct {
	Height int
	Width  int
	Pix    []byte
}

// LabeledImage pairs an image with the identifier it was read under.
type LabeledImage struct {
	ID    string
	Image Image
}

func NewImage(height, width int) Image {
	return Image{Height: height, Width: width, Pix: make([]byte, height*width*3)}
}

// FromStd converts any decoded image into an RGB raster.
func FromStd(src image.Image) Image {
	b := src.Bounds()
	img := NewImage(b.Dy(), b.Dx())
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			img.Set(y, x, c.R, c.G, c.B)
		}
	}
	return img
}

// ToStd returns the raster as an opaque image.NRGBA.
func (im Image) ToStd() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			r, g, b := im.At(y, x)
			out.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 0xff})
		}
	}
	return out
}

func (im Image) Validate() error {
	if im.Height <= 0 || im.Width <= 0 {
		return fmt.Errorf("%w: non-positive shape %dx%d", ErrInvalidImage, im.Height, im.Width)
	}
	if len(im.Pix) != im.Height*im.Width*3 {
		return fmt.Errorf("%w: %d bytes for shape %dx%dx3", ErrInvalidImage, len(im.Pix), im.Height, im.Width)
	}
	return nil
}

func (im Image) SameShape(other Image) bool {
	return im.Height == other.Height && im.Width == other.Width
}

func (im Image) At(y, x int) (r, g, b byte) {
	i := (y*im.Width + x) * 3
	return im.Pix[i], im.Pix[i+1], im.Pix[i+2]
}

func (im Image) Set(y, x int, r, g, b byte) {
	i := (y*im.Width + x) * 3
	im.Pix[i], im.Pix[i+1], im.Pix[i+2] = r, g, b
}

func (im Image) Clone() Image {
	pix := make([]byte, len(im.Pix))
	copy(pix, im.Pix)
	return Image{Height: im.Height, Width: im.Width, Pix: pix}
}

// Mask is a boolean H×W pixel selection.
type Mask struct {
	Height int
	Width  int
	Bits   []bool
}

func NewMask(height, width int) Mask {
	return Mask{Height: height, Width: width, Bits: make([]bool, height*width)}
}

func (m Mask) Get(y, x int) bool {
	return m.Bits[y*m.Width+x]
}

func (m Mask) Set(y, x int, v bool) {
	m.Bits[y*m.Width+x] = v
}

// Area is the number of selected pixels.
func (m Mask) Area() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Fraction is the selected share of all pixels.
func (m Mask) Fraction() float64 {
	if len(m.Bits) == 0 {
		return 0
	}
	return float64(m.Area()) / float64(len(m.Bits))
}

// Overlap counts pixels selected by both masks. Masks of different shape do
// not overlap.
func (m Mask) Overlap(other Mask) int {
	if m.Height != other.Height || m.Width != other.Width {
		return 0
	}
	n := 0
	for i, b := range m.Bits {
		if b && other.Bits[i] {
			n++
		}
	}
	return n
}

// Fill paints every selected pixel of img with the given color.
func (m Mask) Fill(img Image, r, g, b byte) {
	for i, sel := range m.Bits {
		if sel {
			img.Pix[i*3], img.Pix[i*3+1], img.Pix[i*3+2] = r, g, b
		}
	}
}
