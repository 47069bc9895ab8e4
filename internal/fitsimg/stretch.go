package fitsimg

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
)

// Clip is a brightness window [Min, Max] in physical units.
type Clip struct {
	Min float64
	Max float64
}

// Collapsed reports whether the window has zero width.
func (c Clip) Collapsed() bool { return c.Min == c.Max }

// MinMax returns the smallest and largest finite values.
func MinMax(pix []float64) Clip {
	vals := finite(pix)
	if len(vals) == 0 {
		return Clip{}
	}
	c := Clip{Min: vals[0], Max: vals[0]}
	for _, v := range vals[1:] {
		c.Min = math.Min(c.Min, v)
		c.Max = math.Max(c.Max, v)
	}
	return c
}

// Percentile returns the p-th percentile (0..100) of the finite values,
// interpolating linearly between the closest ranks.
func Percentile(pix []float64, p float64) float64 {
	vals := finite(pix)
	if len(vals) == 0 || math.IsNaN(p) {
		return math.NaN()
	}
	sort.Float64s(vals)
	return percentileSorted(vals, p)
}

// PercentileClip returns the window between the (100-upper)th and upper-th
// percentiles.
func PercentileClip(pix []float64, upper float64) (Clip, error) {
	if math.IsNaN(upper) || upper < 50 || upper > 100 {
		return Clip{}, fmt.Errorf("upper percentile must be between 50 and 100, got %v", upper)
	}
	vals := finite(pix)
	if len(vals) == 0 {
		return Clip{}, ErrNoImage
	}
	sort.Float64s(vals)
	return Clip{Min: percentileSorted(vals, 100-upper), Max: percentileSorted(vals, upper)}, nil
}

func percentileSorted(vals []float64, p float64) float64 {
	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(len(vals)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return vals[lo]
	}
	frac := rank - float64(lo)
	return vals[lo] + (vals[hi]-vals[lo])*frac
}

// Normalize maps clip.Min to 0 and clip.Max to 1. Values outside the window
// fall outside [0, 1]; a collapsed window maps everything to 0. NaNs become 0.
func Normalize(im *Image, clip Clip) *Image {
	out := im.Clone()
	span := clip.Max - clip.Min
	for i, v := range out.Pix {
		if span == 0 || math.IsNaN(v) {
			out.Pix[i] = 0
			continue
		}
		out.Pix[i] = (v - clip.Min) / span
	}
	return out
}

// AsinhStretch clips to [0, 1] and applies asinh(x/a)/asinh(1/a).
func AsinhStretch(im *Image, a float64) *Image {
	if a <= 0 {
		a = 1
	}
	out := im.Clone()
	norm := math.Asinh(1 / a)
	for i, v := range out.Pix {
		out.Pix[i] = math.Asinh(clamp01(v)/a) / norm
	}
	return out
}

// LinearStretch clips to [0, 1] and applies slope*x + intercept, clipping the
// result back into [0, 1].
func LinearStretch(im *Image, slope, intercept float64) *Image {
	out := im.Clone()
	for i, v := range out.Pix {
		out.Pix[i] = clamp01(slope*clamp01(v) + intercept)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// RGB is a three channel image with values nominally in [0, 1].
type RGB struct {
	Width  int
	Height int
	R      []float64
	G      []float64
	B      []float64
}

// Compose builds the two-band false-color image: red carries w1, blue carries
// w2 and green their average.
func Compose(w1, w2 *Image) (*RGB, error) {
	if w1.Width != w2.Width || w1.Height != w2.Height {
		return nil, fmt.Errorf("band sizes differ: %dx%d vs %dx%d", w1.Width, w1.Height, w2.Width, w2.Height)
	}
	n := len(w1.Pix)
	out := &RGB{Width: w1.Width, Height: w1.Height, R: make([]float64, n), G: make([]float64, n), B: make([]float64, n)}
	for i := 0; i < n; i++ {
		out.R[i] = w1.Pix[i]
		out.G[i] = (w1.Pix[i] + w2.Pix[i]) / 2
		out.B[i] = w2.Pix[i]
	}
	return out, nil
}

// Colorize normalizes a single band over its full range and tints it with
// the channel weights r, g, b.
func Colorize(im *Image, r, g, b float64) *RGB {
	norm := Normalize(im, MinMax(im.Pix))
	n := len(norm.Pix)
	out := &RGB{Width: im.Width, Height: im.Height, R: make([]float64, n), G: make([]float64, n), B: make([]float64, n)}
	for i, v := range norm.Pix {
		out.R[i] = r * v
		out.G[i] = g * v
		out.B[i] = b * v
	}
	return out
}

// Invert replaces every channel value v with 1 - v.
func (c *RGB) Invert() {
	for _, ch := range [][]float64{c.R, c.G, c.B} {
		for i, v := range ch {
			ch[i] = 1 - v
		}
	}
}

// NRGBA converts to 8-bit color. Values are scaled by 255 and truncated.
// With flip set, stored row 0 becomes the bottom row of the raster, which is
// the display orientation for FITS data.
func (c *RGB) NRGBA(flip bool) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, c.Width, c.Height))
	for y := 0; y < c.Height; y++ {
		row := y
		if flip {
			row = c.Height - 1 - y
		}
		for x := 0; x < c.Width; x++ {
			i := row*c.Width + x
			dst.SetNRGBA(x, y, color.NRGBA{R: to8(c.R[i]), G: to8(c.G[i]), B: to8(c.B[i]), A: 255})
		}
	}
	return dst
}

// Gray converts a plane with values in [0, 1] to 8-bit grayscale.
func (im *Image) Gray(flip bool) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		row := y
		if flip {
			row = im.Height - 1 - y
		}
		for x := 0; x < im.Width; x++ {
			dst.SetGray(x, y, color.Gray{Y: to8(im.Pix[row*im.Width+x])})
		}
	}
	return dst
}

func to8(v float64) uint8 {
	return uint8(clamp01(v) * 255)
}
