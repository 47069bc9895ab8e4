// Package fitsimg decodes FITS image data and turns it into displayable
// rasters: brightness clipping, asinh and linear stretches, two-band color
// composites, and inversion.
package fitsimg

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/astrogo/fitsio"
)

// ErrNoImage is returned when a FITS stream holds no 2-D image data.
var ErrNoImage = errors.New("fits: no image data")

// Image is one 2-D plane of physical values. Pix is row-major with row 0 being
// the first row stored in the file, which is the bottom row on the sky.
type Image struct {
	Name   string
	Width  int
	Height int
	Pix    []float64
}

// NewImage allocates a zeroed plane.
func NewImage(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// At returns the value at column x of stored row y.
func (im *Image) At(x, y int) float64 { return im.Pix[y*im.Width+x] }

// Square reports whether the plane has equal sides.
func (im *Image) Square() bool { return im.Width == im.Height }

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	c := *im
	c.Pix = append([]float64(nil), im.Pix...)
	return &c
}

// Decode reads every image plane from a FITS stream. Gzip-compressed streams
// are accepted. Header-only HDUs are skipped and 3-D cubes are split into one
// Image per plane.
func Decode(r io.Reader) ([]*Image, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("fits: gzip: %w", err)
		}
		defer zr.Close()
		return decode(zr)
	}
	return decode(br)
}

// DecodeBytes is Decode over an in-memory file.
func DecodeBytes(data []byte) ([]*Image, error) {
	return Decode(bytes.NewReader(data))
}

// DecodeFirst returns the first image plane of the stream.
func DecodeFirst(r io.Reader) (*Image, error) {
	images, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return images[0], nil
}

func decode(r io.Reader) ([]*Image, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("fits: open: %w", err)
	}
	defer f.Close()

	var out []*Image
	for i, hdu := range f.HDUs() {
		if hdu.Type() != fitsio.IMAGE_HDU {
			continue
		}
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		axes := img.Header().Axes()
		if len(axes) < 2 || axes[0] == 0 || axes[1] == 0 {
			continue
		}
		values, err := readValues(img)
		if err != nil {
			return nil, fmt.Errorf("fits: hdu %d: %w", i, err)
		}

		name := hdu.Name()
		if name == "" {
			name = fmt.Sprintf("hdu%d", i)
		}
		width, height := axes[0], axes[1]
		planes := 1
		for _, n := range axes[2:] {
			planes *= n
		}
		plane := width * height
		for p := 0; p < planes; p++ {
			im := &Image{Name: name, Width: width, Height: height, Pix: values[p*plane : (p+1)*plane]}
			if planes > 1 {
				im.Name = fmt.Sprintf("%s[%d]", name, p)
			}
			out = append(out, im)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoImage
	}
	return out, nil
}

func readValues(img fitsio.Image) ([]float64, error) {
	hdr := img.Header()
	n := 1
	for _, a := range hdr.Axes() {
		n *= a
	}

	out := make([]float64, n)
	switch hdr.Bitpix() {
	case 8:
		buf := make([]uint8, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 16:
		buf := make([]int16, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 32:
		buf := make([]int32, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 64:
		buf := make([]int64, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case -32:
		buf := make([]float32, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case -64:
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", hdr.Bitpix())
	}

	zero, scale := cardFloat(hdr, "BZERO", 0), cardFloat(hdr, "BSCALE", 1)
	if zero != 0 || scale != 1 {
		for i, v := range out {
			out[i] = v*scale + zero
		}
	}
	return out, nil
}

func cardFloat(hdr *fitsio.Header, name string, def float64) float64 {
	card := hdr.Get(name)
	if card == nil {
		return def
	}
	switch v := card.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// Encode writes planes as a FITS primary image with BITPIX -64. Several
// planes of equal size are stored as one cube, which Decode splits again.
func Encode(w io.Writer, planes ...*Image) error {
	if len(planes) == 0 {
		return ErrNoImage
	}
	width, height := planes[0].Width, planes[0].Height
	axes := []int{width, height}
	if len(planes) > 1 {
		axes = append(axes, len(planes))
	}
	pix := make([]float64, 0, width*height*len(planes))
	for i, p := range planes {
		if p.Width != width || p.Height != height {
			return fmt.Errorf("fits: plane %d is %dx%d, want %dx%d", i, p.Width, p.Height, width, height)
		}
		pix = append(pix, p.Pix...)
	}

	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()
	img := fitsio.NewImage(-64, axes)
	defer img.Close()
	if err := img.Write(pix); err != nil {
		return err
	}
	return f.Write(img)
}

// finite returns the non-NaN, non-Inf values.
func finite(pix []float64) []float64 {
	out := make([]float64, 0, len(pix))
	for _, v := range pix {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}
