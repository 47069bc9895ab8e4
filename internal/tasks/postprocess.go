package tasks

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// ImageSize returns the pixel dimensions of the image at path.
func ImageSize(path string) (image.Point, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return image.Point{}, err
	}
	return img.Bounds().Size(), nil
}

// Resize overwrites path with a nearest-neighbor resize to width x height.
// Resizing to the current size leaves the file untouched.
func Resize(path string, width, height int) error {
	if width < 1 || height < 1 {
		return fmt.Errorf("resize %s: invalid size %dx%d", path, width, height)
	}
	img, err := imaging.Open(path)
	if err != nil {
		return err
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return nil
	}
	return imaging.Save(imaging.Resize(img, width, height, imaging.NearestNeighbor), path)
}

// Rescale multiplies both sides of the image at path by factor, truncating
// to whole pixels. Fractional factors are rejected unless allowNonInteger is
// set, since they duplicate pixel rows unevenly.
func Rescale(path string, factor float64, allowNonInteger bool) (image.Point, error) {
	if factor <= 0 || math.IsNaN(factor) {
		return image.Point{}, fmt.Errorf("scale factor must be positive, got %v", factor)
	}
	if !allowNonInteger && factor != math.Trunc(factor) {
		return image.Point{}, fmt.Errorf("scale factor must be an integer unless non-integer scaling is allowed, got %v", factor)
	}
	size, err := ImageSize(path)
	if err != nil {
		return image.Point{}, err
	}
	scaled := ScaledSize(size, factor)
	return scaled, Resize(path, scaled.X, scaled.Y)
}

// ScaledSize is size multiplied by factor with each side truncated.
func ScaledSize(size image.Point, factor float64) image.Point {
	return image.Pt(int(float64(size.X)*factor), int(float64(size.Y)*factor))
}
