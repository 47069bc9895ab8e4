package tasks

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"github.com/disintegration/imaging"
)

// GridStyle selects how grid lines are drawn.
type GridStyle int

const (
	GridSolid GridStyle = iota
	GridIntersection
	GridDashed
)

func (s GridStyle) String() string {
	switch s {
	case GridSolid:
		return "Solid"
	case GridIntersection:
		return "Intersection"
	case GridDashed:
		return "Dashed"
	default:
		return fmt.Sprintf("GridStyle(%d)", int(s))
	}
}

// GridStyleError reports an unrecognized grid style name.
type GridStyleError struct {
	Style string
}

func (e *GridStyleError) Error() string {
	return fmt.Sprintf("invalid grid type %q: should be Solid, Intersection, or Dashed", e.Style)
}

// ParseGridStyle reads a style name, ignoring case.
func ParseGridStyle(s string) (GridStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "solid":
		return GridSolid, nil
	case "intersection":
		return GridIntersection, nil
	case "dashed":
		return GridDashed, nil
	}
	return 0, &GridStyleError{Style: s}
}

var namedColors = map[string]color.Color{
	"black": color.Black,
	"white": color.White,
	"red":   color.NRGBA{R: 255, A: 255},
	"green": color.NRGBA{G: 255, A: 255},
	"blue":  color.NRGBA{B: 255, A: 255},
}

// ParseColor reads a color name or a #rrggbb hex triplet.
func ParseColor(s string) (color.Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	var r, g, b uint8
	if len(s) == 7 && s[0] == '#' {
		if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err == nil {
			return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
		}
	}
	return nil, fmt.Errorf("invalid color %q: use a name or #rrggbb", s)
}

// GridOptions configures the overlay.
type GridOptions struct {
	Count int // cells along each axis
	Style GridStyle
	Color color.Color
}

// DefaultGrid is five black solid cells per side.
func DefaultGrid() GridOptions {
	return GridOptions{Count: 5, Style: GridSolid, Color: color.Black}
}

const (
	crossSize     = 10
	dashesPerCell = 5
	dashSpacing   = 20
)

// gridLayout is the spacing arithmetic shared by every style. Lines sit one
// pixel apart from the cells they bound and the pattern is centered.
type gridLayout struct {
	step   int
	offset int
}

func layoutFor(width, count int) (gridLayout, error) {
	if count < 1 {
		return gridLayout{}, fmt.Errorf("grid count must be at least 1, got %d", count)
	}
	if width < count+1 {
		return gridLayout{}, fmt.Errorf("image width %d is too small for %d grid cells", width, count)
	}
	side := (width - (count + 1)) / count
	span := side*count + count + 1
	return gridLayout{step: side + 1, offset: (width % span) / 2}, nil
}

// DrawGrid paints the grid onto img in place.
func DrawGrid(img draw.Image, opts GridOptions) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	l, err := layoutFor(w, opts.Count)
	if err != nil {
		return err
	}
	c := opts.Color
	if c == nil {
		c = color.Black
	}
	pen := linePen{img: img, min: b.Min, c: c}

	switch opts.Style {
	case GridSolid:
		for x := 0; x < w; x += l.step {
			pen.vertical(x+l.offset, 0, h)
		}
		for y := 0; y < h; y += l.step {
			pen.horizontal(y+l.offset, 0, w)
		}

	case GridIntersection:
		for x := 0; x <= w; x += l.step {
			for y := 0; y <= h; y += l.step {
				cx, cy := x+l.offset, y+l.offset
				pen.horizontal(cy, cx-crossSize, cx+crossSize)
				pen.vertical(cx, cy-crossSize, cy+crossSize)
			}
		}

	case GridDashed:
		reduced := float64(w - (opts.Count + 1))
		dash := int(((reduced/float64(opts.Count) + 2) - float64((dashesPerCell-1)*dashSpacing)) / dashesPerCell)
		period := dash + dashSpacing
		if period <= 0 {
			return fmt.Errorf("image width %d is too small for dashed grid cells", w)
		}
		for x := 0; x < w; x += l.step {
			for y := 0; y < h; y += period {
				pen.vertical(x+l.offset, y+l.offset, y+l.offset+dash)
			}
		}
		for y := 0; y < h; y += l.step {
			for x := 0; x < w; x += period {
				pen.horizontal(y+l.offset, x+l.offset, x+l.offset+dash)
			}
		}

	default:
		return &GridStyleError{Style: opts.Style.String()}
	}
	return nil
}

// ApplyGrid draws the grid onto the image file at path and saves it in place.
func ApplyGrid(path string, opts GridOptions) error {
	src, err := imaging.Open(path)
	if err != nil {
		return err
	}
	img := imaging.Clone(src)
	if err := DrawGrid(img, opts); err != nil {
		return fmt.Errorf("grid %s: %w", path, err)
	}
	return imaging.Save(img, path)
}

// linePen draws one-pixel axis-aligned lines with inclusive end points,
// clipped to the image.
type linePen struct {
	img draw.Image
	min image.Point
	c   color.Color
}

func (p linePen) vertical(x, y0, y1 int) {
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	for y := y0; y <= y1; y++ {
		p.set(x, y)
	}
}

func (p linePen) horizontal(y, x0, x1 int) {
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	for x := x0; x <= x1; x++ {
		p.set(x, y)
	}
}

func (p linePen) set(x, y int) {
	pt := image.Pt(x, y).Add(p.min)
	if pt.In(p.img.Bounds()) {
		p.img.Set(pt.X, pt.Y, p.c)
	}
}
