// Package legacy builds requests for the Legacy Surveys sky viewer and its
// JPEG and FITS cutout endpoints.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"

	"flipbooks/internal/catalog"
	"flipbooks/internal/config"
	"flipbooks/internal/fetch"
	"flipbooks/internal/params"
)

// MaxCutoutPixels bounds size, width and height.
const MaxCutoutPixels = 3000

// Keys that are not scalar options and are handled separately.
const (
	keyOverlays = "overlays"
	keyMark     = "mark"
	keyPoly     = "poly"
)

// Defaults returns the scalar options of a cutout query. The position is WISE 0855-0714.
func Defaults() params.Options {
	return params.Options{
		"layer":       "ls-dr10",
		"ra":          133.786245,
		"dec":         -7.244372,
		"zoom":        10,
		"pixel_scale": 0.262,
		"bands":       "grz",
		"size":        512,
		"width":       512,
		"height":      512,
		"fov":         0.0,
		"blink":       "",
	}
}

// Query is a validated cutout request.
type Query struct {
	endpoints config.Endpoints
	opts      params.Options
	overlays  []catalog.Entry
	marks     []orb.Point
	polys     []orb.Ring
	// explicit width/height instead of a square size
	rect bool
}

// NewQuery validates overrides. Besides the scalar keys of Defaults it accepts
// "overlays" ([]string of tokens or aliases), "mark" ([]orb.Point or
// [][2]float64 as ra,dec) and "poly" ([]orb.Ring or [][][2]float64).
func NewQuery(endpoints config.Endpoints, overrides map[string]any) (*Query, error) {
	cat := catalog.Default()
	q := &Query{endpoints: endpoints}

	scalars := make(map[string]any, len(overrides))
	for k, v := range overrides {
		switch strings.ToLower(k) {
		case keyOverlays:
			names, err := stringList(v)
			if err != nil {
				return nil, &params.InvalidValueError{Key: keyOverlays, Value: v, Reason: err.Error()}
			}
			for _, name := range names {
				entry, err := cat.ResolveOverlay(name)
				if err != nil {
					return nil, err
				}
				q.overlays = append(q.overlays, entry)
			}
		case keyMark:
			points, err := toPoints(v)
			if err != nil {
				return nil, &params.InvalidValueError{Key: keyMark, Value: v, Reason: err.Error()}
			}
			q.marks = append(q.marks, points...)
		case keyPoly:
			rings, err := toRings(v)
			if err != nil {
				return nil, &params.InvalidValueError{Key: keyPoly, Value: v, Reason: err.Error()}
			}
			q.polys = append(q.polys, rings...)
		default:
			scalars[k] = v
		}
	}

	defaults := Defaults()
	opts, err := params.Merge(defaults, scalars)
	if err != nil {
		var unknown *params.UnknownParameterError
		if errors.As(err, &unknown) {
			unknown.Allowed = append(unknown.Allowed, keyMark, keyOverlays, keyPoly)
		}
		return nil, err
	}
	given := params.Given(defaults, scalars)

	if opts["layer"], err = cat.ResolveLayer(opts.String("layer")); err != nil {
		return nil, err
	}
	if !opts.IsBlank("blink") {
		if opts["blink"], err = cat.ResolveLayer(opts.String("blink")); err != nil {
			return nil, err
		}
	}

	if given["size"] && (given["width"] || given["height"]) {
		return nil, &params.ConflictError{Keys: []string{"size", "width/height"}}
	}
	if given["fov"] && (given["size"] || given["width"] || given["height"]) {
		return nil, &params.ConflictError{Keys: []string{"fov", "size", "width/height"}}
	}
	q.rect = given["width"] || given["height"]

	if err := params.RequireRange("zoom", opts.Float("zoom"), 1, 16); err != nil {
		return nil, err
	}
	if opts.Float("pixel_scale") <= 0 {
		return nil, &params.InvalidValueError{Key: "pixel_scale", Value: opts["pixel_scale"], Reason: "must be positive"}
	}
	if given["fov"] {
		if opts.Float("fov") <= 0 {
			return nil, &params.InvalidValueError{Key: "fov", Value: opts["fov"], Reason: "must be positive"}
		}
		opts["size"] = int(opts.Float("fov") / opts.Float("pixel_scale"))
	}
	for _, k := range []string{"size", "width", "height"} {
		if err := params.RequireRange(k, opts.Float(k), 1, MaxCutoutPixels); err != nil {
			return nil, err
		}
	}
	if err := params.RequireHalfOpen("ra", opts.Float("ra"), 0, 360); err != nil {
		return nil, err
	}
	if err := params.RequireRange("dec", opts.Float("dec"), -90, 90); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.String("bands")) == "" {
		return nil, &params.InvalidValueError{Key: "bands", Value: opts["bands"], Reason: "must not be empty"}
	}
	for i, ring := range q.polys {
		if len(ring) < 3 {
			return nil, &params.InvalidValueError{Key: keyPoly, Value: i, Reason: "a polygon needs at least 3 vertices"}
		}
	}

	q.opts = opts
	return q, nil
}

// Options returns a copy of the merged scalar options.
func (q *Query) Options() params.Options { return q.opts.Clone() }

// Size returns the output dimensions in pixels.
func (q *Query) Size() (width, height int) {
	if q.rect {
		return q.opts.Int("width"), q.opts.Int("height")
	}
	return q.opts.Int("size"), q.opts.Int("size")
}

// FOV returns the angular width of the cutout in arcseconds.
func (q *Query) FOV() float64 {
	w, _ := q.Size()
	return float64(w) * q.opts.Float("pixel_scale")
}

// ViewerURL links the interactive viewer.
func (q *Query) ViewerURL() string {
	return q.build(q.endpoints.LegacyViewer, true)
}

// JPEGCutoutURL links a JPEG cutout.
func (q *Query) JPEGCutoutURL() string {
	return q.build(q.endpoints.LegacyJPEGCutout, false)
}

// FITSCutoutURL links a FITS cutout.
func (q *Query) FITSCutoutURL() string {
	return q.build(q.endpoints.LegacyFITSCutout, false)
}

// build serializes the query. Scalars come first as key=value, then overlays
// (bare tokens, or token=ra,dec for anchored ones), marks and polygons.
func (q *Query) build(base string, viewer bool) string {
	o := q.opts
	var parts []string
	add := func(k, v string) {
		parts = append(parts, url.QueryEscape(k)+"="+escapeList(v))
	}

	add("ra", o.String("ra"))
	add("dec", o.String("dec"))
	add("layer", o.String("layer"))
	if viewer {
		add("zoom", o.String("zoom"))
		if !o.IsBlank("blink") {
			add("blink", o.String("blink"))
		}
	} else {
		add("pixscale", o.String("pixel_scale"))
		add("bands", o.String("bands"))
		if q.rect {
			add("width", o.String("width"))
			add("height", o.String("height"))
		} else {
			add("size", o.String("size"))
		}
	}

	for _, ov := range q.overlays {
		if ov.Anchor {
			add(ov.Name, coord(orb.Point{o.Float("ra"), o.Float("dec")}))
			continue
		}
		parts = append(parts, url.QueryEscape(ov.Name))
	}
	for _, p := range q.marks {
		add(keyMark, coord(p))
	}
	for _, ring := range q.polys {
		vertices := make([]string, len(ring))
		for i, p := range ring {
			vertices[i] = coord(p)
		}
		add(keyPoly, strings.Join(vertices, ","))
	}

	return base + "?" + strings.Join(parts, "&")
}

// escapeList escapes a value but keeps list commas readable.
func escapeList(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "%2C", ",")
}

func coord(p orb.Point) string {
	return params.Format(p.X()) + "," + params.Format(p.Y())
}

// DownloadJPEG fetches the JPEG cutout into path.
func (q *Query) DownloadJPEG(ctx context.Context, c *fetch.Client, path string) error {
	return q.download(ctx, c, q.JPEGCutoutURL(), path)
}

// DownloadFITS fetches the FITS cutout into path.
func (q *Query) DownloadFITS(ctx context.Context, c *fetch.Client, path string) error {
	return q.download(ctx, c, q.FITSCutoutURL(), path)
}

// FetchFITS returns the FITS cutout bytes without writing them.
func (q *Query) FetchFITS(ctx context.Context, c *fetch.Client) ([]byte, error) {
	return c.Get(ctx, q.FITSCutoutURL(), nil)
}

func (q *Query) download(ctx context.Context, c *fetch.Client, u, path string) error {
	body, err := c.Get(ctx, u, nil)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, body, 0o644)
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d is %T, not a string", i, item)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("must be a list, got %T", v)
}

func toPoints(v any) ([]orb.Point, error) {
	switch list := v.(type) {
	case orb.Point:
		return []orb.Point{list}, checkPoints([]orb.Point{list})
	case []orb.Point:
		return list, checkPoints(list)
	case orb.MultiPoint:
		return []orb.Point(list), checkPoints(list)
	case [][2]float64:
		out := make([]orb.Point, len(list))
		for i, p := range list {
			out[i] = orb.Point(p)
		}
		return out, checkPoints(out)
	case []any:
		out := make([]orb.Point, 0, len(list))
		for i, item := range list {
			p, err := anyPoint(item)
			if err != nil {
				return nil, fmt.Errorf("point %d: %w", i, err)
			}
			out = append(out, p)
		}
		return out, checkPoints(out)
	}
	return nil, fmt.Errorf("must be a list of (ra, dec) points, got %T", v)
}

func toRings(v any) ([]orb.Ring, error) {
	switch list := v.(type) {
	case orb.Ring:
		return []orb.Ring{list}, checkPoints(list)
	case []orb.Ring:
		for _, r := range list {
			if err := checkPoints(r); err != nil {
				return nil, err
			}
		}
		return list, nil
	case orb.Polygon:
		return toRings([]orb.Ring(list))
	case [][][2]float64:
		out := make([]orb.Ring, len(list))
		for i, verts := range list {
			pts, err := toPoints(verts)
			if err != nil {
				return nil, err
			}
			out[i] = orb.Ring(pts)
		}
		return out, nil
	case []any:
		out := make([]orb.Ring, 0, len(list))
		for i, item := range list {
			pts, err := toPoints(item)
			if err != nil {
				return nil, fmt.Errorf("polygon %d: %w", i, err)
			}
			out = append(out, orb.Ring(pts))
		}
		return out, nil
	}
	return nil, fmt.Errorf("must be a list of polygons, got %T", v)
}

func anyPoint(v any) (orb.Point, error) {
	switch p := v.(type) {
	case orb.Point:
		return p, nil
	case [2]float64:
		return orb.Point(p), nil
	case []float64:
		if len(p) == 2 {
			return orb.Point{p[0], p[1]}, nil
		}
	case []any:
		if len(p) == 2 {
			ra, ok1 := p[0].(float64)
			dec, ok2 := p[1].(float64)
			if ok1 && ok2 {
				return orb.Point{ra, dec}, nil
			}
		}
	}
	return orb.Point{}, fmt.Errorf("expected [ra, dec], got %v", v)
}

func checkPoints(points []orb.Point) error {
	for _, p := range points {
		if math.IsNaN(p.X()) || p.X() < 0 || p.X() >= 360 || p.Y() < -90 || p.Y() > 90 {
			return fmt.Errorf("point %v outside the sky", p)
		}
	}
	return nil
}

// ParsePoints reads "ra,dec;ra,dec" into points.
func ParsePoints(s string) ([]orb.Point, error) {
	var out []orb.Point
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		var ra, dec float64
		if _, err := fmt.Sscanf(strings.ReplaceAll(pair, ",", " "), "%g %g", &ra, &dec); err != nil {
			return nil, fmt.Errorf("parse point %q: %w", pair, err)
		}
		out = append(out, orb.Point{ra, dec})
	}
	return out, checkPoints(out)
}
