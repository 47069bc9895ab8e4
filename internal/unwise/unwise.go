// Package unwise fetches unWISE coadd cutouts and renders them as two-band
// color composites.
package unwise

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"flipbooks/internal/config"
	"flipbooks/internal/fetch"
	"flipbooks/internal/fitsimg"
	"flipbooks/internal/fsutil"
	"flipbooks/internal/params"
)

// Brightness clip modes.
const (
	ModeFull       = "full"
	ModePercentile = "percentile"
)

// LastNEOVersion is the newest data release tried when a frame comes back blank.
const LastNEOVersion = 7

// DefaultClip is used when no release has usable data.
var DefaultClip = fitsimg.Clip{Min: -50, Max: 50}

var neoVersion = regexp.MustCompile(`^neo(\d+)$`)

var fileFlags = []string{"file_img_m", "file_invvar_m", "file_n_m", "file_std_m"}

// Defaults returns the default coadd query. The position is WISE 0855-0714.
func Defaults() params.Options {
	return params.Options{
		"version":       "neo1",
		"ra":            133.786245,
		"dec":           -7.244372,
		"bands":         12,
		"size":          128,
		"file_img_m":    1,
		"file_invvar_m": 0,
		"file_n_m":      0,
		"file_std_m":    0,
	}
}

// Query holds a validated request and, once fetched, the W1 and W2 planes.
type Query struct {
	client   *fetch.Client
	endpoint string
	opts     params.Options
	log      *slog.Logger

	w1 *fitsimg.Image
	w2 *fitsimg.Image
}

// NewQuery validates overrides against Defaults.
func NewQuery(client *fetch.Client, endpoints config.Endpoints, overrides map[string]any) (*Query, error) {
	opts, err := params.Merge(Defaults(), overrides)
	if err != nil {
		return nil, err
	}
	if err := validate(opts); err != nil {
		return nil, err
	}
	return &Query{client: client, endpoint: endpoints.UnWISECutout, opts: opts, log: client.Logger()}, nil
}

func validate(o params.Options) error {
	v := o.String("version")
	if v != "allwise" && !neoVersion.MatchString(v) {
		return &params.InvalidValueError{Key: "version", Value: v, Reason: "must be allwise or neo<N>"}
	}
	if err := params.RequireOneOf("bands", o.Int("bands"), 1, 2, 12); err != nil {
		return err
	}
	if o.Int("size") < 1 {
		return &params.InvalidValueError{Key: "size", Value: o["size"], Reason: "must be at least 1"}
	}
	if err := params.RequireHalfOpen("ra", o.Float("ra"), 0, 360); err != nil {
		return err
	}
	if err := params.RequireRange("dec", o.Float("dec"), -90, 90); err != nil {
		return err
	}
	for _, k := range fileFlags {
		if err := params.RequireOneOf(k, o.Int(k), 0, 1); err != nil {
			return err
		}
	}
	return nil
}

// Options returns a copy of the merged options.
func (q *Query) Options() params.Options { return q.opts.Clone() }

// Version is the data release currently queried.
func (q *Query) Version() string { return q.opts.String("version") }

// RequestURL builds the cutout_fits request. File flags are sent as name=on.
func (q *Query) RequestURL() string {
	o := q.opts
	u := fmt.Sprintf("%s?version=%s&ra=%s&dec=%s&size=%s&bands=%s",
		q.endpoint, o.String("version"), o.String("ra"), o.String("dec"), o.String("size"), o.String("bands"))
	for _, k := range fileFlags {
		if o.Int(k) == 1 {
			u += "&" + k + "=on"
		}
	}
	return u
}

// Fetch downloads the tarball and keeps the W1 and W2 image planes. An
// unreadable archive is retried like a dropped connection.
func (q *Query) Fetch(ctx context.Context) error {
	var members map[string][]byte
	_, err := q.client.GetFunc(ctx, q.RequestURL(), nil, func(body []byte, err error) error {
		if err != nil {
			return err
		}
		m, err := extract(body)
		if err != nil {
			return fetch.MarkTransient(fmt.Errorf("incomplete FITS archive: %w", err))
		}
		members = m
		return nil
	})
	if err != nil {
		return fmt.Errorf("unwise %s: %w", q.Version(), err)
	}

	w1, w2, err := selectBands(members)
	if err != nil {
		return err
	}
	q.w1, q.w2 = w1, w2
	return nil
}

// Fetched reports whether image data is loaded.
func (q *Query) Fetched() bool { return q.w1 != nil || q.w2 != nil }

// Bands returns the loaded W1 and W2 planes; either may be nil.
func (q *Query) Bands() (w1, w2 *fitsimg.Image) { return q.w1, q.w2 }

// extract reads every FITS member of a gzipped tarball into memory.
func extract(archive []byte) (map[string][]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	members := make(map[string][]byte)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg || !fsutil.IsFITSFile(hdr.Name) {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		members[hdr.Name] = data
	}
	if len(members) == 0 {
		return nil, errors.New("archive holds no FITS files")
	}
	return members, nil
}

// selectBands picks the W1 and W2 planes, preferring square frames and
// falling back to the first match.
func selectBands(members map[string][]byte) (w1, w2 *fitsimg.Image, err error) {
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	pick := func(band string) (*fitsimg.Image, error) {
		var first *fitsimg.Image
		for _, name := range names {
			if !strings.Contains(strings.ToLower(path.Base(name)), band) {
				continue
			}
			im, err := fitsimg.DecodeBytes(members[name])
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
			if im[0].Square() {
				return im[0], nil
			}
			if first == nil {
				first = im[0]
			}
		}
		return first, nil
	}

	if w1, err = pick("w1"); err != nil {
		return nil, nil, err
	}
	if w2, err = pick("w2"); err != nil {
		return nil, nil, err
	}
	if w1 == nil && w2 == nil {
		return nil, nil, fitsimg.ErrNoImage
	}
	return w1, w2, nil
}

// bandData is the plane the brightness window is measured on.
func (q *Query) bandData() (*fitsimg.Image, error) {
	switch q.opts.Int("bands") {
	case 1:
		if q.w1 == nil {
			return nil, errors.New("no W1 data loaded")
		}
		return q.w1, nil
	case 2:
		if q.w2 == nil {
			return nil, errors.New("no W2 data loaded")
		}
		return q.w2, nil
	default:
		if q.w1 == nil || q.w2 == nil {
			return nil, errors.New("W1 and W2 data are both required")
		}
		if len(q.w1.Pix) != len(q.w2.Pix) {
			return nil, fmt.Errorf("band sizes differ: %d vs %d pixels", len(q.w1.Pix), len(q.w2.Pix))
		}
		mixed := q.w1.Clone()
		for i := range mixed.Pix {
			mixed.Pix[i] = (q.w1.Pix[i] + q.w2.Pix[i]/2) / 2
		}
		return mixed, nil
	}
}

// BrightnessClip measures the display window. In percentile mode a blank
// frame steps to the next NEO release and refetches; when none is left, or
// the version is not a NEO release, DefaultClip is returned.
func (q *Query) BrightnessClip(ctx context.Context, mode string, percentile float64) (fitsimg.Clip, error) {
	if !q.Fetched() {
		if err := q.Fetch(ctx); err != nil {
			return fitsimg.Clip{}, err
		}
	}
	data, err := q.bandData()
	if err != nil {
		return fitsimg.Clip{}, err
	}

	switch mode {
	case ModeFull:
		return fitsimg.MinMax(data.Pix), nil
	case ModePercentile:
	default:
		return fitsimg.Clip{}, fmt.Errorf("mode must be %q or %q, got %q", ModeFull, ModePercentile, mode)
	}

	clip, err := fitsimg.PercentileClip(data.Pix, percentile)
	if err != nil {
		return fitsimg.Clip{}, err
	}
	if percentile == 50 {
		return clip, nil
	}

	if clip.Collapsed() {
		next, ok := q.nextVersion()
		if !ok {
			return DefaultClip, nil
		}
		q.log.Info("blank frame, trying next release", "from", q.Version(), "to", next)
		q.opts["version"] = next
		q.w1, q.w2 = nil, nil
		return q.BrightnessClip(ctx, mode, percentile)
	}
	if clip.Max < clip.Min {
		return fitsimg.Clip{}, fmt.Errorf("maximum brightness %v is below minimum %v", clip.Max, clip.Min)
	}
	return clip, nil
}

func (q *Query) nextVersion() (string, bool) {
	m := neoVersion.FindStringSubmatch(q.Version())
	if m == nil {
		return "", false
	}
	n, _ := strconv.Atoi(m[1])
	if n >= LastNEOVersion {
		return "", false
	}
	return "neo" + strconv.Itoa(n+1), true
}

// Composite normalizes both bands by clip, applies an asinh stretch and
// combines them into the W1/W2 false-color image.
func (q *Query) Composite(clip fitsimg.Clip, invert bool) (*fitsimg.RGB, error) {
	if q.w1 == nil || q.w2 == nil {
		return nil, errors.New("W1 and W2 data are both required for a composite")
	}
	w1 := fitsimg.AsinhStretch(fitsimg.Normalize(q.w1, clip), 1)
	w2 := fitsimg.AsinhStretch(fitsimg.Normalize(q.w2, clip), 1)
	rgb, err := fitsimg.Compose(w1, w2)
	if err != nil {
		return nil, err
	}
	if invert {
		rgb.Invert()
	}
	return rgb, nil
}

// SaveComposite renders the composite in display orientation to out. The
// format follows the file extension.
func (q *Query) SaveComposite(out string, clip fitsimg.Clip, invert bool) error {
	rgb, err := q.Composite(clip, invert)
	if err != nil {
		return err
	}
	if err := fsutil.EnsureDir(filepath.Dir(out)); err != nil {
		return err
	}
	return imaging.Save(rgb.NRGBA(true), out)
}
