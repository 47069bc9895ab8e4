// Package wiseview talks to the WiseView blink service: it builds the
// animation query, resolves frame URLs, adds synthetic moving objects, and
// produces viewer and FITS cutout links.
package wiseview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"

	"flipbooks/internal/config"
	"flipbooks/internal/fetch"
	"flipbooks/internal/fsutil"
	"flipbooks/internal/params"
)

// PixelScale is the unWISE plate scale in arcseconds per pixel.
const PixelScale = 2.75

const serviceUnavailable = "Service Unavailable"

// Viewer display settings fixed by the tool.
const (
	viewerSpeedMS = 150
	viewerLinear  = 1
	viewerZoom    = 9
	viewerBorder  = 0
	viewerGaia    = 1
)

var metadataKeys = []string{
	"ims", "min", "max", "all_mjds", "mjds", "epochs", "scandirs",
	"CRPIX1", "CRPIX2", "CRVAL1", "CRVAL2", "NAXIS1", "NAXIS2",
}

var synthFields = []string{"sub", "ra", "dec", "w1", "w2", "pmra", "pmdec", "mjd"}

// Defaults returns the blink service's default query. The position is WISE 0855-0714.
func Defaults() params.Options {
	opts := params.Options{
		"ra":          133.786245,
		"dec":         -7.244372,
		"band":        3,
		"size":        128,
		"max_dyr":     0,
		"minbright":   -50.0,
		"maxbright":   500.0,
		"invert":      1,
		"stretch":     1,
		"diff":        0,
		"scandir":     0,
		"outer":       0,
		"neowise":     0,
		"window":      0.5,
		"diff_window": 1,
		"unique":      1,
		"smooth_scan": 0,
		"shift":       0,
		"pmx":         0.0,
		"pmy":         0.0,
		"synth_a":     0,
		"synth_b":     0,
	}
	for _, obj := range []string{"a", "b"} {
		for _, f := range synthFields {
			key := "synth_" + obj + "_" + f
			switch f {
			case "sub":
				opts[key] = 0
			case "pmra", "pmdec":
				opts[key] = 0.0
			default:
				opts[key] = ""
			}
		}
	}
	return opts
}

// Query is one blink request and, once fetched, its response.
type Query struct {
	client    *fetch.Client
	endpoints config.Endpoints
	opts      params.Options
	resp      map[string]json.RawMessage
}

// NewQuery validates overrides against Defaults. It does no network I/O.
func NewQuery(client *fetch.Client, endpoints config.Endpoints, overrides map[string]any) (*Query, error) {
	opts, err := params.Merge(Defaults(), overrides)
	if err != nil {
		return nil, err
	}
	if err := validate(opts); err != nil {
		return nil, err
	}
	return &Query{client: client, endpoints: endpoints, opts: opts}, nil
}

func validate(o params.Options) error {
	if err := params.RequireOneOf("band", o.Int("band"), 1, 2, 3); err != nil {
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
	if o.Float("minbright") >= o.Float("maxbright") {
		return &params.InvalidValueError{Key: "minbright", Value: o["minbright"], Reason: "must be below maxbright"}
	}
	return nil
}

// Options returns a copy of the merged query options.
func (q *Query) Options() params.Options { return q.opts.Clone() }

// RA returns the query's right ascension in degrees.
func (q *Query) RA() float64 { return q.opts.Float("ra") }

// Dec returns the query's declination in degrees.
func (q *Query) Dec() float64 { return q.opts.Float("dec") }

// Size returns the cutout side in pixels.
func (q *Query) Size() int { return q.opts.Int("size") }

// Fetch requests the animation metadata. A service-unavailable reply is
// retried under the client's policy.
func (q *Query) Fetch(ctx context.Context) error {
	var resp map[string]json.RawMessage
	_, err := q.client.GetFunc(ctx, q.endpoints.WiseViewAnimation, q.opts.Values(), func(body []byte, err error) error {
		var status *fetch.StatusError
		if errors.As(err, &status) {
			if status.Code == http.StatusServiceUnavailable || bytes.Contains(status.Body, []byte(serviceUnavailable)) {
				return fetch.MarkTransient(err)
			}
			return err
		}
		if err != nil {
			return err
		}
		resp = nil
		if err := json.Unmarshal(body, &resp); err != nil {
			return fetch.MarkTransient(fmt.Errorf("invalid JSON from blink service: %w", err))
		}
		if raw, ok := resp["message"]; ok {
			var msg string
			_ = json.Unmarshal(raw, &msg)
			if msg == serviceUnavailable {
				return fetch.MarkTransient(errors.New("blink service unavailable"))
			}
			if _, hasFrames := resp["ims"]; !hasFrames {
				return fmt.Errorf("blink service: %s", msg)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	q.resp = resp
	return nil
}

// Fetched reports whether a response is available.
func (q *Query) Fetched() bool { return q.resp != nil }

// Metadata returns the raw response values for keys. Keys outside the
// service's metadata set are rejected; keys absent from the response are
// omitted.
func (q *Query) Metadata(keys ...string) (map[string]json.RawMessage, error) {
	if q.resp == nil {
		return nil, errors.New("blink query has not been fetched")
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if !validMetadataKey(k) {
			return nil, &params.UnknownParameterError{Key: k, Allowed: sortedMetadataKeys()}
		}
		if v, ok := q.resp[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func validMetadataKey(k string) bool {
	for _, m := range metadataKeys {
		if m == k {
			return true
		}
	}
	return false
}

func sortedMetadataKeys() []string {
	keys := append([]string(nil), metadataKeys...)
	sort.Strings(keys)
	return keys
}

// MetadataValue decodes one metadata key into v.
func (q *Query) MetadataValue(key string, v any) error {
	md, err := q.Metadata(key)
	if err != nil {
		return err
	}
	raw, ok := md[key]
	if !ok {
		return fmt.Errorf("blink response has no %q", key)
	}
	return json.Unmarshal(raw, v)
}

// URLs returns the absolute frame URLs in response order.
func (q *Query) URLs() ([]string, error) {
	var ims []string
	if err := q.MetadataValue("ims", &ims); err != nil {
		return nil, err
	}
	urls := make([]string, len(ims))
	for i, im := range ims {
		urls[i] = q.endpoints.WiseViewImageBase + im
	}
	return urls, nil
}

// AddSyntheticObject injects synthetic moving objects and refetches.
// Object a is always enabled; object b is enabled when any synth_b key is
// given. Blank fields default to the query position, W1 99.0, W2 13.0, and
// the first epoch's MJD.
func (q *Query) AddSyntheticObject(ctx context.Context, overrides map[string]any) error {
	allowed := params.Options{}
	for _, obj := range []string{"a", "b"} {
		for _, f := range synthFields {
			key := "synth_" + obj + "_" + f
			allowed[key] = q.opts[key]
		}
	}
	merged, err := params.Merge(allowed, overrides)
	if err != nil {
		return err
	}

	opts := q.opts.Clone()
	for k, v := range merged {
		opts[k] = v
	}
	opts["synth_a"] = 1
	for k := range params.Given(allowed, overrides) {
		if strings.HasPrefix(k, "synth_b_") {
			opts["synth_b"] = 1
		}
	}

	var firstMJD string
	for _, obj := range []string{"a", "b"} {
		if opts.Int("synth_"+obj) != 1 {
			continue
		}
		prefix := "synth_" + obj + "_"
		if opts.IsBlank(prefix + "ra") {
			opts[prefix+"ra"] = opts["ra"]
		}
		if opts.IsBlank(prefix + "dec") {
			opts[prefix+"dec"] = opts["dec"]
		}
		if opts.IsBlank(prefix + "w1") {
			opts[prefix+"w1"] = 99.0
		}
		if opts.IsBlank(prefix + "w2") {
			opts[prefix+"w2"] = 13.0
		}
		if opts.IsBlank(prefix + "mjd") {
			if firstMJD == "" {
				if firstMJD, err = q.firstMJD(ctx); err != nil {
					return err
				}
			}
			opts[prefix+"mjd"] = firstMJD
		}
	}

	q.opts = opts
	return q.Fetch(ctx)
}

func (q *Query) firstMJD(ctx context.Context) (string, error) {
	if q.resp == nil {
		if err := q.Fetch(ctx); err != nil {
			return "", err
		}
	}
	var mjds []json.Number
	if err := q.MetadataValue("all_mjds", &mjds); err != nil {
		return "", err
	}
	if len(mjds) == 0 {
		return "", errors.New("blink response lists no epochs")
	}
	return mjds[0].String(), nil
}

// ViewerURL links the interactive viewer at the query's settings.
func (q *Query) ViewerURL() string {
	o := q.opts
	pairs := [][2]string{
		{"ra", o.String("ra")},
		{"dec", o.String("dec")},
		{"size", params.Format(PixelSizeToFOV(o.Int("size")))},
		{"band", o.String("band")},
		{"speed", params.Format(viewerSpeedMS)},
		{"minbright", o.String("minbright")},
		{"maxbright", o.String("maxbright")},
		{"window", o.String("window")},
		{"diff_window", o.String("diff_window")},
		{"linear", params.Format(viewerLinear)},
		{"color", ""},
		{"zoom", params.Format(viewerZoom)},
		{"border", params.Format(viewerBorder)},
		{"gaia", params.Format(viewerGaia)},
		{"invert", o.String("invert")},
		{"maxdyr", o.String("max_dyr")},
		{"scandir", o.String("scandir")},
		{"neowise", o.String("neowise")},
		{"diff", o.String("diff")},
		{"outer_epochs", o.String("outer")},
		{"unique_window", o.String("unique")},
		{"smooth_scan", o.String("smooth_scan")},
		{"shift", o.String("shift")},
		{"pmra", o.String("pmx")},
		{"pmdec", o.String("pmy")},
	}
	for _, obj := range []string{"a", "b"} {
		pairs = append(pairs, [2]string{"synth_" + obj, o.String("synth_" + obj)})
		for _, f := range synthFields {
			key := "synth_" + obj + "_" + f
			pairs = append(pairs, [2]string{key, o.String(key)})
		}
	}

	var b strings.Builder
	b.WriteString(q.endpoints.WiseViewViewer)
	b.WriteByte('#')
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
	}
	return b.String()
}

// FITSURL links the epoch-0 FITS cutout for band "W1" or "W2".
func (q *Query) FITSURL(band string) (string, error) {
	var n string
	switch strings.ToUpper(band) {
	case "W1":
		n = "1"
	case "W2":
		n = "2"
	default:
		return "", &params.InvalidValueError{Key: "band", Value: band, Reason: "must be W1 or W2"}
	}
	vals := url.Values{}
	vals.Set("ra", q.opts.String("ra"))
	vals.Set("dec", q.opts.String("dec"))
	vals.Set("size", q.opts.String("size"))
	vals.Set("band", n)
	vals.Set("epoch", "0")
	return q.endpoints.WiseViewCutout + "?" + vals.Encode(), nil
}

// FITSName is the file name used for a downloaded epoch-0 cutout.
func (q *Query) FITSName(band string) string {
	return fmt.Sprintf("%s-field-RA%s-DEC%s--epoch0.fits", strings.ToUpper(band),
		fsutil.FormatCoord(q.RA()), fsutil.FormatCoord(q.Dec()))
}

// DownloadEpochFITS saves the W1 and W2 epoch-0 cutouts into outDir.
func (q *Query) DownloadEpochFITS(ctx context.Context, outDir string) ([]string, error) {
	if err := fsutil.EnsureDir(outDir); err != nil {
		return nil, err
	}
	var downloads []fetch.Download
	for _, band := range []string{"W1", "W2"} {
		u, err := q.FITSURL(band)
		if err != nil {
			return nil, err
		}
		downloads = append(downloads, fetch.Download{URL: u, Path: filepath.Join(outDir, q.FITSName(band))})
	}
	if err := fetch.DownloadAll(ctx, q.client, downloads, len(downloads)); err != nil {
		return nil, err
	}
	paths := make([]string, len(downloads))
	for i, d := range downloads {
		paths[i] = d.Path
	}
	return paths, nil
}

// FrameDownloads pairs every frame URL with its file name in outDir.
func (q *Query) FrameDownloads(outDir string) ([]fetch.Download, error) {
	urls, err := q.URLs()
	if err != nil {
		return nil, err
	}
	downloads := make([]fetch.Download, len(urls))
	for i, u := range urls {
		downloads[i] = fetch.Download{URL: u, Path: filepath.Join(outDir, fsutil.FrameName(q.RA(), q.Dec(), i, "png"))}
	}
	return downloads, nil
}

// Client returns the HTTP client the query uses.
func (q *Query) Client() *fetch.Client { return q.client }

// FOVToPixelSize converts a field of view in arcseconds to a cutout side in
// pixels, truncating.
func FOVToPixelSize(fov float64) int {
	return int(fov / PixelScale)
}

// PixelSizeToFOV converts a cutout side in pixels to arcseconds.
func PixelSizeToFOV(px int) float64 {
	return PixelScale * float64(px)
}
