package unwise

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flipbooks/internal/config"
	"flipbooks/internal/fetch"
	"flipbooks/internal/fitsimg"
	"flipbooks/internal/params"
)

func plane(w, h int, f func(i int) float64) *fitsimg.Image {
	im := fitsimg.NewImage(w, h)
	for i := range im.Pix {
		im.Pix[i] = f(i)
	}
	return im
}

func ramp(i int) float64 { return float64(i) }

func blank(int) float64 { return 3 }

// tarball packs FITS members the way the cutout service does.
func tarball(t *testing.T, members map[string]*fitsimg.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for name, im := range members {
		var fits bytes.Buffer
		require.NoError(t, fitsimg.Encode(&fits, im))
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(fits.Len()), Typeflag: tar.TypeReg}))
		_, err := tw.Write(fits.Bytes())
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type coaddServer struct {
	*httptest.Server
	mu       sync.Mutex
	versions []string
	archives map[string][]byte
	// garbage is served this many times before the real archive
	garbage int
}

func newCoaddServer(t *testing.T, archives map[string][]byte) *coaddServer {
	cs := &coaddServer{archives: archives}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := r.URL.Query().Get("version")
		cs.mu.Lock()
		cs.versions = append(cs.versions, v)
		truncated := cs.garbage > 0
		if truncated {
			cs.garbage--
		}
		cs.mu.Unlock()

		if truncated {
			w.Write([]byte{0x1f, 0x8b, 0x08})
			return
		}
		data, ok := archives[v]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *coaddServer) query(t *testing.T, overrides map[string]any) *Query {
	ep := config.Default().Endpoints
	ep.UnWISECutout = cs.URL + "/cutout_fits"
	policy := fetch.RetryPolicy{Floor: time.Millisecond, Ceiling: time.Millisecond, MaxAttempts: 3}
	client := fetch.NewClientWith(nil, policy, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	q, err := NewQuery(client, ep, overrides)
	require.NoError(t, err)
	return q
}

func TestRequestURL(t *testing.T) {
	client := fetch.NewClientWith(nil, fetch.RetryPolicy{}, "", nil)
	q, err := NewQuery(client, config.Default().Endpoints, map[string]any{"version": "neo4", "file_n_m": 1})
	require.NoError(t, err)
	assert.Equal(t,
		"http://unwise.me/cutout_fits?version=neo4&ra=133.786245&dec=-7.244372&size=128&bands=12&file_img_m=on&file_n_m=on",
		q.RequestURL())
}

func TestNewQueryValidates(t *testing.T) {
	client := fetch.NewClientWith(nil, fetch.RetryPolicy{}, "", nil)
	for name, overrides := range map[string]map[string]any{
		"bands":   {"bands": 3},
		"version": {"version": "dr10"},
		"size":    {"size": 0},
		"flag":    {"file_std_m": 2},
		"ra":      {"ra": 360},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewQuery(client, config.Default().Endpoints, overrides)
			var invalid *params.InvalidValueError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestFetchPrefersSquareFrames(t *testing.T) {
	archive := tarball(t, map[string]*fitsimg.Image{
		"1337m076/unwise-1337m076-w1-img-m.fits":  plane(4, 4, ramp),
		"1337m076/unwise-1337m076-w1-img-a.fits":  plane(4, 2, ramp),
		"1337m076/unwise-1337m076-w2-img-m.fits":  plane(3, 2, ramp),
		"1337m076/unwise-1337m076-w2-img-n.fits":  plane(4, 4, func(i int) float64 { return 2 * float64(i) }),
		"1337m076/unwise-1337m076-w1-invvar.json": plane(1, 1, ramp),
	})
	cs := newCoaddServer(t, map[string][]byte{"neo1": archive})
	q := cs.query(t, nil)

	require.NoError(t, q.Fetch(context.Background()))
	w1, w2 := q.Bands()
	require.NotNil(t, w1)
	require.NotNil(t, w2)
	assert.Equal(t, 4, w1.Height)
	assert.Equal(t, 4, w2.Height)
	assert.Equal(t, 30.0, w2.Pix[15])
}

func TestFetchRetriesTruncatedArchive(t *testing.T) {
	archive := tarball(t, map[string]*fitsimg.Image{
		"unwise-w1-img-m.fits": plane(4, 4, ramp),
		"unwise-w2-img-m.fits": plane(4, 4, ramp),
	})
	cs := newCoaddServer(t, map[string][]byte{"neo1": archive})
	cs.garbage = 2
	q := cs.query(t, nil)

	require.NoError(t, q.Fetch(context.Background()))
	assert.Len(t, cs.versions, 3)
}

func TestBrightnessClipModes(t *testing.T) {
	archive := tarball(t, map[string]*fitsimg.Image{
		"unwise-w1-img-m.fits": plane(4, 4, ramp),
		"unwise-w2-img-m.fits": plane(4, 4, ramp),
	})
	cs := newCoaddServer(t, map[string][]byte{"neo1": archive})
	q := cs.query(t, map[string]any{"bands": 1})
	ctx := context.Background()

	full, err := q.BrightnessClip(ctx, ModeFull, 0)
	require.NoError(t, err)
	assert.Equal(t, fitsimg.Clip{Min: 0, Max: 15}, full)

	clip, err := q.BrightnessClip(ctx, ModePercentile, 90)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, clip.Min, 1e-9)
	assert.InDelta(t, 13.5, clip.Max, 1e-9)

	_, err = q.BrightnessClip(ctx, ModePercentile, 49)
	assert.Error(t, err)
	_, err = q.BrightnessClip(ctx, "median", 90)
	assert.Error(t, err)

	// the combined bands measure (W1 + W2/2) / 2
	q = cs.query(t, nil)
	full, err = q.BrightnessClip(ctx, ModeFull, 0)
	require.NoError(t, err)
	assert.InDelta(t, 11.25, full.Max, 1e-9)
}

func TestBlankFrameStepsToNextRelease(t *testing.T) {
	blankArchive := tarball(t, map[string]*fitsimg.Image{
		"unwise-w1-img-m.fits": plane(4, 4, blank),
		"unwise-w2-img-m.fits": plane(4, 4, blank),
	})
	good := tarball(t, map[string]*fitsimg.Image{
		"unwise-w1-img-m.fits": plane(4, 4, ramp),
		"unwise-w2-img-m.fits": plane(4, 4, ramp),
	})
	cs := newCoaddServer(t, map[string][]byte{"neo5": blankArchive, "neo6": good})
	q := cs.query(t, map[string]any{"version": "neo5", "bands": 2})

	clip, err := q.BrightnessClip(context.Background(), ModePercentile, 90)
	require.NoError(t, err)
	assert.Equal(t, "neo6", q.Version())
	assert.InDelta(t, 13.5, clip.Max, 1e-9)
	assert.Equal(t, []string{"neo5", "neo6"}, cs.versions)
}

func TestBlankFrameFallsBackToDefault(t *testing.T) {
	blankArchive := tarball(t, map[string]*fitsimg.Image{
		"unwise-w1-img-m.fits": plane(4, 4, blank),
		"unwise-w2-img-m.fits": plane(4, 4, blank),
	})
	cs := newCoaddServer(t, map[string][]byte{"neo7": blankArchive, "allwise": blankArchive})
	ctx := context.Background()

	clip, err := cs.query(t, map[string]any{"version": "neo7"}).BrightnessClip(ctx, ModePercentile, 97.5)
	require.NoError(t, err)
	assert.Equal(t, DefaultClip, clip)

	clip, err = cs.query(t, map[string]any{"version": "allwise"}).BrightnessClip(ctx, ModePercentile, 97.5)
	require.NoError(t, err)
	assert.Equal(t, DefaultClip, clip)

	// at 50 the collapsed pair is returned as is; bands 12 mixes (3 + 3/2)/2
	clip, err = cs.query(t, map[string]any{"version": "neo7"}).BrightnessClip(ctx, ModePercentile, 50)
	require.NoError(t, err)
	assert.Equal(t, fitsimg.Clip{Min: 2.25, Max: 2.25}, clip)

	clip, err = cs.query(t, map[string]any{"version": "neo7", "bands": 1}).BrightnessClip(ctx, ModePercentile, 50)
	require.NoError(t, err)
	assert.Equal(t, fitsimg.Clip{Min: 3, Max: 3}, clip)
}

func TestSaveComposite(t *testing.T) {
	archive := tarball(t, map[string]*fitsimg.Image{
		"unwise-w1-img-m.fits": plane(4, 4, ramp),
		"unwise-w2-img-m.fits": plane(4, 4, func(int) float64 { return 0 }),
	})
	cs := newCoaddServer(t, map[string][]byte{"neo1": archive})
	q := cs.query(t, nil)
	require.NoError(t, q.Fetch(context.Background()))

	rgb, err := q.Composite(fitsimg.Clip{Min: 0, Max: 15}, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rgb.R[15], 1e-9)
	assert.InDelta(t, 0.5, rgb.G[15], 1e-9)
	assert.InDelta(t, 0.0, rgb.B[15], 1e-9)

	out := filepath.Join(t.TempDir(), "composites", "wise0855.png")
	require.NoError(t, q.SaveComposite(out, fitsimg.Clip{Min: 0, Max: 15}, true))
	img, err := imaging.Open(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())

	// the brightest stored pixel is last, which lands top right after the flip; inverted it is darkest in red
	r, _, _, _ := img.At(3, 0).RGBA()
	assert.Equal(t, uint32(0), r)
}
