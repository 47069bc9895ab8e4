package wiseview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flipbooks/internal/config"
	"flipbooks/internal/fetch"
	"flipbooks/internal/params"
)

type blinkServer struct {
	*httptest.Server
	mu        sync.Mutex
	queries   []url.Values
	failFirst int32
	calls     int32
}

func newBlinkServer(t *testing.T) *blinkServer {
	t.Helper()
	bs := &blinkServer{}
	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/png-animation":
			n := atomic.AddInt32(&bs.calls, 1)
			bs.mu.Lock()
			bs.queries = append(bs.queries, r.URL.Query())
			bs.mu.Unlock()
			if n <= atomic.LoadInt32(&bs.failFirst) {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, `{"message": "Service Unavailable"}`)
				return
			}
			fmt.Fprint(w, `{"ims": ["unwise/a.png", "unwise/b.png", "unwise/c.png"],
				"all_mjds": [55203.5123, 55400.25], "min": -50, "max": 500, "NAXIS1": 128}`)
		case strings.HasPrefix(r.URL.Path, "/cutout"):
			fmt.Fprintf(w, "FITS band=%s", r.URL.Query().Get("band"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(bs.Close)
	return bs
}

func (bs *blinkServer) endpoints() config.Endpoints {
	ep := config.Default().Endpoints
	ep.WiseViewAnimation = bs.URL + "/png-animation"
	ep.WiseViewImageBase = bs.URL + "/img/"
	ep.WiseViewCutout = bs.URL + "/cutout"
	return ep
}

func (bs *blinkServer) lastQuery() url.Values {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.queries[len(bs.queries)-1]
}

func testClient() *fetch.Client {
	policy := fetch.RetryPolicy{Floor: time.Millisecond, Ceiling: 2 * time.Millisecond, MaxAttempts: 4}
	return fetch.NewClientWith(nil, policy, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNewQueryValidates(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]any
		wantErr   any
	}{
		{"unknown key", map[string]any{"colour": 1}, &params.UnknownParameterError{}},
		{"bad band", map[string]any{"band": 4}, &params.InvalidValueError{}},
		{"bad size", map[string]any{"size": 0}, &params.InvalidValueError{}},
		{"inverted brightness", map[string]any{"minbright": 600}, &params.InvalidValueError{}},
		{"bad dec", map[string]any{"dec": -91}, &params.InvalidValueError{}},
		{"ra wraps", map[string]any{"ra": 360}, &params.InvalidValueError{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewQuery(testClient(), config.Default().Endpoints, tc.overrides)
			switch tc.wantErr.(type) {
			case *params.UnknownParameterError:
				var target *params.UnknownParameterError
				if !errors.As(err, &target) {
					t.Fatalf("expected unknown parameter error, got %v", err)
				}
			case *params.InvalidValueError:
				var target *params.InvalidValueError
				if !errors.As(err, &target) {
					t.Fatalf("expected invalid value error, got %v", err)
				}
			}
		})
	}
}

func TestFetchAndURLs(t *testing.T) {
	bs := newBlinkServer(t)
	q, err := NewQuery(testClient(), bs.endpoints(), map[string]any{"RA": 10.5, "minbright": -12.5, "maxbright": 125})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	got := bs.lastQuery()
	if got.Get("ra") != "10.5" || got.Get("minbright") != "-12.5" || got.Get("size") != "128" {
		t.Fatalf("unexpected query %v", got)
	}

	urls, err := q.URLs()
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 3 || urls[0] != bs.URL+"/img/unwise/a.png" || urls[2] != bs.URL+"/img/unwise/c.png" {
		t.Fatalf("unexpected urls %v", urls)
	}

	downloads, err := q.FrameDownloads("out")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(downloads[1].Path) != "field-RA10.5-DEC-7.244372-1.png" {
		t.Fatalf("unexpected frame name %s", downloads[1].Path)
	}
}

func TestFetchRetriesServiceUnavailable(t *testing.T) {
	bs := newBlinkServer(t)
	bs.failFirst = 2
	q, err := NewQuery(testClient(), bs.endpoints(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if atomic.LoadInt32(&bs.calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", bs.calls)
	}
}

func TestFetchGivesUpAfterBudget(t *testing.T) {
	bs := newBlinkServer(t)
	bs.failFirst = 100
	q, _ := NewQuery(testClient(), bs.endpoints(), nil)
	err := q.Fetch(context.Background())
	if !errors.Is(err, fetch.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestMetadataRejectsUnknownKeys(t *testing.T) {
	bs := newBlinkServer(t)
	q, _ := NewQuery(testClient(), bs.endpoints(), nil)
	if _, err := q.Metadata("ims"); err == nil {
		t.Fatalf("expected error before fetch")
	}
	if err := q.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	md, err := q.Metadata("min", "max", "epochs")
	if err != nil {
		t.Fatal(err)
	}
	if string(md["max"]) != "500" {
		t.Fatalf("unexpected max %s", md["max"])
	}
	if _, ok := md["epochs"]; ok {
		t.Fatalf("absent keys should be omitted")
	}
	if _, err := q.Metadata("bogus"); err == nil {
		t.Fatalf("expected unknown metadata key error")
	}
}

func TestAddSyntheticObjectFillsDefaults(t *testing.T) {
	bs := newBlinkServer(t)
	q, _ := NewQuery(testClient(), bs.endpoints(), nil)
	if err := q.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := q.AddSyntheticObject(context.Background(), map[string]any{"SYNTH_B_W1": 15.5}); err != nil {
		t.Fatalf("AddSyntheticObject: %v", err)
	}
	got := bs.lastQuery()
	want := map[string]string{
		"synth_a":     "1",
		"synth_b":     "1",
		"synth_a_ra":  "133.786245",
		"synth_a_dec": "-7.244372",
		"synth_a_w1":  "99",
		"synth_a_w2":  "13",
		"synth_a_mjd": "55203.5123",
		"synth_b_w1":  "15.5",
		"synth_b_mjd": "55203.5123",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Fatalf("%s = %q, want %q (query %v)", k, got.Get(k), v, got)
		}
	}

	if err := q.AddSyntheticObject(context.Background(), map[string]any{"ra": 1}); err == nil {
		t.Fatalf("non-synthetic keys must be rejected")
	}
}

func TestSyntheticObjectBOnlyWhenRequested(t *testing.T) {
	bs := newBlinkServer(t)
	q, _ := NewQuery(testClient(), bs.endpoints(), nil)
	if err := q.AddSyntheticObject(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	got := bs.lastQuery()
	if got.Get("synth_a") != "1" || got.Get("synth_b") != "0" || got.Get("synth_b_ra") != "" {
		t.Fatalf("unexpected synthetic query %v", got)
	}
}

func TestViewerURL(t *testing.T) {
	q, err := NewQuery(testClient(), config.Default().Endpoints, map[string]any{"size": 64})
	if err != nil {
		t.Fatal(err)
	}
	u := q.ViewerURL()
	for _, want := range []string{
		"http://byw.tools/wiseview#ra=133.786245&dec=-7.244372&size=176&band=3&speed=150",
		"&linear=1&color=&zoom=9&border=0&gaia=1&invert=1",
		"&outer_epochs=0&unique_window=1",
		"&synth_b_mjd=",
	} {
		if !strings.Contains(u, want) {
			t.Fatalf("viewer url %s missing %s", u, want)
		}
	}
}

func TestFITSURLAndDownload(t *testing.T) {
	bs := newBlinkServer(t)
	q, _ := NewQuery(testClient(), bs.endpoints(), nil)

	u, err := q.FITSURL("w2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(u, "band=2") || !strings.Contains(u, "epoch=0") || !strings.Contains(u, "size=128") {
		t.Fatalf("unexpected FITS url %s", u)
	}
	if _, err := q.FITSURL("W3"); err == nil {
		t.Fatalf("expected error for W3")
	}

	dir := t.TempDir()
	paths, err := q.DownloadEpochFITS(context.Background(), dir)
	if err != nil {
		t.Fatalf("DownloadEpochFITS: %v", err)
	}
	if filepath.Base(paths[0]) != "W1-field-RA133.786245-DEC-7.244372--epoch0.fits" {
		t.Fatalf("unexpected name %s", paths[0])
	}
	data, _ := os.ReadFile(paths[1])
	if string(data) != "FITS band=2" {
		t.Fatalf("unexpected W2 content %q", data)
	}
}

func TestFOVConversions(t *testing.T) {
	if PixelSizeToFOV(128) != 352 {
		t.Fatalf("PixelSizeToFOV")
	}
	if FOVToPixelSize(352) != 128 || FOVToPixelSize(354) != 128 || FOVToPixelSize(2.7) != 0 {
		t.Fatalf("FOVToPixelSize truncation")
	}
}
