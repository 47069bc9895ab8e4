package tasks

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flipbooks/internal/config"
	"flipbooks/internal/fetch"
	"flipbooks/internal/fitsimg"
	"flipbooks/internal/fsutil"
)

func pngBytes(t *testing.T, w, h int, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func fitsBytes(t *testing.T, planes ...*fitsimg.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := fitsimg.Encode(&buf, planes...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func coaddTarball(t *testing.T, w1, w2 *fitsimg.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for name, im := range map[string]*fitsimg.Image{"unwise-w1-img-m.fits": w1, "unwise-w2-img-m.fits": w2} {
		data := fitsBytes(t, im)
		tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg})
		tw.Write(data)
	}
	tw.Close()
	zw.Close()
	return buf.Bytes()
}

// surveyServer fakes the blink, cutout and coadd services.
func surveyServer(t *testing.T, frames int) *httptest.Server {
	t.Helper()
	frame := pngBytes(t, 8, 8, 120)
	coadd := coaddTarball(t, rampPlane(8, 8, 1), rampPlane(8, 8, 2))
	cutout := fitsBytes(t, rampPlane(6, 4, 1), rampPlane(6, 4, 3), rampPlane(6, 4, 5))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/png-animation":
			ims := make([]string, frames)
			for i := range ims {
				ims[i] = fmt.Sprintf("%q", fmt.Sprintf("unwise/frame%d.png", i))
			}
			fmt.Fprintf(w, `{"ims": [%s], "min": -50, "max": 500}`, strings.Join(ims, ","))
		case strings.HasPrefix(r.URL.Path, "/img/"):
			w.Write(frame)
		case r.URL.Path == "/viewer/jpeg-cutout":
			w.Write([]byte("jpeg"))
		case r.URL.Path == "/viewer/fits-cutout":
			w.Write(cutout)
		case r.URL.Path == "/cutout_fits":
			w.Write(coadd)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testEnv(srv *httptest.Server) Env {
	ep := config.Default().Endpoints
	ep.WiseViewAnimation = srv.URL + "/png-animation"
	ep.WiseViewImageBase = srv.URL + "/img/"
	ep.LegacyJPEGCutout = srv.URL + "/viewer/jpeg-cutout"
	ep.LegacyFITSCutout = srv.URL + "/viewer/fits-cutout"
	ep.UnWISECutout = srv.URL + "/cutout_fits"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := fetch.RetryPolicy{Floor: time.Millisecond, Ceiling: time.Millisecond, MaxAttempts: 2}
	return Env{
		Client:    fetch.NewClientWith(nil, policy, "test", logger),
		Endpoints: ep,
		Workers:   3,
		Animation: config.Animation{FrameDuration: 0.2, MinFrames: 10},
		Log:       logger,
	}
}

func TestBuildBlinkPadsAndCleansUp(t *testing.T) {
	env := testEnv(surveyServer(t, 4))
	dir := t.TempDir()
	outDir := filepath.Join(dir, "frames")
	gifPath := filepath.Join(dir, "w0855.gif")

	res, err := BuildBlink(context.Background(), env, BlinkRequest{
		FramesRequest: FramesRequest{RA: 133.786245, Dec: -7.244372, OutDir: outDir,
			Params: map[string]any{"minbright": -12.5, "maxbright": 125}},
		GIFPath:   gifPath,
		MinFrames: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.URLCount != 4 || res.PaddedCount != 6 || res.FrameCount != 10 {
		t.Fatalf("unexpected result %+v", res)
	}
	g := decodeGIF(t, gifPath)
	if len(g.Image) != 10 || g.Delay[0] != 20 {
		t.Fatalf("gif has %d frames delay %d", len(g.Image), g.Delay[0])
	}
	left, _ := fsutil.ListImages(outDir)
	if len(left) != 0 || res.Frames != nil {
		t.Fatalf("frames not cleaned up: %v", left)
	}
	if !strings.Contains(res.ViewerURL, "minbright=-12.5") {
		t.Fatalf("viewer url %s", res.ViewerURL)
	}
}

func TestBuildBlinkWithoutPadding(t *testing.T) {
	env := testEnv(surveyServer(t, 3))
	dir := t.TempDir()
	res, err := BuildBlink(context.Background(), env, BlinkRequest{
		FramesRequest: FramesRequest{RA: 10, Dec: 20, OutDir: dir},
		GIFPath:       filepath.Join(dir, "b.gif"),
		FrameDuration: 0.5,
		KeepFrames:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FrameCount != 3 || res.DelayCS != 50 || len(res.Frames) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if filepath.Base(res.Frames[2]) != "field-RA10-DEC20-2.png" {
		t.Fatalf("unexpected frame name %s", res.Frames[2])
	}
}

func TestDownloadFramesAppliesModifications(t *testing.T) {
	env := testEnv(surveyServer(t, 2))
	grid := GridOptions{Count: 2, Style: GridSolid, Color: color.Black}
	res, err := DownloadFrames(context.Background(), env, FramesRequest{
		RA: 133.786245, Dec: -7.244372, OutDir: t.TempDir(), ScaleFactor: 2, Grid: &grid,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Frames) != 2 || res.Sizes[1] != image.Pt(16, 16) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDownloadFramesRejectsBadParams(t *testing.T) {
	env := testEnv(surveyServer(t, 2))
	_, err := DownloadFrames(context.Background(), env, FramesRequest{Params: map[string]any{"band": 7}, OutDir: t.TempDir()})
	if err == nil {
		t.Fatalf("expected invalid band error")
	}
}

func TestFetchCutoutFormats(t *testing.T) {
	env := testEnv(surveyServer(t, 1))
	dir := t.TempDir()
	ctx := context.Background()

	res, err := FetchCutout(ctx, env, CutoutRequest{Output: filepath.Join(dir, "c.jpg")})
	if err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(res.OutputFile); string(data) != "jpeg" || res.Format != CutoutJPEG {
		t.Fatalf("unexpected jpeg cutout %+v", res)
	}

	res, err = FetchCutout(ctx, env, CutoutRequest{Output: filepath.Join(dir, "c.fits"), Format: "png", Extension: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.OutputFile != filepath.Join(dir, "c.png") || res.Width != 6 || res.Height != 4 {
		t.Fatalf("unexpected png cutout %+v", res)
	}

	if _, err := FetchCutout(ctx, env, CutoutRequest{Output: filepath.Join(dir, "c.tif"), Format: "tiff"}); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestBuildComposite(t *testing.T) {
	env := testEnv(surveyServer(t, 1))
	out := filepath.Join(t.TempDir(), "composite.png")
	res, err := BuildComposite(context.Background(), env, CompositeRequest{Output: out, Invert: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != "neo1" || res.Clip.Collapsed() {
		t.Fatalf("unexpected result %+v", res)
	}
	size, err := ImageSize(out)
	if err != nil || size != image.Pt(8, 8) {
		t.Fatalf("composite size %v err %v", size, err)
	}

	_, err = BuildComposite(context.Background(), env, CompositeRequest{Output: out, Clip: &fitsimg.Clip{Min: 1, Max: 1}})
	if err == nil {
		t.Fatalf("expected empty window error")
	}
}

func TestFITSWatcherConvertsDroppedFiles(t *testing.T) {
	watchDir := t.TempDir()
	w, err := NewFITSWatcher([]string{watchDir}, FITSWatcherOptions{DeleteInput: true, Settle: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	staged := filepath.Join(t.TempDir(), "drop.fits")
	if err := os.WriteFile(staged, fitsBytes(t, rampPlane(4, 4, 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(staged, filepath.Join(watchDir, "drop.fits")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events:
		if ev.Err != nil {
			t.Fatalf("conversion failed: %v", ev.Err)
		}
		if ev.Result.OutputFile != filepath.Join(watchDir, "drop.png") {
			t.Fatalf("unexpected output %s", ev.Result.OutputFile)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no conversion event")
	}
	if fsutil.FirstExisting(filepath.Join(watchDir, "drop.fits")) != "" {
		t.Fatalf("input not deleted")
	}
}

func TestFITSWatcherSupersededTimerKeepsNewerEntry(t *testing.T) {
	w, err := NewFITSWatcher([]string{t.TempDir()}, FITSWatcherOptions{Settle: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "drop.fits")

	w.schedule(ctx, path)
	w.schedule(ctx, path)

	// the first timer fired before the second schedule and only now gets the lock
	w.wg.Add(1)
	w.fire(ctx, path, 1)

	w.mu.Lock()
	p, ok := w.pending[path]
	w.mu.Unlock()
	if !ok || p.gen != 2 {
		t.Fatalf("newer pending entry was dropped: %+v %v", p, ok)
	}

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if ev, ok := <-w.Events; ok {
		t.Fatalf("superseded timer converted %s", ev.Input)
	}
}
