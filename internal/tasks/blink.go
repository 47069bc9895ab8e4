package tasks

import (
	"context"
	"fmt"
	"image"
	"time"

	"flipbooks/internal/fetch"
	"flipbooks/internal/fsutil"
	"flipbooks/internal/wiseview"
)

// FramesRequest describes a blink frame download.
type FramesRequest struct {
	RA, Dec         float64
	Params          map[string]any // extra blink service options
	OutDir          string
	ScaleFactor     float64
	AllowNonInteger bool
	Grid            *GridOptions // nil for no grid
}

// FramesResult lists the downloaded frames in epoch order.
type FramesResult struct {
	Frames []string
	Sizes  []image.Point
	URLs   []string
	// ViewerURL links the same field in the interactive viewer.
	ViewerURL string
}

// BlinkRequest describes a full blink GIF build.
type BlinkRequest struct {
	FramesRequest
	GIFPath       string
	FrameDuration float64 // seconds; 0 uses the configured default
	MinFrames     int     // -1 uses the configured default, 0 disables padding
	KeepFrames    bool
}

// BlinkResult captures output metadata.
type BlinkResult struct {
	GIFResult
	Frames      []string // empty when the frames were cleaned up
	URLCount    int
	PaddedCount int
	ViewerURL   string
	Duration    time.Duration
}

func (r FramesRequest) overrides() map[string]any {
	o := make(map[string]any, len(r.Params)+2)
	for k, v := range r.Params {
		o[k] = v
	}
	o["ra"] = r.RA
	o["dec"] = r.Dec
	return o
}

func (r FramesRequest) modifications() []Modification {
	var mods []Modification
	if r.ScaleFactor > 0 && r.ScaleFactor != 1 {
		mods = append(mods, ScaleModification(r.ScaleFactor, r.AllowNonInteger))
	}
	if r.Grid != nil {
		mods = append(mods, GridModification(*r.Grid))
	}
	return mods
}

// DownloadFrames queries the blink service, downloads every epoch frame into
// OutDir and applies the requested rescale and grid.
func DownloadFrames(ctx context.Context, env Env, req FramesRequest) (FramesResult, error) {
	q, downloads, err := queryFrames(ctx, env, req)
	if err != nil {
		return FramesResult{}, err
	}
	frames := make([]string, len(downloads))
	urls := make([]string, len(downloads))
	for i, d := range downloads {
		frames[i], urls[i] = d.Path, d.URL
	}
	if err := ApplyModifications(ctx, env, frames, req.modifications()); err != nil {
		return FramesResult{}, err
	}

	sizes := make([]image.Point, len(frames))
	for i, f := range frames {
		if sizes[i], err = ImageSize(f); err != nil {
			return FramesResult{}, err
		}
	}
	return FramesResult{Frames: frames, Sizes: sizes, URLs: urls, ViewerURL: q.ViewerURL()}, nil
}

func queryFrames(ctx context.Context, env Env, req FramesRequest) (*wiseview.Query, []fetch.Download, error) {
	log := env.logger()
	q, err := wiseview.NewQuery(env.Client, env.Endpoints, req.overrides())
	if err != nil {
		return nil, nil, err
	}
	if err := q.Fetch(ctx); err != nil {
		return nil, nil, err
	}
	downloads, err := q.FrameDownloads(req.OutDir)
	if err != nil {
		return nil, nil, err
	}
	if len(downloads) == 0 {
		return nil, nil, fmt.Errorf("blink service returned no frames for ra=%v dec=%v", req.RA, req.Dec)
	}
	if err := fsutil.EnsureDir(req.OutDir); err != nil {
		return nil, nil, err
	}

	log.Info("downloading frames", "count", len(downloads), "outdir", req.OutDir)
	if err := fetch.DownloadAll(ctx, env.Client, downloads, env.Workers); err != nil {
		return nil, nil, err
	}
	return q, downloads, nil
}

// BuildBlink downloads the frames for a position, pads short sequences,
// applies the modifications and assembles the GIF. Frames are removed
// afterwards unless KeepFrames is set.
func BuildBlink(ctx context.Context, env Env, req BlinkRequest) (BlinkResult, error) {
	start := time.Now()
	log := env.logger()

	duration := req.FrameDuration
	if duration <= 0 {
		duration = env.Animation.FrameDuration
	}
	minFrames := req.MinFrames
	if minFrames < 0 {
		minFrames = env.Animation.MinFrames
	}

	q, downloads, err := queryFrames(ctx, env, req.FramesRequest)
	if err != nil {
		return BlinkResult{}, err
	}
	frames := make([]string, len(downloads))
	for i, d := range downloads {
		frames[i] = d.Path
	}

	padded, err := PadFrames(frames, minFrames)
	if err != nil {
		fsutil.RemoveFiles(frames)
		return BlinkResult{}, err
	}
	if n := len(padded) - len(frames); n > 0 {
		log.Info("padded short blink", "frames", len(frames), "padding", n)
	}

	if err := ApplyModifications(ctx, env, padded, req.modifications()); err != nil {
		return BlinkResult{}, err
	}

	gifRes, err := AssembleGIF(ctx, GIFRequest{Frames: padded, Output: req.GIFPath, FrameDuration: duration})
	if err != nil {
		return BlinkResult{}, err
	}

	res := BlinkResult{
		GIFResult:   gifRes,
		Frames:      padded,
		URLCount:    len(downloads),
		PaddedCount: len(padded) - len(frames),
		ViewerURL:   q.ViewerURL(),
	}
	if !req.KeepFrames {
		log.Info("cleaning up frames", "count", len(padded))
		if err := fsutil.RemoveFiles(padded); err != nil {
			return res, err
		}
		res.Frames = nil
	}
	res.Duration = time.Since(start)
	return res, nil
}
