package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"flipbooks/internal/fitsimg"
	"flipbooks/internal/logging"
	"flipbooks/internal/params"
	"flipbooks/internal/tasks"
)

// router implements Processor and routes jobs to their workflows.
type router struct {
	log         *slog.Logger
	env         tasks.Env
	blinkFn     func(ctx context.Context, env tasks.Env, req tasks.BlinkRequest) (tasks.BlinkResult, error)
	framesFn    func(ctx context.Context, env tasks.Env, req tasks.FramesRequest) (tasks.FramesResult, error)
	cutoutFn    func(ctx context.Context, env tasks.Env, req tasks.CutoutRequest) (tasks.CutoutResult, error)
	compositeFn func(ctx context.Context, env tasks.Env, req tasks.CompositeRequest) (tasks.CompositeResult, error)
	convertFn   func(ctx context.Context, req tasks.FITSConvertRequest) (tasks.FITSConvertResult, error)
}

func newRouter(logger *slog.Logger, env tasks.Env) *router {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log:         logger,
		env:         env,
		blinkFn:     tasks.BuildBlink,
		framesFn:    tasks.DownloadFrames,
		cutoutFn:    tasks.FetchCutout,
		compositeFn: tasks.BuildComposite,
		convertFn:   tasks.ConvertFITS,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobBlink:
		return r.handleBlink(ctx, job)
	case JobFrames:
		return r.handleFrames(ctx, job)
	case JobCutout:
		return r.handleCutout(ctx, job)
	case JobComposite:
		return r.handleComposite(ctx, job)
	case JobConvert:
		return r.handleConvert(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleBlink(ctx context.Context, job Job) Result {
	o := params.Options(job.Options)
	frames, err := framesRequest(o)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	gifPath := o.String("output")
	if gifPath == "" {
		return Result{Job: job, Error: fmt.Errorf("blink job needs an output GIF path")}
	}
	minFrames := -1
	if _, ok := o["minFrames"]; ok {
		minFrames = o.Int("minFrames")
	}

	logging.LogProcessingStep(r.log, job.ID, "blink", "started", map[string]any{"ra": frames.RA, "dec": frames.Dec, "gif": gifPath})
	res, err := r.blinkFn(ctx, r.env, tasks.BlinkRequest{
		FramesRequest: frames,
		GIFPath:       gifPath,
		FrameDuration: o.Float("duration"),
		MinFrames:     minFrames,
		KeepFrames:    o.Bool("keepFrames"),
	})
	meta := map[string]any{
		"output":     res.OutputFile,
		"frameCount": res.FrameCount,
		"urlCount":   res.URLCount,
		"padded":     res.PaddedCount,
		"delayCS":    res.DelayCS,
		"frames":     res.Frames,
		"viewerURL":  res.ViewerURL,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleFrames(ctx context.Context, job Job) Result {
	req, err := framesRequest(params.Options(job.Options))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, err := r.framesFn(ctx, r.env, req)
	sizes := make([]string, len(res.Sizes))
	for i, s := range res.Sizes {
		sizes[i] = fmt.Sprintf("%dx%d", s.X, s.Y)
	}
	meta := map[string]any{
		"frames":    res.Frames,
		"sizes":     sizes,
		"urls":      res.URLs,
		"viewerURL": res.ViewerURL,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleCutout(ctx context.Context, job Job) Result {
	o := params.Options(job.Options)
	res, err := r.cutoutFn(ctx, r.env, tasks.CutoutRequest{
		Params:    serviceParams(o),
		Output:    o.String("output"),
		Format:    o.String("format"),
		Extension: o.Int("extension"),
	})
	meta := map[string]any{
		"output":    res.OutputFile,
		"format":    res.Format,
		"url":       res.URL,
		"viewerURL": res.ViewerURL,
		"width":     res.Width,
		"height":    res.Height,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleComposite(ctx context.Context, job Job) Result {
	o := params.Options(job.Options)
	req := tasks.CompositeRequest{
		Params:     serviceParams(o),
		Output:     o.String("output"),
		Mode:       o.String("mode"),
		Percentile: o.Float("percentile"),
		Invert:     o.Bool("invert"),
	}
	if _, ok := o["percentile"]; ok {
		if err := params.RequireRange("percentile", req.Percentile, 50, 100); err != nil {
			return Result{Job: job, Error: err}
		}
	}
	_, hasMin := o["clipMin"]
	_, hasMax := o["clipMax"]
	if hasMin != hasMax {
		return Result{Job: job, Error: &params.ConflictError{Keys: []string{"clipMin", "clipMax"}}}
	}
	if hasMin {
		clip := fitsimg.Clip{Min: o.Float("clipMin"), Max: o.Float("clipMax")}
		for k, v := range map[string]float64{"clipMin": clip.Min, "clipMax": clip.Max} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Result{Job: job, Error: &params.InvalidValueError{Key: k, Value: v, Reason: "must be finite"}}
			}
		}
		req.Clip = &clip
	}

	res, err := r.compositeFn(ctx, r.env, req)
	meta := map[string]any{
		"output":     res.OutputFile,
		"version":    res.Version,
		"clipMin":    res.Clip.Min,
		"clipMax":    res.Clip.Max,
		"requestURL": res.RequestURL,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleConvert(ctx context.Context, job Job) Result {
	o := params.Options(job.Options)
	res, err := r.convertFn(ctx, tasks.FITSConvertRequest{
		Input:       o.String("input"),
		Output:      o.String("output"),
		Extension:   o.Int("extension"),
		DeleteInput: o.Bool("deleteInput"),
	})
	meta := map[string]any{
		"output": res.OutputFile,
		"plane":  res.Plane,
		"width":  res.Width,
		"height": res.Height,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// framesRequest reads the options shared by blink and frames jobs.
func framesRequest(o params.Options) (tasks.FramesRequest, error) {
	for _, key := range []string{"ra", "dec"} {
		if _, ok := o[key]; !ok {
			return tasks.FramesRequest{}, fmt.Errorf("missing required option %q", key)
		}
	}
	req := tasks.FramesRequest{
		RA:              o.Float("ra"),
		Dec:             o.Float("dec"),
		Params:          serviceParams(o),
		OutDir:          o.String("outDir"),
		ScaleFactor:     o.Float("scale"),
		AllowNonInteger: o.Bool("allowNonInteger"),
	}
	if req.OutDir == "" {
		req.OutDir = "."
	}
	grid, err := gridOptions(o)
	if err != nil {
		return tasks.FramesRequest{}, err
	}
	req.Grid = grid
	return req, nil
}

// gridOptions returns nil unless a positive "grid" cell count is set.
func gridOptions(o params.Options) (*tasks.GridOptions, error) {
	if o.Int("grid") <= 0 {
		return nil, nil
	}
	g := tasks.DefaultGrid()
	g.Count = o.Int("grid")
	if s := o.String("gridStyle"); s != "" {
		style, err := tasks.ParseGridStyle(s)
		if err != nil {
			return nil, err
		}
		g.Style = style
	}
	if s := o.String("gridColor"); s != "" {
		c, err := tasks.ParseColor(s)
		if err != nil {
			return nil, err
		}
		g.Color = c
	}
	return &g, nil
}

// serviceParams extracts the nested service overrides, if any.
func serviceParams(o params.Options) map[string]any {
	switch p := o["params"].(type) {
	case map[string]any:
		return p
	case params.Options:
		return p
	}
	return nil
}
