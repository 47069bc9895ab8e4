package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"flipbooks/internal/fsutil"
	"flipbooks/internal/legacy"
)

// Cutout output formats.
const (
	CutoutJPEG = "jpeg"
	CutoutFITS = "fits"
	CutoutPNG  = "png" // FITS cutout rendered to grayscale
)

// CutoutRequest describes a multi-survey cutout download.
type CutoutRequest struct {
	Params    map[string]any // cutout service options, see legacy.Defaults
	Output    string
	Format    string
	Extension int // image plane rendered for CutoutPNG
}

// CutoutResult captures output metadata.
type CutoutResult struct {
	OutputFile string
	Format     string
	URL        string
	ViewerURL  string
	Width      int
	Height     int
}

// FetchCutout downloads one cutout in the requested format.
func FetchCutout(ctx context.Context, env Env, req CutoutRequest) (CutoutResult, error) {
	q, err := legacy.NewQuery(env.Endpoints, req.Params)
	if err != nil {
		return CutoutResult{}, err
	}
	format := strings.ToLower(req.Format)
	if format == "" || format == "jpg" {
		format = CutoutJPEG
	}
	w, h := q.Size()
	res := CutoutResult{OutputFile: req.Output, Format: format, ViewerURL: q.ViewerURL(), Width: w, Height: h}
	env.logger().Info("fetching cutout", "format", format, "layer", q.Options().String("layer"), "output", req.Output)

	switch format {
	case CutoutJPEG:
		res.URL = q.JPEGCutoutURL()
		err = q.DownloadJPEG(ctx, env.Client, req.Output)
	case CutoutFITS:
		res.URL = q.FITSCutoutURL()
		err = q.DownloadFITS(ctx, env.Client, req.Output)
	case CutoutPNG:
		res.URL = q.FITSCutoutURL()
		var data []byte
		if data, err = q.FetchFITS(ctx, env.Client); err != nil {
			break
		}
		out := req.Output
		if !strings.EqualFold(filepath.Ext(out), ".png") {
			out = fsutil.ReplaceExt(out, ".png")
		}
		var conv FITSConvertResult
		if conv, err = RenderFITS(data, req.Extension, out); err == nil {
			res.OutputFile = conv.OutputFile
			res.Width, res.Height = conv.Width, conv.Height
		}
	default:
		return CutoutResult{}, fmt.Errorf("unsupported cutout format %q: use jpeg, fits or png", req.Format)
	}
	if err != nil {
		return CutoutResult{}, err
	}
	return res, nil
}
