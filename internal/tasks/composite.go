package tasks

import (
	"context"
	"fmt"

	"flipbooks/internal/fitsimg"
	"flipbooks/internal/unwise"
)

// DefaultPercentile is the upper percentile used when a request names none.
const DefaultPercentile = 97.5

// CompositeRequest describes a W1/W2 color composite from unWISE coadds.
type CompositeRequest struct {
	Params     map[string]any // coadd service options, see unwise.Defaults
	Output     string
	Mode       string  // unwise.ModeFull or unwise.ModePercentile
	Percentile float64 // upper percentile for unwise.ModePercentile
	Clip       *fitsimg.Clip
	Invert     bool
}

// CompositeResult captures output metadata.
type CompositeResult struct {
	OutputFile string
	Version    string // data release actually used
	Clip       fitsimg.Clip
	RequestURL string
}

// BuildComposite fetches the coadds, picks a brightness window (unless one is
// given) and writes the color composite.
func BuildComposite(ctx context.Context, env Env, req CompositeRequest) (CompositeResult, error) {
	q, err := unwise.NewQuery(env.Client, env.Endpoints, req.Params)
	if err != nil {
		return CompositeResult{}, err
	}
	if err := q.Fetch(ctx); err != nil {
		return CompositeResult{}, err
	}

	var clip fitsimg.Clip
	if req.Clip != nil {
		clip = *req.Clip
	} else {
		mode := req.Mode
		if mode == "" {
			mode = unwise.ModePercentile
		}
		p := req.Percentile
		if p == 0 {
			p = DefaultPercentile
		}
		if clip, err = q.BrightnessClip(ctx, mode, p); err != nil {
			return CompositeResult{}, err
		}
	}
	if clip.Collapsed() {
		return CompositeResult{}, fmt.Errorf("brightness window [%v, %v] is empty", clip.Min, clip.Max)
	}

	env.logger().Info("writing composite", "version", q.Version(), "min", clip.Min, "max", clip.Max, "output", req.Output)
	if err := q.SaveComposite(req.Output, clip, req.Invert); err != nil {
		return CompositeResult{}, err
	}
	return CompositeResult{OutputFile: req.Output, Version: q.Version(), Clip: clip, RequestURL: q.RequestURL()}, nil
}
