package tasks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"flipbooks/internal/fitsimg"
	"flipbooks/internal/fsutil"
)

// FITSConvertRequest defines a FITS to raster conversion.
type FITSConvertRequest struct {
	Input       string
	Output      string // defaults to Input with a .png extension
	Extension   int    // index of the image plane to render
	DeleteInput bool   // remove the FITS file once the raster is written
}

// FITSConvertResult captures conversion metadata.
type FITSConvertResult struct {
	InputFile  string
	OutputFile string
	Plane      string
	Width      int
	Height     int
	Clip       fitsimg.Clip
}

// ConvertFITS renders one image plane of a FITS file as an 8-bit grayscale
// raster, scaling the plane's full range to 0-255.
func ConvertFITS(ctx context.Context, req FITSConvertRequest) (FITSConvertResult, error) {
	if err := ctx.Err(); err != nil {
		return FITSConvertResult{}, err
	}
	data, err := os.ReadFile(req.Input)
	if err != nil {
		return FITSConvertResult{}, err
	}
	out := req.Output
	if out == "" {
		out = fsutil.ReplaceExt(req.Input, ".png")
	}

	res, err := RenderFITS(data, req.Extension, out)
	if err != nil {
		return FITSConvertResult{}, fmt.Errorf("convert %s: %w", req.Input, err)
	}
	res.InputFile = req.Input

	if req.DeleteInput {
		if err := os.Remove(req.Input); err != nil {
			return res, fmt.Errorf("remove FITS intermediate: %w", err)
		}
	}
	return res, nil
}

// RenderFITS is ConvertFITS over an in-memory FITS file.
func RenderFITS(data []byte, extension int, output string) (FITSConvertResult, error) {
	planes, err := fitsimg.Decode(bytes.NewReader(data))
	if err != nil {
		return FITSConvertResult{}, err
	}
	if extension < 0 || extension >= len(planes) {
		return FITSConvertResult{}, fmt.Errorf("extension %d out of range, file has %d image planes", extension, len(planes))
	}
	plane := planes[extension]
	clip := fitsimg.MinMax(plane.Pix)

	if err := fsutil.EnsureDir(filepath.Dir(output)); err != nil {
		return FITSConvertResult{}, err
	}
	if err := imaging.Save(fitsimg.Normalize(plane, clip).Gray(true), output); err != nil {
		return FITSConvertResult{}, err
	}
	return FITSConvertResult{
		OutputFile: output,
		Plane:      plane.Name,
		Width:      plane.Width,
		Height:     plane.Height,
		Clip:       clip,
	}, nil
}
