package tasks

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"flipbooks/internal/fsutil"
)

// GIFRequest describes an animation built from frame files.
type GIFRequest struct {
	Frames        []string // in display order
	Output        string
	FrameDuration float64 // seconds per frame
	ScaleFactor   float64 // 0 or 1 keeps the frame size
}

// GIFResult captures output metadata.
type GIFResult struct {
	OutputFile string
	FrameCount int
	Size       image.Point
	DelayCS    int // per-frame delay in hundredths of a second
}

// AssembleGIF encodes the frames, in order, into a looping GIF.
func AssembleGIF(ctx context.Context, req GIFRequest) (GIFResult, error) {
	if len(req.Frames) == 0 {
		return GIFResult{}, errors.New("no frames to assemble")
	}
	if req.FrameDuration <= 0 {
		return GIFResult{}, fmt.Errorf("frame duration must be positive, got %v", req.FrameDuration)
	}
	if err := fsutil.RequireFiles(req.Frames); err != nil {
		return GIFResult{}, err
	}

	delay := int(math.Round(req.FrameDuration * 100))
	anim := &gif.GIF{LoopCount: 0}
	var size image.Point
	for i, path := range req.Frames {
		if err := ctx.Err(); err != nil {
			return GIFResult{}, err
		}
		img, err := imaging.Open(path)
		if err != nil {
			return GIFResult{}, fmt.Errorf("frame %d: %w", i, err)
		}
		if req.ScaleFactor > 0 && req.ScaleFactor != 1 {
			s := ScaledSize(img.Bounds().Size(), req.ScaleFactor)
			img = imaging.Resize(img, s.X, s.Y, imaging.NearestNeighbor)
		}
		if i == 0 {
			size = img.Bounds().Size()
		}
		anim.Image = append(anim.Image, paletted(img))
		anim.Delay = append(anim.Delay, delay)
	}

	if err := fsutil.EnsureDir(filepath.Dir(req.Output)); err != nil {
		return GIFResult{}, err
	}
	f, err := os.Create(req.Output)
	if err != nil {
		return GIFResult{}, err
	}
	if err := gif.EncodeAll(f, anim); err != nil {
		f.Close()
		os.Remove(req.Output)
		return GIFResult{}, fmt.Errorf("encode gif: %w", err)
	}
	if err := f.Close(); err != nil {
		return GIFResult{}, err
	}

	return GIFResult{OutputFile: req.Output, FrameCount: len(anim.Image), Size: size, DelayCS: delay}, nil
}

var grayPalette = func() color.Palette {
	p := make(color.Palette, 256)
	for i := range p {
		p[i] = color.Gray{Y: uint8(i)}
	}
	return p
}()

// paletted maps a frame onto a GIF palette. Grayscale frames keep their exact
// levels; color frames are dithered onto the Plan 9 palette.
func paletted(img image.Image) *image.Paletted {
	b := img.Bounds()
	if isGray(img) {
		dst := image.NewPaletted(b, grayPalette)
		draw.Draw(dst, b, img, b.Min, draw.Src)
		return dst
	}
	dst := image.NewPaletted(b, palette.Plan9)
	draw.FloydSteinberg.Draw(dst, b, img, b.Min)
	return dst
}

func isGray(img image.Image) bool {
	if _, ok := img.(*image.Gray); ok {
		return true
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if r != g || g != bl || a != 0xffff {
				return false
			}
		}
	}
	return true
}

// PadFrames copies the last frame to the following indices until at least
// minFrames exist, and returns the extended list. Short blinks are padded
// so the animation lingers on the final epoch. On failure the copies it made
// are removed and the input frames are left alone.
func PadFrames(paths []string, minFrames int) ([]string, error) {
	if len(paths) == 0 || len(paths) >= minFrames {
		return paths, nil
	}
	last := paths[len(paths)-1]
	next := fsutil.FrameIndex(last) + 1
	if next == 0 {
		next = len(paths)
	}
	out := append([]string(nil), paths...)
	for len(out) < minFrames {
		dst := withFrameIndex(last, next)
		if err := fsutil.CopyFile(last, dst); err != nil {
			fsutil.RemoveFiles(out[len(paths):])
			return nil, fmt.Errorf("pad frames: %w", err)
		}
		out = append(out, dst)
		next++
	}
	return out, nil
}

// withFrameIndex replaces (or adds) the trailing -<index> of a frame name.
func withFrameIndex(path string, i int) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if fsutil.FrameIndex(path) >= 0 {
		base = base[:strings.LastIndex(base, "-")]
	}
	return base + "-" + strconv.Itoa(i) + ext
}
