package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
}

var fitsExts = map[string]struct{}{
	".fits":    {},
	".fit":     {},
	".fts":     {},
	".fits.gz": {},
	".fit.gz":  {},
}

// ListImages returns raster files directly inside dir, sorted by frame index
// when the names carry one and lexically otherwise.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	SortFrames(files)
	return files, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsImageFile checks if a file is a raster format the tool reads or writes.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// IsFITSFile checks for FITS files, plain or gzip-compressed.
func IsFITSFile(path string) bool {
	lower := strings.ToLower(path)
	for ext := range fitsExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// FormatCoord renders a coordinate the way frame names carry it.
func FormatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FrameName is the file name of blink frame i at (ra, dec).
func FrameName(ra, dec float64, i int, ext string) string {
	return fmt.Sprintf("field-RA%s-DEC%s-%d.%s", FormatCoord(ra), FormatCoord(dec), i, strings.TrimPrefix(ext, "."))
}

// FrameIndex extracts the trailing index from a FrameName; -1 if absent.
func FrameIndex(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	i := strings.LastIndex(base, "-")
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(base[i+1:])
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// SortFrames orders paths by frame index, falling back to name order.
func SortFrames(paths []string) {
	sort.SliceStable(paths, func(a, b int) bool {
		ia, ib := FrameIndex(paths[a]), FrameIndex(paths[b])
		if ia >= 0 && ib >= 0 && ia != ib {
			return ia < ib
		}
		return paths[a] < paths[b]
	})
}

// EnsureDir creates dir and its parents when missing.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// RequireFiles fails with the first path that does not exist.
func RequireFiles(paths []string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("missing input %s: %w", p, err)
		}
	}
	return nil
}

// RemoveFiles deletes every path that exists. It keeps going after a failure
// and reports all of them.
func RemoveFiles(paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CopyFile copies src to dst, replacing dst.
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// ReplaceExt swaps the extension of path, treating ".fits.gz" as one extension.
func ReplaceExt(path, ext string) string {
	lower := strings.ToLower(path)
	for _, double := range []string{".fits.gz", ".fit.gz"} {
		if strings.HasSuffix(lower, double) {
			return path[:len(path)-len(double)] + ext
		}
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
