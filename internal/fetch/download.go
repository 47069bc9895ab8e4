package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Download names one remote file and where to store it.
type Download struct {
	URL  string
	Path string
}

// DownloadAll fetches every download with at most workers in flight. The
// batch is all or nothing: if any download fails, every output path of the
// batch is removed before the first error is returned.
func DownloadAll(ctx context.Context, c *Client, downloads []Download, workers int) error {
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, d := range downloads {
		d := d
		g.Go(func() error {
			body, err := c.Get(gctx, d.URL, nil)
			if err != nil {
				return fmt.Errorf("download %s: %w", d.URL, err)
			}
			if err := os.MkdirAll(filepath.Dir(d.Path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(d.Path, body, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", d.Path, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		paths := make([]string, len(downloads))
		for i, d := range downloads {
			paths[i] = d.Path
		}
		if cerr := RemoveAll(paths); cerr != nil {
			c.log.Warn("cleanup after failed batch incomplete", "error", cerr)
		}
		return err
	}
	return nil
}

// RemoveAll deletes paths, ignoring ones that do not exist.
func RemoveAll(paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
