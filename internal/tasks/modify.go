package tasks

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"flipbooks/internal/fsutil"
)

// Modification rewrites one image file in place.
type Modification struct {
	Name  string
	Apply func(path string) error
}

// ScaleModification rescales by factor. A factor of 1, or one that is not
// positive, leaves the file alone.
func ScaleModification(factor float64, allowNonInteger bool) Modification {
	return Modification{Name: "rescale", Apply: func(path string) error {
		if factor == 1 || factor <= 0 {
			return nil
		}
		_, err := Rescale(path, factor, allowNonInteger)
		return err
	}}
}

// GridModification overlays a grid.
func GridModification(opts GridOptions) Modification {
	return Modification{Name: "grid", Apply: func(path string) error {
		return ApplyGrid(path, opts)
	}}
}

// ApplyModifications runs mods in order on every file, with up to
// env.Workers files in flight. Every input must exist before anything starts. If any
// modification fails, all of the files are deleted.
func ApplyModifications(ctx context.Context, env Env, paths []string, mods []Modification) error {
	if len(mods) == 0 || len(paths) == 0 {
		return nil
	}
	if err := fsutil.RequireFiles(paths); err != nil {
		return err
	}
	workers := env.Workers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			for _, m := range mods {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := m.Apply(path); err != nil {
					return fmt.Errorf("%s %s: %w", m.Name, path, err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log := env.logger()
		log.Warn("modification failed, removing unfinished files", "files", len(paths), "error", err)
		if cerr := fsutil.RemoveFiles(paths); cerr != nil {
			log.Warn("cleanup incomplete", "error", cerr)
		}
		return err
	}
	return nil
}
