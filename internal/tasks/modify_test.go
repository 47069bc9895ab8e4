package tasks

import (
	"bytes"
	"context"
	"errors"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"flipbooks/internal/fsutil"
)

func TestApplyModificationsRunsInOrder(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		paths = append(paths, writeFrame(t, dir, name, 20, 20, white()))
	}

	mods := []Modification{ScaleModification(2, false), GridModification(DefaultGrid())}
	if err := ApplyModifications(context.Background(), Env{Workers: 2}, paths, mods); err != nil {
		t.Fatal(err)
	}
	for _, p := range paths {
		size, err := ImageSize(p)
		if err != nil || size != image.Pt(40, 40) {
			t.Fatalf("%s: size %v err %v", p, size, err)
		}
	}
}

func TestApplyModificationsRequiresInputs(t *testing.T) {
	dir := t.TempDir()
	existing := writeFrame(t, dir, "a.png", 4, 4, white())
	err := ApplyModifications(context.Background(), Env{Workers: 1}, []string{existing, filepath.Join(dir, "gone.png")}, []Modification{ScaleModification(2, false)})
	if err == nil {
		t.Fatalf("expected missing input error")
	}
	if fsutil.FirstExisting(existing) == "" {
		t.Fatalf("inputs must not be touched when validation fails")
	}
	size, _ := ImageSize(existing)
	if size != image.Pt(4, 4) {
		t.Fatalf("input modified before validation finished")
	}
}

func TestApplyModificationsCleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		paths = append(paths, writeFrame(t, dir, name, 4, 4, white()))
	}
	boom := errors.New("boom")
	failing := Modification{Name: "fail-b", Apply: func(path string) error {
		if strings.HasSuffix(path, "b.png") {
			return boom
		}
		return nil
	}}

	var logs bytes.Buffer
	env := Env{Workers: 3, Log: slog.New(slog.NewTextHandler(&logs, nil))}
	err := ApplyModifications(context.Background(), env, paths, []Modification{failing})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !strings.Contains(logs.String(), "modification failed") {
		t.Fatalf("cleanup warning should go to the job logger, got %q", logs.String())
	}
	for _, p := range paths {
		if fsutil.FirstExisting(p) != "" {
			t.Fatalf("%s survived a failed batch", p)
		}
	}
}

func TestScaleModificationIgnoresUnitFactor(t *testing.T) {
	path := writeFrame(t, t.TempDir(), "a.png", 5, 5, white())
	if err := ScaleModification(1, false).Apply(path); err != nil {
		t.Fatal(err)
	}
	if size, _ := ImageSize(path); size != image.Pt(5, 5) {
		t.Fatalf("unit factor changed the size to %v", size)
	}
}
