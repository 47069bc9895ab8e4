package fsutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFrameNameAndIndex(t *testing.T) {
	name := FrameName(133.786245, -7.244372, 3, "png")
	if name != "field-RA133.786245-DEC-7.244372-3.png" {
		t.Fatalf("unexpected name %s", name)
	}
	if FrameIndex(name) != 3 {
		t.Fatalf("index not recovered from %s", name)
	}
	if FrameIndex("cover.png") != -1 {
		t.Fatalf("expected -1 for unindexed name")
	}
}

func TestListImagesOrdersByIndex(t *testing.T) {
	dir := t.TempDir()
	for _, i := range []int{10, 2, 1} {
		if err := os.WriteFile(filepath.Join(dir, FrameName(1, 2, i, "png")), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644)

	got, err := ListImages(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(dir, FrameName(1, 2, 1, "png")),
		filepath.Join(dir, FrameName(1, 2, 2, "png")),
		filepath.Join(dir, FrameName(1, 2, 10, "png")),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRemoveFilesIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "a.png")
	os.WriteFile(keep, []byte("x"), 0o644)
	if err := RemoveFiles([]string{keep, filepath.Join(dir, "missing.png")}); err != nil {
		t.Fatalf("RemoveFiles: %v", err)
	}
	if FirstExisting(keep) != "" {
		t.Fatalf("file not removed")
	}
}

func TestFITSHelpers(t *testing.T) {
	if !IsFITSFile("x/W1.fits.gz") || !IsFITSFile("a.FITS") || IsFITSFile("a.png") {
		t.Fatalf("IsFITSFile misclassified")
	}
	if got := ReplaceExt("dir/W1.fits.gz", ".png"); got != "dir/W1.png" {
		t.Fatalf("ReplaceExt gz: %s", got)
	}
	if got := ReplaceExt("dir/cutout.fits", ".png"); got != "dir/cutout.png" {
		t.Fatalf("ReplaceExt: %s", got)
	}
}

func TestRequireFiles(t *testing.T) {
	if err := RequireFiles([]string{filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Fatalf("expected missing input error")
	}
}
