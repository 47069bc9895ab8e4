package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Retry.Floor.Std() != 5*time.Second || cfg.Retry.Ceiling.Std() != 300*time.Second {
		t.Fatalf("unexpected retry bounds: %v %v", cfg.Retry.Floor.Std(), cfg.Retry.Ceiling.Std())
	}
	if cfg.Animation.MinFrames != 10 {
		t.Fatalf("expected min frames 10, got %d", cfg.Animation.MinFrames)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"retry": {"floor": "250ms", "ceiling": "2s", "max_attempts": 3},
		"processing": {"parallel_jobs": 1, "download_workers": 4},
		"endpoints": {"unwise_cutout": "http://localhost:9999/cutout_fits"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLIPBOOKS_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Retry.Floor.Std() != 250*time.Millisecond || cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("retry not overridden: %+v", cfg.Retry)
	}
	if cfg.Endpoints.UnWISECutout != "http://localhost:9999/cutout_fits" {
		t.Fatalf("endpoint not overridden: %s", cfg.Endpoints.UnWISECutout)
	}
	// untouched sections keep their defaults
	if cfg.Endpoints.LegacyViewer == "" {
		t.Fatalf("expected default legacy viewer endpoint")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"retry": {"floor": "10s", "ceiling": "1s", "max_attempts": 0}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"max_attempts", "ceiling"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestDurationAcceptsSeconds(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte("12")); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 12*time.Second {
		t.Fatalf("got %v", d.Std())
	}
	if err := d.UnmarshalJSON([]byte(`"soon"`)); err == nil {
		t.Fatalf("expected parse error")
	}
}
