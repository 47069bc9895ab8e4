package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultConfigPath = "~/.config/flipbooks/config.json"
	defaultParallel   = 2
	defaultWorkers    = 8
)

// Config holds user-editable settings. It is read once at startup and
// treated as immutable afterwards.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Endpoints  Endpoints  `json:"endpoints"`
	Retry      Retry      `json:"retry"`
	HTTP       HTTP       `json:"http"`
	Animation  Animation  `json:"animation"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs    int    `json:"parallel_jobs"`
	DownloadWorkers int    `json:"download_workers"`
	TempDir         string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	WatchDir      string `json:"watch_dir"`
}

// Endpoints lists every remote service the tool talks to.
type Endpoints struct {
	WiseViewAnimation string `json:"wiseview_animation"`
	WiseViewImageBase string `json:"wiseview_image_base"`
	WiseViewViewer    string `json:"wiseview_viewer"`
	WiseViewCutout    string `json:"wiseview_cutout"`
	LegacyViewer      string `json:"legacy_viewer"`
	LegacyJPEGCutout  string `json:"legacy_jpeg_cutout"`
	LegacyFITSCutout  string `json:"legacy_fits_cutout"`
	UnWISECutout      string `json:"unwise_cutout"`
}

// Retry bounds the backoff loop used for transient service failures.
type Retry struct {
	Floor       Duration `json:"floor"`
	Ceiling     Duration `json:"ceiling"`
	MaxAttempts int      `json:"max_attempts"`
}

// HTTP configures the outbound client.
type HTTP struct {
	Timeout   Duration `json:"timeout"`
	UserAgent string   `json:"user_agent"`
}

// Animation holds defaults for GIF assembly.
type Animation struct {
	FrameDuration float64 `json:"frame_duration"` // seconds per frame
	MinFrames     int     `json:"min_frames"`     // pad shorter blinks up to this count, 0 disables
}

// Server configures the job API.
type Server struct {
	Addr string `json:"addr"`
}

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value) * time.Second)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("FLIPBOOKS_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", expanded, err)
	}

	return cfg, nil
}

// Validate checks the values that would otherwise fail late at request time.
func (c *Config) Validate() error {
	var problems []string
	if c.Processing.ParallelJobs < 1 {
		problems = append(problems, "processing.parallel_jobs must be at least 1")
	}
	if c.Processing.DownloadWorkers < 1 {
		problems = append(problems, "processing.download_workers must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.Floor <= 0 {
		problems = append(problems, "retry.floor must be positive")
	}
	if c.Retry.Ceiling < c.Retry.Floor {
		problems = append(problems, "retry.ceiling must not be below retry.floor")
	}
	if c.Animation.FrameDuration <= 0 {
		problems = append(problems, "animation.frame_duration must be positive")
	}
	if c.Animation.MinFrames < 0 {
		problems = append(problems, "animation.min_frames must not be negative")
	}
	endpoints := map[string]string{
		"wiseview_animation":  c.Endpoints.WiseViewAnimation,
		"wiseview_image_base": c.Endpoints.WiseViewImageBase,
		"wiseview_viewer":     c.Endpoints.WiseViewViewer,
		"wiseview_cutout":     c.Endpoints.WiseViewCutout,
		"legacy_viewer":       c.Endpoints.LegacyViewer,
		"legacy_jpeg_cutout":  c.Endpoints.LegacyJPEGCutout,
		"legacy_fits_cutout":  c.Endpoints.LegacyFITSCutout,
		"unwise_cutout":       c.Endpoints.UnWISECutout,
	}
	for name, value := range endpoints {
		if value == "" {
			problems = append(problems, "endpoints."+name+" is empty")
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs:    defaultParallel,
			DownloadWorkers: defaultWorkers,
			TempDir:         os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: ".",
			WatchDir:      "./incoming",
		},
		Endpoints: Endpoints{
			WiseViewAnimation: "https://vjxontvb73.execute-api.us-west-2.amazonaws.com/png-animation",
			WiseViewImageBase: "https://amnh-citsci-public.s3-us-west-2.amazonaws.com/",
			WiseViewViewer:    "http://byw.tools/wiseview",
			WiseViewCutout:    "http://byw.tools/cutout",
			LegacyViewer:      "https://www.legacysurvey.org/viewer",
			LegacyJPEGCutout:  "https://www.legacysurvey.org/viewer/jpeg-cutout",
			LegacyFITSCutout:  "https://www.legacysurvey.org/viewer/fits-cutout",
			UnWISECutout:      "http://unwise.me/cutout_fits",
		},
		Retry: Retry{
			Floor:       Duration(5 * time.Second),
			Ceiling:     Duration(300 * time.Second),
			MaxAttempts: 8,
		},
		HTTP: HTTP{
			Timeout:   Duration(2 * time.Minute),
			UserAgent: "flipbooks/0.1",
		},
		Animation: Animation{
			FrameDuration: 0.2,
			MinFrames:     10,
		},
		Server: Server{
			Addr: "127.0.0.1:8787",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
