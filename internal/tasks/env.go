package tasks

import (
	"log/slog"

	"flipbooks/internal/config"
	"flipbooks/internal/fetch"
)

// Env carries what the network workflows share: the HTTP client, service
// endpoints, and pool sizes.
type Env struct {
	Client    *fetch.Client
	Endpoints config.Endpoints
	Workers   int
	Animation config.Animation
	Log       *slog.Logger
}

// NewEnv builds an Env from configuration.
func NewEnv(cfg *config.Config, logger *slog.Logger) Env {
	if logger == nil {
		logger = slog.Default()
	}
	return Env{
		Client:    fetch.NewClient(cfg, logger),
		Endpoints: cfg.Endpoints,
		Workers:   cfg.Processing.DownloadWorkers,
		Animation: cfg.Animation,
		Log:       logger,
	}
}

func (e Env) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}
