package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/reelsched/reelsched/internal/media"
)

// probeMediaServer checks once at startup that the media server answers.
// Failure only logs a warning; bulk scheduling from the listing stays
// unavailable until the server comes back.
func probeMediaServer(ctx context.Context, src *media.Source) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := src.Ping(ctx); err != nil {
		slog.Warn("media server unreachable", "error", err)
		return
	}
	slog.Info("media server reachable")
}
