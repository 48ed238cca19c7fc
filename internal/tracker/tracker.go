// Package tracker is the Tracker Sync Collaborator: a narrow, additive
// interface the Update Worker calls at the end of each per-manga sweep to
// push progress to an external tracker (MyAnimeList/AniList-style). The
// OAuth dance and the tracker's own data model are out of core scope (per
// §1); only the shape the worker depends on lives here, grounded in the
// original program's tanoshi-tracker crate and the teacher's
// internal/ingestion/{anilist,mangadex} packages.
package tracker

import (
	"context"
	"log/slog"
)

// Client pushes reading progress to an external tracker for a user who has
// linked one. Errors are logged and swallowed by callers; a tracker sync
// failure never fails or blocks the sweep it was invoked from.
type Client interface {
	SetProgress(ctx context.Context, userID string, trackerMangaID string, progress int) error
}

// NoOp is the default Client: it does nothing. Used when no tracker
// integration is configured.
type NoOp struct{}

func (NoOp) SetProgress(ctx context.Context, userID string, trackerMangaID string, progress int) error {
	return nil
}

// Logging wraps a Client and logs every call, useful for development setups
// that want visibility without a real tracker configured.
type Logging struct {
	Next   Client
	Logger *slog.Logger
}

func (l Logging) SetProgress(ctx context.Context, userID string, trackerMangaID string, progress int) error {
	next := l.Next
	if next == nil {
		next = NoOp{}
	}
	err := next.SetProgress(ctx, userID, trackerMangaID, progress)
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err != nil {
		logger.Warn("tracker sync failed", "user", userID, "tracker_manga", trackerMangaID, "error", err)
	} else {
		logger.Debug("tracker sync ok", "user", userID, "tracker_manga", trackerMangaID, "progress", progress)
	}
	return err
}
