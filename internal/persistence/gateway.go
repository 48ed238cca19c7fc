// Package persistence defines the worker-facing slice of the Persistence
// Gateway: the narrow set of chapter, manga, library and download-queue
// operations the Extension Host's callers (the Update Worker and the
// Download Worker) need. The rest of the application may use a wider
// surface; this package only promises what §4.3 requires.
package persistence

import (
	"context"
	"iter"

	"mangaforge/internal/core"
)

// ChapterGateway is the chapter-relevant slice of the Persistence Gateway.
type ChapterGateway interface {
	GetChapterByID(ctx context.Context, id int64) (core.Chapter, error)
	GetChapterBySourceIDPath(ctx context.Context, sourceID int64, path string) (core.Chapter, error)
	GetChaptersByMangaID(ctx context.Context, mangaID int64, limit, offset int, includeDownloadedOnly bool) ([]core.Chapter, error)
	// GetChaptersNotInSource is the set difference used to delete chapters
	// the source no longer reports.
	GetChaptersNotInSource(ctx context.Context, sourceID, mangaID int64, paths []string) ([]core.Chapter, error)
	// InsertChapters upserts by (manga_id, path).
	InsertChapters(ctx context.Context, chapters []core.Chapter) error
	DeleteChapterByIDs(ctx context.Context, ids []int64) error
}

// MangaGateway is the manga-relevant slice of the Persistence Gateway.
type MangaGateway interface {
	GetMangaByID(ctx context.Context, id int64) (core.Manga, error)
}

// LibraryGateway is the library-relevant slice of the Persistence Gateway.
type LibraryGateway interface {
	// MangaFromAllUsersLibrary streams every manga subscribed by any user,
	// de-duplicated across users.
	MangaFromAllUsersLibrary(ctx context.Context) iter.Seq2[core.Manga, error]
	// MangaFromUserLibrary streams one user's subscribed manga.
	MangaFromUserLibrary(ctx context.Context, userID string) iter.Seq2[core.Manga, error]
	GetUsersByMangaID(ctx context.Context, mangaID int64) ([]core.User, error)
	// GetAdminUsers returns every user with the admin flag set. Not named in
	// spec.md §4.3 (which only keys user lookups by manga id), but the
	// server/plugin-update probe ticks in §4.5 need the admin roster
	// directly rather than faking it through a manga-id lookup.
	GetAdminUsers(ctx context.Context) ([]core.User, error)
}

// DownloadQueueGateway is the queue-relevant slice of the Persistence
// Gateway.
type DownloadQueueGateway interface {
	// InsertDownloadQueue is idempotent on primary key and transactional
	// over its batch.
	InsertDownloadQueue(ctx context.Context, items []core.DownloadQueueItem) error
	// GetSingleDownloadQueue returns the head per the §3 ordering key,
	// filtered to undownloaded items, or ok=false if the queue is empty.
	GetSingleDownloadQueue(ctx context.Context) (item core.DownloadQueueItem, ok bool, err error)
	MarkSingleDownloadQueueAsCompleted(ctx context.Context, id int64) error
	GetSingleChapterDownloadStatus(ctx context.Context, chapterID int64) (complete bool, err error)
	UpdateChapterDownloadedPath(ctx context.Context, chapterID int64, path string) error
	DeleteSingleChapterDownloadQueue(ctx context.Context, chapterID int64) error
	GetDownloadQueueLastPriority(ctx context.Context) (priority int64, ok bool, err error)
}

// Gateway is the complete worker-facing slice of the Persistence Gateway.
type Gateway interface {
	ChapterGateway
	MangaGateway
	LibraryGateway
	DownloadQueueGateway
}
