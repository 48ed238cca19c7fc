package update

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangaforge/internal/core"
	"mangaforge/internal/core/apperr"
)

type fakeHost struct {
	chapters map[int64][]core.Chapter
	err      error
	calls    int
}

func (f *fakeHost) GetChapters(sourceID int64, path string) ([]core.Chapter, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.chapters[sourceID], nil
}

func (f *fakeHost) List() []core.SourceInfo { return nil }

type fakeNotifier struct {
	notified []core.Chapter
}

func (f *fakeNotifier) NotifyNewChapter(ctx context.Context, manga core.Manga, chapter core.Chapter, users []core.User) {
	f.notified = append(f.notified, chapter)
}

func (f *fakeNotifier) NotifyAdmins(ctx context.Context, users []core.User, title, body string) {}

// fakeGateway implements persistence.Gateway with just enough behavior to
// drive a single-manga sweep; unused methods panic if called.
//
// GetMangaByID mirrors the real Store/Memory gateways' live
// MAX(chapter.uploaded) overlay (see persistence.Store.maxUploadedByManga
// and persistence.Memory.withObservedUpload): it replaces manga's stored
// LastUploadedAt with the latest chapter upload whenever that is later.
// That overlay is what the idempotence test below actually exercises.
type fakeGateway struct {
	manga    core.Manga
	existing []core.Chapter
	inserted []core.Chapter
}

func (g *fakeGateway) GetChapterByID(ctx context.Context, id int64) (core.Chapter, error) {
	panic("unused")
}
func (g *fakeGateway) GetChapterBySourceIDPath(ctx context.Context, sourceID int64, path string) (core.Chapter, error) {
	panic("unused")
}
func (g *fakeGateway) GetChaptersByMangaID(ctx context.Context, mangaID int64, limit, offset int, includeDownloadedOnly bool) ([]core.Chapter, error) {
	return append(g.existing, g.inserted...), nil
}
func (g *fakeGateway) GetChaptersNotInSource(ctx context.Context, sourceID, mangaID int64, paths []string) ([]core.Chapter, error) {
	return nil, nil
}
func (g *fakeGateway) InsertChapters(ctx context.Context, chapters []core.Chapter) error {
	for _, c := range chapters {
		replaced := false
		for i, existing := range g.inserted {
			if existing.Path == c.Path {
				g.inserted[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			g.inserted = append(g.inserted, c)
		}
	}
	return nil
}
func (g *fakeGateway) DeleteChapterByIDs(ctx context.Context, ids []int64) error { return nil }

func (g *fakeGateway) maxUploaded() (time.Time, bool) {
	var max time.Time
	found := false
	for _, c := range append(g.existing, g.inserted...) {
		if !found || c.Uploaded.After(max) {
			max = c.Uploaded
			found = true
		}
	}
	return max, found
}

func (g *fakeGateway) withObservedUpload(manga core.Manga) core.Manga {
	if max, ok := g.maxUploaded(); ok && max.After(manga.LastUploadedAt) {
		manga.LastUploadedAt = max
	}
	return manga
}

func (g *fakeGateway) GetMangaByID(ctx context.Context, id int64) (core.Manga, error) {
	return g.withObservedUpload(g.manga), nil
}
func (g *fakeGateway) MangaFromAllUsersLibrary(ctx context.Context) iter.Seq2[core.Manga, error] {
	return func(yield func(core.Manga, error) bool) { yield(g.withObservedUpload(g.manga), nil) }
}
func (g *fakeGateway) MangaFromUserLibrary(ctx context.Context, userID string) iter.Seq2[core.Manga, error] {
	return g.MangaFromAllUsersLibrary(ctx)
}
func (g *fakeGateway) GetUsersByMangaID(ctx context.Context, mangaID int64) ([]core.User, error) {
	return nil, nil
}
func (g *fakeGateway) GetAdminUsers(ctx context.Context) ([]core.User, error) {
	return nil, nil
}
func (g *fakeGateway) InsertDownloadQueue(ctx context.Context, items []core.DownloadQueueItem) error {
	panic("unused")
}
func (g *fakeGateway) GetSingleDownloadQueue(ctx context.Context) (core.DownloadQueueItem, bool, error) {
	panic("unused")
}
func (g *fakeGateway) MarkSingleDownloadQueueAsCompleted(ctx context.Context, id int64) error {
	panic("unused")
}
func (g *fakeGateway) GetSingleChapterDownloadStatus(ctx context.Context, chapterID int64) (bool, error) {
	panic("unused")
}
func (g *fakeGateway) UpdateChapterDownloadedPath(ctx context.Context, chapterID int64, path string) error {
	panic("unused")
}
func (g *fakeGateway) DeleteSingleChapterDownloadQueue(ctx context.Context, chapterID int64) error {
	panic("unused")
}
func (g *fakeGateway) GetDownloadQueueLastPriority(ctx context.Context) (int64, bool, error) {
	panic("unused")
}

func newTestWorker(gw *fakeGateway, host *fakeHost, notifier *fakeNotifier) *Worker {
	return NewWorker(Config{EnforceMinimumInterval: false}, gw, host, notifier, nil, nil)
}

func TestProcessMangaNotifiesOnlyFreshChapters(t *testing.T) {
	manga := core.Manga{ID: 1, SourceID: 5, Path: "/m/1", LastUploadedAt: time.Unix(1000, 0)}
	gw := &fakeGateway{manga: manga, existing: []core.Chapter{
		{ID: 10, Path: "c1", Uploaded: time.Unix(1000, 0)},
	}}
	host := &fakeHost{chapters: map[int64][]core.Chapter{
		5: {
			{ID: 10, Path: "c1", Uploaded: time.Unix(500, 0)},  // stale, already seen
			{ID: 11, Path: "c2", Uploaded: time.Unix(2000, 0)}, // fresh
		},
	}}
	notifier := &fakeNotifier{}
	w := newTestWorker(gw, host, notifier)

	w.processManga(context.Background(), manga)

	require.Len(t, notifier.notified, 1, "expected exactly 1 notification")
	assert.Equal(t, int64(11), notifier.notified[0].ID)
}

func TestProcessMangaSkipsPolitenessDelayOnGetChaptersFailure(t *testing.T) {
	manga := core.Manga{ID: 1, SourceID: 5, Path: "/m/1"}
	gw := &fakeGateway{manga: manga}
	host := &fakeHost{err: apperr.New(apperr.NetworkFailed, "fakeHost", context.DeadlineExceeded)}
	notifier := &fakeNotifier{}
	w := newTestWorker(gw, host, notifier)

	start := time.Now()
	w.processManga(context.Background(), manga)
	assert.Less(t, time.Since(start), time.Second, "expected no politeness delay on a failed fetch")
	assert.Empty(t, notifier.notified, "expected no notifications on a failed fetch")
}

func TestSweepManga(t *testing.T) {
	manga := core.Manga{ID: 7, SourceID: 2, Path: "/m/7"}
	gw := &fakeGateway{manga: manga}
	host := &fakeHost{chapters: map[int64][]core.Chapter{
		2: {{ID: 99, Path: "c1", Uploaded: time.Now()}},
	}}
	notifier := &fakeNotifier{}
	w := newTestWorker(gw, host, notifier)

	require.NoError(t, w.SweepManga(context.Background(), 7))
	assert.Equal(t, 1, host.calls, "expected GetChapters called once")
}

// TestSweepMangaIdempotent exercises update idempotence: sweeping an
// unchanged source twice must notify zero chapters on the second pass.
// GetMangaByID's live MAX(chapter.uploaded) overlay (mirrored here by
// fakeGateway) is what advances the newness threshold between the two
// sweeps without any explicit write-back.
func TestSweepMangaIdempotent(t *testing.T) {
	gw := &fakeGateway{manga: core.Manga{ID: 7, SourceID: 2, Path: "/m/7"}}
	host := &fakeHost{chapters: map[int64][]core.Chapter{
		2: {
			{ID: 1, Path: "c1", Uploaded: time.Unix(1000, 0)},
			{ID: 2, Path: "c2", Uploaded: time.Unix(2000, 0)},
		},
	}}
	notifier := &fakeNotifier{}
	w := newTestWorker(gw, host, notifier)

	require.NoError(t, w.SweepManga(context.Background(), 7))
	assert.Len(t, notifier.notified, 2, "first sweep should notify both chapters as fresh")

	notifier.notified = nil
	require.NoError(t, w.SweepManga(context.Background(), 7))
	assert.Empty(t, notifier.notified, "second sweep over an unchanged source must notify nothing")
}
