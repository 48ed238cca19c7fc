package download

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangaforge/internal/core"
)

type fakeHost struct {
	pages  []string
	source core.SourceInfo
	err    error
}

func (f *fakeHost) GetPages(sourceID int64, path string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

func (f *fakeHost) GetSourceInfo(sourceID int64) (core.SourceInfo, error) {
	return f.source, nil
}

// fakeGateway is a minimal in-memory stand-in driving a single queue item
// through dequeueStep; unused Gateway methods panic.
type fakeGateway struct {
	chapter       core.Chapter
	manga         core.Manga
	queue         []core.DownloadQueueItem
	completedIDs  map[int64]bool
	chapterDone   bool
	downloadedPth string
	lastPriority  int64
	havePriority  bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{completedIDs: map[int64]bool{}}
}

func (g *fakeGateway) GetChapterByID(ctx context.Context, id int64) (core.Chapter, error) {
	return g.chapter, nil
}
func (g *fakeGateway) GetChapterBySourceIDPath(ctx context.Context, sourceID int64, path string) (core.Chapter, error) {
	return g.chapter, nil
}
func (g *fakeGateway) GetChaptersByMangaID(ctx context.Context, mangaID int64, limit, offset int, includeDownloadedOnly bool) ([]core.Chapter, error) {
	panic("unused")
}
func (g *fakeGateway) GetChaptersNotInSource(ctx context.Context, sourceID, mangaID int64, paths []string) ([]core.Chapter, error) {
	panic("unused")
}
func (g *fakeGateway) InsertChapters(ctx context.Context, chapters []core.Chapter) error {
	panic("unused")
}
func (g *fakeGateway) DeleteChapterByIDs(ctx context.Context, ids []int64) error { panic("unused") }
func (g *fakeGateway) GetMangaByID(ctx context.Context, id int64) (core.Manga, error) {
	return g.manga, nil
}
func (g *fakeGateway) MangaFromAllUsersLibrary(ctx context.Context) iter.Seq2[core.Manga, error] {
	panic("unused")
}
func (g *fakeGateway) MangaFromUserLibrary(ctx context.Context, userID string) iter.Seq2[core.Manga, error] {
	panic("unused")
}
func (g *fakeGateway) GetUsersByMangaID(ctx context.Context, mangaID int64) ([]core.User, error) {
	panic("unused")
}
func (g *fakeGateway) GetAdminUsers(ctx context.Context) ([]core.User, error) {
	panic("unused")
}
func (g *fakeGateway) InsertDownloadQueue(ctx context.Context, items []core.DownloadQueueItem) error {
	g.queue = append(g.queue, items...)
	return nil
}
func (g *fakeGateway) GetSingleDownloadQueue(ctx context.Context) (core.DownloadQueueItem, bool, error) {
	for _, it := range g.queue {
		if !g.completedIDs[it.ID] {
			return it, true, nil
		}
	}
	return core.DownloadQueueItem{}, false, nil
}
func (g *fakeGateway) MarkSingleDownloadQueueAsCompleted(ctx context.Context, id int64) error {
	g.completedIDs[id] = true
	return nil
}
func (g *fakeGateway) GetSingleChapterDownloadStatus(ctx context.Context, chapterID int64) (bool, error) {
	for _, it := range g.queue {
		if it.ChapterID == chapterID && !g.completedIDs[it.ID] {
			return false, nil
		}
	}
	return true, nil
}
func (g *fakeGateway) UpdateChapterDownloadedPath(ctx context.Context, chapterID int64, path string) error {
	g.chapterDone = true
	g.downloadedPth = path
	return nil
}
func (g *fakeGateway) DeleteSingleChapterDownloadQueue(ctx context.Context, chapterID int64) error {
	var kept []core.DownloadQueueItem
	for _, it := range g.queue {
		if it.ChapterID != chapterID {
			kept = append(kept, it)
		}
	}
	g.queue = kept
	return nil
}
func (g *fakeGateway) GetDownloadQueueLastPriority(ctx context.Context) (int64, bool, error) {
	return g.lastPriority, g.havePriority, nil
}

func TestEnqueueRefusesLocalSource(t *testing.T) {
	gw := newFakeGateway()
	gw.chapter = core.Chapter{ID: 1, SourceID: core.LocalSourceThreshold, MangaID: 1}
	host := &fakeHost{}
	fs := afero.NewMemMapFs()
	w := NewWorker(Config{RootDir: "/downloads"}, gw, host, fs, nil)

	w.insertIntoQueue(context.Background(), 1)

	assert.Empty(t, gw.queue, "expected no queue items for a local-source chapter")
}

func TestDequeueSkipsOnPauseFile(t *testing.T) {
	gw := newFakeGateway()
	gw.queue = []core.DownloadQueueItem{{ID: 1, SourceName: "s", MangaTitle: "m", ChapterTitle: "c", URL: "http://x/1.jpg"}}
	host := &fakeHost{}
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/downloads/.pause", []byte{}, 0o644))
	w := NewWorker(Config{RootDir: "/downloads"}, gw, host, fs, nil)

	w.dequeueStep(context.Background())

	assert.False(t, gw.completedIDs[1], "expected no progress while paused")
}

func TestDequeueSkipsAlreadyDownloadedPage(t *testing.T) {
	gw := newFakeGateway()
	gw.queue = []core.DownloadQueueItem{{ID: 1, ChapterID: 5, SourceName: "s", MangaTitle: "m", ChapterTitle: "c", URL: "http://x/page.jpg"}}
	host := &fakeHost{}
	fs := afero.NewMemMapFs()
	require.NoError(t, appendToArchive(fs, "/downloads/s/m/c.cbz", "page.jpg", []byte("data")))
	w := NewWorker(Config{RootDir: "/downloads"}, gw, host, fs, nil)

	start := time.Now()
	w.dequeueStep(context.Background())
	assert.Less(t, time.Since(start), time.Second, "resumption skip should not incur the politeness delay")

	assert.True(t, gw.completedIDs[1], "expected the already-present page to be marked completed")
	assert.True(t, gw.chapterDone, "expected chapter completion to be detected")
}

func TestSanitizeStripsReservedCharacters(t *testing.T) {
	got := sanitize(`a/b\c:d*e?f"g<h>i|j`)
	assert.Equal(t, "abcdefghij", got)
}
