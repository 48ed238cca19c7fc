package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangaforge/internal/core"
)

func TestDequeueOrderAscendingByPriorityThenDateThenChapterThenRank(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []core.DownloadQueueItem{
		{SourceID: 1, ChapterID: 2, Rank: 1, Priority: 1, DateAdded: base, URL: "https://h/b.jpg"},
		{SourceID: 1, ChapterID: 1, Rank: 0, Priority: 0, DateAdded: base, URL: "https://h/a.jpg"},
		{SourceID: 1, ChapterID: 1, Rank: 1, Priority: 0, DateAdded: base, URL: "https://h/a2.jpg"},
		{SourceID: 1, ChapterID: 1, Rank: 0, Priority: 0, DateAdded: base.Add(-time.Minute), URL: "https://h/earliest.jpg"},
	}
	require.NoError(t, m.InsertDownloadQueue(ctx, items))

	var urls []string
	for {
		item, ok, err := m.GetSingleDownloadQueue(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		urls = append(urls, item.URL)
		require.NoError(t, m.MarkSingleDownloadQueueAsCompleted(ctx, item.ID))
	}

	want := []string{"https://h/earliest.jpg", "https://h/a.jpg", "https://h/a2.jpg", "https://h/b.jpg"}
	assert.Equal(t, want, urls)
}

func TestChapterCompletionAtomicity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertChapters(ctx, []core.Chapter{{MangaID: 1, Path: "ch1"}}))
	chapters, err := m.GetChaptersByMangaID(ctx, 1, 0, 0, false)
	require.NoError(t, err)
	chapterID := chapters[0].ID

	items := []core.DownloadQueueItem{
		{ChapterID: chapterID, Rank: 0, URL: "https://h/1.jpg"},
		{ChapterID: chapterID, Rank: 1, URL: "https://h/2.jpg"},
	}
	require.NoError(t, m.InsertDownloadQueue(ctx, items))

	for i := 0; i < 2; i++ {
		item, ok, err := m.GetSingleDownloadQueue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, m.MarkSingleDownloadQueueAsCompleted(ctx, item.ID))
		complete, err := m.GetSingleChapterDownloadStatus(ctx, chapterID)
		require.NoError(t, err)
		if i == 0 {
			assert.False(t, complete, "expected incomplete after first page")
		}
		if i == 1 {
			assert.True(t, complete, "expected complete after second page")
			require.NoError(t, m.UpdateChapterDownloadedPath(ctx, chapterID, "/root/Src/Manga/ch1.cbz"))
			require.NoError(t, m.DeleteSingleChapterDownloadQueue(ctx, chapterID))
		}
	}

	_, ok, err := m.GetSingleDownloadQueue(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "expected no queue items remaining for completed chapter")

	chapter, err := m.GetChapterByID(ctx, chapterID)
	require.NoError(t, err)
	assert.Equal(t, "/root/Src/Manga/ch1.cbz", chapter.DownloadedPath)
}
