package persistence

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"mangaforge/internal/core"
	"mangaforge/internal/core/apperr"
)

func errNotFound(kind string, id int64) error {
	return apperr.New(apperr.StorageFailed, "Memory", fmt.Errorf("%s %d not found", kind, id))
}

// Memory is an in-process Gateway implementation. It backs unit tests for
// the Update Worker and Download Worker, and doubles as a zero-dependency
// demo mode for the admin surface.
type Memory struct {
	mu sync.Mutex

	manga    map[int64]core.Manga
	chapters map[int64]core.Chapter
	nextChID int64

	library map[string][]int64 // userID -> manga ids
	users   map[string]core.User

	queue    map[int64]core.DownloadQueueItem
	nextQID  int64
}

// NewMemory returns an empty in-memory Gateway.
func NewMemory() *Memory {
	return &Memory{
		manga:    make(map[int64]core.Manga),
		chapters: make(map[int64]core.Chapter),
		library:  make(map[string][]int64),
		users:    make(map[string]core.User),
		queue:    make(map[int64]core.DownloadQueueItem),
		nextChID: 1,
		nextQID:  1,
	}
}

// PutManga seeds a manga row directly; test helper.
func (m *Memory) PutManga(manga core.Manga) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manga[manga.ID] = manga
}

// PutUser seeds a user row directly; test helper.
func (m *Memory) PutUser(u core.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// Subscribe adds userID to mangaID's subscriber set; test helper.
func (m *Memory) Subscribe(userID string, mangaID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.library[userID] = append(m.library[userID], mangaID)
}

func (m *Memory) GetChapterByID(ctx context.Context, id int64) (core.Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chapters[id]
	if !ok {
		return core.Chapter{}, errNotFound("chapter", id)
	}
	return c, nil
}

func (m *Memory) GetChapterBySourceIDPath(ctx context.Context, sourceID int64, path string) (core.Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chapters {
		if c.SourceID == sourceID && c.Path == path {
			return c, nil
		}
	}
	return core.Chapter{}, errNotFound("chapter", sourceID)
}

func (m *Memory) GetChaptersByMangaID(ctx context.Context, mangaID int64, limit, offset int, includeDownloadedOnly bool) ([]core.Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Chapter
	for _, c := range m.chapters {
		if c.MangaID != mangaID {
			continue
		}
		if includeDownloadedOnly && !c.Downloaded() {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Uploaded.Before(out[j].Uploaded) })
	if offset > 0 && offset < len(out) {
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetChaptersNotInSource(ctx context.Context, sourceID, mangaID int64, paths []string) ([]core.Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	present := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		present[p] = struct{}{}
	}
	var out []core.Chapter
	for _, c := range m.chapters {
		if c.SourceID != sourceID || c.MangaID != mangaID {
			continue
		}
		if _, ok := present[c.Path]; !ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) InsertChapters(ctx context.Context, chapters []core.Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chapters {
		found := false
		for id, existing := range m.chapters {
			if existing.MangaID == c.MangaID && existing.Path == c.Path {
				c.ID = id
				c.DownloadedPath = existing.DownloadedPath
				m.chapters[id] = c
				found = true
				break
			}
		}
		if !found {
			c.ID = m.nextChID
			m.nextChID++
			m.chapters[c.ID] = c
		}
	}
	return nil
}

func (m *Memory) DeleteChapterByIDs(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.chapters, id)
	}
	return nil
}

// maxUploaded returns the latest Chapter.Uploaded recorded for mangaID,
// across every chapter currently persisted (including ones added in the
// very sweep that's asking). Callers must hold m.mu.
//
// This is what makes LastUploadedAt a live "newness" threshold instead of a
// value frozen at insert time: spec.md §3 calls last_uploaded_at "mutated by
// refresh," and property 5 (update idempotence) requires a second sweep over
// an unchanged source to select zero chapters as fresh. Deriving the
// threshold from MAX(chapter.uploaded) on every read — rather than writing
// back a stored column after each sweep — mirrors the original program's
// library query, which always recomputes this from the chapter table.
func (m *Memory) maxUploaded(mangaID int64) (time.Time, bool) {
	var max time.Time
	found := false
	for _, c := range m.chapters {
		if c.MangaID != mangaID {
			continue
		}
		if !found || c.Uploaded.After(max) {
			max = c.Uploaded
			found = true
		}
	}
	return max, found
}

// withObservedUpload overlays the live MAX(chapter.uploaded) onto manga's
// LastUploadedAt field, falling back to the stored value (set at insert
// time, or zero) when the manga has no persisted chapters yet. Callers must
// hold m.mu.
func (m *Memory) withObservedUpload(manga core.Manga) core.Manga {
	if max, ok := m.maxUploaded(manga.ID); ok && max.After(manga.LastUploadedAt) {
		manga.LastUploadedAt = max
	}
	return manga
}

func (m *Memory) GetMangaByID(ctx context.Context, id int64) (core.Manga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	manga, ok := m.manga[id]
	if !ok {
		return core.Manga{}, errNotFound("manga", id)
	}
	return m.withObservedUpload(manga), nil
}

func (m *Memory) MangaFromAllUsersLibrary(ctx context.Context) iter.Seq2[core.Manga, error] {
	return func(yield func(core.Manga, error) bool) {
		m.mu.Lock()
		seen := make(map[int64]struct{})
		var ids []int64
		for _, mangaIDs := range m.library {
			for _, id := range mangaIDs {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		mangas := make([]core.Manga, 0, len(ids))
		for _, id := range ids {
			if manga, ok := m.manga[id]; ok {
				mangas = append(mangas, m.withObservedUpload(manga))
			}
		}
		m.mu.Unlock()
		for _, manga := range mangas {
			if !yield(manga, nil) {
				return
			}
		}
	}
}

func (m *Memory) MangaFromUserLibrary(ctx context.Context, userID string) iter.Seq2[core.Manga, error] {
	return func(yield func(core.Manga, error) bool) {
		m.mu.Lock()
		ids := append([]int64(nil), m.library[userID]...)
		mangas := make([]core.Manga, 0, len(ids))
		for _, id := range ids {
			if manga, ok := m.manga[id]; ok {
				mangas = append(mangas, m.withObservedUpload(manga))
			}
		}
		m.mu.Unlock()
		for _, manga := range mangas {
			if !yield(manga, nil) {
				return
			}
		}
	}
}

func (m *Memory) GetUsersByMangaID(ctx context.Context, mangaID int64) ([]core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.User
	for userID, mangaIDs := range m.library {
		for _, id := range mangaIDs {
			if id == mangaID {
				if u, ok := m.users[userID]; ok {
					out = append(out, u)
				} else {
					out = append(out, core.User{ID: userID})
				}
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetAdminUsers(ctx context.Context) ([]core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.User
	for _, u := range m.users {
		if u.Admin {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertDownloadQueue(ctx context.Context, items []core.DownloadQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		it.ID = m.nextQID
		m.nextQID++
		m.queue[it.ID] = it
	}
	return nil
}

func (m *Memory) GetSingleDownloadQueue(ctx context.Context) (core.DownloadQueueItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *core.DownloadQueueItem
	for id := range m.queue {
		it := m.queue[id]
		if it.Downloaded {
			continue
		}
		if best == nil || it.Less(*best) {
			cp := it
			best = &cp
		}
	}
	if best == nil {
		return core.DownloadQueueItem{}, false, nil
	}
	return *best, true, nil
}

func (m *Memory) MarkSingleDownloadQueueAsCompleted(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.queue[id]
	if !ok {
		return errNotFound("download queue item", id)
	}
	it.Downloaded = true
	m.queue[id] = it
	return nil
}

func (m *Memory) GetSingleChapterDownloadStatus(ctx context.Context, chapterID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, it := range m.queue {
		if it.ChapterID != chapterID {
			continue
		}
		total++
		if !it.Downloaded {
			return false, nil
		}
	}
	return total > 0, nil
}

func (m *Memory) UpdateChapterDownloadedPath(ctx context.Context, chapterID int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chapters[chapterID]
	if !ok {
		return errNotFound("chapter", chapterID)
	}
	c.DownloadedPath = path
	m.chapters[chapterID] = c
	return nil
}

func (m *Memory) DeleteSingleChapterDownloadQueue(ctx context.Context, chapterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, it := range m.queue {
		if it.ChapterID == chapterID {
			delete(m.queue, id)
		}
	}
	return nil
}

func (m *Memory) GetDownloadQueueLastPriority(ctx context.Context) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	found := false
	for _, it := range m.queue {
		if !found || it.Priority > max {
			max = it.Priority
			found = true
		}
	}
	return max, found, nil
}
