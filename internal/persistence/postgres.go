package persistence

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"mangaforge/internal/core"
)

// mangaRow is the gorm-mapped storage form of core.Manga. Author and Genre
// are stored as comma-joined text; the worker-facing slice never needs to
// filter on them, only round-trip them.
type mangaRow struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	SourceID       int64 `gorm:"index:idx_manga_source_path,unique,priority:1"`
	Title          string
	Author         string
	Genre          string
	Status         string
	Description    string
	Path           string `gorm:"index:idx_manga_source_path,unique,priority:2"`
	CoverURL       string
	DateAdded      time.Time
	LastUploadedAt *time.Time
}

func (mangaRow) TableName() string { return "manga" }

type chapterRow struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	MangaID        int64 `gorm:"index:idx_chapter_manga_path,unique,priority:1"`
	SourceID       int64
	Title          string
	Path           string `gorm:"index:idx_chapter_manga_path,unique,priority:2"`
	Number         float64
	Scanlator      string
	Uploaded       time.Time
	DateAdded      time.Time
	DownloadedPath string
}

func (chapterRow) TableName() string { return "chapters" }

type userLibraryRow struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	UserID     string `gorm:"index:idx_user_library,unique,priority:1"`
	MangaID    int64  `gorm:"index:idx_user_library,unique,priority:2"`
	CategoryID *int64
}

func (userLibraryRow) TableName() string { return "user_library" }

type userRow struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	Admin     bool
	Addresses string // json-encoded map[string]string
}

func (userRow) TableName() string { return "users" }

type downloadQueueRow struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	SourceID     int64
	SourceName   string
	MangaID      int64
	MangaTitle   string
	ChapterID    int64 `gorm:"index"`
	ChapterTitle string
	Rank         int
	URL          string
	Priority     int64
	DateAdded    time.Time
	Downloaded   bool
}

func (downloadQueueRow) TableName() string { return "download_queue_items" }

// Store is the pgx+gorm backed implementation of Gateway. gorm carries the
// higher-level repository structs (manga, chapters, library, users); the raw
// pgx pool backs the download queue's atomic dequeue, which needs a single
// SELECT ... ORDER BY ... LIMIT 1 FOR UPDATE SKIP LOCKED round trip that
// gorm's struct-mapping API would otherwise make awkward to express.
type Store struct {
	gdb  *gorm.DB
	pool *pgxpool.Pool
}

// NewStore wires a Store over an already-opened gorm *DB and pgx pool.
func NewStore(gdb *gorm.DB, pool *pgxpool.Pool) *Store {
	return &Store{gdb: gdb, pool: pool}
}

// Migrate creates/updates the tables this store owns.
func (s *Store) Migrate(ctx context.Context) error {
	return s.gdb.WithContext(ctx).AutoMigrate(&mangaRow{}, &chapterRow{}, &userLibraryRow{}, &userRow{}, &downloadQueueRow{})
}

func toChapter(r chapterRow) core.Chapter {
	return core.Chapter{
		ID:             r.ID,
		MangaID:        r.MangaID,
		SourceID:       r.SourceID,
		Title:          r.Title,
		Path:           r.Path,
		Number:         r.Number,
		Scanlator:      r.Scanlator,
		Uploaded:       r.Uploaded,
		DateAdded:      r.DateAdded,
		DownloadedPath: r.DownloadedPath,
	}
}

func fromChapter(c core.Chapter) chapterRow {
	return chapterRow{
		ID:             c.ID,
		MangaID:        c.MangaID,
		SourceID:       c.SourceID,
		Title:          c.Title,
		Path:           c.Path,
		Number:         c.Number,
		Scanlator:      c.Scanlator,
		Uploaded:       c.Uploaded,
		DateAdded:      c.DateAdded,
		DownloadedPath: c.DownloadedPath,
	}
}

func (s *Store) GetChapterByID(ctx context.Context, id int64) (core.Chapter, error) {
	var row chapterRow
	if err := s.gdb.WithContext(ctx).First(&row, id).Error; err != nil {
		return core.Chapter{}, fmt.Errorf("get chapter by id: %w", err)
	}
	return toChapter(row), nil
}

func (s *Store) GetChapterBySourceIDPath(ctx context.Context, sourceID int64, path string) (core.Chapter, error) {
	var row chapterRow
	err := s.gdb.WithContext(ctx).Where("source_id = ? AND path = ?", sourceID, path).First(&row).Error
	if err != nil {
		return core.Chapter{}, fmt.Errorf("get chapter by source+path: %w", err)
	}
	return toChapter(row), nil
}

func (s *Store) GetChaptersByMangaID(ctx context.Context, mangaID int64, limit, offset int, includeDownloadedOnly bool) ([]core.Chapter, error) {
	db := s.gdb.WithContext(ctx).Where("manga_id = ?", mangaID).Order("uploaded desc")
	if includeDownloadedOnly {
		db = db.Where("downloaded_path != ''")
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	if offset > 0 {
		db = db.Offset(offset)
	}
	var rows []chapterRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get chapters by manga id: %w", err)
	}
	out := make([]core.Chapter, len(rows))
	for i, r := range rows {
		out[i] = toChapter(r)
	}
	return out, nil
}

func (s *Store) GetChaptersNotInSource(ctx context.Context, sourceID, mangaID int64, paths []string) ([]core.Chapter, error) {
	db := s.gdb.WithContext(ctx).Where("source_id = ? AND manga_id = ?", sourceID, mangaID)
	if len(paths) > 0 {
		db = db.Where("path NOT IN ?", paths)
	}
	var rows []chapterRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get chapters not in source: %w", err)
	}
	out := make([]core.Chapter, len(rows))
	for i, r := range rows {
		out[i] = toChapter(r)
	}
	return out, nil
}

// InsertChapters upserts each chapter by (manga_id, path).
func (s *Store) InsertChapters(ctx context.Context, chapters []core.Chapter) error {
	if len(chapters) == 0 {
		return nil
	}
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range chapters {
			row := fromChapter(c)
			var existing chapterRow
			err := tx.Where("manga_id = ? AND path = ?", c.MangaID, c.Path).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				row.DateAdded = time.Now()
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("insert chapter: %w", err)
				}
			case err != nil:
				return fmt.Errorf("lookup chapter: %w", err)
			default:
				row.ID = existing.ID
				row.DateAdded = existing.DateAdded
				row.DownloadedPath = existing.DownloadedPath
				if err := tx.Save(&row).Error; err != nil {
					return fmt.Errorf("update chapter: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *Store) DeleteChapterByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.gdb.WithContext(ctx).Delete(&chapterRow{}, ids).Error; err != nil {
		return fmt.Errorf("delete chapters: %w", err)
	}
	return nil
}

func (s *Store) GetMangaByID(ctx context.Context, id int64) (core.Manga, error) {
	var row mangaRow
	if err := s.gdb.WithContext(ctx).First(&row, id).Error; err != nil {
		return core.Manga{}, fmt.Errorf("get manga by id: %w", err)
	}
	manga := toManga(row)
	max, err := s.maxUploadedByManga(ctx, []int64{id})
	if err != nil {
		return core.Manga{}, err
	}
	if t, ok := max[id]; ok && t.After(manga.LastUploadedAt) {
		manga.LastUploadedAt = t
	}
	return manga, nil
}

// maxUploadedByManga returns MAX(chapters.uploaded) per manga id, for the
// given ids. Mangas with no persisted chapters are simply absent from the
// result.
//
// LastUploadedAt is never written back to the manga table; every caller
// overlays this live aggregate on top of the stored column instead, so the
// "newness" threshold processManga compares against always reflects the
// current chapter set rather than a value frozen at insert time. This
// mirrors the original program's library query, which recomputes
// MAX(chapter.uploaded) on every read rather than persisting it.
func (s *Store) maxUploadedByManga(ctx context.Context, ids []int64) (map[int64]time.Time, error) {
	if len(ids) == 0 {
		return map[int64]time.Time{}, nil
	}
	type aggRow struct {
		MangaID int64
		Max     time.Time
	}
	var rows []aggRow
	err := s.gdb.WithContext(ctx).Model(&chapterRow{}).
		Select("manga_id, MAX(uploaded) AS max").
		Where("manga_id IN ?", ids).
		Group("manga_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("max uploaded by manga: %w", err)
	}
	out := make(map[int64]time.Time, len(rows))
	for _, r := range rows {
		out[r.MangaID] = r.Max
	}
	return out, nil
}

func toManga(r mangaRow) core.Manga {
	m := core.Manga{
		ID:          r.ID,
		SourceID:    r.SourceID,
		Title:       r.Title,
		Status:      r.Status,
		Description: r.Description,
		Path:        r.Path,
		CoverURL:    r.CoverURL,
		DateAdded:   r.DateAdded,
	}
	if r.LastUploadedAt != nil {
		m.LastUploadedAt = *r.LastUploadedAt
	}
	return m
}

// MangaFromAllUsersLibrary streams every manga subscribed by any user,
// de-duplicated, ordered by manga id for determinism.
func (s *Store) MangaFromAllUsersLibrary(ctx context.Context) iter.Seq2[core.Manga, error] {
	return func(yield func(core.Manga, error) bool) {
		var rows []mangaRow
		err := s.gdb.WithContext(ctx).
			Joins("JOIN user_library ON user_library.manga_id = manga.id").
			Group("manga.id").
			Order("manga.id").
			Find(&rows).Error
		if err != nil {
			yield(core.Manga{}, fmt.Errorf("stream all users library: %w", err))
			return
		}
		max, err := s.maxUploadedByManga(ctx, mangaRowIDs(rows))
		if err != nil {
			yield(core.Manga{}, err)
			return
		}
		for _, r := range rows {
			manga := toManga(r)
			if t, ok := max[manga.ID]; ok && t.After(manga.LastUploadedAt) {
				manga.LastUploadedAt = t
			}
			if !yield(manga, nil) {
				return
			}
		}
	}
}

// MangaFromUserLibrary streams the manga one user subscribes to.
func (s *Store) MangaFromUserLibrary(ctx context.Context, userID string) iter.Seq2[core.Manga, error] {
	return func(yield func(core.Manga, error) bool) {
		var rows []mangaRow
		err := s.gdb.WithContext(ctx).
			Joins("JOIN user_library ON user_library.manga_id = manga.id").
			Where("user_library.user_id = ?", userID).
			Order("manga.id").
			Find(&rows).Error
		if err != nil {
			yield(core.Manga{}, fmt.Errorf("stream user library: %w", err))
			return
		}
		max, err := s.maxUploadedByManga(ctx, mangaRowIDs(rows))
		if err != nil {
			yield(core.Manga{}, err)
			return
		}
		for _, r := range rows {
			manga := toManga(r)
			if t, ok := max[manga.ID]; ok && t.After(manga.LastUploadedAt) {
				manga.LastUploadedAt = t
			}
			if !yield(manga, nil) {
				return
			}
		}
	}
}

func mangaRowIDs(rows []mangaRow) []int64 {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

func (s *Store) GetUsersByMangaID(ctx context.Context, mangaID int64) ([]core.User, error) {
	var rows []userRow
	err := s.gdb.WithContext(ctx).
		Joins("JOIN user_library ON user_library.user_id = users.id").
		Where("user_library.manga_id = ?", mangaID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get users by manga id: %w", err)
	}
	out := make([]core.User, len(rows))
	for i, r := range rows {
		out[i] = core.User{ID: r.ID, Admin: r.Admin}
	}
	return out, nil
}

func (s *Store) GetAdminUsers(ctx context.Context) ([]core.User, error) {
	var rows []userRow
	if err := s.gdb.WithContext(ctx).Where("admin = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get admin users: %w", err)
	}
	out := make([]core.User, len(rows))
	for i, r := range rows {
		out[i] = core.User{ID: r.ID, Admin: r.Admin}
	}
	return out, nil
}

func (s *Store) InsertDownloadQueue(ctx context.Context, items []core.DownloadQueueItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]downloadQueueRow, len(items))
	for i, it := range items {
		rows[i] = downloadQueueRow{
			SourceID:     it.SourceID,
			SourceName:   it.SourceName,
			MangaID:      it.MangaID,
			MangaTitle:   it.MangaTitle,
			ChapterID:    it.ChapterID,
			ChapterTitle: it.ChapterTitle,
			Rank:         it.Rank,
			URL:          it.URL,
			Priority:     it.Priority,
			DateAdded:    it.DateAdded,
			Downloaded:   it.Downloaded,
		}
	}
	if err := s.gdb.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert download queue: %w", err)
	}
	return nil
}

// GetSingleDownloadQueue uses the raw pgx pool for a
// SELECT ... ORDER BY ... LIMIT 1 FOR UPDATE SKIP LOCKED. The query runs
// outside any explicit transaction, so the row lock is released when the
// statement ends: it does not stop a second dequeuer from reading the same
// head item before MarkSingleDownloadQueueAsCompleted flags it.
func (s *Store) GetSingleDownloadQueue(ctx context.Context) (core.DownloadQueueItem, bool, error) {
	const q = `
		SELECT id, source_id, source_name, manga_id, manga_title, chapter_id,
		       chapter_title, rank, url, priority, date_added, downloaded
		FROM download_queue_items
		WHERE downloaded = false
		ORDER BY priority ASC, date_added ASC, chapter_id ASC, rank ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	row := s.pool.QueryRow(ctx, q)
	var it core.DownloadQueueItem
	err := row.Scan(&it.ID, &it.SourceID, &it.SourceName, &it.MangaID, &it.MangaTitle,
		&it.ChapterID, &it.ChapterTitle, &it.Rank, &it.URL, &it.Priority, &it.DateAdded, &it.Downloaded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.DownloadQueueItem{}, false, nil
		}
		return core.DownloadQueueItem{}, false, fmt.Errorf("get single download queue: %w", err)
	}
	return it, true, nil
}

func (s *Store) MarkSingleDownloadQueueAsCompleted(ctx context.Context, id int64) error {
	if err := s.gdb.WithContext(ctx).Model(&downloadQueueRow{}).Where("id = ?", id).Update("downloaded", true).Error; err != nil {
		return fmt.Errorf("mark download queue completed: %w", err)
	}
	return nil
}

func (s *Store) GetSingleChapterDownloadStatus(ctx context.Context, chapterID int64) (bool, error) {
	var incomplete int64
	err := s.gdb.WithContext(ctx).Model(&downloadQueueRow{}).
		Where("chapter_id = ? AND downloaded = false", chapterID).
		Count(&incomplete).Error
	if err != nil {
		return false, fmt.Errorf("get chapter download status: %w", err)
	}
	var total int64
	err = s.gdb.WithContext(ctx).Model(&downloadQueueRow{}).Where("chapter_id = ?", chapterID).Count(&total).Error
	if err != nil {
		return false, fmt.Errorf("get chapter download status: %w", err)
	}
	return total > 0 && incomplete == 0, nil
}

func (s *Store) UpdateChapterDownloadedPath(ctx context.Context, chapterID int64, path string) error {
	if err := s.gdb.WithContext(ctx).Model(&chapterRow{}).Where("id = ?", chapterID).Update("downloaded_path", path).Error; err != nil {
		return fmt.Errorf("update chapter downloaded path: %w", err)
	}
	return nil
}

func (s *Store) DeleteSingleChapterDownloadQueue(ctx context.Context, chapterID int64) error {
	if err := s.gdb.WithContext(ctx).Where("chapter_id = ?", chapterID).Delete(&downloadQueueRow{}).Error; err != nil {
		return fmt.Errorf("delete chapter download queue: %w", err)
	}
	return nil
}

func (s *Store) GetDownloadQueueLastPriority(ctx context.Context) (int64, bool, error) {
	var row downloadQueueRow
	err := s.gdb.WithContext(ctx).Order("priority desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get download queue last priority: %w", err)
	}
	return row.Priority, true, nil
}
