// Package core holds the domain entities shared by every subsystem: the
// Extension Host, the Update Worker, the Download Worker, the persistence
// gateway and the notification fan-out all exchange these types rather than
// reaching into each other's packages.
package core

import "time"

// SourceInfo is reported by a plugin at registration and is immutable for
// the lifetime of that loaded plugin.
type SourceInfo struct {
	ID      int64
	Name    string
	URL     string
	Version string
	Icon    string
	NSFW    bool
}

// Manga is inserted when a user adds it to their library or when a catalogue
// browse caches it, and mutated by refresh. Core never deletes a Manga.
type Manga struct {
	ID             int64
	SourceID       int64
	Title          string
	Author         []string
	Genre          []string
	Status         string
	Description    string
	Path           string
	CoverURL       string
	DateAdded      time.Time
	LastUploadedAt time.Time
}

// HasUpload reports whether the manga has ever recorded an observed chapter
// upload timestamp; a zero value means "no prior sweep has seen a chapter".
func (m Manga) HasUpload() bool {
	return !m.LastUploadedAt.IsZero()
}

// Chapter is inserted by the Update Worker; DownloadedPath is set by the
// Download Worker exactly once, on chapter completion.
type Chapter struct {
	ID             int64
	MangaID        int64
	SourceID       int64
	Title          string
	Path           string
	Number         float64
	Scanlator      string
	Uploaded       time.Time
	DateAdded      time.Time
	DownloadedPath string
}

// Downloaded reports whether the Download Worker has already materialized
// this chapter to an archive.
func (c Chapter) Downloaded() bool {
	return c.DownloadedPath != ""
}

// LibraryEntry is a (user, manga) subscription, created/deleted by library
// mutations (out of core scope; the core only reads the resulting rows).
type LibraryEntry struct {
	UserID     string
	MangaID    int64
	CategoryID *int64
}

// DownloadQueueItem is one page of one chapter awaiting download. Ordering
// key for dequeue is (Priority, DateAdded, ChapterID, Rank), all ascending.
type DownloadQueueItem struct {
	ID           int64
	SourceID     int64
	SourceName   string
	MangaID      int64
	MangaTitle   string
	ChapterID    int64
	ChapterTitle string
	Rank         int
	URL          string
	Priority     int64
	DateAdded    time.Time
	Downloaded   bool
}

// Less implements the §3 dequeue ordering key so callers and in-memory test
// fakes sort identically to the persistence gateway's SQL ORDER BY.
func (d DownloadQueueItem) Less(other DownloadQueueItem) bool {
	if d.Priority != other.Priority {
		return d.Priority < other.Priority
	}
	if !d.DateAdded.Equal(other.DateAdded) {
		return d.DateAdded.Before(other.DateAdded)
	}
	if d.ChapterID != other.ChapterID {
		return d.ChapterID < other.ChapterID
	}
	return d.Rank < other.Rank
}

// LocalSourceThreshold is the implementer-configured predicate boundary
// mentioned in the design notes: any source_id at or above this value is a
// reserved local/pseudo source and is rejected by the Download Worker.
const LocalSourceThreshold int64 = 10000

// IsLocalSource reports whether sourceID falls in the reserved local range.
func IsLocalSource(sourceID int64) bool {
	return sourceID >= LocalSourceThreshold
}

// User is external to the core; the core only reads it to resolve
// notification addresses and the admin flag.
type User struct {
	ID        string
	Admin     bool
	Addresses map[string]string // channel kind (e.g. "telegram", "gotify") -> address
}
