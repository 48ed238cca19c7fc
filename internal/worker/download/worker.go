// Package download implements the Download Worker: a single-consumer,
// queue-driven archive builder that dequeues one page at a time in
// priority/FIFO order, writes it into a per-chapter CBZ, and self-sends the
// next Download command until the queue is empty or a pause file appears.
//
// Grounded on the original program's
// crates/tanoshi/src/application/worker/downloads.rs state machine, and on
// LeandroSQ-libmangal's afero.Fs-backed archive writer
// (client_download.go) for the filesystem abstraction that keeps the
// archive logic disk-free in tests.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"mangaforge/internal/bus"
	"mangaforge/internal/core"
	"mangaforge/internal/core/apperr"
	"mangaforge/internal/persistence"
)

// CommandKind discriminates the Download Worker's three inbound commands.
type CommandKind int

const (
	InsertIntoQueue CommandKind = iota
	InsertIntoQueueBySourcePath
	Download
)

// Command is one entry in the worker's unbounded inbox.
type Command struct {
	Kind      CommandKind
	ChapterID int64
	SourceID  int64
	Path      string
}

// sanitizeChars are replaced with the empty string in path components
// derived from source/manga/chapter names, per the filesystem-safety rule.
const sanitizeChars = `\/:*?"<>|`

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(sanitizeChars, r) {
			return -1
		}
		return r
	}, name)
}

// SourceHost is the narrow slice of the Extension Host the Download Worker
// depends on.
type SourceHost interface {
	GetPages(sourceID int64, path string) ([]string, error)
	GetSourceInfo(sourceID int64) (core.SourceInfo, error)
}

// Config controls the worker's filesystem root and pause-file name.
type Config struct {
	RootDir       string
	PauseFileName string // defaults to ".pause"
}

// Worker is the Download Worker.
type Worker struct {
	cfg     Config
	gateway persistence.Gateway
	host    SourceHost
	fs      afero.Fs
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	inbox   *bus.Unbounded[Command]
}

// NewWorker wires a Worker. fs is typically the OS filesystem in
// production and afero.NewMemMapFs() in tests.
func NewWorker(cfg Config, gateway persistence.Gateway, host SourceHost, fs afero.Fs, logger *slog.Logger) *Worker {
	if cfg.PauseFileName == "" {
		cfg.PauseFileName = ".pause"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		gateway: gateway,
		host:    host,
		fs:      fs,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  logger,
		inbox:   bus.NewUnbounded[Command](),
	}
}

// Commands returns the send side of the worker's inbox.
func (w *Worker) Commands() *bus.Unbounded[Command] { return w.inbox }

func (w *Worker) pausePath() string {
	return filepath.Join(w.cfg.RootDir, w.cfg.PauseFileName)
}

func (w *Worker) paused() bool {
	exists, err := afero.Exists(w.fs, w.pausePath())
	return err == nil && exists
}

// Pause creates the pause sentinel file. In-flight work finishes its
// current step; no further Download self-sends happen until Resume.
func (w *Worker) Pause() error {
	if err := w.fs.MkdirAll(w.cfg.RootDir, 0o755); err != nil {
		return fmt.Errorf("pause: create download root: %w", err)
	}
	return afero.WriteFile(w.fs, w.pausePath(), nil, 0o644)
}

// Resume removes the pause sentinel and self-sends Download. Per §4.6,
// removing the file alone does not auto-resume; an explicit Download
// command (this one) is required.
func (w *Worker) Resume() error {
	if err := w.fs.Remove(w.pausePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("resume: remove pause file: %w", err)
	}
	w.selfSend(Download)
	return nil
}

// Run drains the inbox until ctx is cancelled or the inbox is closed. On
// startup it self-sends Download only if the pause file is absent.
func (w *Worker) Run(ctx context.Context) {
	if !w.paused() {
		w.selfSend(Download)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-w.inbox.Recv():
			if !ok {
				return
			}
			w.handle(ctx, cmd)
		}
	}
}

func (w *Worker) selfSend(kind CommandKind) {
	w.inbox.Send(Command{Kind: kind})
}

func (w *Worker) handle(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case InsertIntoQueue:
		w.insertIntoQueue(ctx, cmd.ChapterID)
	case InsertIntoQueueBySourcePath:
		w.insertIntoQueueBySourcePath(ctx, cmd.SourceID, cmd.Path)
	case Download:
		w.dequeueStep(ctx)
	}
}

func (w *Worker) insertIntoQueue(ctx context.Context, chapterID int64) {
	chapter, err := w.gateway.GetChapterByID(ctx, chapterID)
	if err != nil {
		w.logger.Error("insert into queue: lookup chapter failed", "chapter_id", chapterID, "error", err)
		return
	}
	w.enqueueChapter(ctx, chapter)
}

func (w *Worker) insertIntoQueueBySourcePath(ctx context.Context, sourceID int64, path string) {
	chapter, err := w.gateway.GetChapterBySourceIDPath(ctx, sourceID, path)
	if err != nil {
		w.logger.Error("insert into queue: lookup chapter failed", "source_id", sourceID, "path", path, "error", err)
		return
	}
	w.enqueueChapter(ctx, chapter)
}

func (w *Worker) enqueueChapter(ctx context.Context, chapter core.Chapter) {
	if core.IsLocalSource(chapter.SourceID) {
		w.logger.Warn("refusing to enqueue local-source chapter", "chapter_id", chapter.ID, "source_id", chapter.SourceID)
		return
	}

	manga, err := w.gateway.GetMangaByID(ctx, chapter.MangaID)
	if err != nil {
		w.logger.Error("enqueue: lookup manga failed", "manga_id", chapter.MangaID, "error", err)
		return
	}
	sourceInfo, err := w.host.GetSourceInfo(chapter.SourceID)
	if err != nil {
		w.logger.Error("enqueue: get source info failed", "source_id", chapter.SourceID, "error", err)
		return
	}
	pages, err := w.host.GetPages(chapter.SourceID, chapter.Path)
	if err != nil {
		w.logger.Error("enqueue: get pages failed", "chapter_id", chapter.ID, "error", err)
		return
	}

	lastPriority, ok, err := w.gateway.GetDownloadQueueLastPriority(ctx)
	if err != nil {
		w.logger.Error("enqueue: get last priority failed", "error", err)
		return
	}
	priority := int64(0)
	if ok {
		priority = lastPriority + 1
	}

	now := time.Now()
	items := make([]core.DownloadQueueItem, len(pages))
	for i, pageURL := range pages {
		items[i] = core.DownloadQueueItem{
			SourceID:     chapter.SourceID,
			SourceName:   sourceInfo.Name,
			MangaID:      manga.ID,
			MangaTitle:   manga.Title,
			ChapterID:    chapter.ID,
			ChapterTitle: chapter.Title,
			Rank:         i,
			URL:          pageURL,
			Priority:     priority,
			DateAdded:    now,
		}
	}

	if err := w.gateway.InsertDownloadQueue(ctx, items); err != nil {
		w.logger.Error("enqueue: insert download queue failed", "chapter_id", chapter.ID, "error", err)
		return
	}
	w.selfSend(Download)
}

// dequeueStep is the 14-step atomic unit of work from the pause check
// through the next self-send. Any failure logs and returns without
// self-sending, so the worker goes idle rather than hot-looping.
func (w *Worker) dequeueStep(ctx context.Context) {
	if w.paused() {
		return
	}

	item, ok, err := w.gateway.GetSingleDownloadQueue(ctx)
	if err != nil {
		w.logger.Error("dequeue: get single download queue failed", "error", err)
		return
	}
	if !ok {
		return
	}

	u, err := url.Parse(item.URL)
	if err != nil {
		w.logger.Error("dequeue: parse page url failed", "queue_id", item.ID, "url", item.URL, "error", err)
		return
	}
	filename := path.Base(u.Path)

	sourceName := sanitize(item.SourceName)
	mangaTitle := sanitize(item.MangaTitle)
	chapterTitle := sanitize(item.ChapterTitle)
	archivePath := filepath.Join(w.cfg.RootDir, sourceName, mangaTitle, chapterTitle+".cbz")

	contains, err := archiveContains(w.fs, archivePath, filename)
	if err != nil {
		w.logger.Error("dequeue: inspect archive failed", "archive", archivePath, "error", err)
		return
	}
	if contains {
		if err := w.gateway.MarkSingleDownloadQueueAsCompleted(ctx, item.ID); err != nil {
			w.logger.Error("dequeue: mark completed failed", "queue_id", item.ID, "error", err)
			return
		}
		w.finishChapterIfComplete(ctx, item, archivePath)
		w.selfSend(Download)
		return
	}

	if err := w.fs.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		w.logger.Error("dequeue: create manga directory failed", "error", err)
		return
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	sourceInfo, err := w.host.GetSourceInfo(item.SourceID)
	if err != nil {
		w.logger.Error("dequeue: get source info failed", "source_id", item.SourceID, "error", err)
		return
	}

	content, err := w.fetchPage(ctx, item.URL, sourceInfo.URL)
	if err != nil {
		w.logger.Error("dequeue: fetch page failed", "queue_id", item.ID, "url", item.URL, "error", err)
		return
	}

	if err := appendToArchive(w.fs, archivePath, filename, content); err != nil {
		w.logger.Error("dequeue: write archive failed", "archive", archivePath, "error", err)
		return
	}

	if err := w.gateway.MarkSingleDownloadQueueAsCompleted(ctx, item.ID); err != nil {
		w.logger.Error("dequeue: mark completed failed", "queue_id", item.ID, "error", err)
		return
	}

	w.finishChapterIfComplete(ctx, item, archivePath)

	if !w.paused() {
		w.selfSend(Download)
	}
}

func (w *Worker) finishChapterIfComplete(ctx context.Context, item core.DownloadQueueItem, archivePath string) {
	complete, err := w.gateway.GetSingleChapterDownloadStatus(ctx, item.ChapterID)
	if err != nil {
		w.logger.Error("dequeue: check chapter completion failed", "chapter_id", item.ChapterID, "error", err)
		return
	}
	if !complete {
		return
	}
	if err := w.gateway.UpdateChapterDownloadedPath(ctx, item.ChapterID, archivePath); err != nil {
		w.logger.Error("dequeue: update chapter downloaded path failed", "chapter_id", item.ChapterID, "error", err)
		return
	}
	if err := w.gateway.DeleteSingleChapterDownloadQueue(ctx, item.ChapterID); err != nil {
		w.logger.Error("dequeue: delete completed queue items failed", "chapter_id", item.ChapterID, "error", err)
	}
}

func (w *Worker) fetchPage(ctx context.Context, pageURL, referer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build page request: %w", err)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.NetworkFailed, "Worker.fetchPage", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.NetworkFailed, "Worker.fetchPage", fmt.Errorf("status %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}
