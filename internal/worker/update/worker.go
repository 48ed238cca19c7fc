// Package update implements the Update Worker: three independent ticking
// cadences (chapter discovery, server/plugin version probes, cache sweep)
// plus an on-demand command inbox, all sharing one per-manga sweep
// primitive. Grounded on the original program's
// crates/tanoshi/src/application/worker/updates.rs, adapted from Rust's
// tokio::select!/mpsc(1) shape to Go's select/buffered-channel idiom.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/time/rate"

	"mangaforge/internal/bus"
	"mangaforge/internal/core"
	"mangaforge/internal/persistence"
	"mangaforge/internal/tracker"
)

// SourceHost is the narrow slice of the Extension Host the Update Worker
// depends on. *extension.Host satisfies this; tests use a fake instead of
// loading real plugins.
type SourceHost interface {
	GetChapters(sourceID int64, path string) ([]core.Chapter, error)
	List() []core.SourceInfo
}

// Notifier is the narrow slice of the Notification Fan-out the Update
// Worker depends on. *notify.Dispatcher satisfies this.
type Notifier interface {
	NotifyNewChapter(ctx context.Context, manga core.Manga, chapter core.Chapter, users []core.User)
	NotifyAdmins(ctx context.Context, users []core.User, title, body string)
}

// CommandKind discriminates the three on-demand command inbox variants.
type CommandKind int

const (
	UpdateAll CommandKind = iota
	UpdateManga
	UpdateUserLibrary
)

// Command is one inbox entry; Reply, if non-nil, receives the sweep's
// outcome. Dropping Reply does not cancel in-flight work (§5).
type Command struct {
	Kind    CommandKind
	MangaID int64
	UserID  string
	Reply   *bus.Request[struct{}]
}

// Config controls the three cadences and the external probes.
type Config struct {
	// ChapterUpdatePeriod is the full-library sweep interval. Zero disables
	// the periodic tick entirely (commands still work).
	ChapterUpdatePeriod time.Duration
	// EnforceMinimumInterval resolves the open question in the design
	// notes about the 3600s floor being conditional on a release build
	// flag: mangaforge makes it an explicit, always-applicable switch
	// instead of a compile-time condition. Operators who want sub-hour
	// sweeps in development set this to false.
	EnforceMinimumInterval bool

	ServerUpdatePeriod time.Duration
	ClearCachePeriod   time.Duration
	CacheMaxAge        time.Duration
	CacheDir           string

	PluginRepoURL string // serves GET <repo>/index.json

	GitHubOwner string
	GitHubRepo  string
	AppName     string
	AppVersion  string
}

// DefaultConfig mirrors the original program's intervals: chapter_update
// configurable (here defaulted to 1 hour), server_update daily, clear_cache
// every 3 days, cache entries older than 10 days removed.
func DefaultConfig() Config {
	return Config{
		ChapterUpdatePeriod:    time.Hour,
		EnforceMinimumInterval: true,
		ServerUpdatePeriod:     24 * time.Hour,
		ClearCachePeriod:       3 * 24 * time.Hour,
		CacheMaxAge:            10 * 24 * time.Hour,
		GitHubOwner:            "mangaforge",
		GitHubRepo:             "mangaforge",
		AppName:                "mangaforge",
		AppVersion:             "0.1.0",
	}
}

// Worker is the Update Worker.
type Worker struct {
	cfg      Config
	gateway  persistence.Gateway
	host     SourceHost
	notifier Notifier
	tracker  tracker.Client
	logger   *slog.Logger
	client   *http.Client
	limiter  *rate.Limiter
	commands chan Command
}

// NewWorker wires a Worker. trackerClient may be tracker.NoOp{}.
func NewWorker(cfg Config, gateway persistence.Gateway, host SourceHost, notifier Notifier, trackerClient tracker.Client, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if trackerClient == nil {
		trackerClient = tracker.NoOp{}
	}
	return &Worker{
		cfg:      cfg,
		gateway:  gateway,
		host:     host,
		notifier: notifier,
		tracker:  trackerClient,
		logger:   logger,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		commands: make(chan Command), // rendezvous: capacity 0, callers back-pressure against in-flight sweeps
	}
}

// Commands returns the send side of the rendezvous command inbox.
func (w *Worker) Commands() chan<- Command { return w.commands }

// Run drives the three cadences and the command inbox until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	period := w.cfg.ChapterUpdatePeriod
	if w.cfg.EnforceMinimumInterval && period > 0 && period < time.Hour {
		period = time.Hour
	}

	var chapterC <-chan time.Time
	if period > 0 {
		t := time.NewTicker(period)
		defer t.Stop()
		chapterC = t.C
	}

	serverTicker := time.NewTicker(w.cfg.ServerUpdatePeriod)
	defer serverTicker.Stop()
	cacheTicker := time.NewTicker(w.cfg.ClearCachePeriod)
	defer cacheTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-chapterC:
			if err := w.SweepAll(ctx); err != nil {
				w.logger.Error("chapter update sweep failed", "error", err)
			}
		case <-serverTicker.C:
			w.checkServerUpdate(ctx)
			w.checkExtensionUpdate(ctx)
		case <-cacheTicker.C:
			w.clearCache(ctx)
		case cmd := <-w.commands:
			w.handleCommand(ctx, cmd)
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd Command) {
	var err error
	switch cmd.Kind {
	case UpdateAll:
		err = w.SweepAll(ctx)
	case UpdateManga:
		err = w.SweepManga(ctx, cmd.MangaID)
	case UpdateUserLibrary:
		err = w.SweepUserLibrary(ctx, cmd.UserID)
	}
	if err != nil {
		w.logger.Error("update command failed", "kind", cmd.Kind, "error", err)
	}
	if cmd.Reply != nil {
		cmd.Reply.Respond(struct{}{}, err)
	}
}

// SweepAll sweeps every manga subscribed by any user.
func (w *Worker) SweepAll(ctx context.Context) error {
	return w.drainSweep(ctx, w.gateway.MangaFromAllUsersLibrary(ctx))
}

// SweepUserLibrary sweeps only userID's subscriptions.
func (w *Worker) SweepUserLibrary(ctx context.Context, userID string) error {
	return w.drainSweep(ctx, w.gateway.MangaFromUserLibrary(ctx, userID))
}

// SweepManga sweeps a single manga by id.
func (w *Worker) SweepManga(ctx context.Context, mangaID int64) error {
	manga, err := w.gateway.GetMangaByID(ctx, mangaID)
	if err != nil {
		return fmt.Errorf("sweep manga: %w", err)
	}
	w.processManga(ctx, manga)
	return nil
}

// drainSweep is the bounded producer/consumer primitive shared by ticks and
// commands: the producer may enqueue at most one manga ahead (capacity 1),
// the consumer processes strictly serially.
func (w *Worker) drainSweep(ctx context.Context, seq iter.Seq2[core.Manga, error]) error {
	mangaCh := make(chan core.Manga, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(mangaCh)
		for manga, err := range seq {
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			select {
			case mangaCh <- manga:
			case <-ctx.Done():
				return
			}
		}
	}()

	for manga := range mangaCh {
		w.processManga(ctx, manga)
	}

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// processManga is the per-manga sweep algorithm (§4.5 steps 1-8): fetch,
// upsert, prune vanished chapters, diff for newness, notify, then a
// politeness delay before the next manga.
func (w *Worker) processManga(ctx context.Context, manga core.Manga) {
	chapters, err := w.host.GetChapters(manga.SourceID, manga.Path)
	if err != nil {
		w.logger.Warn("get chapters failed", "manga_id", manga.ID, "error", err)
		return
	}
	defer w.limiter.Wait(ctx) //nolint:errcheck // politeness delay, never fatal to the sweep

	materialized := make([]core.Chapter, len(chapters))
	paths := make([]string, len(chapters))
	for i, c := range chapters {
		c.MangaID = manga.ID
		c.SourceID = manga.SourceID
		materialized[i] = c
		paths[i] = c.Path
	}

	if err := w.gateway.InsertChapters(ctx, materialized); err != nil {
		w.logger.Error("insert chapters failed", "manga_id", manga.ID, "error", err)
		return
	}

	if len(materialized) > 0 {
		vanished, err := w.gateway.GetChaptersNotInSource(ctx, manga.SourceID, manga.ID, paths)
		if err != nil {
			w.logger.Error("diff vanished chapters failed", "manga_id", manga.ID, "error", err)
		} else if len(vanished) > 0 {
			ids := make([]int64, len(vanished))
			for i, c := range vanished {
				ids[i] = c.ID
			}
			if err := w.gateway.DeleteChapterByIDs(ctx, ids); err != nil {
				w.logger.Error("prune vanished chapters failed", "manga_id", manga.ID, "error", err)
			}
		}
	}

	all, err := w.gateway.GetChaptersByMangaID(ctx, manga.ID, 0, 0, false)
	if err != nil {
		w.logger.Error("re-read chapters failed", "manga_id", manga.ID, "error", err)
		return
	}

	var fresh []core.Chapter
	for _, c := range all {
		if c.Uploaded.After(manga.LastUploadedAt) {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return
	}

	users, err := w.gateway.GetUsersByMangaID(ctx, manga.ID)
	if err != nil {
		w.logger.Warn("get subscribers failed", "manga_id", manga.ID, "error", err)
	}

	for _, chapter := range fresh {
		w.notifier.NotifyNewChapter(ctx, manga, chapter, users)
		for _, u := range users {
			if err := w.tracker.SetProgress(ctx, u.ID, manga.Path, int(chapter.Number)); err != nil {
				w.logger.Debug("tracker sync failed", "user", u.ID, "manga_id", manga.ID, "error", err)
			}
		}
	}
}

// githubRelease is the slice of the GitHub API response the release probe
// needs.
type githubRelease struct {
	TagName string `json:"tag_name"`
	Body    string `json:"body"`
}

func (w *Worker) checkServerUpdate(ctx context.Context) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/latest", w.cfg.GitHubOwner, w.cfg.GitHubRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		w.logger.Warn("build release probe request failed", "error", err)
		return
	}
	req.Header.Set("User-Agent", fmt.Sprintf("%s/%s", w.cfg.AppName, w.cfg.AppVersion))

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("release probe failed", "error", err)
		return
	}
	defer resp.Body.Close()

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		w.logger.Warn("decode release probe response failed", "error", err)
		return
	}

	latest, err := semver.NewVersion(strings.TrimPrefix(release.TagName, "v"))
	if err != nil {
		w.logger.Warn("parse release tag failed", "tag", release.TagName, "error", err)
		return
	}
	current, err := semver.NewVersion(w.cfg.AppVersion)
	if err != nil {
		w.logger.Warn("parse current app version failed", "version", w.cfg.AppVersion, "error", err)
		return
	}

	if latest.GreaterThan(current) {
		admins, err := w.gateway.GetAdminUsers(ctx)
		if err != nil {
			w.logger.Warn("get admin users failed", "error", err)
			return
		}
		w.notifier.NotifyAdmins(ctx, admins, fmt.Sprintf("%s %s Released", w.cfg.AppName, release.TagName), release.Body)
	}
}

type pluginIndexEntry struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	Version string `json:"version"`
	Icon    string `json:"icon"`
	NSFW    bool   `json:"nsfw"`
}

func (w *Worker) checkExtensionUpdate(ctx context.Context) {
	if w.cfg.PluginRepoURL == "" {
		return
	}
	url := strings.TrimRight(w.cfg.PluginRepoURL, "/") + "/index.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		w.logger.Warn("build plugin index request failed", "error", err)
		return
	}
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("plugin index probe failed", "error", err)
		return
	}
	defer resp.Body.Close()

	var index []pluginIndexEntry
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		w.logger.Warn("decode plugin index failed", "error", err)
		return
	}
	byID := make(map[int64]pluginIndexEntry, len(index))
	for _, e := range index {
		byID[e.ID] = e
	}

	for _, src := range w.host.List() {
		entry, ok := byID[src.ID]
		if !ok {
			continue
		}
		installed, err := semver.NewVersion(src.Version)
		if err != nil {
			continue
		}
		available, err := semver.NewVersion(entry.Version)
		if err != nil {
			continue
		}
		if available.GreaterThan(installed) {
			admins, err := w.gateway.GetAdminUsers(ctx)
			if err != nil {
				w.logger.Warn("get admin users failed", "error", err)
				continue
			}
			w.notifier.NotifyAdmins(ctx, admins, "", fmt.Sprintf("%s extension update available", src.Name))
		}
	}
}

func (w *Worker) clearCache(ctx context.Context) {
	if w.cfg.CacheDir == "" {
		return
	}
	entries, err := os.ReadDir(w.cfg.CacheDir)
	if err != nil {
		w.logger.Warn("read cache dir failed", "error", err)
		return
	}
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) >= w.cfg.CacheMaxAge {
			path := filepath.Join(w.cfg.CacheDir, entry.Name())
			if err := os.Remove(path); err != nil {
				w.logger.Warn("remove stale cache file failed", "path", path, "error", err)
			}
		}
	}
}
