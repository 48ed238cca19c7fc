// Command mangaforge-server is the wiring entry point: it loads
// configuration, opens the database, constructs the Extension Host, the
// Persistence Gateway, the Notification Fan-out and both workers, then
// serves a thin admin HTTP surface. Grounded on the teacher's
// cmd/api-server/main.go (gin.New + Logger/Recovery middleware,
// http.Server with explicit timeouts, signal-driven graceful shutdown).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"mangaforge/database"
	"mangaforge/internal/adminauth"
	"mangaforge/internal/bus"
	"mangaforge/internal/config"
	"mangaforge/internal/extension"
	"mangaforge/internal/notify"
	"mangaforge/internal/persistence"
	"mangaforge/internal/platform/logging"
	"mangaforge/internal/tracker"
	downloadworker "mangaforge/internal/worker/download"
	updateworker "mangaforge/internal/worker/update"

	"github.com/spf13/afero"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.New("info", "json").Error("load config failed", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	gdb, err := database.OpenGorm(cfg.DatabaseURL)
	if err != nil {
		logger.Error("open gorm failed", "error", err)
		os.Exit(1)
	}

	store := persistence.NewStore(gdb, pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}

	host := extension.NewHost(cfg.PluginDir, logger)
	loadPlugins(host, cfg.PluginDir, logger)

	channels := []notify.Channel{}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewHTTPChannel("webhook", cfg.WebhookURL))
	}
	if redisCh, err := notify.NewRedisChannel(cfg.RedisURL, cfg.RedisPassword, ""); err != nil {
		logger.Warn("redis notification channel disabled", "error", err)
	} else if redisCh != nil {
		channels = append(channels, redisCh)
		defer redisCh.Close()
	}
	dispatcher := notify.NewDispatcher(channels, bus.NewBroadcaster[notify.ChapterUpdate](0), logger)

	updateCfg := updateworker.DefaultConfig()
	updateCfg.ChapterUpdatePeriod = cfg.ChapterUpdateInterval
	updateCfg.EnforceMinimumInterval = cfg.EnforceMinimumInterval
	updateCfg.ServerUpdatePeriod = cfg.ServerUpdateInterval
	updateCfg.ClearCachePeriod = cfg.ClearCacheInterval
	updateCfg.CacheMaxAge = cfg.CacheMaxAge
	updateCfg.CacheDir = cfg.CacheDir
	updateCfg.PluginRepoURL = cfg.PluginRepoURL
	updateCfg.GitHubOwner = cfg.GitHubOwner
	updateCfg.GitHubRepo = cfg.GitHubRepo
	updateCfg.AppVersion = cfg.AppVersion

	updater := updateworker.NewWorker(updateCfg, store, host, dispatcher, tracker.NoOp{}, logger)
	go updater.Run(ctx)

	downloader := downloadworker.NewWorker(downloadworker.Config{RootDir: cfg.DownloadRoot}, store, host, afero.NewOsFs(), logger)
	go downloader.Run(ctx)

	router := newRouter(updater, downloader, cfg.AdminJWTSecret, logger)

	addr := "0.0.0.0:" + strconv.Itoa(cfg.HTTPPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("admin server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	logger.Info("stopped")
}

// loadPlugins best-effort loads every plugin artifact already present in
// dir at startup; a plugin that fails ABI or registration is logged and
// skipped rather than aborting the whole server.
func loadPlugins(host *extension.Host, dir string, logger *slog.Logger) {
	ext := platformExt()
	matches, err := filepath.Glob(filepath.Join(dir, "*."+ext))
	if err != nil {
		logger.Warn("scan plugin directory failed", "dir", dir, "error", err)
		return
	}
	for _, path := range matches {
		if err := host.LoadFromDisk(path); err != nil {
			logger.Warn("load plugin failed", "path", path, "error", err)
		}
	}
}

func platformExt() string {
	switch runtime.GOOS {
	case "darwin":
		return "dylib"
	case "windows":
		return "dll"
	default:
		return "so"
	}
}

func newRouter(updater *updateworker.Worker, downloader *downloadworker.Worker, adminJWTSecret string, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	admin := r.Group("/admin")
	if adminJWTSecret != "" {
		admin.Use(adminauth.RequireAdmin(adminJWTSecret))
	} else {
		logger.Warn("ADMIN_JWT_SECRET not set, admin endpoints are unauthenticated")
	}
	admin.POST("/update-all", func(c *gin.Context) {
		reply := bus.NewRequest[struct{}]()
		updater.Commands() <- updateworker.Command{Kind: updateworker.UpdateAll, Reply: reply}
		if _, err := reply.Await(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	})
	admin.POST("/update-manga/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid manga id"})
			return
		}
		reply := bus.NewRequest[struct{}]()
		updater.Commands() <- updateworker.Command{Kind: updateworker.UpdateManga, MangaID: id, Reply: reply}
		if _, err := reply.Await(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	})
	admin.POST("/download/:chapterID", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("chapterID"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chapter id"})
			return
		}
		downloader.Commands().Send(downloadworker.Command{Kind: downloadworker.InsertIntoQueue, ChapterID: id})
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	})
	admin.POST("/pause", func(c *gin.Context) {
		if err := downloader.Pause(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	admin.POST("/resume", func(c *gin.Context) {
		if err := downloader.Resume(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	return r
}
