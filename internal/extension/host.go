package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"plugin"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"mangaforge/internal/core"
	"mangaforge/internal/core/apperr"
	"mangaforge/internal/core/input"
)

// loadedSource is one entry in the Host's plugin map.
type loadedSource struct {
	info     core.SourceInfo
	provider Provider
	path     string
}

// Host owns the set of loaded plugins. Every mutation and lookup happens on
// a single goroutine (run), reached only through the cmds channel, so the
// plugin map itself never needs a mutex. This is option (b) from the
// Extension Host contract: strict single-threaded execution, sufficient
// because plugin calls are already serial per source.
type Host struct {
	cmds      chan func()
	sources   map[int64]*loadedSource
	pluginDir string
	logger    *slog.Logger
	client    *http.Client

	infoGroup singleflight.Group // collapses concurrent GetSourceInfo(id) lookups
}

// NewHost starts a Host rooted at pluginDir, where plugin artifacts and
// their ".json" preference sidecars live.
func NewHost(pluginDir string, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		cmds:      make(chan func()),
		sources:   make(map[int64]*loadedSource),
		pluginDir: pluginDir,
		logger:    logger,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	go h.run()
	return h
}

func (h *Host) run() {
	for cmd := range h.cmds {
		cmd()
	}
}

// submit runs fn on the owner goroutine and blocks until it completes,
// giving every public method FIFO, one-at-a-time semantics without a lock.
func (h *Host) submit(fn func()) {
	done := make(chan struct{})
	h.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// abiMatches reports whether a plugin's declared versions match the host's
// compile-time constants byte-exact, per the Load protocol's step 3.
func abiMatches(runtimeVersion, coreVersion string) bool {
	return runtimeVersion == HostRuntimeVersion && coreVersion == HostCoreVersion
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

// Install derives <repo_url>/<target_triple>/<lowercased_name>.<platform_ext>,
// fetches the artifact, writes it into the plugin directory, then runs the
// Load protocol against it.
func (h *Host) Install(ctx context.Context, repoURL, name string) error {
	target := runtime.GOOS + "_" + runtime.GOARCH
	url := fmt.Sprintf("%s/%s/%s.%s", strings.TrimRight(repoURL, "/"), target, strings.ToLower(name), platformExt())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.New(apperr.NetworkFailed, "Install", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return apperr.New(apperr.NetworkFailed, "Install", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.New(apperr.NetworkFailed, "Install", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url))
	}

	artifactPath := filepath.Join(h.pluginDir, strings.ToLower(name)+"."+platformExt())
	if err := os.MkdirAll(h.pluginDir, 0o755); err != nil {
		return apperr.New(apperr.FilesystemFailed, "Install", err)
	}
	out, err := os.Create(artifactPath)
	if err != nil {
		return apperr.New(apperr.FilesystemFailed, "Install", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return apperr.New(apperr.FilesystemFailed, "Install", err)
	}
	if err := out.Close(); err != nil {
		return apperr.New(apperr.FilesystemFailed, "Install", err)
	}

	return h.LoadFromDisk(artifactPath)
}

// LoadFromDisk runs the Load protocol: open the artifact, verify the ABI,
// invoke the registration callback, check source id uniqueness, apply any
// saved preferences sidecar, and insert into the plugin map.
func (h *Host) LoadFromDisk(path string) error {
	var result error
	h.submit(func() {
		result = h.loadLocked(path)
	})
	return result
}

func (h *Host) loadLocked(path string) error {
	p, err := plugin.Open(path)
	if err != nil {
		return apperr.New(apperr.FilesystemFailed, "LoadFromDisk", err)
	}

	sym, err := p.Lookup("PluginDeclaration")
	if err != nil {
		return apperr.New(apperr.FilesystemFailed, "LoadFromDisk", err)
	}
	decl, ok := sym.(*Declaration)
	if !ok {
		return apperr.New(apperr.FilesystemFailed, "LoadFromDisk", fmt.Errorf("PluginDeclaration has unexpected type"))
	}

	if !abiMatches(decl.RuntimeVersion, decl.CoreVersion) {
		return apperr.New(apperr.AbiMismatch, "LoadFromDisk", fmt.Errorf(
			"plugin abi %s/%s does not match host %s/%s",
			decl.RuntimeVersion, decl.CoreVersion, HostRuntimeVersion, HostCoreVersion,
		))
	}

	registrar := &Registrar{}
	decl.Register(registrar)
	if registrar.provider == nil {
		return apperr.New(apperr.PluginCallFailed, "LoadFromDisk", fmt.Errorf("plugin did not register a provider"))
	}

	info, err := registrar.provider.SourceInfo()
	if err != nil {
		return apperr.New(apperr.PluginCallFailed, "LoadFromDisk", err)
	}
	if _, exists := h.sources[info.ID]; exists {
		return apperr.New(apperr.PluginCallFailed, "LoadFromDisk", fmt.Errorf("source id %d already loaded", info.ID))
	}

	sidecar := filepath.Join(h.pluginDir, info.Name+".json")
	if data, err := os.ReadFile(sidecar); err == nil {
		var prefs []input.Input
		if err := json.Unmarshal(data, &prefs); err == nil {
			if err := registrar.provider.SetPreferences(prefs); err != nil {
				h.logger.Warn("apply saved preferences failed", "source", info.Name, "error", err)
			}
		}
	}

	h.sources[info.ID] = &loadedSource{info: info, provider: registrar.provider, path: path}
	h.logger.Info("loaded extension", "id", info.ID, "name", info.Name, "version", info.Version)
	return nil
}

// Unload removes the source from the plugin map and deletes its on-disk
// artifact. The in-memory removal is committed even if the file delete
// fails.
func (h *Host) Unload(sourceID int64) error {
	var result error
	h.submit(func() {
		src, ok := h.sources[sourceID]
		if !ok {
			result = apperr.New(apperr.NoSuchSource, "Unload", fmt.Errorf("source %d not loaded", sourceID))
			return
		}
		delete(h.sources, sourceID)
		if err := os.Remove(src.path); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("delete plugin artifact failed", "source", sourceID, "error", err)
		}
	})
	return result
}

// Exists reports whether sourceID is currently loaded.
func (h *Host) Exists(sourceID int64) bool {
	var ok bool
	h.submit(func() {
		_, ok = h.sources[sourceID]
	})
	return ok
}

// List returns the SourceInfo of every currently loaded plugin.
func (h *Host) List() []core.SourceInfo {
	var out []core.SourceInfo
	h.submit(func() {
		out = make([]core.SourceInfo, 0, len(h.sources))
		for _, src := range h.sources {
			out = append(out, src.info)
		}
	})
	return out
}

func (h *Host) lookup(sourceID int64) (*loadedSource, *apperr.Error) {
	src, ok := h.sources[sourceID]
	if !ok {
		return nil, apperr.New(apperr.NoSuchSource, "lookup", fmt.Errorf("source %d not loaded", sourceID))
	}
	return src, nil
}

// GetSourceInfo returns the SourceInfo for sourceID. Concurrent callers
// asking for the same id within the same instant collapse onto one actual
// host round trip via singleflight.
func (h *Host) GetSourceInfo(sourceID int64) (core.SourceInfo, error) {
	v, err, _ := h.infoGroup.Do(strconv.FormatInt(sourceID, 10), func() (any, error) {
		var info core.SourceInfo
		var cmdErr error
		h.submit(func() {
			src, lookupErr := h.lookup(sourceID)
			if lookupErr != nil {
				cmdErr = lookupErr
				return
			}
			info = src.info
		})
		return info, cmdErr
	})
	if err != nil {
		return core.SourceInfo{}, err
	}
	return v.(core.SourceInfo), nil
}

// FilterList returns the declarative filter descriptors for sourceID.
func (h *Host) FilterList(sourceID int64) ([]input.Input, error) {
	var out []input.Input
	var cmdErr error
	h.submit(func() {
		src, err := h.lookup(sourceID)
		if err != nil {
			cmdErr = err
			return
		}
		out, cmdErr = src.provider.FilterList()
		if cmdErr != nil {
			cmdErr = apperr.New(apperr.PluginCallFailed, "FilterList", cmdErr)
		}
	})
	return out, cmdErr
}

// GetPreferences returns the current preference Inputs for sourceID.
func (h *Host) GetPreferences(sourceID int64) ([]input.Input, error) {
	var out []input.Input
	var cmdErr error
	h.submit(func() {
		src, err := h.lookup(sourceID)
		if err != nil {
			cmdErr = err
			return
		}
		out, cmdErr = src.provider.GetPreferences()
		if cmdErr != nil {
			cmdErr = apperr.New(apperr.PluginCallFailed, "GetPreferences", cmdErr)
		}
	})
	return out, cmdErr
}

// SetPreferences applies prefs to sourceID's plugin and persists them to the
// sidecar file <source_name>.json.
func (h *Host) SetPreferences(sourceID int64, prefs []input.Input) error {
	var cmdErr error
	h.submit(func() {
		src, err := h.lookup(sourceID)
		if err != nil {
			cmdErr = err
			return
		}
		if err := src.provider.SetPreferences(prefs); err != nil {
			cmdErr = apperr.New(apperr.PluginCallFailed, "SetPreferences", err)
			return
		}
		data, err := json.Marshal(prefs)
		if err != nil {
			cmdErr = apperr.New(apperr.FilesystemFailed, "SetPreferences", err)
			return
		}
		sidecar := filepath.Join(h.pluginDir, src.info.Name+".json")
		if err := os.WriteFile(sidecar, data, 0o644); err != nil {
			cmdErr = apperr.New(apperr.FilesystemFailed, "SetPreferences", err)
		}
	})
	return cmdErr
}

// GetPopularManga delegates to sourceID's GetPopularManga(page).
func (h *Host) GetPopularManga(sourceID int64, page int) ([]core.Manga, error) {
	var out []core.Manga
	var cmdErr error
	h.submit(func() {
		src, err := h.lookup(sourceID)
		if err != nil {
			cmdErr = err
			return
		}
		out, cmdErr = src.provider.GetPopularManga(page)
		if cmdErr != nil {
			cmdErr = apperr.New(apperr.PluginCallFailed, "GetPopularManga", cmdErr)
		}
	})
	return out, cmdErr
}

// GetLatestManga delegates to sourceID's GetLatestManga(page).
func (h *Host) GetLatestManga(sourceID int64, page int) ([]core.Manga, error) {
	var out []core.Manga
	var cmdErr error
	h.submit(func() {
		src, err := h.lookup(sourceID)
		if err != nil {
			cmdErr = err
			return
		}
		out, cmdErr = src.provider.GetLatestManga(page)
		if cmdErr != nil {
			cmdErr = apperr.New(apperr.PluginCallFailed, "GetLatestManga", cmdErr)
		}
	})
	return out, cmdErr
}

// SearchManga delegates to sourceID's SearchManga(page, query, filters).
func (h *Host) SearchManga(sourceID int64, page int, query string, filters []input.Input) ([]core.Manga, error) {
	var out []core.Manga
	var cmdErr error
	h.submit(func() {
		src, err := h.lookup(sourceID)
		if err != nil {
			cmdErr = err
			return
		}
		out, cmdErr = src.provider.SearchManga(page, query, filters)
		if cmdErr != nil {
			cmdErr = apperr.New(apperr.PluginCallFailed, "SearchManga", cmdErr)
		}
	})
	return out, cmdErr
}

// GetMangaDetail delegates to sourceID's GetMangaDetail(path).
func (h *Host) GetMangaDetail(sourceID int64, path string) (core.Manga, error) {
	var out core.Manga
	var cmdErr error
	h.submit(func() {
		src, err := h.lookup(sourceID)
		if err != nil {
			cmdErr = err
			return
		}
		out, cmdErr = src.provider.GetMangaDetail(path)
		if cmdErr != nil {
			cmdErr = apperr.New(apperr.PluginCallFailed, "GetMangaDetail", cmdErr)
		}
	})
	return out, cmdErr
}

// GetChapters delegates to sourceID's GetChapters(path).
func (h *Host) GetChapters(sourceID int64, path string) ([]core.Chapter, error) {
	var out []core.Chapter
	var cmdErr error
	h.submit(func() {
		src, err := h.lookup(sourceID)
		if err != nil {
			cmdErr = err
			return
		}
		out, cmdErr = src.provider.GetChapters(path)
		if cmdErr != nil {
			cmdErr = apperr.New(apperr.PluginCallFailed, "GetChapters", cmdErr)
		}
	})
	return out, cmdErr
}

// GetPages delegates to sourceID's GetPages(path).
func (h *Host) GetPages(sourceID int64, path string) ([]string, error) {
	var out []string
	var cmdErr error
	h.submit(func() {
		src, err := h.lookup(sourceID)
		if err != nil {
			cmdErr = err
			return
		}
		out, cmdErr = src.provider.GetPages(path)
		if cmdErr != nil {
			cmdErr = apperr.New(apperr.PluginCallFailed, "GetPages", cmdErr)
		}
	})
	return out, cmdErr
}
