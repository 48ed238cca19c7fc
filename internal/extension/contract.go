// Package extension implements the Source Plugin Contract and the Extension
// Host that owns loaded plugins for the lifetime of the process.
//
// Loading uses the stdlib "plugin" package against native .so/.dylib/.dll
// artifacts (grounded on streamspace's internal/plugins discovery, the only
// native-Go dynamic-loading precedent in the pack); the host itself is a
// single goroutine owning the plugin map, fed by a FIFO command channel, the
// message-bus shape described for the Source Plugin Contract.
package extension

import (
	"mangaforge/internal/core"
	"mangaforge/internal/core/input"
)

// Provider is the capability set every source plugin implements. All
// methods are synchronous and may block; none are required to be
// thread-safe, because the Host serializes every call through its owner
// goroutine.
type Provider interface {
	SourceInfo() (core.SourceInfo, error)
	FilterList() ([]input.Input, error)
	GetPreferences() ([]input.Input, error)
	SetPreferences([]input.Input) error
	GetPopularManga(page int) ([]core.Manga, error)
	GetLatestManga(page int) ([]core.Manga, error)
	SearchManga(page int, query string, filters []input.Input) ([]core.Manga, error)
	GetMangaDetail(path string) (core.Manga, error)
	GetChapters(path string) ([]core.Chapter, error)
	GetPages(path string) ([]string, error)
}

// Compile-time ABI constants every loaded plugin's declaration must match
// byte-exact. A real deployment pins these to the Go toolchain/module
// version that built the host; plugins built against a different pair are
// rejected at load time regardless of otherwise-compatible Go versions.
const (
	HostRuntimeVersion = "go1.25"
	HostCoreVersion    = "1.0.0"
)

// Declaration is the well-known record every plugin artifact exports under
// the symbol name "PluginDeclaration". Register is invoked once, at load
// time, and must call Registrar.Register with the plugin's Provider.
type Declaration struct {
	RuntimeVersion string
	CoreVersion    string
	Register       func(*Registrar)
}

// Registrar is the handle a plugin's Register function uses to hand back
// its capability object. Per the contract, at most one call is expected.
type Registrar struct {
	provider Provider
}

// Register installs the plugin's capability object.
func (r *Registrar) Register(p Provider) {
	r.provider = p
}
