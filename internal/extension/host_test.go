package extension

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangaforge/internal/core"
	"mangaforge/internal/core/apperr"
	"mangaforge/internal/core/input"
)

type fakeProvider struct {
	info  core.SourceInfo
	prefs []input.Input
}

func (f *fakeProvider) SourceInfo() (core.SourceInfo, error) { return f.info, nil }
func (f *fakeProvider) FilterList() ([]input.Input, error)   { return nil, nil }
func (f *fakeProvider) GetPreferences() ([]input.Input, error) {
	return f.prefs, nil
}
func (f *fakeProvider) SetPreferences(p []input.Input) error {
	f.prefs = p
	return nil
}
func (f *fakeProvider) GetPopularManga(page int) ([]core.Manga, error) { return nil, nil }
func (f *fakeProvider) GetLatestManga(page int) ([]core.Manga, error)  { return nil, nil }
func (f *fakeProvider) SearchManga(page int, query string, filters []input.Input) ([]core.Manga, error) {
	return nil, nil
}
func (f *fakeProvider) GetMangaDetail(path string) (core.Manga, error) { return core.Manga{}, nil }
func (f *fakeProvider) GetChapters(path string) ([]core.Chapter, error) {
	return nil, nil
}
func (f *fakeProvider) GetPages(path string) ([]string, error) { return nil, nil }

func newTestHost(t *testing.T) *Host {
	t.Helper()
	return NewHost(t.TempDir(), nil)
}

func insertFake(h *Host, info core.SourceInfo, provider Provider) {
	h.submit(func() {
		h.sources[info.ID] = &loadedSource{info: info, provider: provider, path: filepath.Join(h.pluginDir, info.Name+".so")}
	})
}

func TestGetSourceInfoNoSuchSource(t *testing.T) {
	h := newTestHost(t)
	_, err := h.GetSourceInfo(42)
	assert.True(t, apperr.Is(err, apperr.NoSuchSource))
}

func TestGetSourceInfoReturnsLoaded(t *testing.T) {
	h := newTestHost(t)
	insertFake(h, core.SourceInfo{ID: 1, Name: "demo"}, &fakeProvider{})

	info, err := h.GetSourceInfo(1)
	require.NoError(t, err)
	assert.Equal(t, "demo", info.Name)
}

func TestListAndExists(t *testing.T) {
	h := newTestHost(t)
	insertFake(h, core.SourceInfo{ID: 1, Name: "a"}, &fakeProvider{})
	insertFake(h, core.SourceInfo{ID: 2, Name: "b"}, &fakeProvider{})

	assert.True(t, h.Exists(1))
	assert.True(t, h.Exists(2))
	assert.False(t, h.Exists(3))
	assert.Len(t, h.List(), 2)
}

func TestSetPreferencesPersistsSidecar(t *testing.T) {
	h := newTestHost(t)
	fake := &fakeProvider{}
	insertFake(h, core.SourceInfo{ID: 1, Name: "demo"}, fake)

	prefs := []input.Input{{Name: "nsfw", Kind: input.Checkbox, CheckboxState: true}}
	require.NoError(t, h.SetPreferences(1, prefs))

	sidecar := filepath.Join(h.pluginDir, "demo.json")
	_, err := os.Stat(sidecar)
	require.NoError(t, err, "expected sidecar file to exist")

	got, err := h.GetPreferences(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].CheckboxState)
}

func TestUnloadRemovesFromMap(t *testing.T) {
	h := newTestHost(t)
	path := filepath.Join(h.pluginDir, "demo.so")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))
	insertFake(h, core.SourceInfo{ID: 1, Name: "demo"}, &fakeProvider{})

	require.NoError(t, h.Unload(1))
	assert.False(t, h.Exists(1), "expected source removed after unload")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "expected artifact deleted from disk")
}

func TestUnloadNoSuchSource(t *testing.T) {
	h := newTestHost(t)
	err := h.Unload(99)
	assert.True(t, apperr.Is(err, apperr.NoSuchSource))
}

func TestAbiGateRejectsMismatch(t *testing.T) {
	assert.False(t, abiMatches(HostRuntimeVersion, "0.9.9"), "expected core version mismatch to be rejected")
	assert.False(t, abiMatches("go1.20", HostCoreVersion), "expected runtime version mismatch to be rejected")
	assert.True(t, abiMatches(HostRuntimeVersion, HostCoreVersion), "expected matching versions to be accepted")
}
