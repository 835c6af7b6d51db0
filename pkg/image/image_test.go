package image

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hezawei/rebirth-game/pkg/config"
)

func TestAdapter_GetImageForStory_FallsBackToLibraryWhenGenerationDisabled(t *testing.T) {
	a := NewAdapter(config.ImageConfig{
		EnableAIGeneration: false,
		LibraryImages:      []string{"/library/a.jpg"},
	}, nil)

	url := a.GetImageForStory(context.Background(), "some story text")
	assert.Equal(t, "/library/a.jpg", url)
}

func TestAdapter_GetImageForStory_FallsBackWhenNoGeneratorWired(t *testing.T) {
	a := NewAdapter(config.ImageConfig{
		EnableAIGeneration: true,
		LibraryImages:      []string{"/library/a.jpg"},
	}, nil)

	url := a.GetImageForStory(context.Background(), "some story text")
	assert.Equal(t, "/library/a.jpg", url)
}

type stubGenerator struct {
	url string
	err error
}

func (g *stubGenerator) GenerateImage(ctx context.Context, text string) (string, error) {
	return g.url, g.err
}

func TestAdapter_GetImageForStory_UsesGeneratedURLOnSuccess(t *testing.T) {
	a := NewAdapter(config.ImageConfig{
		EnableAIGeneration:      true,
		FirstReadTimeoutSeconds: 1,
		MaxRetries:              0,
		LibraryImages:           []string{"/library/a.jpg"},
	}, &stubGenerator{url: "https://oracle.example/img.png"})

	url := a.GetImageForStory(context.Background(), "text")
	assert.Equal(t, "https://oracle.example/img.png", url)
}

func TestAdapter_GetImageForStory_FallsBackAfterGeneratorExhaustsRetries(t *testing.T) {
	a := NewAdapter(config.ImageConfig{
		EnableAIGeneration:      true,
		FirstReadTimeoutSeconds: 1,
		RetryReadTimeoutSeconds: 1,
		MaxRetries:              2,
		LibraryImages:           []string{"/library/a.jpg"},
	}, &stubGenerator{err: errors.New("oracle down")})

	url := a.GetImageForStory(context.Background(), "text")
	assert.Equal(t, "/library/a.jpg", url)
}

func TestAdapter_RandomLibraryImage_EmptyListReturnsEmptyString(t *testing.T) {
	a := NewAdapter(config.ImageConfig{}, nil)
	assert.Equal(t, "", a.GetImageForStory(context.Background(), "text"))
}

func TestAdapter_PersistRemoteImage_DownloadsAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	a := NewAdapter(config.ImageConfig{LocalStorageDir: dir}, nil)

	localURL, err := a.PersistRemoteImage(context.Background(), srv.URL+"/img.png", "ctx")
	assert.NoError(t, err)
	assert.Contains(t, localURL, "/images/")
	assert.True(t, a.LocalAssetReady(localURL))

	// repeat call returns the same cached URL without a second request
	again, err := a.PersistRemoteImage(context.Background(), srv.URL+"/img.png", "ctx")
	assert.NoError(t, err)
	assert.Equal(t, localURL, again)
}

func TestAdapter_PersistRemoteImage_RejectsNonImageContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	a := NewAdapter(config.ImageConfig{LocalStorageDir: t.TempDir()}, nil)

	_, err := a.PersistRemoteImage(context.Background(), srv.URL, "ctx")
	assert.Error(t, err)
}

func TestAdapter_PersistRemoteImage_RejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewAdapter(config.ImageConfig{LocalStorageDir: t.TempDir()}, nil)

	_, err := a.PersistRemoteImage(context.Background(), srv.URL, "ctx")
	assert.Error(t, err)
}

func TestAdapter_LocalAssetReady_TrueForNonLocalURL(t *testing.T) {
	a := NewAdapter(config.ImageConfig{}, nil)
	assert.True(t, a.LocalAssetReady("https://library.example/a.jpg"))
}

func TestAdapter_LocalAssetReady_FalseWhenFileMissing(t *testing.T) {
	a := NewAdapter(config.ImageConfig{LocalStorageDir: t.TempDir()}, nil)
	assert.False(t, a.LocalAssetReady("/images/nope.png"))
}

func TestAdapter_LocalAssetReady_FalseWhenFileEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.png")
	assert.NoError(t, os.WriteFile(path, nil, 0o644))

	a := NewAdapter(config.ImageConfig{LocalStorageDir: dir}, nil)
	assert.False(t, a.LocalAssetReady("/images/empty.png"))
}
