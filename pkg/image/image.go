// Package image wraps the "produce-image-for-text" and
// "persist-remote-image-locally" oracles: AI generation with a
// library-image fallback, and a content-addressed local cache for
// remote artifacts so the same URL is never downloaded twice.
package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hezawei/rebirth-game/pkg/config"
	"github.com/hezawei/rebirth-game/pkg/services"
)

// Generator is the AI image oracle: given narrative text, produce a
// remote URL. Implementations are expected to apply their own
// connect/read timeouts; Adapter applies the retry policy around it.
type Generator interface {
	GenerateImage(ctx context.Context, text string) (url string, err error)
}

// Adapter is the image collaborator used by the story engine.
type Adapter struct {
	cfg       config.ImageConfig
	generator Generator
	hc        *http.Client

	mu        sync.Mutex
	persisted map[string]string // download key -> local URL, avoids re-download
}

// NewAdapter builds an Adapter. generator may be nil, in which case AI
// generation is treated as always unavailable (library-only mode).
func NewAdapter(cfg config.ImageConfig, generator Generator) *Adapter {
	return &Adapter{
		cfg:       cfg,
		generator: generator,
		hc:        &http.Client{Timeout: time.Duration(cfg.ConnectTimeoutSeconds+cfg.FirstReadTimeoutSeconds) * time.Second},
		persisted: make(map[string]string),
	}
}

// GetImageForStory returns a URL for the given narrative text: AI-generated
// if enabled and successful, otherwise a random pre-shipped library image.
// AI failures are never surfaced — ErrImageUnavailable never escapes here.
func (a *Adapter) GetImageForStory(ctx context.Context, text string) string {
	if a.cfg.EnableAIGeneration && a.generator != nil {
		if url, ok := a.tryGenerate(ctx, text); ok {
			return url
		}
	}
	return a.randomLibraryImage()
}

func (a *Adapter) tryGenerate(ctx context.Context, text string) (string, bool) {
	attempts := a.cfg.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		timeout := time.Duration(a.cfg.FirstReadTimeoutSeconds) * time.Second
		if i > 0 {
			timeout = time.Duration(a.cfg.RetryReadTimeoutSeconds) * time.Second
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		url, err := a.generator.GenerateImage(callCtx, text)
		cancel()
		if err == nil && url != "" {
			return url, true
		}
	}
	return "", false
}

func (a *Adapter) randomLibraryImage() string {
	if len(a.cfg.LibraryImages) == 0 {
		return ""
	}
	return a.cfg.LibraryImages[rand.IntN(len(a.cfg.LibraryImages))]
}

// PersistRemoteImage downloads url to a content-addressed local path
// (filename derived from a hash of url+context) and returns a local URL.
// Repeat inputs return the cached local URL without re-downloading.
// Verifies the response Content-Type begins with "image/".
func (a *Adapter) PersistRemoteImage(ctx context.Context, url, contextPrefix string) (string, error) {
	key := cacheKey(url, contextPrefix)

	a.mu.Lock()
	if existing, ok := a.persisted[key]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	a.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrImageUnavailable, err)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrImageUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: remote status %d", services.ErrImageUnavailable, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("%w: unexpected content-type %q", services.ErrImageUnavailable, contentType)
	}

	ext := extensionFor(contentType)
	filename := key + ext
	localPath := filepath.Join(a.cfg.LocalStorageDir, filename)

	if err := os.MkdirAll(a.cfg.LocalStorageDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrImageUnavailable, err)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrImageUnavailable, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("%w: %v", services.ErrImageUnavailable, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrImageUnavailable, err)
	}

	localURL := "/images/" + filename

	a.mu.Lock()
	a.persisted[key] = localURL
	a.mu.Unlock()

	return localURL, nil
}

func cacheKey(url, contextPrefix string) string {
	h := sha256.Sum256([]byte(contextPrefix + "|" + url))
	return hex.EncodeToString(h[:])
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	default:
		return ".jpg"
	}
}

// LocalAssetReady reports whether imageURL refers to a locally-persisted
// asset under this adapter's storage dir that exists on disk with at
// least one byte. Used by the node-readiness gate; non-local URLs (library
// images, external AI URLs never persisted locally) are always considered
// ready since there is no local file to check.
func (a *Adapter) LocalAssetReady(imageURL string) bool {
	if !strings.HasPrefix(imageURL, "/images/") {
		return true
	}
	filename := strings.TrimPrefix(imageURL, "/images/")
	info, err := os.Stat(filepath.Join(a.cfg.LocalStorageDir, filename))
	if err != nil {
		return false
	}
	return info.Size() > 0
}
