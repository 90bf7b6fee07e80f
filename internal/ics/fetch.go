package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nestalert/internal/config"
	appLog "nestalert/internal/log"
)

// Source is one ICS subscription.
type Source struct {
	ID  string
	URL string
}

// feed is the body of one source, fresh or from the disk cache.
type feed struct {
	Source    Source
	Body      []byte
	FromCache bool
}

// cacheMeta holds HTTP validators for a single ICS URL.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds with conditional requests (ETag /
// Last-Modified) and keeps the last good body on disk so a flaky network
// does not abort a poll cycle while a cached copy exists.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	log      *appLog.Logger

	// saveMu keeps body.ics and meta.json from two concurrent fetches
	// (poll cycle and /api/events) from interleaving.
	saveMu sync.Mutex
}

// NewFetcher creates a Fetcher caching under cacheDir.
func NewFetcher(cacheDir string, timeout time.Duration, log *appLog.Logger) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
		log:      log,
	}
}

// Fetch returns the body for src, honoring validators and falling back to
// the cached body on network errors or non-OK statuses.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (feed, error) {
	if src.URL == "" {
		return feed{}, fmt.Errorf("ics: source %q has no URL", src.ID)
	}

	dir := f.cacheDirFor(src.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return feed{}, err
	}

	meta, _ := loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return feed{}, err
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	f.log.Debug("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached) > 0 {
			f.log.Warn("ics fetch network error, using cached body", "id", src.ID, "err", err)
			return feed{Source: src, Body: cached, FromCache: true}, nil
		}
		return feed{}, fmt.Errorf("ics: fetch %s: %w", src.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return feed{}, fmt.Errorf("ics: read %s: %w", src.ID, err)
		}
		newMeta := cacheMeta{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		f.saveMu.Lock()
		err = saveCache(dir, newMeta, body)
		f.saveMu.Unlock()
		if err != nil {
			f.log.Error("ics cache save failed", err, "id", src.ID)
		}
		f.log.Debug("ics fetch success", "id", src.ID, "bytes", len(body))
		return feed{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return feed{}, fmt.Errorf("ics: %s answered 304 but no cached body is available", src.ID)
		}
		f.log.Debug("ics fetch not modified; using cache", "id", src.ID)
		return feed{Source: src, Body: cached, FromCache: true}, nil

	default:
		if len(cached) > 0 {
			f.log.Warn("ics fetch non-OK, using cached body", "id", src.ID, "status", resp.StatusCode)
			return feed{Source: src, Body: cached, FromCache: true}, nil
		}
		return feed{}, fmt.Errorf("ics: fetch %s: %w", src.ID, errors.New(resp.Status))
	}
}

func (f *Fetcher) cacheDirFor(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheMeta{}, err
	}
	return meta, nil
}

func saveCache(dir string, meta cacheMeta, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := config.WriteFileAtomic(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; private ICS links carry their
// secret in the path.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
