// Package feed keeps the table file on disk current: it downloads the
// published feed, replaces the local file atomically and, when redis is
// available, fans the bytes out so only one instance talks to the upstream.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultUserAgent   = "ip2asn-feed-updater/1.0"
	defaultHTTPTimeout = 5 * time.Minute
	maxErrorBody       = 2048
)

var ErrNoURL = errors.New("feed: url is not configured")

// Publisher receives a freshly downloaded feed for other instances.
type Publisher interface {
	Publish(ctx context.Context, data []byte, fingerprint uint64) error
}

type Updater struct {
	URL       string
	Dest      string
	UserAgent string
	Client    *http.Client

	// Validate checks a downloaded file before it replaces Dest.
	Validate func(path string) error
	// Publisher, when set, receives every download that changed Dest.
	Publisher Publisher

	group singleflight.Group

	mu   sync.Mutex
	etag string
}

// Result describes one update run.
type Result struct {
	Updated     bool
	NotModified bool
	Fingerprint uint64
	Bytes       int64
}

// Update downloads the feed and replaces Dest when the content changed.
// Concurrent calls share one download.
func (u *Updater) Update(ctx context.Context) (Result, error) {
	if strings.TrimSpace(u.URL) == "" {
		return Result{}, ErrNoURL
	}

	v, err, shared := u.group.Do("update", func() (interface{}, error) {
		r, err := u.update(ctx)
		observeUpdate(r, err)
		return r, err
	})
	if shared {
		log.Debug("Feed update coalesced", "url", u.URL)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (u *Updater) update(ctx context.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("feed: create request: %w", err)
	}
	userAgent := u.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)

	u.mu.Lock()
	if u.etag != "" {
		req.Header.Set("If-None-Match", u.etag)
	}
	u.mu.Unlock()

	resp, err := u.client().Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("feed: download %s: %w", u.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return Result{NotModified: true}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, fmt.Errorf("feed: download %s: unexpected status %d: %s", u.URL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("feed: read body: %w", err)
	}

	result, err := u.apply(ctx, data)
	if err != nil {
		return Result{}, err
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		u.mu.Lock()
		u.etag = etag
		u.mu.Unlock()
	}
	return result, nil
}

// apply writes data to Dest unless Dest already holds the same bytes.
func (u *Updater) apply(ctx context.Context, data []byte) (Result, error) {
	fingerprint := xxhash.Sum64(data)
	result := Result{Fingerprint: fingerprint, Bytes: int64(len(data))}

	current, err := fileFingerprint(u.Dest)
	if err != nil {
		return Result{}, fmt.Errorf("feed: hash %s: %w", u.Dest, err)
	}
	if current == fingerprint {
		log.Debug("Feed unchanged", "dest", u.Dest, "fingerprint", formatFingerprint(fingerprint))
		return result, nil
	}

	if _, err := replaceFile(u.Dest, bytes.NewReader(data), u.Validate); err != nil {
		return Result{}, fmt.Errorf("feed: write %s: %w", u.Dest, err)
	}
	result.Updated = true
	downloadedBytes.Set(float64(len(data)))

	if u.Publisher != nil {
		if err := u.Publisher.Publish(ctx, data, fingerprint); err != nil {
			log.Warn("Failed to distribute feed", "error", err)
		}
	}
	return result, nil
}

func (u *Updater) client() *http.Client {
	if u.Client != nil {
		return u.Client
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}
