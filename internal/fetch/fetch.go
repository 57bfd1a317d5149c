// Package fetch issues the GET and ranged-GET requests every download
// and slim-streaming pipeline is built on. The HTTP transport itself
// is a tuned stdlib net/http client; only the streaming/Range
// capabilities it must expose are specified here.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shockpkg-go/shockpkg/internal/pmerr"
	"github.com/shockpkg-go/shockpkg/internal/pmlog"
)

// Fetcher issues GET and GET-with-Range requests and exposes a byte
// stream plus response metadata. It coalesces concurrent manifest
// refreshes for the same URL via singleflight and retries transient
// transport failures with a fixed exponential backoff.
type Fetcher struct {
	client     *http.Client
	maxRetries int
	log        *pmlog.Logger

	mu            sync.RWMutex
	manifestETags map[string]string

	sf singleflight.Group
}

// New builds a Fetcher with a Transport tuned for many short-lived
// requests against a small number of hosts (the catalog's manifest
// host and whichever hosts package sources point at).
func New(maxRetries int, log *pmlog.Logger) *Fetcher {
	if log == nil {
		log = pmlog.Default
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Fetcher{
		client:        &http.Client{Transport: tr},
		maxRetries:    maxRetries,
		log:           log,
		manifestETags: make(map[string]string),
	}
}

// doWithRetry retries a small number of times with a doubling
// 100ms/200ms/400ms/... backoff on transport-level errors (not on HTTP status codes, which
// are the caller's to interpret).
func (f *Fetcher) doWithRetry(req *http.Request) (*http.Response, error) {
	var lastErr error
	attempts := f.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := f.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

// ManifestResult is what FetchManifest returns: either a fresh body,
// or NotModified=true when a conditional request hit a cached ETag.
type ManifestResult struct {
	Body        []byte
	ETag        string
	NotModified bool
}

// FetchManifest issues a GET against url, using a cached ETag for a
// conditional request if one is known. Concurrent calls for the same
// url are coalesced into a single request.
func (f *Fetcher) FetchManifest(ctx context.Context, url string) (ManifestResult, error) {
	v, err, _ := f.sf.Do("manifest:"+url, func() (any, error) {
		return f.fetchManifestOnce(ctx, url)
	})
	if err != nil {
		return ManifestResult{}, err
	}
	return v.(ManifestResult), nil
}

func (f *Fetcher) fetchManifestOnce(ctx context.Context, url string) (ManifestResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return ManifestResult{}, err
	}
	f.mu.RLock()
	etag := f.manifestETags[url]
	f.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.doWithRetry(req)
	if err != nil {
		return ManifestResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		f.log.Debugf("fetch", "manifest %s not modified", url)
		return ManifestResult{ETag: etag, NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return ManifestResult{}, pmerr.BadStatus(http.StatusOK, resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ManifestResult{}, err
	}

	newETag := resp.Header.Get("ETag")
	if newETag != "" {
		f.mu.Lock()
		f.manifestETags[url] = newETag
		f.mu.Unlock()
	}
	return ManifestResult{Body: body, ETag: newETag}, nil
}

// Download is an open GET response body for a full download: status
// 200 required, ContentLength reflects the header if present (-1 if
// absent).
type Download struct {
	Body          io.ReadCloser
	ContentLength int64 // -1 if the server didn't send Content-Length
}

// OpenDownload issues a plain GET for a full-archive download.
// Requires HTTP status 200; if Content-Length is present it is
// returned for the caller to validate against the declared size
// before any body bytes are written.
func (f *Fetcher) OpenDownload(ctx context.Context, url string) (Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Download{}, err
	}
	resp, err := f.doWithRetry(req)
	if err != nil {
		return Download{}, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return Download{}, pmerr.BadStatus(http.StatusOK, resp.StatusCode, url)
	}
	cl := int64(-1)
	if resp.ContentLength >= 0 {
		cl = resp.ContentLength
	}
	return Download{Body: resp.Body, ContentLength: cl}, nil
}

// OpenRange issues a GET with a Range header for the half-open byte
// range [start, end). Requires HTTP status 206; a server that returns
// 200 instead (ignoring Range) is a protocol error, not silently
// tolerated.
func (f *Fetcher) OpenRange(ctx context.Context, url string, start, end int64) (io.ReadCloser, error) {
	if end <= start {
		return nil, fmt.Errorf("fetch: empty or invalid range [%d, %d)", start, end)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	resp, err := f.doWithRetry(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, pmerr.BadStatus(http.StatusPartialContent, resp.StatusCode, url)
	}
	want := end - start
	if resp.ContentLength >= 0 && resp.ContentLength != want {
		resp.Body.Close()
		return nil, pmerr.BadContentLength(want, resp.ContentLength)
	}
	return resp.Body, nil
}

// ContentLength issues a HEAD to learn the total size of a remote
// resource, used to size the ZIP streamer for slim installs without
// downloading any bytes up front.
func (f *Fetcher) ContentLength(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, http.NoBody)
	if err != nil {
		return 0, err
	}
	resp, err := f.doWithRetry(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, pmerr.BadStatus(http.StatusOK, resp.StatusCode, url)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("fetch: server did not report Content-Length for %s", url)
	}
	return resp.ContentLength, nil
}
