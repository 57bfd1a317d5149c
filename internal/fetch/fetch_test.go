package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shockpkg-go/shockpkg/internal/pmerr"
)

func TestFetcher_OpenRange_RequiresPartialContent(t *testing.T) {
	// A server that ignores Range and answers 200 with the full body
	// must be treated as a protocol error, not silently accepted.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("full body despite range request"))
	}))
	defer srv.Close()

	f := New(1, nil)
	_, err := f.OpenRange(context.Background(), srv.URL, 0, 10)
	if err == nil {
		t.Fatal("expected an error for a 200 response to a range request")
	}
	var perr *pmerr.Error
	if !errors.As(err, &perr) || perr.Code != pmerr.CodeBadStatus {
		t.Fatalf("expected BadStatus, got %v", err)
	}
}

func TestFetcher_OpenRange_ServesRequestedWindow(t *testing.T) {
	blob := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(blob))
	}))
	defer srv.Close()

	f := New(1, nil)
	body, err := f.OpenRange(context.Background(), srv.URL, 4, 10)
	if err != nil {
		t.Fatalf("OpenRange: %v", err)
	}
	defer body.Close()
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading range body: %v", err)
	}
	if string(got) != "456789" {
		t.Fatalf("got %q, want %q", got, "456789")
	}
}

func TestFetcher_OpenRange_RejectsEmptyWindow(t *testing.T) {
	f := New(1, nil)
	if _, err := f.OpenRange(context.Background(), "http://example.invalid/x", 10, 10); err == nil {
		t.Fatal("expected an error for an empty range")
	}
}

func TestFetcher_OpenDownload_RequiresOK(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := New(1, nil)
	_, err := f.OpenDownload(context.Background(), srv.URL+"/missing.bin")
	var perr *pmerr.Error
	if !errors.As(err, &perr) || perr.Code != pmerr.CodeBadStatus {
		t.Fatalf("expected BadStatus for a 404, got %v", err)
	}
}

func TestFetcher_FetchManifest_ConditionalRefresh(t *testing.T) {
	body := []byte(`{"format":"1.0","packages":[]}`)
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write(body)
	}))
	defer srv.Close()

	f := New(1, nil)
	first, err := f.FetchManifest(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.NotModified || !bytes.Equal(first.Body, body) {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := f.FetchManifest(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.NotModified {
		t.Fatal("expected the second fetch to be a 304 not-modified")
	}
	if requests != 2 {
		t.Fatalf("expected 2 requests, got %d", requests)
	}
}

func TestRangeReader_ReadsThroughRangedGets(t *testing.T) {
	blob := []byte("the quick brown fox jumps over the lazy dog")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(blob))
	}))
	defer srv.Close()

	f := New(1, nil)
	rr := NewRangeReader(context.Background(), f, srv.URL, int64(len(blob)))

	buf := make([]byte, 9)
	n, err := rr.ReadAt(buf, 4)
	if err != nil || n != 9 {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if string(buf) != "quick bro" {
		t.Fatalf("got %q", buf)
	}

	// A window clamped at end-of-resource returns the remaining bytes
	// plus io.EOF, per the io.ReaderAt contract.
	tail := make([]byte, 10)
	n, err = rr.ReadAt(tail, int64(len(blob))-3)
	if err != io.EOF || n != 3 {
		t.Fatalf("tail ReadAt: n=%d err=%v", n, err)
	}
	if string(tail[:n]) != "dog" {
		t.Fatalf("got %q", tail[:n])
	}
}
