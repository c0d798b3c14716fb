package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestImageFetcher_Fetch(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse func(w http.ResponseWriter, r *http.Request)
		expectOK       bool
	}{
		{
			name: "successful download",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("User-Agent") != "shelf-test/1.0" {
					t.Errorf("expected User-Agent shelf-test/1.0, got %s", r.Header.Get("User-Agent"))
				}
				w.Header().Set("Content-Type", "image/png")
				w.Write([]byte("png-bytes"))
			},
			expectOK: true,
		},
		{
			name: "not found",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			expectOK: false,
		},
		{
			name: "server error",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			expectOK: false,
		},
		{
			name: "empty body",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
			expectOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(tt.serverResponse))
			defer server.Close()

			dir := t.TempDir()
			fetcher := NewImageFetcher(FetcherOptions{UserAgent: "shelf-test/1.0"})

			ok := fetcher.Fetch(context.Background(), server.URL+"/a.png", dir, "image_001.png")
			if ok != tt.expectOK {
				t.Fatalf("expected ok=%v, got %v", tt.expectOK, ok)
			}

			_, err := os.Stat(filepath.Join(dir, "image_001.png"))
			if tt.expectOK && err != nil {
				t.Errorf("expected file on disk: %v", err)
			}
			if !tt.expectOK && err == nil {
				t.Error("failed download must not leave a file")
			}

			leftovers, _ := filepath.Glob(filepath.Join(dir, ".download-*"))
			if len(leftovers) != 0 {
				t.Errorf("temporary files left behind: %v", leftovers)
			}
		})
	}
}

func TestImageFetcher_UnreachableHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	fetcher := NewImageFetcher(FetcherOptions{ConnectTimeout: time.Second, TransferTimeout: 2 * time.Second})
	if fetcher.Fetch(context.Background(), url+"/a.png", t.TempDir(), "image_001.png") {
		t.Error("expected failure for unreachable host")
	}
}

func TestImageFetcher_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer server.Close()

	fetcher := NewImageFetcher(FetcherOptions{TransferTimeout: 100 * time.Millisecond})
	if fetcher.Fetch(context.Background(), server.URL+"/slow.png", t.TempDir(), "image_001.png") {
		t.Error("expected timeout to count as failure")
	}
}

func TestImageFetcher_UnsupportedScheme(t *testing.T) {
	fetcher := NewImageFetcher(FetcherOptions{})
	if fetcher.Fetch(context.Background(), "ftp://files.example/a.png", t.TempDir(), "image_001.png") {
		t.Error("expected failure for non-http URL")
	}
	if fetcher.Fetch(context.Background(), "/relative/a.png", t.TempDir(), "image_001.png") {
		t.Error("expected failure for unresolved relative URL")
	}
	if fetcher.Fetch(context.Background(), "https://files.example/a.png", t.TempDir(), "../image_001.png") {
		t.Error("expected failure for a file name outside the bundle")
	}
}

func TestImageFetcher_ExistingFileSkipsRequest(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("img"))
	}))
	defer server.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "image_001.jpg"), []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	fetcher := NewImageFetcher(FetcherOptions{})
	if !fetcher.Fetch(context.Background(), server.URL+"/a.jpg", dir, "image_001.jpg") {
		t.Fatal("expected existing file to count as success")
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("expected no request, got %d", hits)
	}
}

func TestImageFetcher_IgnoresCallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img"))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := NewImageFetcher(FetcherOptions{RatePerSecond: 100})
	if !fetcher.Fetch(ctx, server.URL+"/a.jpg", t.TempDir(), "image_001.jpg") {
		t.Error("a started transfer must not be aborted by the caller's context")
	}
}
