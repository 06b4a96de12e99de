package downloader

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/blake3"
)

var pngBytes = append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, []byte("rest of the png body, long enough")...)

// TestNewDownloader tests downloader creation
func TestNewDownloader(t *testing.T) {
	apiKey := "test-key"
	httpClient := &http.Client{Timeout: 30 * time.Second}

	downloader := NewDownloader(httpClient, apiKey)

	if downloader.client != httpClient {
		t.Error("Expected downloader to store HTTP client reference")
	}
	if downloader.apiKey != apiKey {
		t.Error("Expected downloader to store API key")
	}
}

// TestNewDownloader_NilClient tests that a default client is created when nil is passed
func TestNewDownloader_NilClient(t *testing.T) {
	downloader := NewDownloader(nil, "test-key")

	if downloader.client == nil {
		t.Fatal("Expected default HTTP client to be created")
	}
	if downloader.client.Timeout != 15*time.Minute {
		t.Errorf("Expected default timeout to be 15 minutes, got %v", downloader.client.Timeout)
	}
}

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Declared type is wrong on purpose; only the bytes matter.
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(pngBytes)
	}))
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(server.Client(), "")
	p, err := d.Fetch(context.Background(), server.URL+"/a.jpeg", dir, "civitai_1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if p.Size != int64(len(pngBytes)) {
		t.Errorf("Size = %d, want %d", p.Size, len(pngBytes))
	}
	if len(p.Head) != 16 || p.Head[0] != 0x89 {
		t.Errorf("Head = %x, want first 16 bytes of the body", p.Head)
	}
	sum := blake3.Sum256(pngBytes)
	if p.Hash != hex.EncodeToString(sum[:]) {
		t.Errorf("Hash = %s, want %s", p.Hash, hex.EncodeToString(sum[:]))
	}
	if filepath.Dir(p.TempPath) != dir {
		t.Errorf("temp file should live in target dir, got %s", p.TempPath)
	}

	final := filepath.Join(dir, "civitai_1.png")
	if err := p.Commit(final); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	data, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if string(data) != string(pngBytes) {
		t.Error("final file content mismatch")
	}
	if _, err := os.Stat(p.TempPath); !os.IsNotExist(err) {
		t.Error("temp file should be gone after commit")
	}
}

func TestFetch_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dir := t.TempDir()
	_, err := NewDownloader(server.Client(), "").Fetch(context.Background(), server.URL, dir, "civitai_2")
	if !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	assertNoTempFiles(t, dir)
}

func TestFetch_HttpStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer server.Close()

	dir := t.TempDir()
	_, err := NewDownloader(server.Client(), "").Fetch(context.Background(), server.URL, dir, "civitai_3")
	if !errors.Is(err, ErrHttpStatus) {
		t.Fatalf("expected ErrHttpStatus, got %v", err)
	}
	assertNoTempFiles(t, dir)
}

func TestFetch_NetworkError(t *testing.T) {
	d := NewDownloader(&http.Client{Timeout: time.Second}, "")
	_, err := d.Fetch(context.Background(), "http://127.0.0.1:1/unreachable", t.TempDir(), "civitai_4")
	if !errors.Is(err, ErrHttpRequest) {
		t.Fatalf("expected ErrHttpRequest, got %v", err)
	}
}

func TestFetch_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewDownloader(server.Client(), "").Fetch(ctx, server.URL, t.TempDir(), "civitai_5")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

// TestFetch_Authentication checks the bearer header is sent when a key is set
func TestFetch_Authentication(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write(pngBytes)
	}))
	defer server.Close()

	p, err := NewDownloader(server.Client(), "secret").Fetch(context.Background(), server.URL, t.TempDir(), "civitai_6")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	p.Discard()
	if got != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
	}
}

func TestCommit_RefusesExisting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngBytes)
	}))
	defer server.Close()

	dir := t.TempDir()
	final := filepath.Join(dir, "civitai_7.png")
	if err := os.WriteFile(final, []byte("original"), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := NewDownloader(server.Client(), "").Fetch(context.Background(), server.URL, dir, "civitai_7")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if err := p.Commit(final); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	p.Discard()

	data, _ := os.ReadFile(final)
	if string(data) != "original" {
		t.Error("existing file must not be replaced")
	}
	assertNoTempFiles(t, dir)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) > 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}

func TestCommit_ConcurrentSameDestination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngBytes)
	}))
	defer server.Close()

	dir := t.TempDir()
	final := filepath.Join(dir, "out", "shared.png")
	d := NewDownloader(server.Client(), "")

	const n = 6
	payloads := make([]*Payload, n)
	for i := range payloads {
		p, err := d.Fetch(context.Background(), server.URL, dir, "shared")
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		payloads[i] = p
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, p := range payloads {
		wg.Add(1)
		go func(i int, p *Payload) {
			defer wg.Done()
			errs[i] = p.Commit(final)
		}(i, p)
	}
	wg.Wait()

	committed := 0
	for i, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, ErrExists):
			payloads[i].Discard()
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if committed != 1 {
		t.Errorf("%d payloads committed, want exactly 1", committed)
	}
	assertNoTempFiles(t, dir)
}
