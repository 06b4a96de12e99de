package downloader

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go-civitai-scraper/internal/helpers"
	"go-civitai-scraper/internal/sniff"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Custom Downloader Errors
var (
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrFileSystem   = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest  = errors.New("HTTP request creation/execution error")
	ErrEmptyPayload = errors.New("empty file")
	ErrExists       = errors.New("destination already exists")
)

// Downloader streams remote payloads into temporary files.
type Downloader struct {
	client *http.Client
	apiKey string
}

// Payload is a fetched body waiting in a temporary file.
type Payload struct {
	TempPath string
	Head     []byte // first sniff.HeadSize bytes
	Size     int64
	Hash     string // hex BLAKE3-256
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client, apiKey string) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 15 * time.Minute,
		}
	}
	return &Downloader{
		client: client,
		apiKey: apiKey,
	}
}

func (d *Downloader) createHTTPRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating download request for %s: %w", ErrHttpRequest, url, err)
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	return req, nil
}

// Fetch streams url into a temporary file in dir named after base. The first
// bytes are captured for sniffing while the body is written. On any error the
// temporary file is removed. A zero-length body yields ErrEmptyPayload.
func (d *Downloader) Fetch(ctx context.Context, url, dir, base string) (*Payload, error) {
	if !helpers.CheckAndMakeDir(dir) {
		return nil, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, dir)
	}

	req, err := d.createHTTPRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: performing request for %s: %w", ErrHttpRequest, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, url)
	}

	tempFile, err := os.CreateTemp(dir, base+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temporary file for %s: %w", ErrFileSystem, base, err)
	}

	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			log.Debugf("Cleaning up temporary file via defer: %s", tempFile.Name())
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s during defer cleanup", tempFile.Name())
			}
		}
	}()

	size, _ := strconv.ParseUint(resp.Header.Get("Content-Length"), 10, 64)
	log.Debugf("Downloading %s to %s (Size: %s)", url, tempFile.Name(), helpers.BytesToSize(size))

	head := &helpers.HeadWriter{Limit: sniff.HeadSize}
	hasher := blake3.New()
	counter := &helpers.CounterWriter{Writer: io.MultiWriter(tempFile, head, hasher)}

	if _, err := io.Copy(counter, resp.Body); err != nil {
		_ = tempFile.Close()
		return nil, fmt.Errorf("%w: writing %s: %w", ErrHttpRequest, tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("%w: closing temporary file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}
	if counter.Total == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPayload, url)
	}

	shouldCleanupTemp = false
	return &Payload{
		TempPath: tempFile.Name(),
		Head:     head.Bytes(),
		Size:     int64(counter.Total),
		Hash:     hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Discard removes the temporary file.
func (p *Payload) Discard() {
	if err := os.Remove(p.TempPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to remove temporary file %s", p.TempPath)
	}
}

// Commit moves the payload to finalPath. It refuses to replace an existing
// file and returns ErrExists instead, leaving the temporary file in place.
// The hard link makes the existence check and the move one step.
func (p *Payload) Commit(finalPath string) error {
	if !helpers.CheckAndMakeDir(filepath.Dir(finalPath)) {
		return fmt.Errorf("%w: failed to create directory for %s", ErrFileSystem, finalPath)
	}
	err := os.Link(p.TempPath, finalPath)
	if err == nil {
		if rmErr := os.Remove(p.TempPath); rmErr != nil {
			log.WithError(rmErr).Warnf("Failed to remove temporary file %s after linking", p.TempPath)
		}
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrExists, finalPath)
	}

	// No hard links on this filesystem.
	log.WithError(err).Debugf("Hard link to %s failed, renaming instead", finalPath)
	if _, err := os.Lstat(finalPath); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, finalPath)
	}
	if err := os.Rename(p.TempPath, finalPath); err != nil {
		return fmt.Errorf("%w: renaming temporary file %s to %s: %w", ErrFileSystem, p.TempPath, finalPath, err)
	}
	return nil
}
