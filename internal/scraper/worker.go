package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/downloader"
	"go-civitai-scraper/internal/models"
	"go-civitai-scraper/internal/paths"
	"go-civitai-scraper/internal/sniff"

	log "github.com/sirupsen/logrus"
)

// Ledger is the part of the database the worker needs.
type Ledger interface {
	ExistsAndComplete(imageID string) (bool, error)
	Upsert(rec models.DownloadRecord, item *models.ImageItem) error
}

// Fetcher streams a payload into a temporary file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dir, base string) (*downloader.Payload, error)
}

// WorkerConfig controls where and what a Worker stores.
type WorkerConfig struct {
	Layout          paths.Layout
	FilenamePattern string
	AllowTypes      []string
	SaveMetadata    bool
	DryRun          bool
}

const lockStripes = 64

// Worker runs the fetch-and-persist protocol for one item at a time. A Worker
// is safe for concurrent use; items with the same id are serialized.
type Worker struct {
	ledger  Ledger
	fetcher Fetcher
	cfg     WorkerConfig
	retrier Retrier
	locks   [lockStripes]sync.Mutex
}

// NewWorker returns a Worker.
func NewWorker(ledger Ledger, fetcher Fetcher, cfg WorkerConfig, retrier Retrier) *Worker {
	if cfg.FilenamePattern == "" {
		cfg.FilenamePattern = paths.DefaultFilenamePattern
	}
	if p := paths.WithImageID(cfg.FilenamePattern); p != cfg.FilenamePattern {
		log.Warnf("Filename pattern %q has no {imageId}, using %q", cfg.FilenamePattern, p)
		cfg.FilenamePattern = p
	}
	return &Worker{ledger: ledger, fetcher: fetcher, cfg: cfg, retrier: retrier}
}

func (w *Worker) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &w.locks[h.Sum32()%lockStripes]
}

// Handle processes an item with retries. When every attempt fails a failed
// record is written, which never replaces a complete one.
func (w *Worker) Handle(ctx context.Context, item models.ImageItem) Result {
	res := w.retrier.Do(ctx, func(ctx context.Context) Result {
		return w.Process(ctx, item)
	})
	if res.Outcome == Failed && !errors.Is(res.Err, context.Canceled) {
		rec := models.DownloadRecord{
			ImageID:       item.ID.String(),
			URL:           item.URL,
			Filename:      "",
			Width:         item.Width.Int(),
			Height:        item.Height.Int(),
			NsfwLevel:     item.RatingLevel(),
			Status:        models.StatusFailed,
			ReactionTotal: item.ReactionTotal(),
		}
		if res.Err != nil {
			rec.ErrorMessage = res.Err.Error()
		}
		if err := w.ledger.Upsert(rec, nil); err != nil {
			log.WithError(err).Errorf("Failed to record failure of %s", rec.ImageID)
		}
	}
	return res
}

// Process makes a single attempt at an item.
func (w *Worker) Process(ctx context.Context, item models.ImageItem) Result {
	id := item.ID.String()
	res := Result{ImageID: id}
	if id == "" || item.URL == "" {
		res.Outcome = Failed
		res.Err = fmt.Errorf("item without id or url")
		return res
	}

	mu := w.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	done, err := w.ledger.ExistsAndComplete(id)
	if err != nil {
		log.WithError(err).Warnf("Ledger lookup failed for %s, continuing", id)
	}
	if done {
		res.Outcome = SkippedPresent
		return res
	}

	level := item.RatingLevel()
	bucket := models.RatingBucket(level)
	relName, err := paths.GeneratePath(w.cfg.FilenamePattern, paths.ItemPathData(item, level))
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		return res
	}

	if w.cfg.DryRun {
		log.Infof("[DRY RUN] Would download: %s -> %s (%dx%d, level %d)",
			item.URL, relName, item.Width.Int(), item.Height.Int(), level)
		res.Outcome = Simulated
		return res
	}

	payload, err := w.fetcher.Fetch(ctx, item.URL, w.cfg.Layout.Base, filepath.Base(relName))
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		return res
	}

	ext, isVideo := sniff.Classify(payload.Head)
	if !sniff.Allowed(ext, w.cfg.AllowTypes) {
		payload.Discard()
		res.Outcome = SkippedType
		return res
	}

	dir := w.cfg.Layout.Dir(bucket, isVideo)
	finalPath := filepath.Join(dir, relName+ext)
	rec := models.DownloadRecord{
		ImageID:       id,
		URL:           item.URL,
		Filename:      filepath.Base(finalPath),
		FileExtension: ext,
		FolderPath:    w.cfg.Layout.Rel(filepath.Dir(finalPath)),
		Status:        models.StatusSuccess,
		FileSize:      payload.Size,
		FileHash:      payload.Hash,
		Width:         item.Width.Int(),
		Height:        item.Height.Int(),
		NsfwLevel:     level,
		ReactionTotal: item.ReactionTotal(),
	}
	res.Path = finalPath

	if err := payload.Commit(finalPath); err != nil {
		payload.Discard()
		if !errors.Is(err, downloader.ErrExists) {
			res.Outcome = Failed
			res.Err = err
			return res
		}
		// The file is there but the ledger may not know it.
		if fi, statErr := os.Stat(finalPath); statErr == nil {
			rec.FileSize = fi.Size()
		}
		rec.FileHash = ""
		if err := w.ledger.Upsert(rec, &item); err != nil {
			log.WithError(err).Errorf("Failed to record existing file %s", finalPath)
		}
		res.Outcome = SkippedExists
		return res
	}

	if w.cfg.SaveMetadata {
		w.writeMetadata(item, bucket, relName)
	}

	if err := w.ledger.Upsert(rec, &item); err != nil {
		// The file stays; the next run records it through the exists path.
		log.WithError(err).Errorf("Failed to record download of %s", id)
	}
	res.Outcome = Downloaded
	res.Bytes = payload.Size
	return res
}

func (w *Worker) writeMetadata(item models.ImageItem, bucket, relName string) {
	metaPath := filepath.Join(w.cfg.Layout.MetadataDir(bucket), relName+".json")
	src, err := item.Source()
	if err != nil {
		log.WithError(err).Errorf("Failed to marshal metadata for image %s", item.ID)
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, src, "", "  "); err != nil {
		log.WithError(err).Errorf("Metadata for image %s is not valid JSON", item.ID)
		return
	}
	metaBytes := pretty.Bytes()
	if err := os.MkdirAll(filepath.Dir(metaPath), 0750); err != nil {
		log.WithError(err).Errorf("Failed to create metadata directory for %s", metaPath)
		return
	}
	if err := os.WriteFile(metaPath, metaBytes, 0600); err != nil {
		log.WithError(err).Errorf("Failed to write metadata file %s", metaPath)
	}
}

var _ Ledger = (*database.DB)(nil)
var _ Fetcher = (*downloader.Downloader)(nil)
