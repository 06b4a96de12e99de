package scraper

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go-civitai-scraper/internal/models"
	"go-civitai-scraper/internal/stats"

	log "github.com/sirupsen/logrus"
)

// Handler processes one item to completion, retries included.
type Handler interface {
	Handle(ctx context.Context, item models.ImageItem) Result
}

// Dispatcher fans a page out to a fixed pool of workers.
type Dispatcher struct {
	handler  Handler
	workers  int
	counters *Counters
	ctrl     *Controller
	stats    *stats.DownloadStatistics
	progress io.Writer
	outMu    sync.Mutex
}

// NewDispatcher returns a Dispatcher. progress may be nil; when set (usually a
// uilive writer) one line per item is written to it.
func NewDispatcher(h Handler, workers int, counters *Counters, ctrl *Controller, st *stats.DownloadStatistics, progress io.Writer) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{handler: h, workers: workers, counters: counters, ctrl: ctrl, stats: st, progress: progress}
}

// RunBatch processes items and returns once every submitted item finished.
// Items are submitted in page order. After Stop no new item is started.
// The returned slice holds only the items that were processed.
func (d *Dispatcher) RunBatch(ctx context.Context, items []models.ImageItem) []Result {
	jobs := make(chan models.ImageItem)
	results := make(chan Result, len(items))

	var wg sync.WaitGroup
	for i := 1; i <= d.workers; i++ {
		wg.Add(1)
		go d.worker(ctx, i, jobs, results, &wg)
	}

submit:
	for _, item := range items {
		if !d.ctrl.Wait() {
			break
		}
		select {
		case jobs <- item:
		case <-d.ctrl.Done():
			break submit
		case <-ctx.Done():
			break submit
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]Result, 0, len(items))
	for r := range results {
		out = append(out, r)
	}
	return out
}

func (d *Dispatcher) worker(ctx context.Context, id int, jobs <-chan models.ImageItem, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()
	logPrefix := fmt.Sprintf("Worker-%d", id)

	for item := range jobs {
		if !d.ctrl.Wait() || ctx.Err() != nil {
			// Drain without processing so the submitter never blocks.
			continue
		}
		log.Debugf("[%s] Processing image %s", logPrefix, item.ID)
		res := d.handler.Handle(ctx, item)
		d.counters.Record(res)
		if res.Outcome == Downloaded && d.stats != nil {
			d.stats.AddDownload(res.Bytes)
		}
		d.report(logPrefix, res)
		results <- res
	}
	log.Debugf("[%s] Exiting", logPrefix)
}

func (d *Dispatcher) report(logPrefix string, res Result) {
	switch res.Outcome {
	case Failed:
		log.WithError(res.Err).Warnf("[%s] Image %s failed after %d attempt(s)", logPrefix, res.ImageID, res.Attempts)
	case Downloaded:
		log.Debugf("[%s] Image %s -> %s", logPrefix, res.ImageID, res.Path)
	default:
		log.Debugf("[%s] Image %s %s", logPrefix, res.ImageID, res.Outcome)
	}
	if d.progress == nil {
		return
	}
	t := d.counters.Snapshot()
	line := fmt.Sprintf("[%s] %s %s | downloaded %d, skipped %d, filtered %d, failed %d",
		logPrefix, res.ImageID, res.Outcome, t.Downloaded, t.Skipped, t.Filtered, t.Failed)
	if d.stats != nil {
		line += fmt.Sprintf(" | %s at %s", d.stats.FormatSize(), d.stats.FormatSpeed())
	}
	d.outMu.Lock()
	fmt.Fprintln(d.progress, line)
	d.outMu.Unlock()
}
