package scraper

import (
	"context"
	"encoding/hex"
	"time"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// State is a step of the pagination loop.
type State string

const (
	StateFetchingPage State = "FETCHING_PAGE"
	StateFiltering    State = "FILTERING"
	StateDispatching  State = "DISPATCHING"
	StateAdvancing    State = "ADVANCING"
	StateDone         State = "DONE"
	StateStopped      State = "STOPPED"
)

// Terminal reports whether the loop ends in this state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateStopped
}

// PageSource serves listing pages.
type PageSource interface {
	GetImages(ctx context.Context, params models.ImageAPIParameters) (models.ImageApiResponse, error)
}

// CursorStore remembers where a query left off and keeps run history.
type CursorStore interface {
	GetCursor(queryHash string) (string, error)
	SetCursor(queryHash, queryKey, cursor string) error
	DeleteCursor(queryHash string) error
	RecordRun(run models.RunRecord) error
}

// Indexer receives every downloaded item.
type Indexer interface {
	IndexItem(item models.ImageItem, filePath string) error
}

// DriverConfig controls one run.
type DriverConfig struct {
	Params    models.ImageAPIParameters
	Target    int // downloads to stop after; ignored when Unlimited or <= 0
	Unlimited bool
	Delay     time.Duration // pause between pages
	Filters   Filters
	Resume    bool
}

// Summary describes a finished run.
type Summary struct {
	RunID   string
	State   State
	Totals  Totals
	Elapsed time.Duration
	Cursor  string // cursor saved for resume, if any
}

// Driver walks the listing page by page and hands each page to a Dispatcher.
type Driver struct {
	source     PageSource
	store      CursorStore
	dispatcher *Dispatcher
	counters   *Counters
	ctrl       *Controller
	indexer    Indexer
	cfg        DriverConfig
	now        func() time.Time
}

// NewDriver returns a Driver. store and indexer may be nil.
func NewDriver(source PageSource, store CursorStore, dispatcher *Dispatcher, counters *Counters, ctrl *Controller, cfg DriverConfig) *Driver {
	return &Driver{
		source:     source,
		store:      store,
		dispatcher: dispatcher,
		counters:   counters,
		ctrl:       ctrl,
		cfg:        cfg,
		now:        time.Now,
	}
}

// WithIndexer attaches a full-text indexer.
func (d *Driver) WithIndexer(ix Indexer) *Driver {
	d.indexer = ix
	return d
}

// QueryHash is the key a query's cursor is stored under.
func QueryHash(queryKey string) string {
	sum := blake3.Sum256([]byte(queryKey))
	return hex.EncodeToString(sum[:16])
}

func (d *Driver) limited() bool {
	return !d.cfg.Unlimited && d.cfg.Target > 0
}

func (d *Driver) remaining() int {
	if !d.limited() {
		return models.MaxPageSize
	}
	r := d.cfg.Target - d.counters.Snapshot().Downloaded
	if r < 0 {
		return 0
	}
	return r
}

func (d *Driver) targetReached() bool {
	return d.limited() && d.remaining() == 0
}

// Run drives the loop until the listing is exhausted, the target is reached,
// a page fails, or the run is stopped.
func (d *Driver) Run(ctx context.Context) Summary {
	started := d.now()
	runID := uuid.NewString()
	logger := log.WithField("run", runID)

	params := d.cfg.Params
	queryKey := params.QueryKey()
	hash := QueryHash(queryKey)

	if d.cfg.Resume && d.store != nil {
		cursor, err := d.store.GetCursor(hash)
		if err != nil {
			logger.WithError(err).Warn("Could not read saved cursor, starting from the first page")
		} else if cursor != "" {
			logger.Infof("Resuming from saved cursor %s", cursor)
			params.Cursor = cursor
		}
	}

	var (
		page       []models.ImageItem
		nextCursor string
		saved      string
	)
	state := StateFetchingPage

	for !state.Terminal() {
		logger.Debugf("State %s", state)
		switch state {
		case StateFetchingPage:
			if d.ctrl.Stopped() || ctx.Err() != nil || !d.ctrl.Wait() {
				state = StateStopped
				continue
			}
			params.Limit = min(d.remaining(), models.MaxPageSize)
			resp, err := d.source.GetImages(ctx, params)
			if err != nil {
				if ctx.Err() != nil {
					state = StateStopped
					continue
				}
				logger.WithError(err).Error("Failed to fetch page, ending run")
				state = StateDone
				continue
			}
			d.counters.AddPage()
			if len(resp.Items) == 0 {
				logger.Info("No more items")
				state = StateDone
				continue
			}
			page = resp.Items
			nextCursor = string(resp.Metadata.NextCursor)
			logger.Infof("Fetched page %d with %d items", d.counters.Snapshot().Pages, len(page))
			state = StateFiltering

		case StateFiltering:
			kept, dropped := d.cfg.Filters.Apply(page)
			if dropped > 0 {
				d.counters.AddDropped(dropped)
				logger.Debugf("Filters dropped %d of %d items", dropped, len(page))
			}
			page = kept
			if len(page) == 0 {
				state = StateAdvancing
				continue
			}
			state = StateDispatching

		case StateDispatching:
			results := d.dispatcher.RunBatch(ctx, page)
			d.index(page, results)
			if d.ctrl.Stopped() || ctx.Err() != nil {
				state = StateStopped
				continue
			}
			state = StateAdvancing

		case StateAdvancing:
			if d.targetReached() {
				logger.Infof("Target of %d reached", d.cfg.Target)
				if nextCursor != "" {
					saved = d.saveCursor(logger, hash, queryKey, nextCursor)
				}
				state = StateDone
				continue
			}
			if nextCursor == "" {
				logger.Info("Listing exhausted")
				d.clearCursor(logger, hash)
				state = StateDone
				continue
			}
			saved = d.saveCursor(logger, hash, queryKey, nextCursor)
			params.Cursor = nextCursor
			if !d.pause(ctx) {
				state = StateStopped
				continue
			}
			state = StateFetchingPage
		}
	}

	sum := Summary{
		RunID:   runID,
		State:   state,
		Totals:  d.counters.Snapshot(),
		Elapsed: d.now().Sub(started),
		Cursor:  saved,
	}
	d.recordRun(logger, sum, started, queryKey)
	logger.Infof("Run finished in state %s", state)
	return sum
}

func (d *Driver) index(items []models.ImageItem, results []Result) {
	if d.indexer == nil {
		return
	}
	byID := make(map[string]models.ImageItem, len(items))
	for _, it := range items {
		byID[it.ID.String()] = it
	}
	for _, r := range results {
		if r.Outcome != Downloaded {
			continue
		}
		item, ok := byID[r.ImageID]
		if !ok {
			continue
		}
		if err := d.indexer.IndexItem(item, r.Path); err != nil {
			log.WithError(err).Warnf("Failed to index image %s", r.ImageID)
		}
	}
}

// pause sleeps the inter-page delay. It returns false if the run was stopped
// while waiting.
func (d *Driver) pause(ctx context.Context) bool {
	if d.cfg.Delay <= 0 {
		return ctx.Err() == nil && !d.ctrl.Stopped()
	}
	t := time.NewTimer(d.cfg.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-d.ctrl.Done():
		return false
	}
}

func (d *Driver) saveCursor(logger *log.Entry, hash, key, cursor string) string {
	if d.store == nil {
		return cursor
	}
	if err := d.store.SetCursor(hash, key, cursor); err != nil {
		logger.WithError(err).Warn("Failed to save cursor")
	}
	return cursor
}

func (d *Driver) clearCursor(logger *log.Entry, hash string) {
	if d.store == nil {
		return
	}
	if err := d.store.DeleteCursor(hash); err != nil {
		logger.WithError(err).Warn("Failed to clear cursor")
	}
}

func (d *Driver) recordRun(logger *log.Entry, sum Summary, started time.Time, queryKey string) {
	if d.store == nil {
		return
	}
	t := sum.Totals
	run := models.RunRecord{
		RunID:      sum.RunID,
		StartedAt:  started.UTC().Format(time.RFC3339),
		FinishedAt: started.Add(sum.Elapsed).UTC().Format(time.RFC3339),
		FinalState: string(sum.State),
		QueryKey:   queryKey,
		Pages:      t.Pages,
		Downloaded: t.Downloaded,
		Skipped:    t.Skipped,
		Filtered:   t.Filtered + t.Dropped,
		Failed:     t.Failed,
		Bytes:      t.Bytes,
	}
	if err := d.store.RecordRun(run); err != nil {
		logger.WithError(err).Warn("Failed to record run")
	}
}

var _ CursorStore = (*database.DB)(nil)
