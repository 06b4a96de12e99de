package scraper

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-civitai-scraper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_PauseResume(t *testing.T) {
	c := NewController()
	assert.True(t, c.Wait(), "running controller does not block")

	c.Pause()
	released := make(chan bool, 1)
	go func() { released <- c.Wait() }()

	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	c.Resume()
	select {
	case ok := <-released:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Resume")
	}
}

func TestController_StopReleasesPausedWaiters(t *testing.T) {
	c := NewController()
	assert.True(t, c.Toggle())
	assert.True(t, c.Paused())

	released := make(chan bool, 1)
	go func() { released <- c.Wait() }()

	c.Stop()
	c.Stop()
	select {
	case ok := <-released:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Stop")
	}
	assert.True(t, c.Stopped())
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after Stop")
	}
}

type countingHandler struct {
	calls   atomic.Int64
	started chan struct{}
	block   chan struct{}
}

func (h *countingHandler) Handle(_ context.Context, item models.ImageItem) Result {
	h.calls.Add(1)
	if h.started != nil {
		h.started <- struct{}{}
	}
	if h.block != nil {
		<-h.block
	}
	return Result{ImageID: item.ID.String(), Outcome: Downloaded, Bytes: 10}
}

func itemsN(n int) []models.ImageItem {
	out := make([]models.ImageItem, n)
	for i := range out {
		out[i] = models.ImageItem{ID: models.ItemID(string(rune('a' + i)))}
	}
	return out
}

func TestDispatcher_RunBatch(t *testing.T) {
	h := &countingHandler{}
	counters := &Counters{}
	d := NewDispatcher(h, 4, counters, NewController(), nil, nil)

	results := d.RunBatch(context.Background(), itemsN(10))
	assert.Len(t, results, 10)
	assert.EqualValues(t, 10, h.calls.Load())
	snap := counters.Snapshot()
	assert.Equal(t, 10, snap.Downloaded)
	assert.EqualValues(t, 100, snap.Bytes)
}

func TestDispatcher_StopFinishesInFlight(t *testing.T) {
	h := &countingHandler{started: make(chan struct{}, 10), block: make(chan struct{})}
	ctrl := NewController()
	d := NewDispatcher(h, 2, &Counters{}, ctrl, nil, nil)

	var results []Result
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results = d.RunBatch(context.Background(), itemsN(10))
	}()

	<-h.started
	<-h.started
	ctrl.Stop()
	close(h.block)
	wg.Wait()

	require.Len(t, results, 2, "only in-flight items complete after Stop")
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestFilters(t *testing.T) {
	mk := func(w, h int, valid bool, level any, stats *models.ImageStats) models.ImageItem {
		return models.ImageItem{
			ID:        "x",
			Width:     models.Dimension{Value: w, Valid: valid},
			Height:    models.Dimension{Value: h, Valid: valid},
			NsfwLevel: level,
			Stats:     stats,
		}
	}
	tests := []struct {
		name string
		f    Filters
		item models.ImageItem
		keep bool
	}{
		{"no filters", Filters{}, mk(0, 0, false, nil, nil), true},
		{"rating only keeps X", Filters{RatingOnly: true}, mk(1, 1, true, "X", nil), true},
		{"rating only drops Mature", Filters{RatingOnly: true}, mk(1, 1, true, "Mature", nil), false},
		{"longer side passes", Filters{MinResolution: 1024}, mk(1024, 512, true, nil, nil), true},
		{"both sides short", Filters{MinResolution: 1024}, mk(1000, 900, true, nil, nil), false},
		{"unparseable dimensions", Filters{MinResolution: 1}, mk(0, 0, false, nil, nil), false},
		{"reactions enough", Filters{MinReactions: 5}, mk(1, 1, true, nil, &models.ImageStats{LikeCount: 2, CryCount: 3}), true},
		{"comments do not count", Filters{MinReactions: 5}, mk(1, 1, true, nil, &models.ImageStats{LikeCount: 2, CommentCount: 9}), false},
		{"missing stats", Filters{MinReactions: 1}, mk(1, 1, true, nil, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Keep(tt.item); got != tt.keep {
				t.Errorf("Keep() = %v, want %v", got, tt.keep)
			}
		})
	}

	kept, dropped := Filters{MinResolution: 512}.Apply([]models.ImageItem{
		mk(600, 10, true, nil, nil), mk(100, 100, true, nil, nil), mk(0, 0, false, nil, nil),
	})
	assert.Len(t, kept, 1)
	assert.Equal(t, 2, dropped)
}

func TestRetrier_StopsOnFinalOutcome(t *testing.T) {
	rec := &sleepRecorder{}
	r := Retrier{MaxRetries: 5, BackoffFactor: 3, Sleep: rec.sleep}
	n := 0
	res := r.Do(context.Background(), func(context.Context) Result {
		n++
		if n == 2 {
			return Result{Outcome: SkippedExists}
		}
		return Result{Outcome: Failed}
	})
	assert.Equal(t, SkippedExists, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, rec.sleeps)
	assert.Equal(t, 9*time.Second, r.Backoff(3))
}
