package scraper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/downloader"
	"go-civitai-scraper/internal/models"
	"go-civitai-scraper/internal/paths"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngPayload  = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}, make([]byte, 64)...)
	jpegPayload = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 64)...)
)

// fileServer serves /files/<id> from an in-memory map and can fail a number
// of requests per id before succeeding.
type fileServer struct {
	*httptest.Server
	mu       sync.Mutex
	bodies   map[string][]byte
	failures map[string]int
	hits     atomic.Int64
}

func newFileServer(t *testing.T) *fileServer {
	t.Helper()
	fs := &fileServer{bodies: map[string][]byte{}, failures: map[string]int{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		id := strings.TrimPrefix(r.URL.Path, "/files/")
		fs.mu.Lock()
		body, ok := fs.bodies[id]
		if fs.failures[id] > 0 {
			fs.failures[id]--
			fs.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fs.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fileServer) add(id string, body []byte) {
	fs.mu.Lock()
	fs.bodies[id] = body
	fs.mu.Unlock()
}

func (fs *fileServer) failFirst(id string, n int) {
	fs.mu.Lock()
	fs.failures[id] = n
	fs.mu.Unlock()
}

func (fs *fileServer) item(id string, w, h int, level float64) models.ImageItem {
	return models.ImageItem{
		ID:        models.ItemID(id),
		URL:       fs.URL + "/files/" + id,
		Width:     models.Dimension{Value: w, Valid: true},
		Height:    models.Dimension{Value: h, Valid: true},
		NsfwLevel: level,
		Username:  "tester",
		Stats:     &models.ImageStats{LikeCount: 2, HeartCount: 1},
		Meta:      []byte(`{"prompt":"a red fox","sampler":"Euler a","model":"fox-xl"}`),
	}
}

func openTestLedger(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestWorker(t *testing.T, db Ledger, cfg WorkerConfig, rec *sleepRecorder) *Worker {
	t.Helper()
	if cfg.Layout.Base == "" {
		cfg.Layout = paths.Layout{Base: t.TempDir(), Organize: true}
	}
	r := Retrier{MaxRetries: 3, BackoffFactor: 2}
	if rec != nil {
		r.Sleep = rec.sleep
	}
	return NewWorker(db, downloader.NewDownloader(nil, ""), cfg, r)
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(root, path)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestWorker_DownloadsAndRecords(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	fs.add("100", pngPayload)
	fs.add("101", jpegPayload)

	base := t.TempDir()
	w := newTestWorker(t, db, WorkerConfig{Layout: paths.Layout{Base: base, Organize: true}, SaveMetadata: true}, nil)

	res := w.Handle(context.Background(), fs.item("100", 512, 768, 1))
	require.NoError(t, res.Err)
	assert.Equal(t, Downloaded, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, len(pngPayload), res.Bytes)
	assert.Equal(t, filepath.Join(base, "SFW", "civitai_100.png"), res.Path)

	res = w.Handle(context.Background(), fs.item("101", 512, 512, 5))
	assert.Equal(t, Downloaded, res.Outcome)

	assert.ElementsMatch(t, []string{
		"SFW/civitai_100.png",
		"SFW/metadata/civitai_100.json",
		"NSFW/civitai_101.jpg",
		"NSFW/metadata/civitai_101.json",
	}, listFiles(t, base))

	rec, err := db.Get("100")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Equal(t, "SFW", rec.FolderPath)
	assert.Equal(t, ".png", rec.FileExtension)
	assert.NotEmpty(t, rec.FileHash)

	params, err := db.GetGenerationParams("100")
	require.NoError(t, err)
	assert.Equal(t, "a red fox", params.Prompt)
}

func TestWorker_IdempotentRerun(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	base := t.TempDir()
	cfg := WorkerConfig{Layout: paths.Layout{Base: base}}

	items := []models.ImageItem{}
	for _, id := range []string{"1", "2", "3"} {
		fs.add(id, pngPayload)
		items = append(items, fs.item(id, 64, 64, 0))
	}

	w := newTestWorker(t, db, cfg, nil)
	for _, it := range items {
		assert.Equal(t, Downloaded, w.Handle(context.Background(), it).Outcome)
	}
	hitsAfterFirst := fs.hits.Load()
	filesAfterFirst := listFiles(t, base)

	w = newTestWorker(t, db, cfg, nil)
	for _, it := range items {
		assert.Equal(t, SkippedPresent, w.Handle(context.Background(), it).Outcome)
	}
	assert.Equal(t, hitsAfterFirst, fs.hits.Load(), "second run must not touch the network")
	assert.Equal(t, filesAfterFirst, listFiles(t, base))
}

func TestWorker_RetryBackoff(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	fs.add("7", pngPayload)
	fs.failFirst("7", 2)

	rec := &sleepRecorder{}
	w := newTestWorker(t, db, WorkerConfig{}, rec)

	res := w.Handle(context.Background(), fs.item("7", 10, 10, 0))
	assert.Equal(t, Downloaded, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.sleeps)
}

func TestWorker_RetryExhaustedRecordsFailure(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	fs.add("8", pngPayload)
	fs.failFirst("8", 10)

	rec := &sleepRecorder{}
	w := newTestWorker(t, db, WorkerConfig{}, rec)

	res := w.Handle(context.Background(), fs.item("8", 10, 10, 0))
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, downloader.ErrHttpStatus)
	assert.Len(t, rec.sleeps, 2)

	row, err := db.Get("8")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "500")
}

func TestWorker_EmptyPayloadFails(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	fs.add("9", []byte{})
	base := t.TempDir()

	w := newTestWorker(t, db, WorkerConfig{Layout: paths.Layout{Base: base}}, &sleepRecorder{})
	res := w.Handle(context.Background(), fs.item("9", 10, 10, 0))
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, downloader.ErrEmptyPayload)
	assert.Empty(t, listFiles(t, base))
}

func TestWorker_AllowListSkipsWithoutRow(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	fs.add("20", jpegPayload)
	base := t.TempDir()

	w := newTestWorker(t, db, WorkerConfig{Layout: paths.Layout{Base: base}, AllowTypes: []string{"png"}}, nil)
	counters := &Counters{}
	res := w.Handle(context.Background(), fs.item("20", 10, 10, 0))
	counters.Record(res)

	assert.Equal(t, SkippedType, res.Outcome)
	assert.Equal(t, 1, counters.Snapshot().Filtered)
	assert.Zero(t, counters.Snapshot().Failed)
	assert.Empty(t, listFiles(t, base), "no file and no temp file left behind")

	_, err := db.Get("20")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestWorker_ExistingFileIsRecorded(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	fs.add("30", pngPayload)
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "civitai_30.png"), []byte("already here"), 0600))

	w := newTestWorker(t, db, WorkerConfig{Layout: paths.Layout{Base: base}}, nil)
	res := w.Handle(context.Background(), fs.item("30", 10, 10, 0))
	assert.Equal(t, SkippedExists, res.Outcome)

	data, err := os.ReadFile(filepath.Join(base, "civitai_30.png"))
	require.NoError(t, err)
	assert.Equal(t, "already here", string(data), "existing file must not be replaced")

	done, err := db.ExistsAndComplete("30")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestWorker_DryRun(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	fs.add("40", pngPayload)
	base := t.TempDir()

	w := newTestWorker(t, db, WorkerConfig{Layout: paths.Layout{Base: base}, DryRun: true}, nil)
	res := w.Handle(context.Background(), fs.item("40", 10, 10, 0))
	assert.Equal(t, Simulated, res.Outcome)
	assert.Zero(t, fs.hits.Load())
	assert.Empty(t, listFiles(t, base))

	counters := &Counters{}
	counters.Record(res)
	assert.Equal(t, 1, counters.Snapshot().Downloaded)
	assert.Equal(t, 1, counters.Snapshot().Simulated)
}

func TestWorker_ConcurrentSameID(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	fs.add("55", pngPayload)
	base := t.TempDir()
	w := newTestWorker(t, db, WorkerConfig{Layout: paths.Layout{Base: base}}, nil)

	const n = 8
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = w.Handle(context.Background(), fs.item("55", 10, 10, 0)).Outcome
		}(i)
	}
	wg.Wait()

	downloaded := 0
	for _, o := range outcomes {
		if o == Downloaded {
			downloaded++
		} else {
			assert.Contains(t, []Outcome{SkippedPresent, SkippedExists}, o)
		}
	}
	assert.Equal(t, 1, downloaded)
	assert.Equal(t, []string{"civitai_55.png"}, listFiles(t, base))

	rows, err := db.ListByStatus(models.StatusSuccess)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestWorker_MetadataSidecarIsVerbatim(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	fs.add("60", pngPayload)
	base := t.TempDir()

	raw := `{"id":60,"url":"` + fs.URL + `/files/60","type":"image","browsingLevel":1,"modelVersionIds":[123,456],` +
		`"stats":{"likeCount":3,"dislikeCount":9},"meta":{"prompt":"a red fox"}}`
	var item models.ImageItem
	require.NoError(t, json.Unmarshal([]byte(raw), &item))

	w := newTestWorker(t, db, WorkerConfig{Layout: paths.Layout{Base: base}, SaveMetadata: true}, nil)
	require.Equal(t, Downloaded, w.Handle(context.Background(), item).Outcome)

	sidecar, err := os.ReadFile(filepath.Join(base, "metadata", "civitai_60.json"))
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(sidecar))
	assert.Contains(t, string(sidecar), "\n  \"browsingLevel\": 1", "sidecar is indented")

	blob, err := db.GetMetadata("60")
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(blob))
}

func TestWorker_PatternWithoutIDKeepsItemsApart(t *testing.T) {
	fs := newFileServer(t)
	db := openTestLedger(t)
	fs.add("70", pngPayload)
	fs.add("71", jpegPayload)
	base := t.TempDir()

	w := newTestWorker(t, db, WorkerConfig{Layout: paths.Layout{Base: base}, FilenamePattern: "{username}"}, nil)
	assert.Equal(t, Downloaded, w.Handle(context.Background(), fs.item("70", 10, 10, 0)).Outcome)
	assert.Equal(t, Downloaded, w.Handle(context.Background(), fs.item("71", 10, 10, 0)).Outcome)

	assert.ElementsMatch(t, []string{"tester_70.png", "tester_71.jpg"}, listFiles(t, base))
	r1, err := db.Get("70")
	require.NoError(t, err)
	r2, err := db.Get("71")
	require.NoError(t, err)
	assert.NotEqual(t, r1.Filename, r2.Filename)
}
