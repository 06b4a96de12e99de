package scraper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go-civitai-scraper/internal/api"
	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	tags  map[string][]string
	items map[string]models.ImageItem
}

func (f fakeUpstream) GetImageTags(_ context.Context, id string) ([]string, error) {
	tags, ok := f.tags[id]
	if !ok {
		return nil, errors.New("boom")
	}
	return tags, nil
}

func (f fakeUpstream) GetImage(_ context.Context, id string) (models.ImageItem, error) {
	item, ok := f.items[id]
	if !ok {
		return models.ImageItem{}, fmt.Errorf("%w: %s", api.ErrNotFound, id)
	}
	return item, nil
}

func seedSuccess(t *testing.T, ids ...string) *database.DB {
	t.Helper()
	db := openTestLedger(t)
	for _, id := range ids {
		require.NoError(t, db.Upsert(models.DownloadRecord{
			ImageID: id, URL: "u" + id, Filename: "civitai_" + id + ".png", Status: models.StatusSuccess,
		}, nil))
	}
	return db
}

func TestBackfillTags(t *testing.T) {
	db := seedSuccess(t, "1", "2", "3")
	src := fakeUpstream{tags: map[string][]string{"1": {"fog", "sea"}, "2": {}}}

	rep, err := BackfillTags(context.Background(), src, db, BackfillConfig{})
	require.NoError(t, err)
	assert.Equal(t, BackfillReport{Processed: 3, Updated: 1, Empty: 1, Failed: 1}, rep)

	tags, err := db.GetTags("1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fog", "sea"}, tags)

	left, err := db.ImagesMissingTags(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, left, "failed fetches stay pending, empty ones do not")
}

func TestBackfillMetadata(t *testing.T) {
	db := seedSuccess(t, "1", "2", "3")
	src := fakeUpstream{items: map[string]models.ImageItem{
		"1": {ID: "1", URL: "u1", Meta: []byte(`{"prompt":"dunes","sampler":"DPM++ 2M"}`)},
		"3": {ID: "3", URL: "u3"},
	}}

	rep, err := BackfillMetadata(context.Background(), src, db, BackfillConfig{Max: 10})
	require.NoError(t, err)
	assert.Equal(t, BackfillReport{Processed: 3, Updated: 1, Empty: 1, NotFound: 1}, rep)

	p, err := db.GetGenerationParams("1")
	require.NoError(t, err)
	assert.Equal(t, "dunes", p.Prompt)

	left, err := db.ImagesMissingGenerationParams(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, left, "null meta is not refetched")
}

func TestBackfill_Cancelled(t *testing.T) {
	db := seedSuccess(t, "1", "2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := BackfillTags(ctx, fakeUpstream{tags: map[string][]string{"1": {"x"}, "2": {"y"}}}, db, BackfillConfig{})
	assert.ErrorIs(t, err, context.Canceled)
}
