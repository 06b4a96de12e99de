package index

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"go-civitai-scraper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAndSearch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping index test in short mode")
	}
	path := filepath.Join(t.TempDir(), "test.bleve")
	idx, err := OpenOrCreate(path)
	require.NoError(t, err)

	var item models.ImageItem
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": 5, "url": "u", "username": "painter", "nsfwLevel": 1,
		"meta": {"prompt": "a lighthouse on a cliff", "model": "dreamshaper"}
	}`), &item))
	item.Tags = models.TagList{"coast"}

	require.NoError(t, idx.IndexItem(item, "SFW/civitai_5.png"))
	require.NoError(t, idx.PutBatch([]Document{
		{ID: "6", Prompt: "a forest at night", Tags: []string{"forest"}},
		{ID: "7", Prompt: "lighthouse in fog", Tags: []string{"coast", "fog"}},
	}))

	n, err := idx.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	hits, total, err := idx.Search("lighthouse", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	var ids []string
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	assert.ElementsMatch(t, []string{"5", "7"}, ids)

	hits, _, err = idx.Search("+tags:fog", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "7", hits[0].ID)

	require.NoError(t, idx.Delete("7"))
	_, total, err = idx.Search("lighthouse", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	require.NoError(t, idx.Close())

	reopened, err := OpenOrCreate(path)
	require.NoError(t, err, "existing index should reopen")
	n, err = reopened.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	require.NoError(t, reopened.Close())

	require.NoError(t, Remove(path))
}

func TestFromRecord(t *testing.T) {
	doc := FromRecord(
		models.DownloadRecord{ImageID: "9", Filename: "civitai_9.mp4", FolderPath: "videos/NSFW", FileExtension: ".mp4", NsfwLevel: 5},
		models.GenerationParams{Prompt: "p", ModelName: "m"},
		[]string{"t"},
	)
	assert.Equal(t, "videos/NSFW/civitai_9.mp4", doc.FilePath)
	assert.Equal(t, models.BucketNSFW, doc.Bucket)
	assert.Equal(t, "m", doc.ModelName)
}
