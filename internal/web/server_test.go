package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*Server, *database.DB, string) {
	t.Helper()
	base := t.TempDir()
	db, err := database.Open(filepath.Join(base, "civitai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for i, id := range []string{"10", "11"} {
		item := models.ImageItem{
			ID:    models.ItemID(id),
			URL:   "https://example.com/" + id,
			Meta:  []byte(`{"prompt":"harbor at dusk","model":"boats-v` + id + `"}`),
			Tags:  models.TagList{"harbor"},
			Stats: &models.ImageStats{LikeCount: i * 10},
		}
		require.NoError(t, os.WriteFile(filepath.Join(base, "civitai_"+id+".png"), []byte("png-"+id), 0600))
		require.NoError(t, db.Upsert(models.DownloadRecord{
			ImageID: id, URL: item.URL, Filename: "civitai_" + id + ".png",
			FileExtension: ".png", FolderPath: ".", Status: models.StatusSuccess,
			Width: 640, Height: 480,
		}, &item))
	}
	require.NoError(t, db.Upsert(models.DownloadRecord{
		ImageID: "evil", URL: "x", Filename: "passwd", FolderPath: "../../etc", Status: models.StatusSuccess,
	}, nil))

	return New(db, nil, Options{SavePath: base, PageSize: 10}), db, base
}

func do(t *testing.T, s *Server, method, target string) (int, envelope, []byte) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(method, target, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	_ = json.Unmarshal(body, &env)
	return resp.StatusCode, env, body
}

func TestListImages(t *testing.T) {
	s, _, _ := newTestServer(t)

	code, env, _ := do(t, s, http.MethodGet, "/api/images?sort=reactions&per_page=2")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", env.Status)

	var page ImagePage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Images, 2)
	assert.Equal(t, "11", page.Images[0].ImageID, "highest reactions first")

	code, env, _ = do(t, s, http.MethodGet, "/api/images?per_page=0")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", env.Status)
}

func TestImageDetailAndFile(t *testing.T) {
	s, _, _ := newTestServer(t)

	code, env, _ := do(t, s, http.MethodGet, "/api/images/10")
	require.Equal(t, http.StatusOK, code)
	var detail ImageDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, "10", detail.Record.ImageID)
	require.NotNil(t, detail.Params)
	assert.Equal(t, "harbor at dusk", detail.Params.Prompt)
	assert.Equal(t, []string{"harbor"}, detail.Tags)
	assert.NotEmpty(t, detail.Metadata)

	code, _, _ = do(t, s, http.MethodGet, "/api/images/404")
	assert.Equal(t, http.StatusNotFound, code)

	code, _, body := do(t, s, http.MethodGet, "/api/images/10/file")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "png-10", string(body))

	code, _, _ = do(t, s, http.MethodGet, "/api/images/evil/file")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestFavoriteToggle(t *testing.T) {
	s, db, base := newTestServer(t)

	code, env, _ := do(t, s, http.MethodPost, "/api/images/10/favorite")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"favorited":true`)

	fav, err := db.IsFavorite("10")
	require.NoError(t, err)
	assert.True(t, fav)

	code, env, _ = do(t, s, http.MethodPost, "/api/favorites/organize")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"organized":1`)
	_, err = os.Lstat(filepath.Join(base, "Favorites", "civitai_10.png"))
	assert.NoError(t, err)

	code, env, _ = do(t, s, http.MethodPost, "/api/images/10/favorite")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"favorited":false`)

	code, _, _ = do(t, s, http.MethodDelete, "/api/images/10/favorite")
	assert.Equal(t, http.StatusNotFound, code, "removing a non-favorite")

	code, _, _ = do(t, s, http.MethodPost, "/api/images/nope/favorite")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatsTagsModelsSearch(t *testing.T) {
	s, _, _ := newTestServer(t)

	code, env, _ := do(t, s, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, code)
	var st models.LedgerStats
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, 3, st.ByStatus[models.StatusSuccess])

	code, env, _ = do(t, s, http.MethodGet, "/api/tags")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"harbor"`)

	code, env, _ = do(t, s, http.MethodGet, "/api/models")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), "boats-v10")

	code, env, _ = do(t, s, http.MethodGet, "/api/search?prompt=dusk")
	require.Equal(t, http.StatusOK, code)
	var hits []ImageSummary
	require.NoError(t, json.Unmarshal(env.Data, &hits))
	assert.Len(t, hits, 2)

	code, _, _ = do(t, s, http.MethodGet, "/api/search")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _, _ = do(t, s, http.MethodGet, "/api/search?q=harbor")
	assert.Equal(t, http.StatusServiceUnavailable, code, "no index attached")
}
