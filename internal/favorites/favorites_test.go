package favorites

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (string, *database.DB) {
	t.Helper()
	base := t.TempDir()
	db, err := database.Open(filepath.Join(base, "civitai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	files := []struct {
		id, folder string
		level      int
	}{
		{"1", "SFW", 1},
		{"2", "NSFW", 5},
		{"3", "SFW", 0},
	}
	for _, f := range files {
		name := "civitai_" + f.id + ".png"
		require.NoError(t, os.MkdirAll(filepath.Join(base, f.folder), 0750))
		require.NoError(t, os.WriteFile(filepath.Join(base, f.folder, name), []byte("img"+f.id), 0600))
		require.NoError(t, db.Upsert(models.DownloadRecord{
			ImageID:       f.id,
			URL:           "https://example.com/" + f.id,
			Filename:      name,
			FileExtension: ".png",
			FolderPath:    f.folder,
			Status:        models.StatusSuccess,
			NsfwLevel:     f.level,
		}, nil))
	}
	require.NoError(t, db.AddFavorite("1"))
	require.NoError(t, db.AddFavorite("2"))
	return base, db
}

func TestOrganize(t *testing.T) {
	base, db := setup(t)
	o := NewOrganizer(base, true, false)

	rep, err := o.Organize(db)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Total)
	assert.Equal(t, 2, rep.Organized)
	assert.Zero(t, rep.Skipped)

	data, err := os.ReadFile(filepath.Join(base, DirName, "SFW", "civitai_1.png"))
	require.NoError(t, err)
	assert.Equal(t, "img1", string(data))
	_, err = os.Stat(filepath.Join(base, DirName, "NSFW", "civitai_2.png"))
	assert.NoError(t, err)

	// Second pass finds everything in place.
	rep, err = o.Organize(db)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Organized)
}

func TestOrganize_FallsBackToCopy(t *testing.T) {
	base, db := setup(t)
	o := NewOrganizer(base, false, false)
	fail := func(string, string) error { return errors.New("not supported") }
	o.linkFuncs = []linkFunc{{MethodSymlink, fail}, {MethodHardlink, fail}}

	rep, err := o.Organize(db)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Organized)

	fi, err := os.Lstat(filepath.Join(base, DirName, "civitai_2.png"))
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular(), "copy expected when linking fails")
}

func TestOrganize_MissingSource(t *testing.T) {
	base, db := setup(t)
	require.NoError(t, os.Remove(filepath.Join(base, "NSFW", "civitai_2.png")))

	rep, err := NewOrganizer(base, true, true).Organize(db)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Organized)
	assert.Equal(t, 1, rep.Skipped)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "civitai_2.png")
}

func TestClean(t *testing.T) {
	base, db := setup(t)
	o := NewOrganizer(base, true, true)

	removed, err := o.Clean(db)
	require.NoError(t, err)
	assert.Zero(t, removed, "missing mirror is not an error")

	_, err = o.Organize(db)
	require.NoError(t, err)
	require.NoError(t, db.RemoveFavorite("2"))

	removed, err = o.Clean(db)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = os.Stat(filepath.Join(base, DirName, "NSFW", "civitai_2.png"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, DirName, "SFW", "civitai_1.png"))
	assert.NoError(t, err)
}
