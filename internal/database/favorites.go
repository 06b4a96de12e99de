package database

import (
	"fmt"

	"go-civitai-scraper/internal/models"

	"github.com/jmoiron/sqlx"
)

// AddFavorite marks a downloaded image as a favorite.
func (d *DB) AddFavorite(imageID string) error {
	return d.withTx(func(tx *sqlx.Tx) error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(*) FROM downloads WHERE image_id = ?`, imageID); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, imageID)
		}
		_, err := tx.Exec(`INSERT OR IGNORE INTO favorites (image_id, favorited_at) VALUES (?, ?)`, imageID, Now())
		return err
	})
}

// RemoveFavorite unmarks an image. Removing a non-favorite returns ErrNotFound.
func (d *DB) RemoveFavorite(imageID string) error {
	return d.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM favorites WHERE image_id = ?`, imageID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: favorite %s", ErrNotFound, imageID)
		}
		return nil
	})
}

// IsFavorite reports whether an image is a favorite.
func (d *DB) IsFavorite(imageID string) (bool, error) {
	d.RLock()
	defer d.RUnlock()

	var n int
	err := d.db.Get(&n, `SELECT COUNT(*) FROM favorites WHERE image_id = ?`, imageID)
	return n > 0, err
}

// ListFavorites returns favorited records, most recently favorited first.
func (d *DB) ListFavorites() ([]models.DownloadRecord, error) {
	return d.selectRecords(`SELECT ` + recordColumns + ` FROM downloads d
		JOIN favorites f ON f.image_id = d.image_id
		ORDER BY f.favorited_at DESC, d.image_id`)
}
