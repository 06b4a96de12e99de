package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ImagesMissingTags returns successful downloads whose tags were never fetched.
func (d *DB) ImagesMissingTags(limit int) ([]string, error) {
	d.RLock()
	defer d.RUnlock()

	var ids []string
	err := d.db.Select(&ids, `SELECT image_id FROM downloads
		WHERE status = 'success' AND COALESCE(tags_fetched, 0) = 0
		ORDER BY download_timestamp LIMIT ?`, orDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("listing images without tags: %w", err)
	}
	return ids, nil
}

// StoreTags links tags to an image and marks its tags as fetched, even when
// the list is empty.
func (d *DB) StoreTags(imageID string, tags []string) error {
	return d.withTx(func(tx *sqlx.Tx) error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(*) FROM downloads WHERE image_id = ?`, imageID); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, imageID)
		}
		return storeTagsTx(tx, imageID, tags)
	})
}

// ImagesMissingGenerationParams returns successful downloads without stored
// generation parameters. Images whose stored metadata has a null meta are
// left out since refetching them yields nothing new.
func (d *DB) ImagesMissingGenerationParams(limit int) ([]string, error) {
	d.RLock()
	defer d.RUnlock()

	var ids []string
	err := d.db.Select(&ids, `SELECT d.image_id FROM downloads d
		LEFT JOIN generation_params g ON g.image_id = d.image_id
		LEFT JOIN metadata m ON m.image_id = d.image_id
		WHERE d.status = 'success' AND g.image_id IS NULL
		AND (m.image_id IS NULL OR NOT json_valid(m.json_data)
			OR json_type(m.json_data, '$.meta') IS NOT 'null')
		ORDER BY d.download_timestamp LIMIT ?`, orDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("listing images without generation params: %w", err)
	}
	return ids, nil
}
