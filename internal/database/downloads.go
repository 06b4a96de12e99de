package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-civitai-scraper/internal/models"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// recordColumns selects a downloads row with NULLs folded to zero values.
const recordColumns = `d.image_id, d.url,
	COALESCE(d.filename, '') AS filename,
	COALESCE(d.file_extension, '') AS file_extension,
	COALESCE(d.file_size, 0) AS file_size,
	COALESCE(d.width, 0) AS width,
	COALESCE(d.height, 0) AS height,
	COALESCE(d.nsfw_level, 0) AS nsfw_level,
	d.download_timestamp, d.status,
	COALESCE(d.error_message, '') AS error_message,
	COALESCE(d.folder_path, '') AS folder_path,
	COALESCE(d.tags_fetched, 0) AS tags_fetched,
	COALESCE(d.reaction_total, 0) AS reaction_total,
	COALESCE(d.file_hash, '') AS file_hash`

// A failed write never replaces a row that is already complete.
const upsertDownload = `INSERT INTO downloads (
		image_id, url, filename, file_extension, file_size, width, height, nsfw_level,
		download_timestamp, status, error_message, folder_path, reaction_total, file_hash
	) VALUES (
		:image_id, :url, :filename, :file_extension, :file_size, :width, :height, :nsfw_level,
		:download_timestamp, :status, :error_message, :folder_path, :reaction_total, :file_hash
	)
	ON CONFLICT(image_id) DO UPDATE SET
		url = excluded.url,
		filename = excluded.filename,
		file_extension = excluded.file_extension,
		file_size = excluded.file_size,
		width = excluded.width,
		height = excluded.height,
		nsfw_level = excluded.nsfw_level,
		download_timestamp = excluded.download_timestamp,
		status = excluded.status,
		error_message = excluded.error_message,
		folder_path = excluded.folder_path,
		reaction_total = excluded.reaction_total,
		file_hash = excluded.file_hash
	WHERE downloads.status NOT IN ('success', 'migrated')
		OR excluded.status IN ('success', 'migrated')`

// Now returns the timestamp format stored in the ledger.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ExistsAndComplete reports whether the id has a success or migrated row.
func (d *DB) ExistsAndComplete(imageID string) (bool, error) {
	d.RLock()
	defer d.RUnlock()

	var n int
	err := d.db.Get(&n, `SELECT COUNT(*) FROM downloads WHERE image_id = ? AND status IN ('success', 'migrated')`, imageID)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", imageID, err)
	}
	return n > 0, nil
}

// Upsert writes a download record. For successful records carrying an item,
// the metadata blob, generation parameters and tags are stored in the same
// transaction.
func (d *DB) Upsert(rec models.DownloadRecord, item *models.ImageItem) error {
	if rec.ImageID == "" {
		return fmt.Errorf("%w: empty image id", ErrInvalidQuery)
	}
	if rec.DownloadTimestamp == "" {
		rec.DownloadTimestamp = Now()
	}
	return d.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExec(upsertDownload, rec); err != nil {
			return fmt.Errorf("upserting download %s: %w", rec.ImageID, err)
		}
		if rec.Status != models.StatusSuccess || item == nil {
			return nil
		}
		return storeItemTx(tx, rec.ImageID, *item)
	})
}

// StoreItemDetails refreshes the metadata, generation parameters and tags of
// an existing record from a freshly fetched item. It reports whether
// generation parameters were found.
func (d *DB) StoreItemDetails(item models.ImageItem) (bool, error) {
	id := item.ID.String()
	var hasParams bool
	err := d.withTx(func(tx *sqlx.Tx) error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(*) FROM downloads WHERE image_id = ?`, id); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		_, hasParams = models.ExtractGenerationParams(item.Meta)
		return storeItemTx(tx, id, item)
	})
	return hasParams, err
}

func storeItemTx(tx *sqlx.Tx, imageID string, item models.ImageItem) error {
	blob, err := item.Source()
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", imageID, err)
	}
	if _, err := tx.Exec(`INSERT INTO metadata (image_id, json_data) VALUES (?, ?)
		ON CONFLICT(image_id) DO UPDATE SET json_data = excluded.json_data`, imageID, string(blob)); err != nil {
		return fmt.Errorf("storing metadata for %s: %w", imageID, err)
	}
	if _, err := tx.Exec(`UPDATE downloads SET reaction_total = ? WHERE image_id = ?`, item.ReactionTotal(), imageID); err != nil {
		return fmt.Errorf("updating reactions for %s: %w", imageID, err)
	}

	if params, ok := models.ExtractGenerationParams(item.Meta); ok {
		params.ImageID = imageID
		if err := storeParamsTx(tx, params); err != nil {
			return err
		}
	}
	if len(item.Tags) > 0 {
		if err := storeTagsTx(tx, imageID, item.Tags); err != nil {
			return err
		}
	}
	return nil
}

func storeParamsTx(tx *sqlx.Tx, p models.GenerationParams) error {
	_, err := tx.NamedExec(`INSERT INTO generation_params (
			image_id, prompt, negative_prompt, model_name, model_hash, sampler_name,
			steps, cfg_scale, seed, clip_skip, raw_params
		) VALUES (
			:image_id, :prompt, :negative_prompt, :model_name, :model_hash, :sampler_name,
			:steps, :cfg_scale, :seed, :clip_skip, :raw_params
		)
		ON CONFLICT(image_id) DO UPDATE SET
			prompt = excluded.prompt,
			negative_prompt = excluded.negative_prompt,
			model_name = excluded.model_name,
			model_hash = excluded.model_hash,
			sampler_name = excluded.sampler_name,
			steps = excluded.steps,
			cfg_scale = excluded.cfg_scale,
			seed = excluded.seed,
			clip_skip = excluded.clip_skip,
			raw_params = excluded.raw_params`, p)
	if err != nil {
		return fmt.Errorf("storing generation params for %s: %w", p.ImageID, err)
	}
	return nil
}

func storeTagsTx(tx *sqlx.Tx, imageID string, tags []string) error {
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO tags (tag_name) VALUES (?)`, tag); err != nil {
			return fmt.Errorf("storing tag %q: %w", tag, err)
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO image_tags (image_id, tag_id)
			SELECT ?, tag_id FROM tags WHERE tag_name = ?`, imageID, tag); err != nil {
			return fmt.Errorf("linking tag %q to %s: %w", tag, imageID, err)
		}
	}
	_, err := tx.Exec(`UPDATE downloads SET tags_fetched = 1 WHERE image_id = ?`, imageID)
	return err
}

// Get returns the record for an id.
func (d *DB) Get(imageID string) (models.DownloadRecord, error) {
	d.RLock()
	defer d.RUnlock()

	var rec models.DownloadRecord
	err := d.db.Get(&rec, `SELECT `+recordColumns+` FROM downloads d WHERE d.image_id = ?`, imageID)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, imageID)
	}
	if err != nil {
		return rec, fmt.Errorf("reading %s: %w", imageID, err)
	}
	return rec, nil
}

// GetMetadata returns the stored metadata blob of an id.
func (d *DB) GetMetadata(imageID string) (json.RawMessage, error) {
	d.RLock()
	defer d.RUnlock()

	var blob string
	err := d.db.Get(&blob, `SELECT json_data FROM metadata WHERE image_id = ?`, imageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: metadata for %s", ErrNotFound, imageID)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(blob), nil
}

// GetGenerationParams returns the stored generation parameters of an id.
func (d *DB) GetGenerationParams(imageID string) (models.GenerationParams, error) {
	d.RLock()
	defer d.RUnlock()

	var p models.GenerationParams
	err := d.db.Get(&p, `SELECT image_id,
		COALESCE(prompt, '') AS prompt, COALESCE(negative_prompt, '') AS negative_prompt,
		COALESCE(model_name, '') AS model_name, COALESCE(model_hash, '') AS model_hash,
		COALESCE(sampler_name, '') AS sampler_name, steps, cfg_scale, seed, clip_skip,
		COALESCE(raw_params, '') AS raw_params
		FROM generation_params WHERE image_id = ?`, imageID)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%w: generation params for %s", ErrNotFound, imageID)
	}
	return p, err
}

// GetTags returns the tag names linked to an id.
func (d *DB) GetTags(imageID string) ([]string, error) {
	d.RLock()
	defer d.RUnlock()

	var tags []string
	err := d.db.Select(&tags, `SELECT t.tag_name FROM image_tags it
		JOIN tags t ON t.tag_id = it.tag_id
		WHERE it.image_id = ? ORDER BY t.tag_name`, imageID)
	return tags, err
}

// ListByStatus returns every record with the given status.
func (d *DB) ListByStatus(status string) ([]models.DownloadRecord, error) {
	d.RLock()
	defer d.RUnlock()

	var recs []models.DownloadRecord
	err := d.db.Select(&recs, `SELECT `+recordColumns+` FROM downloads d WHERE d.status = ? ORDER BY d.download_timestamp`, status)
	return recs, err
}

// DeleteRecord removes a record and everything linked to it.
func (d *DB) DeleteRecord(imageID string) error {
	return d.withTx(func(tx *sqlx.Tx) error {
		for _, table := range []string{"image_tags", "generation_params", "metadata", "favorites"} {
			if _, err := tx.Exec(`DELETE FROM `+table+` WHERE image_id = ?`, imageID); err != nil {
				return fmt.Errorf("deleting %s rows of %s: %w", table, imageID, err)
			}
		}
		res, err := tx.Exec(`DELETE FROM downloads WHERE image_id = ?`, imageID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, imageID)
		}
		return nil
	})
}

// ClearAll empties every ledger table.
func (d *DB) ClearAll() error {
	return d.withTx(func(tx *sqlx.Tx) error {
		for _, table := range []string{"image_tags", "generation_params", "metadata", "favorites", "downloads", "tags", "pagination_state", "scrape_runs"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		log.Info("Cleared all ledger tables")
		return nil
	})
}
