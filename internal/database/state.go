package database

import (
	"database/sql"
	"errors"

	"go-civitai-scraper/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetCursor returns the saved cursor for a query hash, or "" when none is saved.
func (d *DB) GetCursor(queryHash string) (string, error) {
	d.RLock()
	defer d.RUnlock()

	var cursor string
	err := d.db.Get(&cursor, `SELECT cursor FROM pagination_state WHERE query_hash = ?`, queryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

// SetCursor saves the cursor to resume a query from.
func (d *DB) SetCursor(queryHash, queryKey, cursor string) error {
	return d.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`INSERT INTO pagination_state (query_hash, cursor, query_key, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(query_hash) DO UPDATE SET
				cursor = excluded.cursor,
				query_key = excluded.query_key,
				updated_at = excluded.updated_at`, queryHash, cursor, queryKey, Now())
		return err
	})
}

// DeleteCursor forgets the saved cursor of a query.
func (d *DB) DeleteCursor(queryHash string) error {
	return d.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`DELETE FROM pagination_state WHERE query_hash = ?`, queryHash)
		return err
	})
}

// RecordRun stores the summary of a finished scrape run.
func (d *DB) RecordRun(run models.RunRecord) error {
	return d.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.NamedExec(`INSERT OR REPLACE INTO scrape_runs (
				run_id, started_at, finished_at, final_state, query_key,
				pages, downloaded, skipped, filtered, failed, bytes
			) VALUES (
				:run_id, :started_at, :finished_at, :final_state, :query_key,
				:pages, :downloaded, :skipped, :filtered, :failed, :bytes
			)`, run)
		return err
	})
}

// ListRuns returns the most recent runs first.
func (d *DB) ListRuns(limit int) ([]models.RunRecord, error) {
	d.RLock()
	defer d.RUnlock()

	var runs []models.RunRecord
	err := d.db.Select(&runs, `SELECT run_id, started_at, finished_at, final_state,
		COALESCE(query_key, '') AS query_key, pages, downloaded, skipped, filtered, failed, bytes
		FROM scrape_runs ORDER BY started_at DESC LIMIT ?`, orDefault(limit))
	return runs, err
}
