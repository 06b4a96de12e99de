package database

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

type migration struct {
	version int
	name    string
	apply   func(tx *sqlx.Tx) error
}

// Each step must be safe to run against a ledger that already has its
// effect, since older ledgers carry no migrations table.
var migrations = []migration{
	{1, "base_schema", execAll(
		`CREATE TABLE IF NOT EXISTS downloads (
			image_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			filename TEXT NOT NULL,
			file_extension TEXT,
			file_size INTEGER,
			width INTEGER,
			height INTEGER,
			nsfw_level INTEGER,
			download_timestamp TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			image_id TEXT PRIMARY KEY,
			json_data TEXT NOT NULL,
			FOREIGN KEY (image_id) REFERENCES downloads(image_id)
		)`,
		`CREATE TABLE IF NOT EXISTS generation_params (
			image_id TEXT PRIMARY KEY,
			prompt TEXT,
			negative_prompt TEXT,
			model_name TEXT,
			model_hash TEXT,
			sampler_name TEXT,
			steps INTEGER,
			cfg_scale REAL,
			seed INTEGER,
			clip_skip INTEGER,
			raw_params TEXT,
			FOREIGN KEY (image_id) REFERENCES downloads(image_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			tag_id INTEGER PRIMARY KEY AUTOINCREMENT,
			tag_name TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS image_tags (
			image_id TEXT,
			tag_id INTEGER,
			PRIMARY KEY (image_id, tag_id),
			FOREIGN KEY (image_id) REFERENCES downloads(image_id),
			FOREIGN KEY (tag_id) REFERENCES tags(tag_id)
		)`,
		`CREATE TABLE IF NOT EXISTS favorites (
			image_id TEXT PRIMARY KEY,
			favorited_at TEXT NOT NULL,
			FOREIGN KEY (image_id) REFERENCES downloads(image_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status ON downloads(status)`,
		`CREATE INDEX IF NOT EXISTS idx_timestamp ON downloads(download_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_nsfw_level ON downloads(nsfw_level)`,
		`CREATE INDEX IF NOT EXISTS idx_file_extension ON downloads(file_extension)`,
		`CREATE INDEX IF NOT EXISTS idx_prompt ON generation_params(prompt)`,
		`CREATE INDEX IF NOT EXISTS idx_model_name ON generation_params(model_name)`,
		`CREATE INDEX IF NOT EXISTS idx_sampler ON generation_params(sampler_name)`,
		`CREATE INDEX IF NOT EXISTS idx_tag_name ON tags(tag_name)`,
		`CREATE INDEX IF NOT EXISTS idx_tag_id ON image_tags(tag_id)`,
		`CREATE INDEX IF NOT EXISTS idx_favorited_at ON favorites(favorited_at)`,
	)},
	{2, "folder_path", func(tx *sqlx.Tx) error {
		if err := addColumnIfMissing(tx, "downloads", "folder_path", "TEXT"); err != nil {
			return err
		}
		_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_folder_path ON downloads(folder_path)`)
		return err
	}},
	{3, "tags_fetched", func(tx *sqlx.Tx) error {
		return addColumnIfMissing(tx, "downloads", "tags_fetched", "INTEGER DEFAULT 0")
	}},
	{4, "reaction_total", func(tx *sqlx.Tx) error {
		added, err := addColumnIfMissingReport(tx, "downloads", "reaction_total", "INTEGER DEFAULT 0")
		if err != nil {
			return err
		}
		if added {
			res, err := tx.Exec(`UPDATE downloads SET reaction_total = COALESCE((
				SELECT COALESCE(json_extract(m.json_data, '$.stats.likeCount'), 0)
				     + COALESCE(json_extract(m.json_data, '$.stats.heartCount'), 0)
				     + COALESCE(json_extract(m.json_data, '$.stats.commentCount'), 0)
				FROM metadata m WHERE m.image_id = downloads.image_id AND json_valid(m.json_data)
			), 0)`)
			if err != nil {
				return fmt.Errorf("backfilling reaction totals: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				log.Infof("Backfilled reaction totals for %d records", n)
			}
		}
		return execAll(
			`CREATE INDEX IF NOT EXISTS idx_reaction_total ON downloads(reaction_total)`,
			`CREATE INDEX IF NOT EXISTS idx_status_reactions ON downloads(status, reaction_total)`,
		)(tx)
	}},
	{5, "file_hash", func(tx *sqlx.Tx) error {
		return addColumnIfMissing(tx, "downloads", "file_hash", "TEXT")
	}},
	{6, "pagination_state", execAll(
		`CREATE TABLE IF NOT EXISTS pagination_state (
			query_hash TEXT PRIMARY KEY,
			cursor TEXT NOT NULL,
			query_key TEXT,
			updated_at TEXT NOT NULL
		)`,
	)},
	{7, "scrape_runs", execAll(
		`CREATE TABLE IF NOT EXISTS scrape_runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			final_state TEXT NOT NULL,
			query_key TEXT,
			pages INTEGER DEFAULT 0,
			downloaded INTEGER DEFAULT 0,
			skipped INTEGER DEFAULT 0,
			filtered INTEGER DEFAULT 0,
			failed INTEGER DEFAULT 0,
			bytes INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON scrape_runs(started_at)`,
	)},
	// Older ledgers stored the extension without its dot.
	{8, "extension_dot", execAll(
		`UPDATE downloads SET file_extension = '.' || lower(file_extension)
			WHERE file_extension <> '' AND file_extension NOT LIKE '.%'`,
	)},
	// Older ledgers stored naive local timestamps; the ledger compares them
	// as UTC RFC 3339 strings.
	{9, "utc_timestamps", func(tx *sqlx.Tx) error {
		for _, col := range []struct{ table, column string }{
			{"downloads", "download_timestamp"},
			{"favorites", "favorited_at"},
		} {
			res, err := tx.Exec(fmt.Sprintf(`UPDATE %[1]s
				SET %[2]s = strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', %[2]s, 'utc')
				WHERE %[2]s GLOB '[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9][T ][0-9][0-9]:[0-9][0-9]*'
				AND %[2]s NOT LIKE '%%Z'
				AND substr(%[2]s, 20) NOT GLOB '*[+-]*'
				AND strftime('%%s', %[2]s) IS NOT NULL`, col.table, col.column))
			if err != nil {
				return fmt.Errorf("normalizing %s.%s: %w", col.table, col.column, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				log.Infof("Converted %d %s timestamps to UTC", n, col.table)
			}
		}
		return nil
	}},
}

// migrate applies every migration not yet recorded, in order.
func (d *DB) migrate() error {
	d.Lock()
	defer d.Unlock()

	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := map[int]bool{}
	var versions []int
	if err := d.db.Select(&versions, `SELECT version FROM schema_migrations`); err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := d.db.Beginx()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", m.name, err)
		}
		if err := m.apply(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.name, err)
		}
		log.Debugf("Applied migration %d (%s)", m.version, m.name)
	}
	return nil
}

func execAll(stmts ...string) func(tx *sqlx.Tx) error {
	return func(tx *sqlx.Tx) error {
		for _, s := range stmts {
			if _, err := tx.Exec(s); err != nil {
				return err
			}
		}
		return nil
	}
}

func addColumnIfMissing(tx *sqlx.Tx, table, column, decl string) error {
	_, err := addColumnIfMissingReport(tx, table, column, decl)
	return err
}

func addColumnIfMissingReport(tx *sqlx.Tx, table, column, decl string) (bool, error) {
	exists, err := hasColumn(tx, table, column)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return false, fmt.Errorf("adding column %s.%s: %w", table, column, err)
	}
	log.Infof("Added column %s to %s", column, table)
	return true, nil
}

func hasColumn(tx *sqlx.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
