package database

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"go-civitai-scraper/internal/models"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// LegacyLogName is the plain-text download log older versions kept, one id per line.
const LegacyLogName = "download_log.txt"

// MigrateLegacyLog imports the ids of a legacy download log as migrated
// records and renames the log to <name>.bak. Existing records are left alone.
// A missing log is not an error.
func (d *DB) MigrateLegacyLog(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("opening legacy log %s: %w", path, err)
	}

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("reading legacy log %s: %w", path, scanErr)
	}

	imported := 0
	err = d.withTx(func(tx *sqlx.Tx) error {
		now := Now()
		for _, id := range ids {
			res, err := tx.Exec(`INSERT OR IGNORE INTO downloads
				(image_id, url, filename, download_timestamp, status)
				VALUES (?, '', ?, ?, ?)`, id, "civitai_"+id, now, models.StatusMigrated)
			if err != nil {
				return fmt.Errorf("importing %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				imported++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := os.Rename(path, path+".bak"); err != nil {
		log.Warnf("Imported legacy log but could not rename it: %v", err)
	}
	log.Infof("Migrated %d of %d ids from %s", imported, len(ids), path)
	return imported, nil
}
