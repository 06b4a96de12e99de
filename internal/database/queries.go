package database

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go-civitai-scraper/internal/models"

	"github.com/jmoiron/sqlx"
)

// Aspect ratio buckets accepted by FilterByAspectRatio besides W:H.
const (
	AspectPortrait  = "portrait"
	AspectLandscape = "landscape"
	AspectSquare    = "square"
)

const ratioTolerance = 0.1

// ListOptions controls List.
type ListOptions struct {
	Status    string
	Sort      string // "newest" (default) or "reactions"
	Bucket    string // "", models.BucketSFW or models.BucketNSFW
	MediaType string // "", "image" or "video"
	Limit     int
	Offset    int
}

// List returns a page of records and the total matching count.
func (d *DB) List(opts ListOptions) ([]models.DownloadRecord, int, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "d.status = ?")
		args = append(args, opts.Status)
	}
	switch opts.Bucket {
	case models.BucketSFW:
		where = append(where, "COALESCE(d.nsfw_level, 0) <= 1")
	case models.BucketNSFW:
		where = append(where, "COALESCE(d.nsfw_level, 0) >= 2")
	}
	switch opts.MediaType {
	case "video":
		where = append(where, "d.file_extension IN ('.mp4', '.webm', '.flv')")
	case "image":
		where = append(where, "COALESCE(d.file_extension, '') NOT IN ('.mp4', '.webm', '.flv')")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	order := " ORDER BY d.download_timestamp DESC, d.image_id DESC"
	if opts.Sort == "reactions" {
		order = " ORDER BY COALESCE(d.reaction_total, 0) DESC, d.download_timestamp DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	d.RLock()
	defer d.RUnlock()

	var total int
	if err := d.db.Get(&total, `SELECT COUNT(*) FROM downloads d`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("counting records: %w", err)
	}
	var recs []models.DownloadRecord
	q := `SELECT ` + recordColumns + ` FROM downloads d` + clause + order + ` LIMIT ? OFFSET ?`
	if err := d.db.Select(&recs, q, append(args, limit, opts.Offset)...); err != nil {
		return nil, 0, fmt.Errorf("listing records: %w", err)
	}
	return recs, total, nil
}

// SearchByTags returns successful downloads matching the tag expression.
// With matchAll every tag must be present, otherwise any one of them.
// Images carrying any excluded tag are dropped.
func (d *DB) SearchByTags(tags []string, matchAll bool, exclude []string, limit int) ([]models.DownloadRecord, error) {
	tags = cleanList(tags)
	exclude = cleanList(exclude)
	if len(tags) == 0 && len(exclude) == 0 {
		return nil, fmt.Errorf("%w: no tags given", ErrInvalidQuery)
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var (
		q    strings.Builder
		args []any
	)
	q.WriteString(`SELECT ` + recordColumns + ` FROM downloads d WHERE d.status = 'success'`)
	if len(tags) > 0 {
		q.WriteString(` AND d.image_id IN (
			SELECT it.image_id FROM image_tags it JOIN tags t ON t.tag_id = it.tag_id
			WHERE t.tag_name IN (?)`)
		args = append(args, tags)
		if matchAll {
			q.WriteString(` GROUP BY it.image_id HAVING COUNT(DISTINCT it.tag_id) = ?`)
			args = append(args, len(tags))
		}
		q.WriteString(`)`)
	}
	if len(exclude) > 0 {
		q.WriteString(` AND d.image_id NOT IN (
			SELECT it.image_id FROM image_tags it JOIN tags t ON t.tag_id = it.tag_id
			WHERE t.tag_name IN (?))`)
		args = append(args, exclude)
	}
	q.WriteString(` ORDER BY d.download_timestamp DESC LIMIT ?`)
	args = append(args, limit)

	query, inArgs, err := sqlx.In(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("building tag query: %w", err)
	}
	return d.selectRecords(query, inArgs...)
}

// SearchByModel matches model and sampler names by substring. Either may be
// empty but not both.
func (d *DB) SearchByModel(model, sampler string, limit int) ([]models.DownloadRecord, error) {
	model, sampler = strings.TrimSpace(model), strings.TrimSpace(sampler)
	if model == "" && sampler == "" {
		return nil, fmt.Errorf("%w: empty model and sampler", ErrInvalidQuery)
	}
	where := []string{"d.status = 'success'"}
	var args []any
	if model != "" {
		where = append(where, `g.model_name LIKE ? ESCAPE '\'`)
		args = append(args, containsPattern(model))
	}
	if sampler != "" {
		where = append(where, `g.sampler_name LIKE ? ESCAPE '\'`)
		args = append(args, containsPattern(sampler))
	}
	args = append(args, orDefault(limit))
	return d.selectRecords(`SELECT `+recordColumns+` FROM downloads d
		JOIN generation_params g ON g.image_id = d.image_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY d.download_timestamp DESC LIMIT ?`, args...)
}

// SearchByPrompt matches the prompt or the negative prompt by substring.
func (d *DB) SearchByPrompt(text string, limit int) ([]models.DownloadRecord, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty prompt text", ErrInvalidQuery)
	}
	pattern := containsPattern(text)
	return d.selectRecords(`SELECT `+recordColumns+` FROM downloads d
		JOIN generation_params g ON g.image_id = d.image_id
		WHERE d.status = 'success' AND (g.prompt LIKE ? ESCAPE '\' OR g.negative_prompt LIKE ? ESCAPE '\')
		ORDER BY d.download_timestamp DESC LIMIT ?`, pattern, pattern, orDefault(limit))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern is a LIKE pattern matching s literally anywhere.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

// FilterByAspectRatio accepts portrait, landscape, square or a W:H ratio
// matched within a tolerance of 0.1.
func (d *DB) FilterByAspectRatio(ratio string, limit int) ([]models.DownloadRecord, error) {
	base := `SELECT ` + recordColumns + ` FROM downloads d
		WHERE d.status = 'success' AND d.width > 0 AND d.height > 0 AND `
	tail := ` ORDER BY d.download_timestamp DESC LIMIT ?`

	switch strings.ToLower(strings.TrimSpace(ratio)) {
	case AspectPortrait:
		return d.selectRecords(base+`d.height > d.width`+tail, orDefault(limit))
	case AspectLandscape:
		return d.selectRecords(base+`d.width > d.height`+tail, orDefault(limit))
	case AspectSquare:
		return d.selectRecords(base+`abs(d.width - d.height) < 50`+tail, orDefault(limit))
	}

	w, h, ok := parseRatio(ratio)
	if !ok {
		return nil, fmt.Errorf("%w: aspect ratio %q", ErrInvalidQuery, ratio)
	}
	target := w / h
	return d.selectRecords(base+`abs(CAST(d.width AS REAL) / d.height - ?) <= ?`+tail,
		target, ratioTolerance, orDefault(limit))
}

func parseRatio(s string) (float64, float64, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	h, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// FilterByDateRange returns downloads whose timestamp falls between from and
// to, both YYYY-MM-DD and inclusive. Either bound may be empty.
func (d *DB) FilterByDateRange(from, to string, limit int) ([]models.DownloadRecord, error) {
	where := []string{"d.status = 'success'"}
	var args []any
	if from != "" {
		start, err := time.Parse(time.DateOnly, from)
		if err != nil {
			return nil, fmt.Errorf("%w: start date %q", ErrInvalidQuery, from)
		}
		where = append(where, "d.download_timestamp >= ?")
		args = append(args, start.Format(time.DateOnly))
	}
	if to != "" {
		end, err := time.Parse(time.DateOnly, to)
		if err != nil {
			return nil, fmt.Errorf("%w: end date %q", ErrInvalidQuery, to)
		}
		where = append(where, "d.download_timestamp < ?")
		args = append(args, end.AddDate(0, 0, 1).Format(time.DateOnly))
	}
	args = append(args, orDefault(limit))
	return d.selectRecords(`SELECT `+recordColumns+` FROM downloads d WHERE `+
		strings.Join(where, " AND ")+` ORDER BY d.download_timestamp DESC LIMIT ?`, args...)
}

// TagCounts lists tags used by at least minCount images, most used first.
func (d *DB) TagCounts(minCount, limit int) ([]models.TagCount, error) {
	if minCount < 1 {
		minCount = 1
	}
	d.RLock()
	defer d.RUnlock()

	var out []models.TagCount
	err := d.db.Select(&out, `SELECT t.tag_name, COUNT(it.image_id) AS count
		FROM tags t JOIN image_tags it ON it.tag_id = t.tag_id
		GROUP BY t.tag_id HAVING count >= ?
		ORDER BY count DESC, t.tag_name LIMIT ?`, minCount, orDefault(limit))
	return out, err
}

// ModelCounts lists model names by number of images.
func (d *DB) ModelCounts(limit int) ([]models.ModelCount, error) {
	d.RLock()
	defer d.RUnlock()

	var out []models.ModelCount
	err := d.db.Select(&out, `SELECT model_name, COUNT(*) AS count
		FROM generation_params
		WHERE model_name IS NOT NULL AND model_name != ''
		GROUP BY model_name ORDER BY count DESC, model_name LIMIT ?`, orDefault(limit))
	return out, err
}

// Stats aggregates the ledger.
func (d *DB) Stats() (models.LedgerStats, error) {
	d.RLock()
	defer d.RUnlock()

	st := models.LedgerStats{ByStatus: map[string]int{}, ByType: map[string]int{}}

	var groups []struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}
	if err := d.db.Select(&groups, `SELECT status AS key, COUNT(*) AS count FROM downloads GROUP BY status`); err != nil {
		return st, fmt.Errorf("counting statuses: %w", err)
	}
	for _, g := range groups {
		st.ByStatus[g.Key] = g.Count
	}

	groups = groups[:0]
	if err := d.db.Select(&groups, `SELECT COALESCE(file_extension, '') AS key, COUNT(*) AS count
		FROM downloads WHERE status = 'success' GROUP BY file_extension`); err != nil {
		return st, fmt.Errorf("counting file types: %w", err)
	}
	for _, g := range groups {
		st.ByType[g.Key] = g.Count
	}

	var agg struct {
		Bytes     int64   `db:"bytes"`
		AvgWidth  float64 `db:"avg_width"`
		AvgHeight float64 `db:"avg_height"`
	}
	if err := d.db.Get(&agg, `SELECT COALESCE(SUM(file_size), 0) AS bytes,
		COALESCE(AVG(NULLIF(width, 0)), 0) AS avg_width,
		COALESCE(AVG(NULLIF(height, 0)), 0) AS avg_height
		FROM downloads WHERE status = 'success'`); err != nil {
		return st, fmt.Errorf("aggregating sizes: %w", err)
	}
	st.TotalBytes, st.AvgWidth, st.AvgHeight = agg.Bytes, agg.AvgWidth, agg.AvgHeight

	if err := d.db.Get(&st.Favorites, `SELECT COUNT(*) FROM favorites`); err != nil {
		return st, err
	}
	if err := d.db.Get(&st.Tags, `SELECT COUNT(*) FROM tags`); err != nil {
		return st, err
	}
	return st, nil
}

func (d *DB) selectRecords(query string, args ...any) ([]models.DownloadRecord, error) {
	d.RLock()
	defer d.RUnlock()

	var recs []models.DownloadRecord
	if err := d.db.Select(&recs, d.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	return recs, nil
}

func orDefault(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	return limit
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
