// Package search turns a set of browse criteria into ledger or index lookups.
package search

import (
	"errors"
	"fmt"
	"strings"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/index"
	"go-civitai-scraper/internal/models"
)

// Ledger is the query surface of the database used here.
type Ledger interface {
	Get(imageID string) (models.DownloadRecord, error)
	SearchByTags(tags []string, matchAll bool, exclude []string, limit int) ([]models.DownloadRecord, error)
	SearchByModel(model, sampler string, limit int) ([]models.DownloadRecord, error)
	SearchByPrompt(text string, limit int) ([]models.DownloadRecord, error)
	FilterByAspectRatio(ratio string, limit int) ([]models.DownloadRecord, error)
	FilterByDateRange(from, to string, limit int) ([]models.DownloadRecord, error)
}

// TextIndex is the full-text side.
type TextIndex interface {
	Search(query string, size int) ([]index.Hit, uint64, error)
}

// Query holds the criteria. The first populated group wins, in this order:
// Text, Tags/Exclude, Model/Sampler, Prompt, Aspect, From/To.
type Query struct {
	Text     string
	Tags     []string
	Exclude  []string
	MatchAll bool
	Model    string
	Sampler  string
	Prompt   string
	Aspect   string
	From     string
	To       string
	Limit    int
}

// ErrNoCriteria is returned when a Query has nothing to search for.
var ErrNoCriteria = errors.New("no search criteria given")

// ErrNoIndex is returned for a text query without an index.
var ErrNoIndex = errors.New("full-text index not available")

// Empty reports whether no criteria are set.
func (q Query) Empty() bool {
	return q.Text == "" && len(q.Tags) == 0 && len(q.Exclude) == 0 &&
		q.Model == "" && q.Sampler == "" && q.Prompt == "" &&
		q.Aspect == "" && q.From == "" && q.To == ""
}

// Run executes the query. idx may be nil when no text query is made.
func Run(db Ledger, idx TextIndex, q Query) ([]models.DownloadRecord, error) {
	switch {
	case strings.TrimSpace(q.Text) != "":
		if idx == nil {
			return nil, ErrNoIndex
		}
		return byText(db, idx, q)
	case len(q.Tags) > 0 || len(q.Exclude) > 0:
		return db.SearchByTags(q.Tags, q.MatchAll, q.Exclude, q.Limit)
	case q.Model != "" || q.Sampler != "":
		return db.SearchByModel(q.Model, q.Sampler, q.Limit)
	case q.Prompt != "":
		return db.SearchByPrompt(q.Prompt, q.Limit)
	case q.Aspect != "":
		return db.FilterByAspectRatio(q.Aspect, q.Limit)
	case q.From != "" || q.To != "":
		return db.FilterByDateRange(q.From, q.To, q.Limit)
	}
	return nil, ErrNoCriteria
}

func byText(db Ledger, idx TextIndex, q Query) ([]models.DownloadRecord, error) {
	hits, _, err := idx.Search(q.Text, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", database.ErrInvalidQuery, err)
	}
	out := make([]models.DownloadRecord, 0, len(hits))
	for _, h := range hits {
		rec, err := db.Get(h.ID)
		if errors.Is(err, database.ErrNotFound) {
			// Indexed but purged from the ledger since.
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Status != models.StatusSuccess {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SplitList splits a comma-separated flag value, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
