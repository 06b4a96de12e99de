package scraper

import (
	"go-civitai-scraper/internal/models"
)

// Filters are applied to each page before dispatch, in field order.
type Filters struct {
	RatingOnly    bool // keep X and XXX only
	MinResolution int  // longer side, 0 disables
	MinReactions  int  // like + heart + laugh + cry, 0 disables
}

// Keep reports whether an item passes every enabled filter.
func (f Filters) Keep(item models.ImageItem) bool {
	if f.RatingOnly && !models.IsExplicit(item.RatingLevel()) {
		return false
	}
	if f.MinResolution > 0 {
		side, ok := item.LongerSide()
		if !ok || side < f.MinResolution {
			return false
		}
	}
	if f.MinReactions > 0 {
		total, ok := item.FilterReactions()
		if !ok || total < f.MinReactions {
			return false
		}
	}
	return true
}

// Apply returns the items that pass and how many were dropped.
func (f Filters) Apply(items []models.ImageItem) ([]models.ImageItem, int) {
	kept := make([]models.ImageItem, 0, len(items))
	for _, item := range items {
		if f.Keep(item) {
			kept = append(kept, item)
		}
	}
	return kept, len(items) - len(kept)
}
