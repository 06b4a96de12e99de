package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Rating folders.
const (
	BucketSFW  = "SFW"
	BucketNSFW = "NSFW"
)

// MaxRatingLevel is the highest normalized rating.
const MaxRatingLevel = 6

var ratingLabels = map[string]int{
	"none":    0,
	"soft":    1,
	"mature":  2,
	"mature+": 4,
	"x":       5,
	"xxx":     6,
}

// NormalizeRating maps a raw rating signal to a level between 0 and 6.
// Numeric values (including numeric strings and booleans) are used as-is,
// known labels are mapped case-insensitively, anything else is 0.
func NormalizeRating(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 1
		}
		return 0
	case int:
		return clampRating(t)
	case int64:
		return clampRating(int(t))
	case float64:
		return clampFloat(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return clampFloat(f)
		}
		return 0
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0
		}
		if i, err := strconv.Atoi(s); err == nil {
			return clampRating(i)
		}
		if level, ok := ratingLabels[strings.ToLower(s)]; ok {
			return level
		}
		log.Warnf("Unknown rating label %q, treating as level 0", s)
		return 0
	}
	log.Warnf("Unsupported rating value %v (%T), treating as level 0", v, v)
	return 0
}

func clampFloat(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return clampRating(int(f))
}

func clampRating(i int) int {
	if i < 0 {
		return 0
	}
	if i > MaxRatingLevel {
		return MaxRatingLevel
	}
	return i
}

// RatingBucket returns the folder a normalized level belongs to.
func RatingBucket(level int) string {
	if level <= 1 {
		return BucketSFW
	}
	return BucketNSFW
}

// IsExplicit reports whether a level passes the rating-only filter.
func IsExplicit(level int) bool {
	return level >= 5
}
