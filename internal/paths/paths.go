package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go-civitai-scraper/internal/helpers"
	"go-civitai-scraper/internal/models"
)

// DefaultFilenamePattern names each download after its image id.
const DefaultFilenamePattern = "civitai_{imageId}"

const idPlaceholder = "{imageId}"

const (
	videosDir   = "videos"
	metadataDir = "metadata"
)

// Define allowed tags using a map for easy lookup
var allowedTags = map[string]struct{}{
	"imageId":   {},
	"username":  {},
	"postId":    {},
	"baseModel": {},
	"nsfwLevel": {},
	"bucket":    {},
}

// Regex to find tags like {tagName}
var tagRegex = regexp.MustCompile(`\{([^}]+)\}`)

// GeneratePath substitutes placeholders in a pattern string with sanitized values from the data map.
// It returns the generated relative path string or an error if substitution fails.
func GeneratePath(pattern string, data map[string]string) (string, error) {
	generatedPath := pattern

	for _, match := range tagRegex.FindAllStringSubmatch(pattern, -1) {
		tagName := match[1]
		tagWithBraces := match[0]

		if _, allowed := allowedTags[tagName]; !allowed {
			return "", fmt.Errorf("unknown tag found in path pattern: %s", tagWithBraces)
		}

		sanitizedValue := helpers.ConvertToSlug(data[tagName])
		if sanitizedValue == "" {
			sanitizedValue = "empty_" + tagName
		}
		generatedPath = strings.ReplaceAll(generatedPath, tagWithBraces, sanitizedValue)
	}

	cleanedPath := filepath.Clean(generatedPath)
	if cleanedPath == "." || cleanedPath == "" {
		return "", fmt.Errorf("generated path pattern resulted in an empty or invalid path: '%s'", pattern)
	}
	cleanedPath = strings.TrimPrefix(cleanedPath, string(filepath.Separator))

	if strings.Contains(cleanedPath, "..") {
		return "", fmt.Errorf("generated path contains invalid sequence '..': %s", cleanedPath)
	}

	return cleanedPath, nil
}

// ValidatePattern reports unknown placeholders without generating a path.
func ValidatePattern(pattern string) error {
	for _, match := range tagRegex.FindAllStringSubmatch(pattern, -1) {
		if _, ok := allowedTags[match[1]]; !ok {
			return fmt.Errorf("unknown tag found in path pattern: %s", match[0])
		}
	}
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("path pattern is empty")
	}
	if !strings.Contains(pattern, idPlaceholder) {
		return fmt.Errorf("path pattern %q must contain %s so every image gets its own file", pattern, idPlaceholder)
	}
	return nil
}

// WithImageID appends the id placeholder to a pattern that lacks it.
func WithImageID(pattern string) string {
	if strings.Contains(pattern, idPlaceholder) {
		return pattern
	}
	return pattern + "_" + idPlaceholder
}

// ItemPathData builds the placeholder values for an item.
func ItemPathData(item models.ImageItem, level int) map[string]string {
	data := map[string]string{
		"imageId":   item.ID.String(),
		"username":  item.Username,
		"baseModel": item.BaseModel,
		"nsfwLevel": fmt.Sprintf("%d", level),
		"bucket":    models.RatingBucket(level),
	}
	if item.PostID != nil {
		data["postId"] = fmt.Sprintf("%d", *item.PostID)
	}
	return data
}

// Layout resolves where downloads and their sidecars are stored.
type Layout struct {
	Base     string
	Organize bool
}

// Dir returns the directory a payload goes to.
func (l Layout) Dir(bucket string, video bool) string {
	dir := l.Base
	if video {
		dir = filepath.Join(dir, videosDir)
	}
	if l.Organize {
		dir = filepath.Join(dir, bucket)
	}
	return dir
}

// MetadataDir returns the directory for metadata sidecars. Video and image
// sidecars share it.
func (l Layout) MetadataDir(bucket string) string {
	if l.Organize {
		return filepath.Join(l.Base, bucket, metadataDir)
	}
	return filepath.Join(l.Base, metadataDir)
}

// Rel returns dir relative to the base, as stored in the ledger.
func (l Layout) Rel(dir string) string {
	rel, err := filepath.Rel(l.Base, dir)
	if err != nil {
		return dir
	}
	return filepath.ToSlash(rel)
}

// EnsureDirs creates every directory the layout may write to.
func (l Layout) EnsureDirs(withMetadata bool) error {
	var dirs []string
	buckets := []string{""}
	if l.Organize {
		buckets = []string{models.BucketSFW, models.BucketNSFW}
	}
	for _, b := range buckets {
		dirs = append(dirs, l.Dir(b, false), l.Dir(b, true))
		if withMetadata {
			dirs = append(dirs, l.MetadataDir(b))
		}
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0750); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}
