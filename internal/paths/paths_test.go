package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-civitai-scraper/internal/models"
)

func TestGeneratePath_BasicSubstitution(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		data     map[string]string
		expected string
		wantErr  bool
	}{
		{
			name:     "default pattern",
			pattern:  DefaultFilenamePattern,
			data:     map[string]string{"imageId": "12345"},
			expected: "civitai_12345",
		},
		{
			name:     "username and id",
			pattern:  "{username}_{imageId}",
			data:     map[string]string{"username": "Some Artist", "imageId": "7"},
			expected: "some_artist_7",
		},
		{
			name:     "nested by bucket",
			pattern:  "{bucket}/{baseModel}/{imageId}",
			data:     map[string]string{"bucket": "NSFW", "baseModel": "SDXL 1.0", "imageId": "999"},
			expected: filepath.FromSlash("nsfw/sdxl_1_0/999"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GeneratePath(tt.pattern, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("GeneratePath() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.expected {
				t.Errorf("GeneratePath() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGeneratePath_EmptyValues(t *testing.T) {
	got, err := GeneratePath("{username}/{imageId}", map[string]string{"imageId": "1"})
	if err != nil {
		t.Fatalf("GeneratePath() error = %v", err)
	}
	if got != filepath.FromSlash("empty_username/1") {
		t.Errorf("GeneratePath() = %v, want empty_username/1", got)
	}
}

func TestGeneratePath_UnknownTags(t *testing.T) {
	if _, err := GeneratePath("{modelName}", nil); err == nil {
		t.Error("expected error for unknown tag")
	} else if !strings.Contains(err.Error(), "{modelName}") {
		t.Errorf("error should name the tag, got %v", err)
	}
	if err := ValidatePattern("{imageId}-{nope}"); err == nil {
		t.Error("ValidatePattern should reject unknown tags")
	}
	if err := ValidatePattern(DefaultFilenamePattern); err != nil {
		t.Errorf("default pattern should validate: %v", err)
	}
}

func TestValidatePattern_RequiresImageID(t *testing.T) {
	if err := ValidatePattern("{username}/{bucket}"); err == nil {
		t.Error("a pattern without {imageId} lets two images share a file")
	}
	if err := ValidatePattern("{username}/{imageId}"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got := WithImageID("{username}"); got != "{username}_{imageId}" {
		t.Errorf("WithImageID() = %q", got)
	}
	if got := WithImageID(DefaultFilenamePattern); got != DefaultFilenamePattern {
		t.Errorf("WithImageID() changed a complete pattern to %q", got)
	}
}

func TestGeneratePath_Traversal(t *testing.T) {
	if _, err := GeneratePath("../{imageId}", map[string]string{"imageId": "1"}); err == nil {
		t.Error("expected traversal to be rejected")
	}
}

func TestItemPathData(t *testing.T) {
	post := int64(55)
	item := models.ImageItem{ID: "9", Username: "u", PostID: &post}
	data := ItemPathData(item, 5)
	if data["imageId"] != "9" || data["postId"] != "55" || data["bucket"] != models.BucketNSFW || data["nsfwLevel"] != "5" {
		t.Errorf("unexpected path data: %v", data)
	}
}

func TestLayout(t *testing.T) {
	base := filepath.Join("out")

	flat := Layout{Base: base}
	if got := flat.Dir(models.BucketNSFW, false); got != base {
		t.Errorf("flat image dir = %s", got)
	}
	if got := flat.Dir(models.BucketNSFW, true); got != filepath.Join(base, "videos") {
		t.Errorf("flat video dir = %s", got)
	}
	if got := flat.MetadataDir(models.BucketSFW); got != filepath.Join(base, "metadata") {
		t.Errorf("flat metadata dir = %s", got)
	}

	org := Layout{Base: base, Organize: true}
	if got := org.Dir(models.BucketSFW, false); got != filepath.Join(base, "SFW") {
		t.Errorf("organized image dir = %s", got)
	}
	if got := org.Dir(models.BucketNSFW, true); got != filepath.Join(base, "videos", "NSFW") {
		t.Errorf("organized video dir = %s", got)
	}
	if got := org.MetadataDir(models.BucketNSFW); got != filepath.Join(base, "NSFW", "metadata") {
		t.Errorf("organized metadata dir = %s", got)
	}
	if got := org.Rel(org.Dir(models.BucketNSFW, true)); got != "videos/NSFW" {
		t.Errorf("Rel = %s, want videos/NSFW", got)
	}
}

func TestLayout_EnsureDirs(t *testing.T) {
	base := t.TempDir()
	l := Layout{Base: base, Organize: true}
	if err := l.EnsureDirs(true); err != nil {
		t.Fatalf("EnsureDirs error: %v", err)
	}
	for _, d := range []string{"SFW", "NSFW", "videos/SFW", "videos/NSFW", "SFW/metadata", "NSFW/metadata"} {
		if _, err := os.Stat(filepath.Join(base, filepath.FromSlash(d))); err != nil {
			t.Errorf("expected %s to exist: %v", d, err)
		}
	}
}
