package sniff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		head    []byte
		ext     string
		isVideo bool
	}{
		{"mp4 isom", []byte("\x00\x00\x00\x20ftypisom\x00\x00\x02\x00"), ".mp4", true},
		{"mp4 mp42", []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00"), ".mp4", true},
		{"mp4 avc1", []byte("\x00\x00\x00\x18ftypavc1\x00\x00\x00\x00"), ".mp4", true},
		{"unknown ftyp brand", []byte("\x00\x00\x00\x18ftypqt  \x00\x00\x00\x00"), ".jpg", false},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x86, 0x81}, ".webm", true},
		{"flv", []byte("FLV\x01\x05\x00\x00\x00\x09"), ".flv", true},
		{"png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR"), ".png", false},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}, ".jpg", false},
		{"webp", []byte("RIFF\x24\x00\x00\x00WEBPVP8 "), ".webp", false},
		{"riff without webp", []byte("RIFF\x24\x00\x00\x00WAVEfmt "), ".jpg", false},
		{"gif87a", []byte("GIF87a\x01\x00"), ".gif", false},
		{"gif89a", []byte("GIF89a\x01\x00"), ".gif", false},
		{"unknown bytes", []byte("hello world, not media"), ".jpg", false},
		{"short payload", []byte{0x00}, ".jpg", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, video := Classify(tt.head)
			assert.Equal(t, tt.ext, ext)
			assert.Equal(t, tt.isVideo, video)
		})
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	head := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")
	ext1, v1 := Classify(head)
	ext2, v2 := Classify(head)
	assert.Equal(t, ext1, ext2)
	assert.Equal(t, v1, v2)
}

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed(".png", nil), "empty allow-list accepts everything")
	assert.True(t, Allowed(".png", []string{"jpg", "PNG"}))
	assert.True(t, Allowed(".mp4", []string{".mp4"}))
	assert.False(t, Allowed(".gif", []string{"jpg", "png"}))
}

func TestIsVideoExt(t *testing.T) {
	assert.True(t, IsVideoExt(".webm"))
	assert.True(t, IsVideoExt("MP4"))
	assert.False(t, IsVideoExt(".png"))
}
