// Package sniff classifies downloaded payloads by their leading bytes.
package sniff

import (
	"bytes"
	"strings"
)

// HeadSize is the number of leading bytes Classify needs to make a decision.
const HeadSize = 16

// Fallback is the extension used when no signature matches.
const Fallback = ".jpg"

// KnownTypes lists every extension Classify can return, without the dot.
var KnownTypes = []string{"jpg", "png", "webp", "gif", "mp4", "webm", "flv"}

var (
	mp4Brands = [][]byte{
		[]byte("mp42"), []byte("isom"), []byte("mp41"),
		[]byte("iso2"), []byte("avc1"), []byte("M4V "),
	}
	webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	flvMagic  = []byte("FLV")
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	gif87     = []byte("GIF87a")
	gif89     = []byte("GIF89a")
)

// Classify returns the file extension (with leading dot) and whether the
// payload is a video. Rules are evaluated in order and the first match wins.
// Anything unrecognized is treated as a JPEG image.
func Classify(head []byte) (ext string, isVideo bool) {
	if len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")) {
		for _, brand := range mp4Brands {
			if bytes.Equal(head[8:12], brand) {
				return ".mp4", true
			}
		}
	}
	switch {
	case bytes.HasPrefix(head, webmMagic):
		return ".webm", true
	case bytes.HasPrefix(head, flvMagic):
		return ".flv", true
	case bytes.HasPrefix(head, pngMagic):
		return ".png", false
	case bytes.HasPrefix(head, jpegMagic):
		return ".jpg", false
	case isWebP(head):
		return ".webp", false
	case bytes.HasPrefix(head, gif87), bytes.HasPrefix(head, gif89):
		return ".gif", false
	}
	return Fallback, false
}

func isWebP(head []byte) bool {
	if !bytes.HasPrefix(head, []byte("RIFF")) {
		return false
	}
	n := len(head)
	if n > 12 {
		n = 12
	}
	return bytes.Contains(head[:n], []byte("WEBP"))
}

// Allowed reports whether ext passes the allow-list. An empty list allows
// everything. Entries are compared case-insensitively with or without a dot.
func Allowed(ext string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	want := strings.TrimPrefix(strings.ToLower(ext), ".")
	for _, a := range allow {
		if strings.TrimPrefix(strings.ToLower(strings.TrimSpace(a)), ".") == want {
			return true
		}
	}
	return false
}

// IsVideoExt reports whether ext names one of the video containers.
func IsVideoExt(ext string) bool {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "mp4", "webm", "flv":
		return true
	}
	return false
}
