package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// UploadName is the blob name of an uploaded query image, keyed by the sha256 of its content
func UploadName(hash string) string {
	return "upload/" + hash
}

// ClipName is the blob name of a video clip.
// The hash of the source path keeps clips of same-named videos in different directories apart.
func ClipName(videoPath string, start, end int) string {
	h := sha1.Sum([]byte(videoPath))
	return fmt.Sprintf("clips/%v_%v_%v_%v", start, end, hex.EncodeToString(h[:8]), safeBaseName(videoPath))
}

// safeBaseName keeps letters, digits, '.', '-' and '_' of the base name, and replaces everything else with '_'
func safeBaseName(path string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, filepath.Base(path))
}
