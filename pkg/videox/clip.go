package videox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ClipBounds widens [start,end] by padSeconds on either side, clamping start at zero.
// The result is at least one second long, so a segment made of a single frame still yields a clip.
func ClipBounds(start, end, padSeconds int) (int, int) {
	start -= padSeconds
	end += padSeconds
	if start < 0 {
		start = 0
	}
	if end <= start {
		end = start + 1
	}
	return start, end
}

// CutClip copies the [start,end] seconds of srcFilename into dstFilename, without re-encoding.
// Because there is no re-encode, the clip snaps to the nearest keyframes.
func CutClip(ctx context.Context, srcFilename, dstFilename string, start, end int) error {
	if end <= start {
		return fmt.Errorf("Invalid clip range %v..%v", start, end)
	}
	if err := os.MkdirAll(filepath.Dir(dstFilename), 0755); err != nil {
		return err
	}
	args := []string{
		"-v",
		"error",
		"-y", // overwrite output file
		"-ss",
		fmt.Sprintf("%v", start),
		"-to",
		fmt.Sprintf("%v", end),
		"-i",
		srcFilename,
		"-c",
		"copy",
		"-avoid_negative_ts",
		"make_zero",
		dstFilename,
	}
	if _, err := RunAppCombinedOutput(ctx, "ffmpeg", args); err != nil {
		os.Remove(dstFilename)
		return err
	}
	return nil
}
