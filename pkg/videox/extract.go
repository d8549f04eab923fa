package videox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/materialsearch/pkg/rando"
)

// Extract the duration of a video file
func ExtractVideoDuration(ctx context.Context, srcFilename string) (time.Duration, error) {
	args := []string{
		"-v",
		"error",
		"-show_entries",
		"format=duration",
		"-of",
		"default=noprint_wrappers=1:nokey=1",
		srcFilename,
	}
	out, err := RunAppCombinedOutput(ctx, "ffprobe", args)
	if err != nil {
		return 0, err
	}
	// Some builds print warnings before the number, so scan every line.
	outStr := string(out)
	for _, line := range strings.Split(outStr, "\n") {
		if seconds, err := strconv.ParseFloat(strings.TrimSpace(line), 64); err == nil {
			return time.Duration(seconds * float64(time.Second)), nil
		}
	}
	return 0, fmt.Errorf("Unable to parse ffprobe output: %v", outStr)
}

// FrameSet is a sequence of JPEG frames sampled from a video, stored in a temporary directory.
// Call Close when done, to delete the directory.
type FrameSet struct {
	Dir   string
	Times []int    // Seconds from start of video, one per frame
	Files []string // JPEG files, one per frame
}

func (f *FrameSet) Len() int {
	return len(f.Files)
}

func (f *FrameSet) Close() error {
	if f.Dir == "" {
		return nil
	}
	return os.RemoveAll(f.Dir)
}

// ExtractFrames samples one frame every intervalSeconds, using ffmpeg's fps filter.
// Frame i is taken at i*intervalSeconds. If outputWidth is zero, the frames keep the
// size of the source video.
func ExtractFrames(ctx context.Context, srcFilename string, intervalSeconds int, outputWidth int) (*FrameSet, error) {
	if intervalSeconds <= 0 {
		return nil, fmt.Errorf("Invalid frame interval %v", intervalSeconds)
	}
	dir, err := rando.TempDir()
	if err != nil {
		return nil, err
	}
	filter := fmt.Sprintf("fps=1/%v", intervalSeconds)
	if outputWidth > 0 {
		filter += fmt.Sprintf(",scale=%v:-2", outputWidth)
	}
	args := []string{
		"-v",
		"error",
		"-i",
		srcFilename,
		"-vf",
		filter,
		"-q:v",
		"3",
		filepath.Join(dir, "%06d.jpg"),
	}
	if _, err := RunAppCombinedOutput(ctx, "ffmpeg", args); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.jpg"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	sort.Strings(files)
	fs := &FrameSet{
		Dir:   dir,
		Files: files,
		Times: make([]int, len(files)),
	}
	for i := range files {
		fs.Times[i] = i * intervalSeconds
	}
	return fs, nil
}

// app is an executable, such as "ffmpeg" or "ffprobe"
// args must not include the executable name as the first parameter
// Returns the output of exec.Cmd's CombinedOutput method.
func RunAppCombinedOutput(ctx context.Context, app string, args []string) ([]byte, error) {
	appPath, err := exec.LookPath(app)
	if err != nil {
		return nil, fmt.Errorf("Unable to find '%v' in your path (%w)", app, err)
	}
	cmd := exec.CommandContext(ctx, appPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%v execution failed: %w (%v)", app, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
