package scanner

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/materialsearch/server/config"
	"github.com/cyclopcam/materialsearch/server/mediadb"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEmbedder struct {
	nImages atomic.Int32
	fail    atomic.Bool
	block   chan struct{} // If not nil, ImageFeatures waits for this to close
}

func (f *fakeEmbedder) ImageFeatures(ctx context.Context, images []image.Image) ([][]float32, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, errors.New("service unavailable")
	}
	f.nImages.Add(int32(len(images)))
	r := [][]float32{}
	for range images {
		r = append(r, []float32{1, 0, 0})
	}
	return r, nil
}

func (f *fakeEmbedder) TextFeature(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) Model() string                                   { return "fake" }
func (f *fakeEmbedder) SetModel(ctx context.Context, name string) error { return nil }

type testEnv struct {
	cfg      *config.Config
	db       *mediadb.MediaDB
	embedder *fakeEmbedder
	scanner  *Scanner
	root     string
	nDone    atomic.Int32
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	tmp := t.TempDir()
	root := filepath.Join(tmp, "assets")
	require.NoError(t, os.MkdirAll(root, 0755))

	cfg := config.Default()
	cfg.AssetsPath = []string{root}
	cfg.SkipPath = []string{filepath.Join(root, "private")}
	cfg.TempPath = filepath.Join(tmp, "tmp")
	cfg.ScanProcessBatchSize = 3
	cfg.AutoSaveInterval = 2
	cfg.Workers = 2
	cfg.Embedding.BatchSize = 2
	require.NoError(t, cfg.Validate())

	os.Remove("test-scanner.sqlite")
	db, err := mediadb.NewMediaDB(logs.NewTestingLog(t), dbh.MakeSqliteConfig("test-scanner.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
		os.Remove("test-scanner.sqlite")
	})

	env := &testEnv{
		cfg:      cfg,
		db:       db,
		embedder: &fakeEmbedder{},
		root:     root,
	}
	env.scanner = NewScanner(logs.NewTestingLog(t), cfg, db, env.embedder, func() { env.nDone.Add(1) })
	require.NoError(t, env.scanner.Init())
	return env
}

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 100, 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestFilterPath(t *testing.T) {
	env := setup(t)
	s := env.scanner
	require.True(t, s.FilterPath(filepath.Join(env.root, "a.JPG")))
	require.True(t, s.FilterPath(filepath.Join(env.root, "a.mp4")))
	require.False(t, s.FilterPath(filepath.Join(env.root, "a.txt")))
	require.False(t, s.FilterPath(filepath.Join(env.root, "private", "a.jpg")))
	require.True(t, s.FilterPath(filepath.Join(env.root, "privateer", "a.jpg")))
	require.False(t, s.FilterPath(filepath.Join(env.root, "Thumbnails", "a.jpg")))
	require.False(t, s.FilterPath(filepath.Join(env.root, "icon@2x.png")))
}

func TestAutoScanWindow(t *testing.T) {
	env := setup(t)
	s := env.scanner
	at := func(h, m int) time.Time {
		return time.Date(2024, 3, 1, h, m, 0, 0, time.Local)
	}
	// Default window crosses midnight: 22:30 to 8:00
	require.True(t, s.IsCurrentAutoScanTime(at(23, 0)))
	require.True(t, s.IsCurrentAutoScanTime(at(22, 30)))
	require.True(t, s.IsCurrentAutoScanTime(at(3, 0)))
	require.False(t, s.IsCurrentAutoScanTime(at(8, 0)))
	require.False(t, s.IsCurrentAutoScanTime(at(12, 0)))

	env.cfg.AutoScanStartTime = config.ClockTime{Hour: 9, Minute: 0}
	env.cfg.AutoScanEndTime = config.ClockTime{Hour: 17, Minute: 0}
	require.True(t, s.IsCurrentAutoScanTime(at(12, 0)))
	require.False(t, s.IsCurrentAutoScanTime(at(17, 0)))
	require.False(t, s.IsCurrentAutoScanTime(at(23, 0)))
}

func TestScan(t *testing.T) {
	env := setup(t)
	s := env.scanner
	writeImage(t, filepath.Join(env.root, "a.png"), 100, 80)
	writeImage(t, filepath.Join(env.root, "sub", "b.png"), 300, 200)
	writeImage(t, filepath.Join(env.root, "sub", "c.png"), 64, 64)
	writeImage(t, filepath.Join(env.root, "tiny.png"), 20, 20)
	writeImage(t, filepath.Join(env.root, "private", "d.png"), 100, 100)
	writeImage(t, filepath.Join(env.root, "thumbnails", "e.png"), 100, 100)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "broken.jpg"), []byte("not a jpeg"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "notes.txt"), []byte("hello"), 0644))

	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	require.NoError(t, s.Scan(context.Background(), false))
	n, err := env.db.ImageCount()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.EqualValues(t, 3, env.embedder.nImages.Load())
	require.EqualValues(t, 1, env.nDone.Load())
	_, err = os.Stat(filepath.Join(env.cfg.TempPath, "assets.json"))
	require.True(t, os.IsNotExist(err))

	st := s.Status()
	require.False(t, st.Status)
	require.EqualValues(t, 3, st.TotalImages)
	require.Equal(t, "fake", st.CurrentModel)
	require.NotEmpty(t, st.ScanID)

	select {
	case last := <-updates:
		require.False(t, last.Status)
	default:
		t.Fatal("Expected a status update")
	}

	// Nothing has changed, so nothing is embedded
	require.NoError(t, s.Scan(context.Background(), false))
	require.EqualValues(t, 3, env.embedder.nImages.Load())

	// A modified file is embedded again, and a deleted file is removed from the index
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(env.root, "a.png"), later, later))
	require.NoError(t, os.Remove(filepath.Join(env.root, "sub", "c.png")))
	require.NoError(t, s.Scan(context.Background(), false))
	require.EqualValues(t, 4, env.embedder.nImages.Load())
	n, _ = env.db.ImageCount()
	require.EqualValues(t, 2, n)
}

func TestScanResume(t *testing.T) {
	env := setup(t)
	s := env.scanner
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png"} {
		writeImage(t, filepath.Join(env.root, name), 70, 70)
	}
	env.embedder.fail.Store(true)
	require.Error(t, s.Scan(context.Background(), false))
	n, _ := env.db.ImageCount()
	require.EqualValues(t, 0, n)
	// The unprocessed files were saved for the next scan
	_, err := os.Stat(filepath.Join(env.cfg.TempPath, "assets.json"))
	require.NoError(t, err)

	env.embedder.fail.Store(false)
	require.NoError(t, s.Scan(context.Background(), false))
	n, _ = env.db.ImageCount()
	require.EqualValues(t, 4, n)
	_, err = os.Stat(filepath.Join(env.cfg.TempPath, "assets.json"))
	require.True(t, os.IsNotExist(err))
}

func TestAlreadyScanning(t *testing.T) {
	env := setup(t)
	s := env.scanner
	writeImage(t, filepath.Join(env.root, "a.png"), 70, 70)
	env.embedder.block = make(chan struct{})

	errCh := make(chan error)
	go func() {
		errCh <- s.Scan(context.Background(), false)
	}()
	require.Eventually(t, s.IsScanning, 5*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, s.Scan(context.Background(), false), ErrAlreadyScanning)
	close(env.embedder.block)
	require.NoError(t, <-errCh)
	require.False(t, s.IsScanning())
}

func TestWaitForScan(t *testing.T) {
	env := setup(t)
	s := env.scanner
	writeImage(t, filepath.Join(env.root, "a.png"), 70, 70)
	env.embedder.block = make(chan struct{})
	defer close(env.embedder.block)

	// Nothing to wait for
	s.WaitForScan()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Scan(ctx, false)
	}()
	require.Eventually(t, s.IsScanning, 5*time.Second, 5*time.Millisecond)
	cancel()
	s.WaitForScan()
	require.False(t, s.IsScanning())
	<-errCh

	// A cancelled context never starts a scan
	require.ErrorIs(t, s.Scan(ctx, false), context.Canceled)
}

func TestStatusProgress(t *testing.T) {
	env := setup(t)
	s := env.scanner
	clock := time.Date(2024, 3, 1, 23, 0, 0, 0, time.Local)
	s.now = func() time.Time { return clock }

	st := s.Status()
	require.False(t, st.Status)
	require.Equal(t, 0.0, st.Progress)
	require.Equal(t, 0, st.RemainTime)
	require.Equal(t, "fake", st.CurrentModel)

	s.lock.Lock()
	s.isScanning = true
	s.scanStartTime = clock.Add(-8 * time.Second)
	s.scanningFiles = 10
	s.scannedFiles = 4
	s.lock.Unlock()

	st = s.Status()
	require.True(t, st.Status)
	require.Equal(t, 10, st.ScanningFiles)
	require.Equal(t, 6, st.RemainFiles)
	require.InDelta(t, 0.4, st.Progress, 1e-9)
	// 2 seconds per file, and 6 files to go
	require.Equal(t, 12, st.RemainTime)

	// Nothing scanned yet, so there is no estimate
	s.lock.Lock()
	s.scannedFiles = 0
	s.lock.Unlock()
	st = s.Status()
	require.Equal(t, 0.0, st.Progress)
	require.Equal(t, 0, st.RemainTime)

	s.lock.Lock()
	s.isScanning = false
	s.scanningFiles = 0
	s.lock.Unlock()
}

func TestAutoScanTick(t *testing.T) {
	env := setup(t)
	s := env.scanner
	writeImage(t, filepath.Join(env.root, "a.png"), 70, 70)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	s.now = func() time.Time { return clock }

	// Outside the window
	s.autoScanTick(context.Background())
	require.EqualValues(t, 0, env.nDone.Load())

	// Inside the window, we scan exactly once
	clock = time.Date(2024, 3, 1, 23, 0, 0, 0, time.Local)
	s.autoScanTick(context.Background())
	require.EqualValues(t, 1, env.nDone.Load())
	s.autoScanTick(context.Background())
	require.EqualValues(t, 1, env.nDone.Load())

	// The next window triggers another scan
	clock = time.Date(2024, 3, 2, 12, 0, 0, 0, time.Local)
	s.autoScanTick(context.Background())
	clock = time.Date(2024, 3, 2, 23, 0, 0, 0, time.Local)
	s.autoScanTick(context.Background())
	require.EqualValues(t, 2, env.nDone.Load())
}

func TestWatch(t *testing.T) {
	env := setup(t)
	env.cfg.WatchDebounceSeconds = 1
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.scanner.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directories
	time.Sleep(200 * time.Millisecond)
	writeImage(t, filepath.Join(env.root, "new.png"), 70, 70)
	require.Eventually(t, func() bool {
		n, _ := env.db.ImageCount()
		return n == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestScanVideo(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found")
	}
	env := setup(t)
	env.cfg.FrameInterval = 1
	video := filepath.Join(env.root, "clip.mp4")
	out, err := exec.Command("ffmpeg", "-v", "error", "-f", "lavfi", "-i", "testsrc=duration=3:size=160x120:rate=10", "-pix_fmt", "yuv420p", video).CombinedOutput()
	require.NoError(t, err, string(out))

	require.NoError(t, env.scanner.Scan(context.Background(), false))
	st := env.scanner.Status()
	require.EqualValues(t, 1, st.TotalVideos)
	require.GreaterOrEqual(t, st.TotalVideoFrames, int64(2))
	exist, err := env.db.IsVideoExist(video)
	require.NoError(t, err)
	require.True(t, exist)
}
