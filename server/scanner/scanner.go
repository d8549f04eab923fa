package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/materialsearch/pkg/iox"
	"github.com/cyclopcam/materialsearch/pkg/perfstats"
	"github.com/cyclopcam/materialsearch/server/config"
	"github.com/cyclopcam/materialsearch/server/embed"
	"github.com/cyclopcam/materialsearch/server/mediadb"
	"github.com/google/uuid"
)

var ErrAlreadyScanning = errors.New("Already scanning")

// Abort the scan after this many consecutive failed embedding batches
const maxConsecutiveEmbedFailures = 3

// Status is reported by /api/status, and pushed over the status websocket
type Status struct {
	Status           bool    `json:"status"` // True while scanning
	TotalImages      int64   `json:"total_images"`
	TotalVideos      int64   `json:"total_videos"`
	TotalVideoFrames int64   `json:"total_video_frames"`
	ScanningFiles    int     `json:"scanning_files"`
	RemainFiles      int     `json:"remain_files"`
	Progress         float64 `json:"progress"`    // 0..1
	RemainTime       int     `json:"remain_time"` // Seconds
	EnableLogin      bool    `json:"enable_login"`
	CurrentModel     string  `json:"current_model"`
	ScanID           string  `json:"scan_id"`
	EmbedAvgMs       float64 `json:"embed_avg_ms"` // Average embedding time per image
}

// Scanner walks the asset directories, and indexes new and modified images and videos
type Scanner struct {
	log            logs.Log
	cfg            *config.Config
	db             *mediadb.MediaDB
	embedder       embed.Embedder
	onScanComplete func()
	assetsFile     string
	now            func() time.Time

	EmbedTime perfstats.TimeAccumulator // Per image or video frame

	lock             sync.Mutex
	isScanning       bool
	scanned          bool // An auto scan has run inside the current auto scan window
	scanStartTime    time.Time
	scanningFiles    int
	scannedFiles     int
	totalImages      int64
	totalVideos      int64
	totalVideoFrames int64
	isContinueScan   bool
	scanID           string
	scanDone         chan struct{} // Closed when the running scan returns. nil when idle.

	// Only touched by the goroutine inside Scan
	assets map[string]bool

	subsLock  sync.Mutex
	subs      map[int64]chan Status
	nextSubID int64

	errLock     sync.Mutex
	lastErrAt   time.Time
	nSuppressed int
}

// onScanComplete is called after every scan, and may be nil
func NewScanner(log logs.Log, cfg *config.Config, db *mediadb.MediaDB, embedder embed.Embedder, onScanComplete func()) *Scanner {
	return &Scanner{
		log:            log,
		cfg:            cfg,
		db:             db,
		embedder:       embedder,
		onScanComplete: onScanComplete,
		assetsFile:     filepath.Join(cfg.TempPath, "assets.json"),
		now:            time.Now,
		assets:         map[string]bool{},
		subs:           map[int64]chan Status{},
	}
}

// Init loads the totals from the DB
func (s *Scanner) Init() error {
	return s.refreshTotals()
}

func (s *Scanner) refreshTotals() error {
	nImages, err := s.db.ImageCount()
	if err != nil {
		return err
	}
	nVideos, err := s.db.VideoCount()
	if err != nil {
		return err
	}
	nFrames, err := s.db.VideoFrameCount()
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.totalImages = nImages
	s.totalVideos = nVideos
	s.totalVideoFrames = nFrames
	s.lock.Unlock()
	return nil
}

func (s *Scanner) IsScanning() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.isScanning
}

func (s *Scanner) Status() Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	st := Status{
		Status:           s.isScanning,
		TotalImages:      s.totalImages,
		TotalVideos:      s.totalVideos,
		TotalVideoFrames: s.totalVideoFrames,
		ScanningFiles:    s.scanningFiles,
		RemainFiles:      s.scanningFiles - s.scannedFiles,
		EnableLogin:      s.cfg.EnableLogin,
		CurrentModel:     s.embedder.Model(),
		ScanID:           s.scanID,
		EmbedAvgMs:       float64(s.EmbedTime.Average().Microseconds()) / 1000,
	}
	if s.scannedFiles > 0 {
		elapsed := s.now().Sub(s.scanStartTime).Seconds()
		st.RemainTime = int(elapsed / float64(s.scannedFiles) * float64(st.RemainFiles))
	}
	if s.isScanning && s.scanningFiles != 0 {
		st.Progress = float64(s.scannedFiles) / float64(s.scanningFiles)
	}
	return st
}

// Subscribe returns a channel that receives the latest Status whenever it changes.
// Slow readers only see the most recent status. Call the returned function to unsubscribe.
func (s *Scanner) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	s.subsLock.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.subsLock.Unlock()
	return ch, func() {
		s.subsLock.Lock()
		delete(s.subs, id)
		s.subsLock.Unlock()
	}
}

func (s *Scanner) notify() {
	st := s.Status()
	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	for _, ch := range s.subs {
		// Replace any unread status
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// logError rate limits errors that would otherwise flood the log during a scan
func (s *Scanner) logError(format string, args ...any) {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	if time.Since(s.lastErrAt) < 15*time.Second {
		s.nSuppressed++
		return
	}
	if s.nSuppressed != 0 {
		s.log.Errorf("(%v similar errors suppressed)", s.nSuppressed)
		s.nSuppressed = 0
	}
	s.log.Errorf(format, args...)
	s.lastErrAt = time.Now()
}

// FilterPath returns true if the file has a media extension, is not inside
// a skip path, and does not contain any ignore string.
func (s *Scanner) FilterPath(path string) bool {
	if !s.cfg.IsImage(path) && !s.cfg.IsVideo(path) {
		return false
	}
	return s.filterDir(path)
}

func (s *Scanner) filterDir(path string) bool {
	for _, skip := range s.cfg.SkipPath {
		if isRelativeTo(path, skip) {
			return false
		}
	}
	lower := strings.ToLower(path)
	for _, ignore := range s.cfg.IgnoreStrings {
		if strings.Contains(lower, ignore) {
			return false
		}
	}
	return true
}

func isRelativeTo(path, base string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// IsCurrentAutoScanTime returns true if now is inside the auto scan window.
// The window may cross midnight, eg 22:30 to 08:00.
func (s *Scanner) IsCurrentAutoScanTime(now time.Time) bool {
	start := s.cfg.AutoScanStartTime.Minutes()
	end := s.cfg.AutoScanEndTime.Minutes()
	cur := config.Of(now).Minutes()
	crossDay := start > end
	inRange := start <= cur && cur < end
	return crossDay != inRange
}

// RunAutoScan checks the auto scan window every 5 seconds, and scans at most once per window
func (s *Scanner) RunAutoScan(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.autoScanTick(ctx)
		}
	}
}

func (s *Scanner) autoScanTick(ctx context.Context) {
	inWindow := s.IsCurrentAutoScanTime(s.now())
	s.lock.Lock()
	if s.isScanning {
		// A manual scan that ends inside the window counts as this window's scan
		s.scanned = true
		s.lock.Unlock()
		return
	} else if !inWindow {
		s.scanned = false
		s.lock.Unlock()
		return
	} else if s.scanned {
		s.lock.Unlock()
		return
	}
	s.scanned = true
	s.lock.Unlock()

	s.log.Infof("Starting auto scan")
	if err := s.Scan(ctx, true); err != nil && !errors.Is(err, ErrAlreadyScanning) {
		s.log.Errorf("Auto scan failed: %v", err)
	}
}

// generateOrLoadAssets resumes an interrupted scan from the assets file,
// or walks the asset directories.
func (s *Scanner) generateOrLoadAssets() error {
	s.assets = map[string]bool{}
	continueScan := false
	if raw, err := os.ReadFile(s.assetsFile); err == nil {
		paths := []string{}
		if err := json.Unmarshal(raw, &paths); err != nil {
			s.log.Warnf("Ignoring corrupt assets file %v: %v", s.assetsFile, err)
		} else {
			s.log.Infof("Continuing previous scan, with %v files remaining", len(paths))
			continueScan = true
			for _, p := range paths {
				if s.FilterPath(p) {
					s.assets[p] = true
				}
			}
		}
	}
	if !continueScan {
		if err := s.scanDirs(); err != nil {
			return err
		}
		if err := s.saveAssets(); err != nil {
			return err
		}
	}
	s.lock.Lock()
	s.isContinueScan = continueScan
	s.scanningFiles = len(s.assets)
	s.lock.Unlock()
	return nil
}

func (s *Scanner) scanDirs() error {
	for _, root := range s.cfg.AssetsPath {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				s.log.Warnf("Skipping %v: %v", path, err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && !s.filterDir(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() && s.FilterPath(path) {
				s.assets[path] = true
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("Failed to scan %v: %w", root, err)
		}
	}
	s.log.Infof("Found %v files", len(s.assets))
	return nil
}

// saveAssets persists the files that still need to be scanned, so that an interrupted scan can resume
func (s *Scanner) saveAssets() error {
	paths := make([]string, 0, len(s.assets))
	for p := range s.assets {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	raw, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.assetsFile), 0777); err != nil {
		return err
	}
	return iox.WriteFileAtomic(s.assetsFile, raw)
}

func (s *Scanner) addScanned(n int) {
	s.lock.Lock()
	s.scannedFiles += n
	s.lock.Unlock()
	s.notify()
}

func (s *Scanner) sortedAssets(include func(string) bool) []string {
	paths := []string{}
	for p := range s.assets {
		if include(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// statFile returns the modification time, and the checksum if enabled.
// A file with an unusable modification time always gets a checksum.
func (s *Scanner) statFile(path string) (time.Time, string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, "", err
	}
	modTime := st.ModTime()
	checksum := ""
	if s.cfg.EnableChecksum {
		if checksum, err = iox.HashFile(path); err != nil {
			return time.Time{}, "", err
		}
	}
	if modTime.Year() < 1971 {
		s.log.Warnf("File %v has an invalid modification time %v", path, modTime)
		modTime = time.Time{}
		if checksum == "" {
			if checksum, err = iox.HashFile(path); err != nil {
				return time.Time{}, "", err
			}
		}
	}
	return modTime, checksum, nil
}

// Scan indexes all new and modified files.
// An auto scan stops when the auto scan window closes, and resumes in the next window.
func (s *Scanner) Scan(ctx context.Context, auto bool) error {
	s.lock.Lock()
	if s.isScanning {
		s.lock.Unlock()
		return ErrAlreadyScanning
	}
	if err := ctx.Err(); err != nil {
		// Checked under the lock, so that WaitForScan after a cancel can't miss a scan
		s.lock.Unlock()
		return err
	}
	s.isScanning = true
	s.scanDone = make(chan struct{})
	s.scanStartTime = s.now()
	s.scannedFiles = 0
	s.scanningFiles = 0
	s.scanID = uuid.New().String()
	s.lock.Unlock()
	s.log.Infof("Starting scan %v", s.scanID)
	s.notify()

	defer func() {
		s.lock.Lock()
		s.isScanning = false
		s.scanningFiles = 0
		s.scannedFiles = 0
		done := s.scanDone
		s.scanDone = nil
		s.lock.Unlock()
		s.notify()
		close(done)
	}()

	if err := s.generateOrLoadAssets(); err != nil {
		return err
	}
	if !s.isContinueScan {
		if _, _, err := s.db.DeleteRecordIfNotExist(s.assets); err != nil {
			return fmt.Errorf("Failed to delete missing records: %w", err)
		}
	}

	stats := &scanStats{}
	completed, err := s.scanImages(ctx, auto, stats)
	if err == nil && completed {
		completed, err = s.scanVideos(ctx, auto, stats)
	}

	if errTotals := s.refreshTotals(); errTotals != nil {
		s.log.Errorf("Failed to count media: %v", errTotals)
	}
	s.log.Infof("Scan finished in %.0f seconds. Processed %v files, skipped %v files", s.now().Sub(s.scanStartTime).Seconds(), stats.processed, stats.skipped)

	if completed {
		if errRemove := os.Remove(s.assetsFile); errRemove != nil && !os.IsNotExist(errRemove) {
			s.log.Warnf("Failed to remove %v: %v", s.assetsFile, errRemove)
		}
	} else if errSave := s.saveAssets(); errSave != nil {
		s.log.Errorf("Failed to save remaining assets: %v", errSave)
	}
	if s.onScanComplete != nil {
		s.onScanComplete()
	}
	return err
}

// WaitForScan blocks until the running scan, if any, has returned.
// Cancel the scan's context first, otherwise this waits for the scan to finish.
func (s *Scanner) WaitForScan() {
	s.lock.Lock()
	done := s.scanDone
	s.lock.Unlock()
	if done != nil {
		<-done
	}
}

// shouldStop is true if the scan has been cancelled, or an auto scan has left its window
func (s *Scanner) shouldStop(ctx context.Context, auto bool) bool {
	if ctx.Err() != nil {
		s.log.Infof("Scan cancelled")
		return true
	}
	if auto && !s.IsCurrentAutoScanTime(s.now()) {
		s.log.Infof("Auto scan window has closed. Stopping scan")
		return true
	}
	return false
}
