package scanner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch rescans when files inside the asset directories change.
// Events are debounced, so a burst of changes triggers a single scan.
// Watch returns when ctx is cancelled.
func (s *Scanner) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range s.cfg.AssetsPath {
		s.watchTree(watcher, root)
	}

	debounce := time.Duration(max(s.cfg.WatchDebounceSeconds, 1)) * time.Second
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	pending := false

	// Scans run on their own goroutine, so that we keep draining events
	var scans sync.WaitGroup
	defer scans.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					if s.filterDir(event.Name) {
						s.watchTree(watcher, event.Name)
						pending = true
						timer.Reset(debounce)
					}
					continue
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 && s.FilterPath(event.Name) {
				s.log.Debugf("Watch: %v", event)
				pending = true
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logError("File watcher error: %v", err)
		case <-timer.C:
			if !pending {
				continue
			}
			if s.IsScanning() {
				// Try again once the current scan has had time to finish
				timer.Reset(debounce)
				continue
			}
			pending = false
			s.log.Infof("Files have changed. Starting scan")
			scans.Add(1)
			go func() {
				defer scans.Done()
				if err := s.Scan(ctx, false); err != nil && !errors.Is(err, ErrAlreadyScanning) && !errors.Is(err, context.Canceled) {
					s.log.Errorf("Scan failed: %v", err)
				}
			}()
		}
	}
}

// fsnotify is not recursive, so we add every directory below root
func (s *Scanner) watchTree(watcher *fsnotify.Watcher, root string) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && !s.filterDir(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			s.log.Warnf("Unable to watch %v: %v", path, err)
		}
		return nil
	})
}
