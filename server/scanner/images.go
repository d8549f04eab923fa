package scanner

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/materialsearch/pkg/imgproc"
	"github.com/cyclopcam/materialsearch/server/mediadb"
	"golang.org/x/sync/errgroup"
)

type scanStats struct {
	processed int
	skipped   int
}

type prefetchedFile struct {
	path     string
	modTime  time.Time
	checksum string
	err      error
}

// prefetch stats the files in batches, ahead of the embedding workers.
// The channel is closed when all files are done, or ctx is cancelled.
func (s *Scanner) prefetch(ctx context.Context, paths []string, out chan<- []prefetchedFile) {
	defer close(out)
	batchSize := s.cfg.ScanProcessBatchSize
	for start := 0; start < len(paths); start += batchSize {
		end := min(start+batchSize, len(paths))
		batch := make([]prefetchedFile, 0, end-start)
		for _, path := range paths[start:end] {
			if ctx.Err() != nil {
				return
			}
			f := prefetchedFile{path: path}
			f.modTime, f.checksum, f.err = s.statFile(path)
			batch = append(batch, f)
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// Returns true if every image was visited
func (s *Scanner) scanImages(ctx context.Context, auto bool, stats *scanStats) (bool, error) {
	paths := s.sortedAssets(s.cfg.IsImage)
	if len(paths) == 0 {
		return true, nil
	}

	prefetchCtx, cancel := context.WithCancel(ctx)
	batches := make(chan []prefetchedFile, s.cfg.PrefetchQueueSize)
	go s.prefetch(prefetchCtx, paths, batches)
	defer func() {
		cancel()
		// Wait for the prefetcher to exit
		for range batches {
		}
	}()

	lastSave := 0
	scanned := 0
	for batch := range batches {
		todo := []prefetchedFile{}
		for _, f := range batch {
			if f.err != nil {
				s.log.Warnf("Skipping %v: %v", f.path, f.err)
				delete(s.assets, f.path)
				stats.skipped++
				continue
			}
			upToDate, err := s.db.DeleteImageIfOutdated(f.path, f.modTime, f.checksum)
			if err != nil {
				s.logError("Failed to check image %v: %v", f.path, err)
			}
			if upToDate {
				delete(s.assets, f.path)
				stats.skipped++
			} else {
				todo = append(todo, f)
			}
		}
		if len(todo) != 0 {
			if err := s.handleImageBatch(ctx, todo); err != nil {
				return false, err
			}
			stats.processed += len(todo)
		}
		scanned += len(batch)
		s.addScanned(len(batch))

		if scanned-lastSave >= s.cfg.AutoSaveInterval {
			if err := s.saveAssets(); err != nil {
				s.logError("Failed to save assets file: %v", err)
			}
			lastSave = scanned
		}
		if s.shouldStop(ctx, auto) {
			return false, nil
		}
	}
	return ctx.Err() == nil, nil
}

type preparedImage struct {
	file *prefetchedFile
	img  image.Image
}

// handleImageBatch decodes and embeds the images on the worker pool, and inserts the results
// in bulk. Files that fail to decode are dropped. If the embedding service keeps failing,
// the scan is aborted, and the remaining files stay in the assets file.
func (s *Scanner) handleImageBatch(ctx context.Context, files []prefetchedFile) error {
	chunkSize := max(s.cfg.Embedding.BatchSize, 1)
	var (
		resultLock  sync.Mutex
		records     []mediadb.ImageRecord
		done        []string
		failures    atomic.Int32
		lastFailure error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for start := 0; start < len(files); start += chunkSize {
		chunk := files[start:min(start+chunkSize, len(files))]
		g.Go(func() error {
			prepared := []preparedImage{}
			finished := []string{}
			for i := range chunk {
				img, err := s.loadImage(chunk[i].path)
				if err != nil {
					s.logError("Skipping image %v: %v", chunk[i].path, err)
					finished = append(finished, chunk[i].path)
					continue
				} else if img == nil {
					finished = append(finished, chunk[i].path)
					continue
				}
				prepared = append(prepared, preparedImage{file: &chunk[i], img: img})
			}

			var chunkRecords []mediadb.ImageRecord
			if len(prepared) != 0 {
				images := make([]image.Image, len(prepared))
				for i := range prepared {
					images[i] = prepared[i].img
				}
				start := time.Now()
				feats, err := s.embedder.ImageFeatures(gctx, images)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					s.logError("Embedding %v images failed: %v", len(images), err)
					if failures.Add(1) >= maxConsecutiveEmbedFailures {
						resultLock.Lock()
						lastFailure = err
						resultLock.Unlock()
						return err
					}
					// These files stay in the assets, so that a later scan will retry them
					resultLock.Lock()
					done = append(done, finished...)
					resultLock.Unlock()
					return nil
				}
				failures.Store(0)
				s.EmbedTime.Time(start, len(images))
				for i, p := range prepared {
					chunkRecords = append(chunkRecords, mediadb.ImageRecord{
						Path:       p.file.path,
						ModifyTime: p.file.modTime,
						Checksum:   p.file.checksum,
						Feature:    feats[i],
					})
					finished = append(finished, p.file.path)
				}
			}
			resultLock.Lock()
			records = append(records, chunkRecords...)
			done = append(done, finished...)
			resultLock.Unlock()
			return nil
		})
	}
	errWait := g.Wait()

	if len(records) != 0 {
		if err := s.db.AddImages(records); err != nil {
			s.log.Errorf("Failed to write %v images to the database: %v", len(records), err)
			return fmt.Errorf("Failed to write images: %w", err)
		}
		s.log.Infof("Indexed %v images", len(records))
	}
	for _, p := range done {
		delete(s.assets, p)
	}
	if total, err := s.db.ImageCount(); err == nil {
		s.lock.Lock()
		s.totalImages = total
		s.lock.Unlock()
	}

	if lastFailure != nil {
		s.log.Criticalf("Embedding service is failing. Aborting scan: %v", lastFailure)
		return fmt.Errorf("Embedding service failed: %w", lastFailure)
	}
	if errWait != nil && ctx.Err() == nil {
		return errWait
	}
	return nil
}

// loadImage decodes and prepares an image for embedding.
// Returns nil, nil if the image is too small to be worth indexing.
func (s *Scanner) loadImage(path string) (image.Image, error) {
	// The header alone tells us whether the image is too small, so we don't decode those
	hdr, err := imgproc.DecodeConfigFile(path)
	if err != nil {
		return nil, err
	}
	if imgproc.TooSmall(hdr.Width, hdr.Height, s.cfg.ImageMinWidth, s.cfg.ImageMinHeight) {
		s.log.Debugf("Skipping small image %v (%v x %v)", path, hdr.Width, hdr.Height)
		return nil, nil
	}
	img, err := imgproc.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return imgproc.PrepareForEmbedding(img), nil
}
