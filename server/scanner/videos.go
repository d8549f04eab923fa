package scanner

import (
	"context"
	"image"
	"time"

	"github.com/cyclopcam/materialsearch/pkg/imgproc"
	"github.com/cyclopcam/materialsearch/pkg/videox"
	"github.com/cyclopcam/materialsearch/server/mediadb"
)

// Frames are extracted at this width, which is comfortably larger than the embedding input
const frameExtractWidth = imgproc.EmbedSize * 2

// Returns true if every video was visited
func (s *Scanner) scanVideos(ctx context.Context, auto bool, stats *scanStats) (bool, error) {
	for _, path := range s.sortedAssets(s.cfg.IsVideo) {
		if s.shouldStop(ctx, auto) {
			return false, nil
		}
		modTime, checksum, err := s.statFile(path)
		if err != nil {
			s.log.Warnf("Skipping %v: %v", path, err)
			stats.skipped++
		} else if upToDate, err := s.db.DeleteVideoIfOutdated(path, modTime, checksum); err != nil {
			s.logError("Failed to check video %v: %v", path, err)
			stats.skipped++
		} else if upToDate {
			stats.skipped++
		} else {
			frames, err := s.processVideo(ctx, path)
			if err != nil {
				if ctx.Err() != nil {
					return false, nil
				}
				s.logError("Failed to process video %v: %v", path, err)
			} else if err := s.db.AddVideo(path, modTime, checksum, frames); err != nil {
				s.logError("Failed to write video %v: %v", path, err)
			} else {
				s.log.Infof("Indexed video %v (%v frames)", path, len(frames))
				stats.processed++
				if err := s.refreshTotals(); err != nil {
					s.logError("Failed to count media: %v", err)
				}
			}
		}
		delete(s.assets, path)
		s.addScanned(1)
	}
	return ctx.Err() == nil, nil
}

// processVideo samples frames every FrameInterval seconds, and embeds them in chunks of ScanProcessBatchSize
func (s *Scanner) processVideo(ctx context.Context, path string) ([]mediadb.FrameFeature, error) {
	set, err := videox.ExtractFrames(ctx, path, s.cfg.FrameInterval, frameExtractWidth)
	if err != nil {
		return nil, err
	}
	defer set.Close()

	result := []mediadb.FrameFeature{}
	batchSize := s.cfg.ScanProcessBatchSize
	for start := 0; start < set.Len(); start += batchSize {
		end := min(start+batchSize, set.Len())
		images := []image.Image{}
		times := []int{}
		for i := start; i < end; i++ {
			img, err := imgproc.DecodeFile(set.Files[i])
			if err != nil {
				s.log.Warnf("Skipping frame %v of %v: %v", set.Times[i], path, err)
				continue
			}
			images = append(images, imgproc.PrepareForEmbedding(img))
			times = append(times, set.Times[i])
		}
		if len(images) == 0 {
			continue
		}
		started := time.Now()
		feats, err := s.embedder.ImageFeatures(ctx, images)
		if err != nil {
			return nil, err
		}
		s.EmbedTime.Time(started, len(images))
		for i, f := range feats {
			result = append(result, mediadb.FrameFeature{Time: times[i], Feature: f})
		}
	}
	return result, nil
}
