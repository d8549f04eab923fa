package mediadb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Number of IDs per DELETE ... WHERE id IN (...) statement
const deleteChunkSize = 500

// MediaDB is the index of images, videos, and their CLIP features
type MediaDB struct {
	log            logs.Log
	db             *gorm.DB
	BulkInsertSize int
}

// ImageRecord is a freshly embedded image, ready to be inserted
type ImageRecord struct {
	Path       string
	ModifyTime time.Time
	Checksum   string
	Feature    []float32
}

// FrameFeature is the feature of a single sampled video frame
type FrameFeature struct {
	Time    int // Seconds
	Feature []float32
}

// ImageFeature is an image row with a decoded feature
type ImageFeature struct {
	ID         int64
	Path       string
	ModifyTime time.Time
	Feature    []float32
}

// VideoFrames holds all the frames of one video, ordered by time
type VideoFrames struct {
	VideoID  int64
	Path     string
	Times    []int
	Features [][]float32
}

// Filter restricts a feature query.
// Zero values are unbounded.
type Filter struct {
	PathContains string
	StartTime    time.Time
	EndTime      time.Time
}

func (f *Filter) apply(q *gorm.DB, table string) *gorm.DB {
	if f == nil {
		return q
	}
	if f.PathContains != "" {
		q = q.Where(table+".path LIKE ?", "%"+f.PathContains+"%")
	}
	if !f.StartTime.IsZero() {
		q = q.Where(table+".modify_time >= ?", f.StartTime.UnixMilli())
	}
	if !f.EndTime.IsZero() {
		q = q.Where(table+".modify_time <= ?", f.EndTime.UnixMilli())
	}
	return q
}

// Open or create the media DB
func NewMediaDB(log logs.Log, cfg dbh.DBConfig) (*MediaDB, error) {
	if cfg.Driver == dbh.DriverSqlite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database), 0777); err != nil {
			return nil, err
		}
	}
	log.Infof("Opening media DB (%v)", cfg.LogSafeDescription())
	db, err := dbh.OpenDB(log, cfg, Migrations(log, cfg.Driver), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", cfg.Database, err)
	}
	return &MediaDB{
		log:            log,
		db:             db,
		BulkInsertSize: 1000,
	}, nil
}

// DB exposes the underlying connection, which the auth tables share
func (m *MediaDB) DB() *gorm.DB {
	return m.db
}

func (m *MediaDB) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (m *MediaDB) ImageCount() (int64, error) {
	n := int64(0)
	err := m.db.Model(&Image{}).Count(&n).Error
	return n, err
}

func (m *MediaDB) VideoCount() (int64, error) {
	n := int64(0)
	err := m.db.Model(&Video{}).Count(&n).Error
	return n, err
}

func (m *MediaDB) VideoFrameCount() (int64, error) {
	n := int64(0)
	err := m.db.Model(&VideoFrame{}).Count(&n).Error
	return n, err
}

type idPath struct {
	ID   int64
	Path string
}

// DeleteRecordIfNotExist removes every image and video whose path is not in 'existing',
// or which no longer exists on disk.
func (m *MediaDB) DeleteRecordIfNotExist(existing map[string]bool) (deletedImages, deletedVideos int, err error) {
	isGone := func(path string) bool {
		if !existing[path] {
			return true
		}
		_, err := os.Stat(path)
		return errors.Is(err, os.ErrNotExist)
	}

	images := []idPath{}
	if err = m.db.Model(&Image{}).Select("id, path").Find(&images).Error; err != nil {
		return
	}
	imageIDs := []int64{}
	for _, r := range images {
		if isGone(r.Path) {
			m.log.Debugf("Deleting image record %v", r.Path)
			imageIDs = append(imageIDs, r.ID)
		}
	}

	videos := []idPath{}
	if err = m.db.Model(&Video{}).Select("id, path").Find(&videos).Error; err != nil {
		return
	}
	videoIDs := []int64{}
	for _, r := range videos {
		if isGone(r.Path) {
			m.log.Debugf("Deleting video record %v", r.Path)
			videoIDs = append(videoIDs, r.ID)
		}
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		for _, chunk := range chunkIDs(imageIDs) {
			if err := tx.Where("id IN ?", chunk).Delete(&Image{}).Error; err != nil {
				return err
			}
		}
		for _, chunk := range chunkIDs(videoIDs) {
			if err := tx.Where("video_id IN ?", chunk).Delete(&VideoFrame{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", chunk).Delete(&Video{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if len(imageIDs) != 0 || len(videoIDs) != 0 {
		m.log.Infof("Deleted %v image and %v video records that no longer exist", len(imageIDs), len(videoIDs))
	}
	return len(imageIDs), len(videoIDs), nil
}

// DeleteImageIfOutdated returns true if the image is already indexed and unchanged.
// If the modification time differs but the checksum matches, then we update the
// modification time and return true. Otherwise any stale record is deleted, and we return false.
// A zero modTime forces a checksum comparison.
func (m *MediaDB) DeleteImageIfOutdated(path string, modTime time.Time, checksum string) (bool, error) {
	rec := Image{}
	res := m.db.Select("id, modify_time, checksum").Where("path = ?", path).Limit(1).Find(&rec)
	if res.Error != nil {
		return false, res.Error
	} else if res.RowsAffected == 0 {
		return false, nil
	}
	upToDate, err := m.checkOutdated(&Image{}, rec.ID, rec.ModifyTime, rec.Checksum, modTime, checksum)
	if err != nil || upToDate {
		return upToDate, err
	}
	m.log.Debugf("Image %v has changed", path)
	return false, m.db.Delete(&Image{}, rec.ID).Error
}

// DeleteVideoIfOutdated applies the same rules as DeleteImageIfOutdated.
// The frames of a stale video are deleted too.
func (m *MediaDB) DeleteVideoIfOutdated(path string, modTime time.Time, checksum string) (bool, error) {
	rec := Video{}
	res := m.db.Select("id, modify_time, checksum").Where("path = ?", path).Limit(1).Find(&rec)
	if res.Error != nil {
		return false, res.Error
	} else if res.RowsAffected == 0 {
		return false, nil
	}
	upToDate, err := m.checkOutdated(&Video{}, rec.ID, rec.ModifyTime, rec.Checksum, modTime, checksum)
	if err != nil || upToDate {
		return upToDate, err
	}
	m.log.Debugf("Video %v has changed", path)
	return false, m.deleteVideos(m.db, []int64{rec.ID})
}

func (m *MediaDB) checkOutdated(model any, id int64, dbTime dbh.IntTime, dbChecksum string, modTime time.Time, checksum string) (bool, error) {
	if !modTime.IsZero() && dbTime == dbh.MakeIntTime(modTime) {
		return true, nil
	}
	if checksum != "" && dbChecksum == checksum {
		// Content is unchanged, so only the timestamp is stale
		if modTime.IsZero() {
			return true, nil
		}
		err := m.db.Model(model).Where("id = ?", id).Update("modify_time", dbh.MakeIntTime(modTime)).Error
		return err == nil, err
	}
	return false, nil
}

func (m *MediaDB) deleteVideos(tx *gorm.DB, ids []int64) error {
	return tx.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id IN ?", ids).Delete(&VideoFrame{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&Video{}).Error
	})
}

// AddImages inserts the images in chunks of BulkInsertSize, inside a single transaction.
// An existing row with the same path is replaced.
func (m *MediaDB) AddImages(records []ImageRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]Image, len(records))
	for i, r := range records {
		rows[i] = Image{
			Path:       r.Path,
			ModifyTime: dbh.MakeIntTime(r.ModifyTime),
			Checksum:   r.Checksum,
			Features:   EncodeFeature(r.Feature),
		}
	}
	return m.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"modify_time", "checksum", "features"}),
	}).CreateInBatches(&rows, max(m.BulkInsertSize, 1)).Error
}

// AddVideo replaces any existing record of the video, in a single transaction
func (m *MediaDB) AddVideo(path string, modTime time.Time, checksum string, frames []FrameFeature) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		old := []int64{}
		if err := tx.Model(&Video{}).Where("path = ?", path).Pluck("id", &old).Error; err != nil {
			return err
		}
		if len(old) != 0 {
			if err := m.deleteVideos(tx, old); err != nil {
				return err
			}
		}
		vid := Video{
			Path:       path,
			ModifyTime: dbh.MakeIntTime(modTime),
			Checksum:   checksum,
		}
		if err := tx.Create(&vid).Error; err != nil {
			return err
		}
		if len(frames) == 0 {
			return nil
		}
		rows := make([]VideoFrame, len(frames))
		for i, f := range frames {
			rows[i] = VideoFrame{
				VideoID:   vid.ID,
				FrameTime: f.Time,
				Features:  EncodeFeature(f.Feature),
			}
		}
		return tx.CreateInBatches(&rows, max(m.BulkInsertSize, 1)).Error
	})
}

// Returns "" if the image does not exist
func (m *MediaDB) ImagePathByID(id int64) (string, error) {
	paths := []string{}
	err := m.db.Model(&Image{}).Where("id = ?", id).Limit(1).Pluck("path", &paths).Error
	if err != nil || len(paths) == 0 {
		return "", err
	}
	return paths[0], nil
}

// Returns nil if the image does not exist
func (m *MediaDB) ImageFeatureByID(id int64) ([]float32, error) {
	rec := Image{}
	res := m.db.Select("features").Where("id = ?", id).Limit(1).Find(&rec)
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, res.Error
	}
	return DecodeFeature(rec.Features)
}

func (m *MediaDB) IsVideoExist(path string) (bool, error) {
	n := int64(0)
	err := m.db.Model(&Video{}).Where("path = ?", path).Count(&n).Error
	return n != 0, err
}

// ImageFeatures returns all images that pass the filter
func (m *MediaDB) ImageFeatures(filter *Filter) ([]ImageFeature, error) {
	rows := []Image{}
	if err := filter.apply(m.db.Model(&Image{}), "image").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]ImageFeature, 0, len(rows))
	for _, r := range rows {
		f, err := DecodeFeature(r.Features)
		if err != nil {
			m.log.Warnf("Skipping image %v: %v", r.Path, err)
			continue
		}
		result = append(result, ImageFeature{
			ID:         r.ID,
			Path:       r.Path,
			ModifyTime: r.ModifyTime.Get(),
			Feature:    f,
		})
	}
	return result, nil
}

// VideoFrameFeatures returns the frames of all videos that pass the filter, grouped by video
func (m *MediaDB) VideoFrameFeatures(filter *Filter) ([]VideoFrames, error) {
	q := m.db.Table("video_frame").
		Select("video_frame.video_id, video_frame.frame_time, video_frame.features, video.path").
		Joins("JOIN video ON video.id = video_frame.video_id")
	q = filter.apply(q, "video").Order("video_frame.video_id, video_frame.frame_time")
	rows, err := q.Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []VideoFrames{}
	var current *VideoFrames
	for rows.Next() {
		var videoID int64
		var frameTime int
		var blob []byte
		var path string
		if err := rows.Scan(&videoID, &frameTime, &blob, &path); err != nil {
			return nil, err
		}
		f, err := DecodeFeature(blob)
		if err != nil {
			m.log.Warnf("Skipping frame %v of video %v: %v", frameTime, path, err)
			continue
		}
		if current == nil || current.VideoID != videoID {
			result = append(result, VideoFrames{VideoID: videoID, Path: path})
			current = &result[len(result)-1]
		}
		current.Times = append(current.Times, frameTime)
		current.Features = append(current.Features, f)
	}
	return result, rows.Err()
}

func chunkIDs(ids []int64) [][]int64 {
	chunks := [][]int64{}
	for len(ids) > 0 {
		n := min(len(ids), deleteChunkSize)
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}
