package mediadb

import (
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type Image struct {
	BaseModel
	Path       string      `json:"path"`
	ModifyTime dbh.IntTime `json:"modifyTime"`
	Checksum   string      `json:"checksum"`
	Features   []byte      `json:"-"` // EncodeFeature
}

type Video struct {
	BaseModel
	Path       string      `json:"path"`
	ModifyTime dbh.IntTime `json:"modifyTime"`
	Checksum   string      `json:"checksum"`
}

type VideoFrame struct {
	BaseModel
	VideoID   int64  `json:"videoID"`
	FrameTime int    `json:"frameTime"` // Seconds from the start of the video
	Features  []byte `json:"-"`
}
