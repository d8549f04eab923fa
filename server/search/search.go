package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/materialsearch/pkg/imgproc"
	"github.com/cyclopcam/materialsearch/server/embed"
	"github.com/cyclopcam/materialsearch/server/mediadb"
)

var ErrUnsupportedSearchType = errors.New("Unsupported search type")
var ErrNoUpload = errors.New("Please upload an image first")
var ErrImageNotFound = errors.New("Image not found")

type SearchType int

const (
	SearchTypeImageByText    SearchType = 0
	SearchTypeImageByUpload  SearchType = 1
	SearchTypeVideoByText    SearchType = 2
	SearchTypeVideoByUpload  SearchType = 3
	SearchTypeImageByImageID SearchType = 5
	SearchTypeVideoByImageID SearchType = 6
)

// Request is the body of /api/match
type Request struct {
	TopN              int        `json:"top_n"`
	SearchType        SearchType `json:"search_type"`
	Positive          string     `json:"positive"`
	Negative          string     `json:"negative"`
	PositiveThreshold float32    `json:"positive_threshold"`
	NegativeThreshold float32    `json:"negative_threshold"`
	ImageThreshold    float32    `json:"image_threshold"`
	ImageID           int64      `json:"img_id"`
	Path              string     `json:"path"`
	StartTime         float64    `json:"start_time"` // Unix seconds. Zero is unbounded.
	EndTime           float64    `json:"end_time"`

	UploadHash string `json:"-"` // Identifies the uploaded image for search types 1 and 3
}

// NeedsUpload is true for the search types that query with an uploaded image
func (r *Request) NeedsUpload() bool {
	return r.SearchType == SearchTypeImageByUpload || r.SearchType == SearchTypeVideoByUpload
}

func (r *Request) filter() *mediadb.Filter {
	f := &mediadb.Filter{PathContains: r.Path}
	if r.StartTime > 0 {
		f.StartTime = time.UnixMilli(int64(r.StartTime * 1000))
	}
	if r.EndTime > 0 {
		f.EndTime = time.UnixMilli(int64(r.EndTime * 1000))
	}
	return f
}

// Searcher runs similarity queries against the media DB
type Searcher struct {
	log      logs.Log
	db       *mediadb.MediaDB
	embedder embed.Embedder
	cache    Cache
}

func NewSearcher(log logs.Log, db *mediadb.MediaDB, embedder embed.Embedder, cache Cache) *Searcher {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	return &Searcher{
		log:      log,
		db:       db,
		embedder: embedder,
		cache:    cache,
	}
}

// CleanCache drops all cached results. Call this whenever the index or the model changes.
func (s *Searcher) CleanCache(ctx context.Context) {
	if err := s.cache.Clear(ctx); err != nil {
		s.log.Warnf("Failed to clear search cache: %v", err)
	}
}

// Match dispatches a search request. uploadImage is required for search types 1 and 3.
// Results are truncated to req.TopN.
func (s *Searcher) Match(ctx context.Context, req *Request, uploadImage image.Image) (*Result, error) {
	if req.NeedsUpload() && uploadImage == nil {
		return nil, ErrNoUpload
	}
	key := s.cacheKey(req)
	if raw, ok := s.cache.Get(ctx, key); ok {
		res := &Result{}
		if err := json.Unmarshal(raw, res); err == nil {
			res.truncate(req.TopN)
			return res, nil
		}
	}

	start := time.Now()
	res := &Result{Kind: ResultKindImage}
	var err error
	switch req.SearchType {
	case SearchTypeImageByText:
		res.Images, err = s.SearchImageByText(ctx, req.Positive, req.Negative, req.PositiveThreshold, req.NegativeThreshold, req.filter())
	case SearchTypeImageByUpload:
		res.Images, err = s.SearchImageByImage(ctx, uploadImage, req.ImageThreshold)
	case SearchTypeImageByImageID:
		res.Images, err = s.SearchImageByID(req.ImageID, req.ImageThreshold)
	case SearchTypeVideoByText:
		res.Kind = ResultKindVideo
		res.Videos, err = s.SearchVideoByText(ctx, req.Positive, req.Negative, req.PositiveThreshold, req.NegativeThreshold, req.filter())
	case SearchTypeVideoByUpload:
		res.Kind = ResultKindVideo
		res.Videos, err = s.SearchVideoByImage(ctx, uploadImage, req.ImageThreshold)
	case SearchTypeVideoByImageID:
		res.Kind = ResultKindVideo
		res.Videos, err = s.SearchVideoByID(req.ImageID, req.ImageThreshold)
	default:
		return nil, fmt.Errorf("%w %v", ErrUnsupportedSearchType, req.SearchType)
	}
	if err != nil {
		return nil, err
	}
	s.log.Debugf("Search type %v found %v images and %v videos in %v", req.SearchType, len(res.Images), len(res.Videos), time.Since(start))

	if raw, err := json.Marshal(res); err == nil {
		s.cache.Set(ctx, key, raw)
	}
	res.truncate(req.TopN)
	return res, nil
}

// The cache key excludes TopN, so that a larger page can be served from the same entry
func (s *Searcher) cacheKey(req *Request) string {
	k := *req
	k.TopN = 0
	if !k.NeedsUpload() {
		k.UploadHash = ""
	}
	type keyed struct {
		Request
		Upload string
		Model  string
	}
	raw, _ := json.Marshal(&keyed{Request: k, Upload: k.UploadHash, Model: s.embedder.Model()})
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}

func (s *Searcher) textFeatures(ctx context.Context, positive, negative string) (pos, neg []float32, err error) {
	if pos, err = s.embedder.TextFeature(ctx, positive); err != nil {
		return
	}
	neg, err = s.embedder.TextFeature(ctx, negative)
	return
}

func (s *Searcher) imageFeature(ctx context.Context, img image.Image) ([]float32, error) {
	feats, err := s.embedder.ImageFeatures(ctx, []image.Image{imgproc.PrepareForEmbedding(img)})
	if err != nil {
		return nil, err
	}
	return feats[0], nil
}

func (s *Searcher) featureByID(id int64) ([]float32, error) {
	f, err := s.db.ImageFeatureByID(id)
	if err != nil {
		return nil, err
	} else if f == nil {
		return nil, fmt.Errorf("%w: %v", ErrImageNotFound, id)
	}
	return f, nil
}

func (s *Searcher) scoreImages(pos, neg []float32, posThreshold, negThreshold float32, filter *mediadb.Filter) ([]ImageResult, error) {
	images, err := s.db.ImageFeatures(filter)
	if err != nil {
		return nil, err
	}
	feats := make([][]float32, len(images))
	for i := range images {
		feats[i] = images[i].Feature
	}
	return rankImages(images, MatchBatch(pos, neg, feats, posThreshold, negThreshold)), nil
}

func (s *Searcher) scoreVideos(pos, neg []float32, posThreshold, negThreshold float32, filter *mediadb.Filter) ([]VideoResult, error) {
	videos, err := s.db.VideoFrameFeatures(filter)
	if err != nil {
		return nil, err
	}
	return rankVideos(videos, func(feats [][]float32) []float32 {
		return MatchBatch(pos, neg, feats, posThreshold, negThreshold)
	}), nil
}

// SearchImageByText ranks images against positive and negative prompts
func (s *Searcher) SearchImageByText(ctx context.Context, positive, negative string, posThreshold, negThreshold float32, filter *mediadb.Filter) ([]ImageResult, error) {
	pos, neg, err := s.textFeatures(ctx, positive, negative)
	if err != nil {
		return nil, err
	}
	return s.scoreImages(pos, neg, posThreshold, negThreshold, filter)
}

// SearchImageByFeature returns images whose cosine similarity is at least threshold/100
func (s *Searcher) SearchImageByFeature(feature []float32, threshold float32, filter *mediadb.Filter) ([]ImageResult, error) {
	return s.scoreImages(feature, nil, threshold, 0, filter)
}

func (s *Searcher) SearchImageByImage(ctx context.Context, img image.Image, threshold float32) ([]ImageResult, error) {
	f, err := s.imageFeature(ctx, img)
	if err != nil {
		return nil, err
	}
	return s.SearchImageByFeature(f, threshold, nil)
}

// SearchImageByID uses an indexed image as the query
func (s *Searcher) SearchImageByID(id int64, threshold float32) ([]ImageResult, error) {
	f, err := s.featureByID(id)
	if err != nil {
		return nil, err
	}
	return s.SearchImageByFeature(f, threshold, nil)
}

// SearchVideoByText returns the best matching segment of every video
func (s *Searcher) SearchVideoByText(ctx context.Context, positive, negative string, posThreshold, negThreshold float32, filter *mediadb.Filter) ([]VideoResult, error) {
	pos, neg, err := s.textFeatures(ctx, positive, negative)
	if err != nil {
		return nil, err
	}
	return s.scoreVideos(pos, neg, posThreshold, negThreshold, filter)
}

func (s *Searcher) SearchVideoByFeature(feature []float32, threshold float32, filter *mediadb.Filter) ([]VideoResult, error) {
	return s.scoreVideos(feature, nil, threshold, 0, filter)
}

func (s *Searcher) SearchVideoByImage(ctx context.Context, img image.Image, threshold float32) ([]VideoResult, error) {
	f, err := s.imageFeature(ctx, img)
	if err != nil {
		return nil, err
	}
	return s.SearchVideoByFeature(f, threshold, nil)
}

func (s *Searcher) SearchVideoByID(id int64, threshold float32) ([]VideoResult, error) {
	f, err := s.featureByID(id)
	if err != nil {
		return nil, err
	}
	return s.SearchVideoByFeature(f, threshold, nil)
}
