package search

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/cyclopcam/materialsearch/server/mediadb"
)

type ImageResult struct {
	ID    int64   `json:"id"`
	Path  string  `json:"path"`
	URL   string  `json:"url"`
	Score float32 `json:"score"`
}

type VideoResult struct {
	Path      string  `json:"path"`
	URL       string  `json:"url"`
	Score     float32 `json:"score"`
	StartTime int     `json:"start_time"` // Seconds
	EndTime   int     `json:"end_time"`
}

// ResultKind is the type of media in a Result
type ResultKind string

const (
	ResultKindImage ResultKind = "image"
	ResultKindVideo ResultKind = "video"
)

// Result is the output of Match. Only one of Images or Videos is populated.
type Result struct {
	Kind   ResultKind    `json:"kind"`
	Images []ImageResult `json:"images,omitempty"`
	Videos []VideoResult `json:"videos,omitempty"`
}

// Items returns the result list, which is never nil
func (r *Result) Items() any {
	if r.Kind == ResultKindVideo {
		if r.Videos == nil {
			return []VideoResult{}
		}
		return r.Videos
	}
	if r.Images == nil {
		return []ImageResult{}
	}
	return r.Images
}

// truncate keeps the first topN items. A topN of zero or less leaves an empty result.
func (r *Result) truncate(topN int) {
	topN = max(topN, 0)
	if len(r.Images) > topN {
		r.Images = r.Images[:topN]
	}
	if len(r.Videos) > topN {
		r.Videos = r.Videos[:topN]
	}
}

// EncodeVideoPath is the form of a video path used in URLs
func EncodeVideoPath(path string) string {
	return base64.URLEncoding.EncodeToString([]byte(path))
}

func DecodeVideoPath(encoded string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		// Tolerate clients that strip padding, or use the standard alphabet (eg btoa)
		if b, err = base64.RawURLEncoding.DecodeString(encoded); err != nil {
			if b, err = base64.StdEncoding.DecodeString(encoded); err != nil {
				return "", err
			}
		}
	}
	return string(b), nil
}

func imageURL(id int64) string {
	return fmt.Sprintf("api/get_image/%d", id)
}

func videoURL(path string, start, end int) string {
	return fmt.Sprintf("api/get_video/%v#t=%d,%d", EncodeVideoPath(path), start, end)
}

// rankImages drops zero scores and sorts descending
func rankImages(images []mediadb.ImageFeature, scores []float32) []ImageResult {
	results := []ImageResult{}
	for i, s := range scores {
		if s <= 0 {
			continue
		}
		results = append(results, ImageResult{
			ID:    images[i].ID,
			Path:  images[i].Path,
			URL:   imageURL(images[i].ID),
			Score: s,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// bestSegment finds the runs of consecutive frames with a positive score,
// and returns the run with the highest peak.
func bestSegment(times []int, scores []float32) (start, end int, score float32, ok bool) {
	for i := 0; i < len(scores); {
		if scores[i] <= 0 {
			i++
			continue
		}
		j := i
		peak := scores[i]
		for j+1 < len(scores) && scores[j+1] > 0 {
			j++
			peak = max(peak, scores[j])
		}
		if !ok || peak > score {
			start, end, score, ok = times[i], times[j], peak, true
		}
		i = j + 1
	}
	return
}

func rankVideos(videos []mediadb.VideoFrames, scoreFn func(feats [][]float32) []float32) []VideoResult {
	results := []VideoResult{}
	for _, v := range videos {
		start, end, score, ok := bestSegment(v.Times, scoreFn(v.Features))
		if !ok {
			continue
		}
		results = append(results, VideoResult{
			Path:      v.Path,
			URL:       videoURL(v.Path, start, end),
			Score:     score,
			StartTime: start,
			EndTime:   end,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}
