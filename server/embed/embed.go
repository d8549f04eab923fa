package embed

import (
	"context"
	"errors"
	"image"

	"github.com/chewxy/math32"
)

var ErrUnknownModel = errors.New("Unknown model")

// Embedder turns images and text into CLIP feature vectors.
// All returned vectors are L2-normalized.
type Embedder interface {
	ImageFeatures(ctx context.Context, images []image.Image) ([][]float32, error)
	TextFeature(ctx context.Context, text string) ([]float32, error)
	Model() string
	SetModel(ctx context.Context, name string) error
}

// Normalize scales v to unit length, in place.
// A zero vector is left unchanged.
func Normalize(v []float32) []float32 {
	sum := float32(0)
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math32.Sqrt(sum)
	for i := range v {
		v[i] *= inv
	}
	return v
}
