package embed

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/materialsearch/server/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeService returns [3, 4] for every image, and [len(text), 0] for text
type fakeService struct {
	imageRequests atomic.Int32
	textRequests  atomic.Int32
	loadFailures  atomic.Int32 // Fail this many /models/load calls before succeeding
	loaded        atomic.Value
	refuseLoad    atomic.Bool // Answer /models/load with {"success":false} and no error text
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/embed/image":
		f.imageRequests.Add(1)
		req := embedImageRequest{}
		json.NewDecoder(r.Body).Decode(&req)
		resp := embedResponse{}
		for range req.Images {
			resp.Features = append(resp.Features, []float32{3, 4})
		}
		json.NewEncoder(w).Encode(&resp)
	case "/embed/text":
		f.textRequests.Add(1)
		req := embedTextRequest{}
		json.NewDecoder(r.Body).Decode(&req)
		resp := embedResponse{}
		for _, t := range req.Texts {
			resp.Features = append(resp.Features, []float32{float32(len(t)), 0})
		}
		json.NewEncoder(w).Encode(&resp)
	case "/models/load":
		if f.loadFailures.Add(-1) >= 0 {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if f.refuseLoad.Load() {
			w.Write([]byte(`{"success":false}`))
			return
		}
		req := loadModelRequest{}
		json.NewDecoder(r.Body).Decode(&req)
		f.loaded.Store(req.Path)
		json.NewEncoder(w).Encode(&loadModelResponse{Success: true})
	case "/health":
		w.Write([]byte(`{"status":"ok"}`))
	default:
		http.NotFound(w, r)
	}
}

func setup(t *testing.T, models map[string]string) (*HTTPEmbedder, *fakeService) {
	t.Helper()
	fake := &fakeService{}
	srv := httptest.NewServer(fake)
	cfg := config.Default().Embedding
	cfg.URL = srv.URL + "/"
	cfg.BatchSize = 2
	e := NewHTTPEmbedder(logs.NewTestingLog(t), cfg, models)
	e.retryBase = time.Millisecond
	t.Cleanup(func() {
		e.Close()
		srv.Close()
	})
	return e, fake
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	require.InDelta(t, 0.6, v[0], 1e-6)
	require.InDelta(t, 0.8, v[1], 1e-6)
	require.Equal(t, []float32{0, 0}, Normalize([]float32{0, 0}))
}

func TestImageFeatures(t *testing.T) {
	e, fake := setup(t, nil)
	images := []image.Image{}
	for i := 0; i < 5; i++ {
		images = append(images, image.NewRGBA(image.Rect(0, 0, 8, 8)))
	}
	feats, err := e.ImageFeatures(context.Background(), images)
	require.NoError(t, err)
	require.Len(t, feats, 5)
	require.EqualValues(t, 3, fake.imageRequests.Load())
	for _, f := range feats {
		require.InDelta(t, 1, math32.Sqrt(f[0]*f[0]+f[1]*f[1]), 1e-6)
	}
	require.EqualValues(t, 5, e.ImageTime.Samples())
}

func TestTextFeature(t *testing.T) {
	e, fake := setup(t, nil)
	f, err := e.TextFeature(context.Background(), "a cat")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 0}, f)

	f, err = e.TextFeature(context.Background(), "  ")
	require.NoError(t, err)
	require.Nil(t, f)
	require.EqualValues(t, 1, fake.textRequests.Load())
}

func TestLoadModelRetry(t *testing.T) {
	models := map[string]string{"vit-b": "/models/vit-b.pt", "vit-l": "/models/vit-l.pt"}
	e, fake := setup(t, models)

	fake.loadFailures.Store(2)
	require.NoError(t, e.LoadModel(context.Background(), "vit-b"))
	require.Equal(t, "vit-b", e.Model())
	require.Equal(t, "/models/vit-b.pt", fake.loaded.Load())

	// Three failures exhaust the retries, and the current model is unchanged
	fake.loadFailures.Store(3)
	require.Error(t, e.SetModel(context.Background(), "vit-l"))
	require.Equal(t, "vit-b", e.Model())

	err := e.SetModel(context.Background(), "nope")
	require.True(t, errors.Is(err, ErrUnknownModel))

	require.NoError(t, e.SetModel(context.Background(), "vit-l"))
	require.Equal(t, "vit-l", e.Model())
}

func TestLoadModelUnsuccessful(t *testing.T) {
	models := map[string]string{"vit-b": "/models/vit-b.pt", "vit-l": "/models/vit-l.pt"}
	e, fake := setup(t, models)
	require.NoError(t, e.LoadModel(context.Background(), "vit-b"))

	fake.refuseLoad.Store(true)
	require.Error(t, e.SetModel(context.Background(), "vit-l"))
	require.Equal(t, "vit-b", e.Model())
}

func TestHealth(t *testing.T) {
	e, _ := setup(t, nil)
	require.NoError(t, e.Health(context.Background()))
}
