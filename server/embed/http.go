package embed

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/materialsearch/pkg/imgproc"
	"github.com/cyclopcam/materialsearch/pkg/perfstats"
	"github.com/cyclopcam/materialsearch/pkg/requests"
	"github.com/cyclopcam/materialsearch/server/config"
	"golang.org/x/time/rate"
)

// Quality of the JPEGs that we send to the inference service
const uploadJPEGQuality = 90

// HTTPEmbedder talks to an external CLIP inference service
type HTTPEmbedder struct {
	log        logs.Log
	baseURL    string
	client     *http.Client
	limiter    *rate.Limiter // nil = unlimited
	timeout    time.Duration
	maxRetries int
	batchSize  int
	models     map[string]string // name -> weights file
	retryBase  time.Duration     // First backoff of LoadModel, which doubles after every failure

	modelLock sync.RWMutex
	model     string

	ImageTime perfstats.TimeAccumulator // Per image
}

type embedImageRequest struct {
	Model  string   `json:"model"`
	Images []string `json:"images"` // base64 JPEG
}

type embedTextRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Features [][]float32 `json:"features"`
}

type loadModelRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type loadModelResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func NewHTTPEmbedder(log logs.Log, cfg config.EmbeddingConfig, models map[string]string) *HTTPEmbedder {
	e := &HTTPEmbedder{
		log:        log,
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		client:     &http.Client{Transport: &http.Transport{}},
		timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		maxRetries: max(cfg.MaxRetries, 1),
		batchSize:  max(cfg.BatchSize, 1),
		models:     models,
		retryBase:  time.Second,
	}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	if e.timeout <= 0 {
		e.timeout = 2 * time.Minute
	}
	return e
}

// Close drops idle connections to the inference service
func (e *HTTPEmbedder) Close() {
	e.client.CloseIdleConnections()
}

func (e *HTTPEmbedder) Model() string {
	e.modelLock.RLock()
	defer e.modelLock.RUnlock()
	return e.model
}

// LoadModel asks the service to load a model, retrying with exponential backoff.
// On success, the model becomes current.
func (e *HTTPEmbedder) LoadModel(ctx context.Context, name string) error {
	req := loadModelRequest{
		Name: name,
		Path: e.models[name],
	}
	var err error
	delay := e.retryBase
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if err = e.loadModelOnce(ctx, &req); err == nil {
			e.log.Infof("Loaded model '%v'", name)
			e.modelLock.Lock()
			e.model = name
			e.modelLock.Unlock()
			return nil
		}
		e.log.Warnf("Loading model '%v' failed (attempt %v of %v): %v", name, attempt, e.maxRetries, err)
		if attempt == e.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("Failed to load model '%v' after %v attempts: %w", name, e.maxRetries, err)
}

func (e *HTTPEmbedder) loadModelOnce(ctx context.Context, req *loadModelRequest) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.wait(ctx); err != nil {
		return err
	}
	resp, err := requests.RequestJSON[loadModelResponse](ctx, e.client, "POST", e.baseURL+"/models/load", req)
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error == "" {
			return errors.New("Model load was not successful")
		}
		return fmt.Errorf("%v", resp.Error)
	}
	return nil
}

// SetModel loads the new model, and only switches to it once the load succeeds
func (e *HTTPEmbedder) SetModel(ctx context.Context, name string) error {
	if len(e.models) != 0 {
		if _, ok := e.models[name]; !ok {
			return fmt.Errorf("%w '%v'", ErrUnknownModel, name)
		}
	}
	return e.LoadModel(ctx, name)
}

// Health returns nil if the inference service is reachable
func (e *HTTPEmbedder) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := requests.RequestJSON[map[string]any](ctx, e.client, "GET", e.baseURL+"/health", nil)
	return err
}

// ImageFeatures sends the images in batches, and returns one feature per image.
// Images should already be prepared by imgproc.PrepareForEmbedding.
func (e *HTTPEmbedder) ImageFeatures(ctx context.Context, images []image.Image) ([][]float32, error) {
	all := make([][]float32, 0, len(images))
	for start := 0; start < len(images); start += e.batchSize {
		end := min(start+e.batchSize, len(images))
		feats, err := e.imageBatch(ctx, images[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, feats...)
	}
	return all, nil
}

func (e *HTTPEmbedder) imageBatch(ctx context.Context, images []image.Image) ([][]float32, error) {
	req := embedImageRequest{
		Model:  e.Model(),
		Images: make([]string, len(images)),
	}
	for i, img := range images {
		jpg, err := imgproc.EncodeJPEG(img, uploadJPEGQuality)
		if err != nil {
			return nil, err
		}
		req.Images[i] = base64.StdEncoding.EncodeToString(jpg)
	}
	start := time.Now()
	feats, err := e.embed(ctx, "/embed/image", &req, len(images))
	if err != nil {
		return nil, err
	}
	e.ImageTime.Time(start, len(images))
	return feats, nil
}

// TextFeature returns nil for empty text, without contacting the service
func (e *HTTPEmbedder) TextFeature(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	req := embedTextRequest{
		Model: e.Model(),
		Texts: []string{text},
	}
	feats, err := e.embed(ctx, "/embed/text", &req, 1)
	if err != nil {
		return nil, err
	}
	return feats[0], nil
}

func (e *HTTPEmbedder) embed(ctx context.Context, path string, req any, expect int) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := requests.RequestJSON[embedResponse](ctx, e.client, "POST", e.baseURL+path, req)
	if err != nil {
		return nil, fmt.Errorf("Embedding request %v failed: %w", path, err)
	}
	if len(resp.Features) != expect {
		return nil, fmt.Errorf("Embedding service returned %v features, but we expected %v", len(resp.Features), expect)
	}
	for _, f := range resp.Features {
		Normalize(f)
	}
	return resp.Features, nil
}

func (e *HTTPEmbedder) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}
