package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/materialsearch/pkg/kibi"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Host string `json:"host" yaml:"host"` // Listen IP. Use 127.0.0.1 to restrict to local access
	Port int    `json:"port" yaml:"port"`

	AssetsPath      []string `json:"assetsPath" yaml:"assetsPath"`           // Directories to scan
	SkipPath        []string `json:"skipPath" yaml:"skipPath"`               // Absolute directories to skip
	IgnoreStrings   []string `json:"ignoreStrings" yaml:"ignoreStrings"`     // Skip any path containing one of these (case insensitive)
	ImageExtensions []string `json:"imageExtensions" yaml:"imageExtensions"` // Lower case, with leading dot
	VideoExtensions []string `json:"videoExtensions" yaml:"videoExtensions"` // Lower case, with leading dot

	FrameInterval        int `json:"frameInterval" yaml:"frameInterval"`               // Seconds between sampled video frames
	ScanProcessBatchSize int `json:"scanProcessBatchSize" yaml:"scanProcessBatchSize"` // Files per prefetch batch, and frames per embedding batch
	ImageMinWidth        int `json:"imageMinWidth" yaml:"imageMinWidth"`
	ImageMinHeight       int `json:"imageMinHeight" yaml:"imageMinHeight"`

	AutoScan             bool      `json:"autoScan" yaml:"autoScan"`
	AutoScanStartTime    ClockTime `json:"autoScanStartTime" yaml:"autoScanStartTime"`
	AutoScanEndTime      ClockTime `json:"autoScanEndTime" yaml:"autoScanEndTime"`
	AutoSaveInterval     int       `json:"autoSaveInterval" yaml:"autoSaveInterval"` // Save the remaining asset list every N files
	Watch                bool      `json:"watch" yaml:"watch"`                       // Rescan when files change inside assetsPath
	WatchDebounceSeconds int       `json:"watchDebounceSeconds" yaml:"watchDebounceSeconds"`

	CacheSize         int               `json:"cacheSize" yaml:"cacheSize"` // Number of cached search results
	PositiveThreshold float32           `json:"positiveThreshold" yaml:"positiveThreshold"`
	NegativeThreshold float32           `json:"negativeThreshold" yaml:"negativeThreshold"`
	ImageThreshold    float32           `json:"imageThreshold" yaml:"imageThreshold"`
	SearchCache       SearchCacheConfig `json:"searchCache" yaml:"searchCache"`

	DB                   dbh.DBConfig `json:"db" yaml:"db"`
	TempPath             string       `json:"tempPath" yaml:"tempPath"`
	VideoExtensionLength int          `json:"videoExtensionLength" yaml:"videoExtensionLength"` // Seconds added to either side of a downloaded clip
	EnableChecksum       bool         `json:"enableChecksum" yaml:"enableChecksum"`
	BulkInsertSize       int          `json:"bulkInsertSize" yaml:"bulkInsertSize"`
	Workers              int          `json:"workers" yaml:"workers"`                     // Embedding worker pool size
	PrefetchQueueSize    int          `json:"prefetchQueueSize" yaml:"prefetchQueueSize"` // Batches read ahead of the workers

	EnableLogin bool   `json:"enableLogin" yaml:"enableLogin"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`

	Embedding    EmbeddingConfig   `json:"embedding" yaml:"embedding"`
	CustomModels map[string]string `json:"customModels" yaml:"customModels"` // Model name to weights file
	CurrentModel string            `json:"currentModel" yaml:"currentModel"`

	Storage       StorageConfig `json:"storage" yaml:"storage"`
	ClipCacheSize string        `json:"clipCacheSize" yaml:"clipCacheSize"` // eg "256MB"
}

// EmbeddingConfig configures the CLIP inference service
type EmbeddingConfig struct {
	URL               string  `json:"url" yaml:"url"`
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"` // Zero means unlimited
	Burst             int     `json:"burst" yaml:"burst"`
	TimeoutSeconds    int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxRetries        int     `json:"maxRetries" yaml:"maxRetries"` // For model loading
	BatchSize         int     `json:"batchSize" yaml:"batchSize"`   // Images per embedding request
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageFS  `json:"filesystem" yaml:"filesystem"`
	GCS        *StorageGCS `json:"gcs" yaml:"gcs"`
}

type StorageFS struct {
	Root string `json:"root" yaml:"root"`
}

type StorageGCS struct {
	Bucket string `json:"bucket" yaml:"bucket"`
}

// SearchCacheConfig is an in-process LRU unless Redis is configured
type SearchCacheConfig struct {
	Redis *RedisCache `json:"redis" yaml:"redis"`
}

type RedisCache struct {
	Addr       string `json:"addr" yaml:"addr"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	TTLSeconds int    `json:"ttlSeconds" yaml:"ttlSeconds"`
}

// Default returns the configuration used when no config file is present
func Default() *Config {
	home, _ := os.UserHomeDir()
	workers := runtime.NumCPU() * 3 / 2
	if workers < 1 {
		workers = 1
	}
	return &Config{
		Host: "0.0.0.0",
		Port: 8085,
		AssetsPath: []string{
			filepath.Join(home, "Pictures"),
			filepath.Join(home, "Desktop"),
		},
		SkipPath: []string{"/tmp"},
		IgnoreStrings: []string{
			"thumb",
			"avatar",
			"__macosx",
			"icons",
			"cache",
			"derivatives",
			"resources",
			"previews",
			"thumbnails",
			"edited",
			".ipynb_checkpoints",
			"@2x",
			"@3x",
		},
		ImageExtensions:      []string{".jpg", ".jpeg", ".png", ".gif", ".heic", ".webp", ".bmp"},
		VideoExtensions:      []string{".mp4", ".flv", ".mov", ".mkv", ".webm", ".avi"},
		FrameInterval:        2,
		ScanProcessBatchSize: 512,
		ImageMinWidth:        64,
		ImageMinHeight:       64,
		AutoScan:             false,
		AutoScanStartTime:    ClockTime{Hour: 22, Minute: 30},
		AutoScanEndTime:      ClockTime{Hour: 8, Minute: 0},
		AutoSaveInterval:     100,
		WatchDebounceSeconds: 10,
		CacheSize:            1000,
		PositiveThreshold:    36,
		NegativeThreshold:    36,
		ImageThreshold:       85,
		DB:                   dbh.MakeSqliteConfig("instance/assets.sqlite"),
		TempPath:             "tmp",
		BulkInsertSize:       1000,
		Workers:              workers,
		PrefetchQueueSize:    3,
		Username:             "admin",
		Password:             "MaterialSearch",
		Embedding: EmbeddingConfig{
			URL:            "http://127.0.0.1:8086",
			Burst:          1,
			TimeoutSeconds: 120,
			MaxRetries:     3,
			BatchSize:      32,
		},
		CustomModels:  map[string]string{},
		ClipCacheSize: "256MB",
	}
}

// Load reads a JSON or YAML (by extension) config file on top of Default().
// If the file does not exist and mustExist is false, the defaults are returned.
func Load(filename string, mustExist bool) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) && !mustExist {
		return cfg, cfg.Validate()
	} else if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error parsing YAML config file %v: %w", filename, err)
		}
	default:
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error parsing config file %v: %w", filename, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config file %v: %w", filename, err)
	}
	return cfg, nil
}

// Validate checks ranges and normalizes lists (extensions become lower case with a leading dot,
// "~" is expanded in paths).
func (c *Config) Validate() error {
	c.ImageExtensions = normalizeExtensions(c.ImageExtensions)
	c.VideoExtensions = normalizeExtensions(c.VideoExtensions)
	c.AssetsPath = expandPaths(c.AssetsPath)
	c.SkipPath = expandPaths(c.SkipPath)
	c.TempPath = expandHome(c.TempPath)
	lowered := []string{}
	for _, s := range c.IgnoreStrings {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			lowered = append(lowered, s)
		}
	}
	c.IgnoreStrings = lowered

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %v is out of range", c.Port)
	}
	positive := map[string]int{
		"frameInterval":        c.FrameInterval,
		"scanProcessBatchSize": c.ScanProcessBatchSize,
		"bulkInsertSize":       c.BulkInsertSize,
		"workers":              c.Workers,
		"prefetchQueueSize":    c.PrefetchQueueSize,
		"autoSaveInterval":     c.AutoSaveInterval,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%v must be greater than zero", name)
		}
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cacheSize may not be negative")
	}
	if c.VideoExtensionLength < 0 {
		return fmt.Errorf("videoExtensionLength may not be negative")
	}
	for name, v := range map[string]float32{
		"positiveThreshold": c.PositiveThreshold,
		"negativeThreshold": c.NegativeThreshold,
		"imageThreshold":    c.ImageThreshold,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%v must be between 0 and 100", name)
		}
	}
	if c.Embedding.URL == "" {
		return fmt.Errorf("embedding.url may not be empty")
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 32
	}
	if c.Embedding.MaxRetries <= 0 {
		c.Embedding.MaxRetries = 1
	}
	if c.CurrentModel != "" && len(c.CustomModels) != 0 {
		if _, ok := c.CustomModels[c.CurrentModel]; !ok {
			return fmt.Errorf("currentModel '%v' is not in customModels", c.CurrentModel)
		}
	}
	if c.Storage.Filesystem != nil && c.Storage.GCS != nil {
		return fmt.Errorf("Only one of storage.filesystem or storage.gcs may be configured")
	}
	if _, err := c.ClipCacheBytes(); err != nil {
		return fmt.Errorf("clipCacheSize '%v': %w", c.ClipCacheSize, err)
	}
	if c.EnableLogin && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("username and password are required when enableLogin is true")
	}
	return nil
}

func (c *Config) ClipCacheBytes() (int64, error) {
	return kibi.ParseBytes(c.ClipCacheSize)
}

// ModelPath returns the weights file of a custom model
func (c *Config) ModelPath(name string) (string, bool) {
	p, ok := c.CustomModels[name]
	return p, ok
}

func (c *Config) IsImage(path string) bool {
	return hasExtension(path, c.ImageExtensions)
}

func (c *Config) IsVideo(path string) bool {
	return hasExtension(path, c.VideoExtensions)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%v:%v", c.Host, c.Port)
}

// UploadDir and ClipDir are the temp subdirectories used by filesystem storage
func (c *Config) UploadDir() string {
	return filepath.Join(c.TempPath, "upload")
}

func (c *Config) ClipDir() string {
	return filepath.Join(c.TempPath, "video_clips")
}

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

func normalizeExtensions(exts []string) []string {
	out := []string{}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func expandPaths(paths []string) []string {
	out := []string{}
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, expandHome(p))
		}
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}
