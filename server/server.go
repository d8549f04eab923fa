package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/materialsearch/server/auth"
	"github.com/cyclopcam/materialsearch/server/config"
	"github.com/cyclopcam/materialsearch/server/embed"
	"github.com/cyclopcam/materialsearch/server/mediadb"
	"github.com/cyclopcam/materialsearch/server/scanner"
	"github.com/cyclopcam/materialsearch/server/search"
	"github.com/cyclopcam/materialsearch/server/storage"
	"github.com/cyclopcam/materialsearch/server/storagecache"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

type Server struct {
	HotReloadWWW bool
	Log          logs.Log
	Config       *config.Config
	MediaDB      *mediadb.MediaDB
	Scanner      *scanner.Scanner
	Searcher     *search.Searcher

	// Closed when Shutdown has finished
	ShutdownComplete chan struct{}

	ctx          context.Context // Cancelled by Shutdown
	cancel       context.CancelFunc
	signalIn     chan os.Signal
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	wsUpgrader   websocket.Upgrader
	embedder     embed.Embedder
	auth         *auth.AuthServer
	storage      storage.Storage
	storageCache *storagecache.StorageCache // Only used when storage is not a filesystem
	redis        *redis.Client
	uploads      *uploadSessions
	clipGroup    singleflight.Group
}

// NewServer opens the database and blob store, and wires up the scanner, searcher, and HTTP routes.
// The embedder must already have its model loaded. If hotReloadWWW is true, static files
// are served from server/www on disk instead of the embedded copy.
func NewServer(log logs.Log, cfg *config.Config, embedder embed.Embedder, hotReloadWWW bool) (*Server, error) {
	db, err := mediadb.NewMediaDB(log, cfg.DB)
	if err != nil {
		return nil, err
	}
	db.BulkInsertSize = cfg.BulkInsertSize

	s := &Server{
		HotReloadWWW: hotReloadWWW,
		Log:          log,
		Config:       cfg,
		MediaDB:      db,
		embedder:     embedder,
		uploads:      newUploadSessions(),

		ShutdownComplete: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.openStorage(); err != nil {
		db.Close()
		return nil, err
	}

	s.auth = auth.NewAuthServer(db.DB(), log, cfg.EnableLogin)
	if cfg.EnableLogin {
		if err := s.auth.SetUser(cfg.Username, cfg.Password); err != nil {
			db.Close()
			return nil, fmt.Errorf("Failed to create user %v: %w", cfg.Username, err)
		}
	}

	var cache search.Cache
	if rc := cfg.SearchCache.Redis; rc != nil {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		cache = search.NewRedisCache(log, s.redis, "materialsearch:", time.Duration(rc.TTLSeconds)*time.Second)
		log.Infof("Search cache is redis at %v", rc.Addr)
	} else {
		cache = search.NewMemoryCache(cfg.CacheSize)
	}
	s.Searcher = search.NewSearcher(log, db, embedder, cache)

	s.Scanner = scanner.NewScanner(log, cfg, db, embedder, func() {
		s.Searcher.CleanCache(s.ctx)
	})
	if err := s.Scanner.Init(); err != nil {
		s.closeResources()
		return nil, err
	}

	if err := s.setupHttpRoutes(); err != nil {
		s.closeResources()
		return nil, err
	}
	return s, nil
}

func (s *Server) openStorage() error {
	var err error
	if s.Config.Storage.GCS != nil {
		s.storage, err = storage.NewStorageGCS(s.Log, s.Config.Storage.GCS.Bucket)
		if err != nil {
			return err
		}
		// GCS objects can't be seeked, so we keep local copies of the clips we serve
		maxBytes, _ := s.Config.ClipCacheBytes()
		s.storageCache, err = storagecache.NewStorageCache(s.Log, s.storage, filepath.Join(s.Config.TempPath, "clipcache"), maxBytes)
		return err
	}
	root := s.Config.TempPath
	if s.Config.Storage.Filesystem != nil {
		root = s.Config.Storage.Filesystem.Root
	}
	s.storage, err = storage.NewStorageFS(s.Log, root)
	return err
}

// Context is cancelled when the server shuts down. Background jobs should run inside it.
func (s *Server) Context() context.Context {
	return s.ctx
}

// StartBackgroundJobs launches auto scan and watch mode, if they are enabled
func (s *Server) StartBackgroundJobs() {
	if s.Config.AutoScan {
		go s.Scanner.RunAutoScan(s.ctx)
	}
	if s.Config.Watch {
		go func() {
			if err := s.Scanner.Watch(s.ctx); err != nil {
				s.Log.Errorf("Watch mode failed: %v", err)
			}
		}()
	}
}

// addr example: "127.0.0.1:8085"
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves, and it closed signalIn
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	s.cancel()
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown error: %v", err)
		}
	}
	// The context is cancelled, so a running scan stops at its next check
	s.Scanner.WaitForScan()
	s.closeResources()
	s.Log.Infof("Shutdown complete")
	close(s.ShutdownComplete)
}

func (s *Server) closeResources() {
	s.cancel()
	if s.redis != nil {
		s.redis.Close()
	}
	if gcs, ok := s.storage.(*storage.StorageGCS); ok {
		gcs.Close()
	}
	if err := s.MediaDB.Close(); err != nil {
		s.Log.Warnf("Error closing database: %v", err)
	}
}
