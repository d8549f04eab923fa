package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/materialsearch/server"
	"github.com/cyclopcam/materialsearch/server/config"
	"github.com/cyclopcam/materialsearch/server/embed"
)

// Used when -c is not given. Unlike an explicit -c, it may be missing.
const defaultConfigFile = "materialsearch.json"

func main() {
	parser := argparse.NewParser("materialsearch", "Search your local photos and videos with natural language")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file (.json or .yaml). Default is " + defaultConfigFile})
	port := parser.Int("", "port", &argparse.Options{Help: "Override the HTTP port", Default: 0})
	model := parser.String("", "model", &argparse.Options{Help: "Override the model to load at startup", Default: ""})
	hotReloadWWW := parser.Flag("", "hot", &argparse.Options{Help: "Hot reload www instead of embedding into binary", Default: false})
	scanOnce := parser.Flag("", "scan", &argparse.Options{Help: "Run a single scan, and exit", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *model != "" {
		if _, ok := cfg.ModelPath(*model); !ok && len(cfg.CustomModels) != 0 {
			fmt.Printf("Unknown model '%v'\n", *model)
			os.Exit(1)
		}
		cfg.CurrentModel = *model
	}

	logger, err := logs.NewLog()
	if err != nil {
		panic(err)
	}

	for _, dir := range cfg.AssetsPath {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			logger.Warnf("Asset directory %v does not exist", dir)
		}
	}

	if err := resetTempPath(cfg); err != nil {
		logger.Errorf("Failed to prepare temp path %v: %v", cfg.TempPath, err)
		os.Exit(1)
	}

	embedder := embed.NewHTTPEmbedder(logger, cfg.Embedding, cfg.CustomModels)
	defer embedder.Close()
	if err := embedder.Health(context.Background()); err != nil {
		logger.Warnf("Embedding service at %v is not healthy yet: %v", cfg.Embedding.URL, err)
	}
	if err := embedder.LoadModel(context.Background(), cfg.CurrentModel); err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(logger, cfg, embedder, *hotReloadWWW)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	if *scanOnce {
		err := srv.Scanner.Scan(srv.Context(), false)
		srv.Shutdown()
		if err != nil {
			logger.Errorf("Scan failed: %v", err)
			os.Exit(1)
		}
		return
	}

	srv.StartBackgroundJobs()
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(cfg.ListenAddr()); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		os.Exit(1)
	}
	<-srv.ShutdownComplete
}

// loadConfig reads the config file. A file named on the command line must exist,
// but without -c we fall back to the defaults when materialsearch.json is absent.
func loadConfig(filename string) (*config.Config, error) {
	if filename == "" {
		return config.Load(defaultConfigFile, false)
	}
	return config.Load(filename, true)
}

// Uploads and clips from the previous run are discarded. A resumable scan's
// asset list survives, because a scan is not finished until it removes that file.
func resetTempPath(cfg *config.Config) error {
	assetsFile := filepath.Join(cfg.TempPath, "assets.json")
	saved, _ := os.ReadFile(assetsFile)
	if err := os.RemoveAll(cfg.TempPath); err != nil {
		return err
	}
	for _, dir := range []string{cfg.UploadDir(), cfg.ClipDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if saved != nil {
		return os.WriteFile(assetsFile, saved, 0644)
	}
	return nil
}
