package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaypoint/devserve/internal/config"
	"github.com/relaypoint/devserve/internal/logging"
	"github.com/relaypoint/devserve/internal/mapfile"
	"github.com/relaypoint/devserve/internal/mapping"
	"github.com/relaypoint/devserve/internal/server"
)

const defaultConfigPath = "devserve.yml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to the configuration file")
	debug := flag.Bool("debug", false, "Log debug information")
	port := flag.Int("port", 0, "Server port, default 3000")
	cwd := flag.String("cwd", "", "Base directory for relative paths, default the process working directory")
	folder := flag.String("folder", "", "Directory the files are served from, relative to cwd")
	mapPath := flag.String("map", "", "Response map file (.yml, .yaml, .json or .toml)")
	index := flag.String("index", "", "Index file served for existing directories, default index.html")
	history := flag.String("history", "", `History fallback for missing extensionless paths: "true" reuses the index, or a file name`)
	cors := flag.Bool("cors", false, "Allow cross-origin requests")
	corsCookie := flag.Bool("cors-cookie", false, "Allow cross-origin credentials")
	autoPreflight := flag.Bool("auto-preflight", true, "Answer OPTIONS requests automatically; implies -cors")
	root := flag.String("root", "", "Virtual root the app is mounted under, stripped before matching")
	logFormat := flag.String("log-format", "", "Log format: text or json")
	flag.Parse()

	logger := logging.New(os.Stderr, "text", slog.LevelInfo)

	cfg, err := loadConfig(*configPath, isFlagSet("config"))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	overrides := map[string]func(){
		"port":           func() { cfg.Server.Port = *port },
		"cwd":            func() { cfg.Cwd = *cwd },
		"folder":         func() { cfg.Folder = *folder },
		"map":            func() { cfg.Map = *mapPath },
		"index":          func() { cfg.Index = *index },
		"history":        func() { cfg.History = config.ParseHistory(*history) },
		"cors":           func() { cfg.CORS.Enabled = *cors },
		"cors-cookie":    func() { cfg.CORS.Cookie = *corsCookie },
		"auto-preflight": func() { cfg.CORS.AutoPreflight = *autoPreflight },
		"root":           func() { cfg.Root = *root },
		"log-format":     func() { cfg.Log.Format = *logFormat },
	}
	flag.Visit(func(f *flag.Flag) {
		if fn, ok := overrides[f.Name]; ok {
			fn()
		}
	})
	if *debug {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = logging.New(os.Stderr, cfg.Log.Format, level)

	if err := cfg.Normalize(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Debug("configuration loaded",
		"folder", cfg.Folder,
		"index", cfg.Index,
		"history", cfg.HistoryPath,
		"root", cfg.Root,
		"map", cfg.Map,
		"cors", cfg.CORS.Enabled,
		"auto_preflight", cfg.CORS.AutoPreflight,
	)

	var entries []mapping.Entry
	if cfg.Map != "" {
		entries, err = mapfile.Load(cfg.Map, mapfile.NewRegistry(), logger)
		if err != nil {
			logger.Error("failed to load response map", "error", err)
			os.Exit(1)
		}
	}

	srv := server.New(cfg, entries, logger)

	failed := make(chan error, 1)
	srv.OnError(func(err error) {
		failed <- err
	})

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down server...", "signal", sig.String())
	case err := <-failed:
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("quit.")
}

// loadConfig reads the configuration file. A missing file is only an error
// when its path was given explicitly.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
