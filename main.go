package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"moonstream/api"
	"moonstream/config"
	"moonstream/handlers"
	"moonstream/internal/database"
	"moonstream/services/adfilter"
	"moonstream/services/danmaku"
	"moonstream/services/mediaprobe"
	"moonstream/services/playback"
	"moonstream/services/progress"
	"moonstream/services/selector"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {

	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	fmt.Println("🚀 moonstream Backend Starting...")

	// Determine config path (env or default)
	configPath := os.Getenv("MOONSTREAM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	// Init config manager and load settings (creates defaults if missing)
	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// Set up file logging with rotation
	if settings.Log.File != "" {
		// Ensure log directory exists
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Printf("Warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSize,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAge,
				Compress:   settings.Log.Compress,
			}
			// Redirect standard log to both console and file
			multiWriter := io.MultiWriter(os.Stdout, fileWriter)
			log.SetOutput(multiWriter)
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("Logging to file: %s", settings.Log.File)
		}
	}

	// Apply port override if specified
	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	// Open the playback database and run migrations
	dbPath := settings.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(settings.Cache.Directory, "playback.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("failed to create database directory: %v", err)
	}
	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// Background context for long-running service loops
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Wire services
	progressService := progress.NewService(db)

	probeTransport := mediaprobe.NewTransport(nil)
	selectorService := selector.NewService(
		probeTransport,
		time.Duration(settings.Probe.TimeoutMs)*time.Millisecond,
		settings.Probe.FallbackSpeedKbps,
	)

	filterCacheDir := settings.AdFilter.CacheDirectory
	if filterCacheDir == "" {
		filterCacheDir = filepath.Join(settings.Cache.Directory, "adfilter")
	}
	overrideStore := adfilter.NewOverrideStore(settings.AdFilter.RuleURL, filterCacheDir, afero.NewOsFs(), nil)
	filterService := adfilter.NewService(overrideStore)
	if settings.AdFilter.Enabled && settings.AdFilter.RuleURL != "" {
		slog.Info("startup ad filter warmup begin",
			"rule_url", settings.AdFilter.RuleURL,
			"cache_dir", filterCacheDir)
		refreshCtx, refreshCancel := context.WithTimeout(bgCtx, 15*time.Second)
		filterService.Refresh(refreshCtx)
		refreshCancel()
		if v := filterService.Version(); v == "" {
			slog.Warn("startup ad filter warmup got no override rules, default filter active")
		} else {
			slog.Info("startup ad filter warmup complete", "override_version", v)
		}
		go filterService.RefreshEvery(bgCtx, 6*time.Hour)
	}

	danmakuService := danmaku.NewService(
		settings.Danmaku.BaseURL,
		time.Duration(settings.Danmaku.CacheTTLMinutes)*time.Minute,
	)

	playbackService := playback.NewService(cfgManager, selectorService, filterService, danmakuService, progressService)
	go playbackService.ReapEvery(bgCtx, time.Minute, 10*time.Minute)

	// Construct router and register API routes
	r := mux.NewRouter()

	settingsHandler := handlers.NewSettingsHandler(cfgManager)
	settingsHandler.SetFilterService(filterService)
	settingsHandler.SetDanmakuService(danmakuService)

	api.Register(
		r,
		settingsHandler,
		handlers.NewSelectorHandler(selectorService),
		handlers.NewPlaybackHandler(playbackService),
		handlers.NewProgressHandler(progressService),
		handlers.NewDanmakuHandler(danmakuService),
		handlers.NewAdFilterHandler(filterService),
	)

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	fmt.Printf("Server starting on %s\n", addr)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-shutdownChan
	log.Println("🛑 Shutdown signal received, cleaning up...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop background loops and flush every live session
	bgCancel()
	log.Println("🧹 Tearing down playback sessions...")
	playbackService.Shutdown(shutdownCtx)

	// Shutdown HTTP server gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
