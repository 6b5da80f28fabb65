package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cinegate/internal/api"
	"cinegate/internal/catalog"
	"cinegate/internal/config"
	"cinegate/internal/defense"
	"cinegate/internal/hls"
	"cinegate/internal/player"
	"cinegate/internal/proxy"
	"cinegate/internal/resolve"
	"cinegate/internal/scheduler"
	"cinegate/internal/server"
	"cinegate/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	logger.Info().
		Str("version", api.Version).
		Msg("starting cinegate")

	// Initialize storage
	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	sched := scheduler.New(scheduler.RealClock())
	defer sched.Stop()

	px := proxy.New(cfg.Proxy, "/proxy", logger)
	resolver := resolve.NewClient(cfg.Resolver, logger)
	cat := catalog.NewClient(cfg.Catalog, logger)

	hub := server.NewHub(logger)
	defer hub.Close()

	// The surface lives in the browser, so the periodic sanitize pass is a
	// signal to the UI to re-run its DOM sweep.
	def := defense.New(cfg.Defense, sched, defense.Deps{
		Sweep: func() {
			hub.Broadcast("defense.sweep", nil)
		},
	}, logger)
	def.Arm()

	sink := player.NewBufferSink()
	engine := player.NewEngine(cfg.Player, sched, px, sink, player.Events{
		OnReady: func(variants []hls.Variant) {
			hub.Broadcast("player.ready", map[string]interface{}{"variants": variants})
		},
		OnQualityChanged: func(variant int) {
			hub.Broadcast("player.quality", map[string]interface{}{"variant": variant})
		},
		OnBuffering: func(buffering bool) {
			hub.Broadcast("player.buffering", map[string]interface{}{"buffering": buffering})
		},
		OnTimeUpdate: func(currentTime, bufferedEnd time.Duration) {
			hub.Broadcast("player.time", map[string]interface{}{
				"current_time": currentTime.Seconds(),
				"buffered_end": bufferedEnd.Seconds(),
			})
		},
		OnFatalError: func(class player.ErrorClass, reason string) {
			hub.Broadcast("player.error", map[string]interface{}{
				"class":  string(class),
				"reason": reason,
			})
		},
	}, logger)
	defer engine.Stop()

	def.OnPopup(func(source string) {
		hub.Broadcast("defense.popup", map[string]interface{}{"source": source})
	})

	// Create server
	srv := server.New(cfg, logger, server.Deps{
		Storage:  store,
		Engine:   engine,
		Resolver: resolver,
		Defense:  def,
		Catalog:  cat,
		Proxy:    px,
		Sched:    sched,
		Hub:      hub,
	})

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hot-reload the defense pattern tables when the config file changes
	if *configPath != "" {
		watcher := config.NewWatcher(*configPath, logger)
		watcher.Subscribe(def.UpdatePatterns)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("received shutdown signal")
		cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
	}()

	// Start server
	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("server error")
	}

	logger.Info().Msg("server stopped")
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Logger()
	}

	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}
