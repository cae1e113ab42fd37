// Package main provides the entry point for keymesh-server.
//
// keymesh-server is an in-memory key/value server speaking a
// Redis-style wire protocol, with key expiration and pub/sub
// delivered over the same client connections.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/yndnr/keymesh-go/internal/engine"
	"github.com/yndnr/keymesh-go/internal/infra/buildinfo"
	"github.com/yndnr/keymesh-go/internal/infra/confloader"
	"github.com/yndnr/keymesh-go/internal/infra/shutdown"
	"github.com/yndnr/keymesh-go/internal/server/config"
	"github.com/yndnr/keymesh-go/internal/server/httpserver"
	"github.com/yndnr/keymesh-go/internal/server/respserver"
	"github.com/yndnr/keymesh-go/internal/telemetry/logger"
	"github.com/yndnr/keymesh-go/internal/telemetry/metric"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("keymesh-server %s\n", buildinfo.String())
		return nil
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := initLogger(cfg)
	log.Info("starting keymesh-server",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit,
		"config", *configFile)

	metrics := metric.New()

	// Data engine with its background reaper.
	eng := engine.New(
		engine.WithLogger(log),
		engine.WithSubscriberBuffer(cfg.Engine.SubscriberBuffer),
	).RegisterMetrics(metrics.Registry())

	// RESP server.
	respSrv := respserver.New(&respserver.Config{
		Address:      cfg.Server.Resp.Addr,
		WriteTimeout: cfg.Server.Resp.WriteTimeout,
		IdleTimeout:  cfg.Server.Resp.IdleTimeout,
		RateLimit:    cfg.Server.Resp.RateLimit,
	}, eng, metrics, log)

	ctx := context.Background()
	if err := respSrv.Start(ctx); err != nil {
		return fmt.Errorf("start resp server: %w", err)
	}

	// Ops HTTP server (health, metrics, stats).
	var httpSrv *httpserver.Server
	if cfg.Server.HTTP.Enabled {
		router := httpserver.NewRouter(&httpserver.RouterConfig{
			Engine:  eng,
			Metrics: metrics,
			Logger:  log,
		})
		httpSrv = httpserver.New(cfg.Server.HTTP.Addr, router)
		go func() {
			log.Info("http server listening", "addr", cfg.Server.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server error", "error", err)
			}
		}()
	}

	// Reload the log level when the config file changes.
	watcher := watchConfig(*configFile, log)

	// Shutdown hooks run in reverse order of startup.
	shutdownHandler := shutdown.NewHandler(30 * time.Second)
	if watcher != nil {
		shutdownHandler.OnShutdown(func(context.Context) error {
			return watcher.Stop()
		})
	}
	if httpSrv != nil {
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			log.Info("shutting down http server")
			return httpSrv.Shutdown(ctx)
		})
	}
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down resp server")
		return respSrv.Shutdown(ctx)
	})
	shutdownHandler.OnShutdown(func(context.Context) error {
		log.Info("shutting down engine")
		return eng.Close()
	})

	log.Info("server started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads configuration from file and environment.
func loadConfig(configFile string) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}

	loader := confloader.NewLoader(opts...)
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// initLogger builds the process logger and installs it as the default.
func initLogger(cfg *config.ServerConfig) *slog.Logger {
	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	slog.SetDefault(log)
	return log
}

// watchConfig re-reads the log level whenever the config file changes.
// Returns nil when no config file is in use.
func watchConfig(configFile string, log *slog.Logger) *confloader.Watcher {
	if configFile == "" {
		return nil
	}

	watcher, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
		return nil
	}
	if err := watcher.Watch(configFile); err != nil {
		log.Warn("config watcher unavailable", "error", err)
		return nil
	}

	watcher.OnChange(func(string) {
		cfg, err := loadConfig(configFile)
		if err != nil {
			log.Warn("config reload failed", "error", err)
			return
		}
		if cfg.Log.Level != logger.GetLevel() {
			log.Info("log level changed", "level", cfg.Log.Level)
			logger.SetLevel(cfg.Log.Level)
		}
	})
	watcher.StartAsync()
	return watcher
}
