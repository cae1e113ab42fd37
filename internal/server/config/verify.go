// Package config defines the server configuration structure.
package config

import (
	"errors"
	"fmt"
	"net"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	if err := verifyServer(&cfg.Server); err != nil {
		return err
	}
	if err := verifyEngine(&cfg.Engine); err != nil {
		return err
	}
	return verifyLog(&cfg.Log)
}

func verifyServer(cfg *ServerSection) error {
	if cfg.Resp.Addr == "" {
		return errors.New("server.resp.addr is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Resp.Addr); err != nil {
		return fmt.Errorf("server.resp.addr: %w", err)
	}
	if cfg.Resp.WriteTimeout < 0 {
		return errors.New("server.resp.write_timeout must not be negative")
	}
	if cfg.Resp.IdleTimeout < 0 {
		return errors.New("server.resp.idle_timeout must not be negative")
	}
	if cfg.Resp.RateLimit < 0 {
		return errors.New("server.resp.rate_limit must not be negative")
	}
	if cfg.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
			return fmt.Errorf("server.http.addr: %w", err)
		}
	}
	return nil
}

func verifyEngine(cfg *EngineSection) error {
	if cfg.SubscriberBuffer < 1 {
		return errors.New("engine.subscriber_buffer must be at least 1")
	}
	return nil
}

func verifyLog(cfg *LogSection) error {
	switch cfg.Level {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Level)
	}
	switch cfg.Format {
	case "json", "text", "console", "":
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
	return nil
}
