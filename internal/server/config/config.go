// Package config defines the server configuration structure.
package config

import "time"

// ServerConfig is the root configuration for keymesh-server.
type ServerConfig struct {
	Server ServerSection `koanf:"server"`
	Engine EngineSection `koanf:"engine"`
	Log    LogSection    `koanf:"log"`
}

// ServerSection configures server endpoints.
type ServerSection struct {
	Resp RespConfig `koanf:"resp"`
	HTTP HTTPConfig `koanf:"http"`
}

// RespConfig configures the RESP protocol listener.
type RespConfig struct {
	Addr string `koanf:"addr"`

	// WriteTimeout bounds flushing one reply to a client.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// IdleTimeout bounds the wait for the next command on a connection
	// with no active subscriptions. Subscribed connections may idle
	// indefinitely between published messages.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// RateLimit is the maximum commands per second per client IP.
	// Zero disables rate limiting.
	RateLimit int `koanf:"rate_limit"`
}

// HTTPConfig configures the ops HTTP endpoint (health, metrics, stats).
type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// EngineSection configures the data engine.
type EngineSection struct {
	// SubscriberBuffer is the per-subscriber message queue capacity.
	// When full, the oldest queued message is dropped.
	SubscriberBuffer int `koanf:"subscriber_buffer"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default configuration values.
const (
	DefaultRespAddr = "127.0.0.1:6379"
	DefaultHTTPAddr = "127.0.0.1:5080"

	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultRateLimit    = 0

	DefaultSubscriberBuffer = 64

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Resp: RespConfig{
				Addr:         DefaultRespAddr,
				WriteTimeout: DefaultWriteTimeout,
				IdleTimeout:  DefaultIdleTimeout,
				RateLimit:    DefaultRateLimit,
			},
			HTTP: HTTPConfig{
				Enabled: true,
				Addr:    DefaultHTTPAddr,
			},
		},
		Engine: EngineSection{
			SubscriberBuffer: DefaultSubscriberBuffer,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
