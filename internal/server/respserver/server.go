package respserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/yndnr/keymesh-go/internal/engine"
	"github.com/yndnr/keymesh-go/internal/telemetry/metric"
	"github.com/yndnr/keymesh-go/pkg/cmap"
)

// Config holds the RESP server configuration.
type Config struct {
	// Address is the TCP listen address.
	Address string
	// WriteTimeout is the timeout for flushing a reply (default: 30s).
	WriteTimeout time.Duration
	// IdleTimeout is the timeout for idle connections (default: 5m).
	// It applies only between commands on connections with no active
	// subscriptions; subscribed connections may idle indefinitely.
	IdleTimeout time.Duration
	// RateLimit is the maximum number of commands per second per IP.
	// Set to 0 to disable rate limiting.
	RateLimit int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      "127.0.0.1:6379",
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  5 * time.Minute,
		RateLimit:    0,
	}
}

// Server accepts RESP client connections and dispatches their commands
// against the data engine.
type Server struct {
	cfg     *Config
	eng     *engine.Engine
	metrics *metric.Metrics
	logger  *slog.Logger

	// limiters holds one token bucket per client IP.
	limiters *cmap.Map[*rate.Limiter]

	ln      net.Listener
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a new RESP server. metrics may be nil to disable
// instrumentation, as in tests.
func New(cfg *Config, eng *engine.Engine, metrics *metric.Metrics, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		eng:      eng,
		metrics:  metrics,
		logger:   logger,
		limiters: cmap.New[*rate.Limiter](),
	}
}

// Start begins listening and accepting connections. It returns once the
// listener is bound; accepted connections are served on their own
// goroutines until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.ln = ln
	s.running.Store(true)

	// Shutdown cancels this context to reach every connection handler,
	// including ones idle or parked in subscribe mode.
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("resp server listening", "address", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.acceptLoop(ctx, ln); err != nil && s.running.Load() {
			s.logger.Error("resp server accept error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting connections, signals every connection
// handler to stop, and waits for them to finish, up to the context
// deadline. Replies already being written are flushed before the
// handler's socket closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)

	var firstErr error
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			firstErr = err
		}
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return firstErr
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		if s.metrics != nil {
			s.metrics.ConnectionsTotal.Inc()
			s.metrics.ConnectionsOpen.Inc()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if s.metrics != nil {
					s.metrics.ConnectionsOpen.Dec()
				}
			}()

			sess := newSession(s, newConn(c), ulid.Make().String())
			sess.run(ctx)
		}()
	}
}

// limiterFor returns the rate limiter for a client IP, creating it on
// first use. Returns nil when rate limiting is disabled.
func (s *Server) limiterFor(addr net.Addr) *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return nil
	}

	ip := addr.String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	lim, ok := s.limiters.Get(ip)
	if !ok {
		lim, _ = s.limiters.GetOrSet(ip, rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateLimit))
	}
	return lim
}
