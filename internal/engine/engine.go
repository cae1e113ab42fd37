package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultSubscriberBuffer is the default per-subscriber message queue
// capacity. When a subscriber's queue is full the oldest queued message
// is dropped to admit the new one; publishers never block.
const DefaultSubscriberBuffer = 64

// entry is one keyspace slot. A key holds either a scalar payload or a
// field map, never both; fields != nil marks the hash kind.
type entry struct {
	value     []byte
	fields    map[string][]byte
	expiresAt time.Time // zero means no deadline
}

func (e *entry) isHash() bool {
	return e.fields != nil
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// expiration is one element of the ordered (deadline, key) index used by
// the reaper to find the next deadline without scanning the keyspace.
type expiration struct {
	when time.Time
	key  string
}

func expirationLess(a, b expiration) bool {
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.key < b.key
}

// Engine is the shared keyspace and pub/sub registry.
type Engine struct {
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	expiry   *btree.BTreeG[expiration]
	channels map[string]*channelHub

	subBuffer int

	// Reaper lifecycle. notify wakes the reaper when a write installs a
	// deadline earlier than the one it is sleeping toward.
	notify     chan struct{}
	done       chan struct{}
	reaperDone chan struct{}
	closeOnce  sync.Once

	// Prometheus metrics (nil until RegisterMetrics is called).
	metricsKeys         prometheus.GaugeFunc
	metricsChannels     prometheus.GaugeFunc
	metricsExpired      prometheus.Counter
	metricsPublished    prometheus.Counter
	metricsDropped      prometheus.Counter
	metricsSubscribers  prometheus.GaugeFunc
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSubscriberBuffer sets the per-subscriber message queue capacity.
func WithSubscriberBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.subBuffer = n
		}
	}
}

// New creates an Engine and starts its background expiration reaper.
// The caller must Close the engine to stop the reaper.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:     slog.Default(),
		entries:    make(map[string]*entry),
		expiry:     btree.NewG(32, expirationLess),
		channels:   make(map[string]*channelHub),
		subBuffer:  DefaultSubscriberBuffer,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	go e.reap()

	return e
}

// Close stops the background reaper and waits for it to exit. Keys with
// unreached deadlines remain logically valid; the lazy expiry check
// still applies to any further access.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	<-e.reaperDone
	return nil
}

// ============================================================
// Keyspace operations
// ============================================================

// Get returns the scalar value stored at key. It returns ok=false when
// the key is absent, expired, or holds a field map instead of a scalar.
func (e *Engine) Get(key string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := e.lookup(key)
	if ent == nil || ent.isHash() {
		return nil, false
	}
	val := make([]byte, len(ent.value))
	copy(val, ent.value)
	return val, true
}

// Set stores a scalar value at key with no deadline, replacing any
// prior value, value kind, and deadline entirely.
func (e *Engine) Set(key string, value []byte) {
	e.setScalar(key, value, time.Time{})
}

// SetEx stores a scalar value at key that expires after ttl. A zero or
// negative ttl installs an already-passed deadline, so the key is
// visible to no subsequent read.
func (e *Engine) SetEx(key string, value []byte, ttl time.Duration) {
	e.setScalar(key, value, time.Now().Add(ttl))
}

func (e *Engine) setScalar(key string, value []byte, deadline time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	val := make([]byte, len(value))
	copy(val, value)

	e.dropDeadline(key)

	ent := &entry{value: val, expiresAt: deadline}
	e.entries[key] = ent

	if !deadline.IsZero() {
		e.installDeadline(key, deadline)
	}
}

// HSet stores field under key, creating the field map if the key is
// absent. A key holding a scalar is replaced by a fresh field map
// (last-writer-wins); an existing deadline on the key is kept.
func (e *Engine) HSet(key, field string, value []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	val := make([]byte, len(value))
	copy(val, value)

	ent := e.lookup(key)
	if ent == nil {
		ent = &entry{fields: make(map[string][]byte)}
		e.entries[key] = ent
	} else if !ent.isHash() {
		ent.value = nil
		ent.fields = make(map[string][]byte)
	}
	ent.fields[field] = val
}

// HGet returns the value of field under key.
func (e *Engine) HGet(key, field string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := e.lookup(key)
	if ent == nil || !ent.isHash() {
		return nil, false
	}
	val, ok := ent.fields[field]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true
}

// HGetAll returns a copy of the whole field map at key, or ok=false when
// the key is absent, expired, or holds a scalar.
func (e *Engine) HGetAll(key string) (map[string][]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := e.lookup(key)
	if ent == nil || !ent.isHash() {
		return nil, false
	}
	out := make(map[string][]byte, len(ent.fields))
	for f, v := range ent.fields {
		val := make([]byte, len(v))
		copy(val, v)
		out[f] = val
	}
	return out, true
}

// Del removes the given keys and returns how many were present.
func (e *Engine) Del(keys ...string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	deleted := 0
	for _, key := range keys {
		if e.lookup(key) == nil {
			continue
		}
		e.dropDeadline(key)
		delete(e.entries, key)
		deleted++
	}
	return deleted
}

// Exists returns how many of the given keys are present and unexpired.
// A key repeated in the arguments is counted each time, matching the
// wire command semantics.
func (e *Engine) Exists(keys ...string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for _, key := range keys {
		if e.lookup(key) != nil {
			count++
		}
	}
	return count
}

// TTL reports the remaining lifetime of key. exists is false when the
// key is absent or expired; hasDeadline is false when the key is present
// without a deadline.
func (e *Engine) TTL(key string) (remaining time.Duration, hasDeadline, exists bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := e.lookup(key)
	if ent == nil {
		return 0, false, false
	}
	if ent.expiresAt.IsZero() {
		return 0, false, true
	}
	return time.Until(ent.expiresAt), true, true
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	Keys        int `json:"keys"`
	Channels    int `json:"channels"`
	Subscribers int `json:"subscribers"`
}

// Snapshot returns current engine statistics. Expired-but-unswept keys
// are included in the key count; they disappear on access or on the next
// reaper sweep.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := 0
	for _, hub := range e.channels {
		subs += len(hub.subscribers)
	}
	return Stats{
		Keys:        len(e.entries),
		Channels:    len(e.channels),
		Subscribers: subs,
	}
}

// ============================================================
// Expiration
// ============================================================

// lookup returns the live entry for key, removing it first when its
// deadline has passed. Callers must hold e.mu.
func (e *Engine) lookup(key string) *entry {
	ent, ok := e.entries[key]
	if !ok {
		return nil
	}
	if ent.expired(time.Now()) {
		e.dropDeadline(key)
		delete(e.entries, key)
		if e.metricsExpired != nil {
			e.metricsExpired.Inc()
		}
		return nil
	}
	return ent
}

// installDeadline adds the (when, key) index element and wakes the
// reaper if this deadline is now the earliest. Callers must hold e.mu.
func (e *Engine) installDeadline(key string, when time.Time) {
	e.expiry.ReplaceOrInsert(expiration{when: when, key: key})
	if minItem, ok := e.expiry.Min(); ok && minItem.key == key && minItem.when.Equal(when) {
		select {
		case e.notify <- struct{}{}:
		default:
		}
	}
}

// dropDeadline removes the index element for key, if any. Callers must
// hold e.mu.
func (e *Engine) dropDeadline(key string) {
	ent, ok := e.entries[key]
	if !ok || ent.expiresAt.IsZero() {
		return
	}
	e.expiry.Delete(expiration{when: ent.expiresAt, key: key})
}

// reap is the background expiration loop: purge everything due, then
// sleep until the next deadline or until a write installs an earlier
// one. It never polls.
func (e *Engine) reap() {
	defer close(e.reaperDone)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		next := e.purgeExpired()

		var wake <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			wake = timer.C
		}

		select {
		case <-e.done:
			return
		case <-e.notify:
		case <-wake:
		}

		if wake != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// purgeExpired removes all keys whose deadline has passed and returns
// the earliest remaining deadline, or the zero time when none remain.
func (e *Engine) purgeExpired() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	purged := 0
	for {
		minItem, ok := e.expiry.Min()
		if !ok || minItem.when.After(now) {
			break
		}
		e.expiry.Delete(minItem)
		delete(e.entries, minItem.key)
		purged++
	}

	if purged > 0 {
		if e.metricsExpired != nil {
			e.metricsExpired.Add(float64(purged))
		}
		e.logger.Debug("purged expired keys", "count", purged)
	}

	if minItem, ok := e.expiry.Min(); ok {
		return minItem.when
	}
	return time.Time{}
}

// ============================================================
// Metrics
// ============================================================

// RegisterMetrics registers engine metrics with the given Prometheus
// registry and returns the engine for chaining.
func (e *Engine) RegisterMetrics(registry *prometheus.Registry) *Engine {
	e.metricsKeys = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "keymesh",
		Subsystem: "engine",
		Name:      "keys",
		Help:      "Current number of keys, including expired keys not yet swept.",
	}, func() float64 {
		e.mu.Lock()
		defer e.mu.Unlock()
		return float64(len(e.entries))
	})
	e.metricsChannels = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "keymesh",
		Subsystem: "pubsub",
		Name:      "channels",
		Help:      "Current number of channels with at least one subscriber.",
	}, func() float64 {
		e.mu.Lock()
		defer e.mu.Unlock()
		return float64(len(e.channels))
	})
	e.metricsSubscribers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "keymesh",
		Subsystem: "pubsub",
		Name:      "subscribers",
		Help:      "Current number of channel subscriptions across all connections.",
	}, func() float64 {
		e.mu.Lock()
		defer e.mu.Unlock()
		n := 0
		for _, hub := range e.channels {
			n += len(hub.subscribers)
		}
		return float64(n)
	})
	e.metricsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keymesh",
		Subsystem: "engine",
		Name:      "expired_keys_total",
		Help:      "Total keys removed by expiration, lazy or reaped.",
	})
	e.metricsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keymesh",
		Subsystem: "pubsub",
		Name:      "messages_published_total",
		Help:      "Total messages delivered to subscriber queues.",
	})
	e.metricsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keymesh",
		Subsystem: "pubsub",
		Name:      "messages_dropped_total",
		Help:      "Total messages dropped from full subscriber queues.",
	})

	registry.MustRegister(
		e.metricsKeys,
		e.metricsChannels,
		e.metricsSubscribers,
		e.metricsExpired,
		e.metricsPublished,
		e.metricsDropped,
	)
	return e
}
