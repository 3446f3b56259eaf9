// Package poller turns a monitor backend's bounded "recent events" endpoint
// into a sequence of fresh event batches.
//
// # Watermark
//
// The backend keeps no per-client cursor. A Coordinator reconstructs "new
// since last look" on its own: it remembers a watermark (initially its
// creation time) and, on every tick, delivers the returned events whose
// timestamp lies in (watermark, now], where now is read before the request is
// sent. The watermark then advances to that now, whether or not anything was
// delivered. A failed poll leaves the watermark untouched so the same window
// is scanned again on the next tick.
//
// # Known limits
//
// Only the newest Limit events are requested per tick; if more than Limit
// events arrive within one period the older ones are never seen. Events whose
// backend timestamp is behind the watermark (clock skew) are skipped, and an
// event whose timestamp is revised can be delivered twice. Two coordinators
// reading the same endpoint each deliver the same events.
//
// # Lifecycle
//
//	c := poller.New(reg, monitor.NewClient(), onEvents, logger)
//	c.Start()
//	defer c.Stop()
//
// Start and Stop are idempotent. After Stop returns no further callback is
// started, even for a poll whose request was already in flight. Stop waits for
// a callback that is already running, so the callback must not call Stop or
// Start on its own Coordinator.
package poller

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/console/internal/monitor"
	"github.com/tripwire/console/internal/registry"
)

const (
	// DefaultInterval is the poll period.
	DefaultInterval = time.Second

	// DefaultLimit is the number of recent events requested per poll.
	DefaultLimit = 5
)

// Fetcher reads the most recent events from a monitor endpoint.
// *monitor.Client implements it.
type Fetcher interface {
	Recent(ctx context.Context, endpoint string, limit int) ([]monitor.Event, error)
}

// Callback receives each non-empty batch of fresh events, in backend order.
// It is never called concurrently with itself for one Coordinator and must not
// call Stop or Start on that Coordinator.
type Callback func(events []monitor.Event)

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithInterval sets the poll period. Values ≤ 0 keep DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLimit sets the page size requested per poll. Values ≤ 0 keep
// DefaultLimit.
func WithLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithKey sets the registry key holding the endpoint URL.
func WithKey(key string) Option {
	return func(c *Coordinator) {
		if key != "" {
			c.key = key
		}
	}
}

// WithClock replaces time.Now. The initial watermark is read from it too.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics records poll outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// ticker is the part of *time.Ticker the run loop uses.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) ticker { return timeTicker{time.NewTicker(d)} }

// Coordinator polls the endpoint selected in a registry and hands fresh
// events to a callback. It is safe for concurrent use.
type Coordinator struct {
	registry registry.Reader
	fetcher  Fetcher
	onEvents Callback
	logger   *slog.Logger
	metrics  *Metrics

	interval  time.Duration
	limit     int
	key       string
	now       func() time.Time
	newTicker func(time.Duration) ticker

	mu        sync.Mutex
	active    bool
	gen       uint64 // bumped on every Start and Stop
	watermark time.Time
	stopCh    chan struct{}
	tick      ticker

	// deliverMu serialises the check-advance-callback sequence so callbacks
	// never overlap and fire in watermark order. Stop holds it too. Lock order
	// is deliverMu then mu.
	deliverMu sync.Mutex
}

// New creates a stopped Coordinator whose watermark is the current time.
// reg is only ever read. onEvents must not be nil.
func New(reg registry.Reader, fetcher Fetcher, onEvents Callback, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		registry:  reg,
		fetcher:   fetcher,
		onEvents:  onEvents,
		logger:    logger,
		interval:  DefaultInterval,
		limit:     DefaultLimit,
		key:       registry.ActiveEndpointKey,
		now:       time.Now,
		newTicker: newTimeTicker,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.watermark = c.now()
	return c
}

// Start begins polling every interval. Calling Start on a running Coordinator
// does nothing.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return
	}
	c.active = true
	c.gen++
	c.stopCh = make(chan struct{})
	if c.metrics != nil {
		c.metrics.Listening.Add(1)
	}

	c.tick = c.newTicker(c.interval)
	go c.run(c.gen, c.stopCh, c.tick)

	c.logger.Debug("poller: started",
		slog.Duration("interval", c.interval),
		slog.Int("limit", c.limit),
	)
}

// Stop cancels the schedule. A poll already in flight runs to completion but
// its result is dropped. If a callback is running, Stop returns after it
// does. Calling Stop on a stopped Coordinator does nothing.
func (c *Coordinator) Stop() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.active = false
	c.gen++
	close(c.stopCh)
	c.stopCh = nil
	c.tick.Stop()
	c.tick = nil
	if c.metrics != nil {
		c.metrics.Listening.Add(-1)
	}

	c.logger.Debug("poller: stopped")
}

// IsListening reports whether the Coordinator is currently started.
func (c *Coordinator) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Watermark returns the end of the last successfully scanned window.
func (c *Coordinator) Watermark() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// Poll runs one poll cycle immediately. It does nothing while stopped.
// The scheduled ticks call the same cycle.
func (c *Coordinator) Poll(ctx context.Context) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.poll(ctx, gen)
}

func (c *Coordinator) run(gen uint64, stop <-chan struct{}, t ticker) {
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			// A tick can become ready together with stop.
			select {
			case <-stop:
				return
			default:
			}
			c.poll(context.Background(), gen)
		}
	}
}

// current reports whether gen is still the running generation.
func (c *Coordinator) current(gen uint64) bool {
	return c.active && c.gen == gen
}

func (c *Coordinator) poll(ctx context.Context, gen uint64) {
	c.mu.Lock()
	ok := c.current(gen)
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.metrics != nil {
		c.metrics.Polls.Add(1)
	}

	endpoint, found := c.registry.Get(c.key)
	endpoint = strings.TrimSpace(endpoint)
	if !found || endpoint == "" {
		if c.metrics != nil {
			c.metrics.IdlePolls.Add(1)
		}
		return
	}

	now := c.now()
	events, err := c.fetcher.Recent(ctx, endpoint, c.limit)
	if err != nil {
		if c.metrics != nil {
			c.metrics.PollErrors.Add(1)
		}
		c.logger.Warn("poller: poll failed",
			slog.String("endpoint", endpoint),
			slog.Any("error", err),
		)
		return
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.DiscardedPolls.Add(1)
		}
		c.logger.Debug("poller: discarding result of poll that outlived its listener",
			slog.String("endpoint", endpoint),
			slog.Int("events", len(events)),
		)
		return
	}
	batch := Delta(events, c.watermark, now)
	if now.After(c.watermark) {
		c.watermark = now
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if c.metrics != nil {
		c.metrics.BatchesDelivered.Add(1)
		c.metrics.EventsDelivered.Add(int64(len(batch)))
	}
	c.deliver(batch)
}

// deliver invokes the callback, containing any panic so that later ticks keep
// running.
func (c *Coordinator) deliver(batch []monitor.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("poller: callback panic recovered",
				slog.Any("recover", r),
				slog.Int("events", len(batch)),
			)
		}
	}()
	c.onEvents(batch)
}
