// Package console contains the admin console orchestrator. Each operator
// session owns an endpoint registry and exactly one polling coordinator; the
// Console wires the coordinator's batches to the websocket broadcaster and the
// history store, and records operator actions in the audit log.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/console/internal/audit"
	"github.com/tripwire/console/internal/config"
	"github.com/tripwire/console/internal/monitor"
	"github.com/tripwire/console/internal/poller"
	"github.com/tripwire/console/internal/registry"
)

var (
	// ErrUnknownSession is returned for operations on a session that does not
	// exist.
	ErrUnknownSession = errors.New("console: unknown session")

	// ErrInvalidEndpoint is returned when a selection is not an absolute
	// http(s) URL.
	ErrInvalidEndpoint = errors.New("console: invalid endpoint")

	// ErrUnknownMonitor is returned when a selection names a monitor that is
	// not configured.
	ErrUnknownMonitor = errors.New("console: unknown monitor")

	// ErrShutdown is returned by StartListening after Shutdown.
	ErrShutdown = errors.New("console: shutting down")
)

// Publisher pushes session traffic to connected browsers.
// *websocket.Broadcaster implements it.
type Publisher interface {
	PublishEvents(sessionID, endpoint string, events []monitor.Event)
	PublishListener(sessionID string, listening bool)
	DisconnectSession(sessionID string)
}

// History persists delivered batches. *storage.Store implements it.
type History interface {
	RecordBatch(ctx context.Context, sessionID, endpoint string, events []monitor.Event) error
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
}

// Auditor records operator actions. *audit.Logger implements it.
type Auditor interface {
	Record(r audit.Record) (audit.Entry, error)
}

// ListenerObserver is told how many listeners are active after every start
// or stop. The gRPC health server implements it.
type ListenerObserver interface {
	ListenersChanged(active int)
}

// Selection identifies the endpoint an operator picked: either a URL or the
// name of a configured monitor.
type Selection struct {
	Endpoint string `json:"endpoint,omitempty"`
	Monitor  string `json:"monitor,omitempty"`
}

// SessionStatus is a point-in-time view of one session.
type SessionStatus struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Listening bool      `json:"listening"`
	Watermark time.Time `json:"watermark"`
}

type session struct {
	id    string
	reg   *registry.Memory
	coord *poller.Coordinator

	// mu serialises listener start and stop. It is never held by the batch
	// callback, so coord.Stop may be called under it.
	mu     sync.Mutex
	closed bool
}

// Console is the central orchestrator. It is safe for concurrent use.
type Console struct {
	cfg      *config.Config
	logger   *slog.Logger
	sessions *registry.Sessions
	fetcher  poller.Fetcher

	publisher Publisher
	history   History
	auditor   Auditor
	observer  ListenerObserver
	metrics   *poller.Metrics
	now       func() time.Time
	newID     func() string

	key            string
	historyTimeout time.Duration
	startTime      time.Time

	mu          sync.RWMutex
	active      map[string]*session
	lastBatchAt time.Time
	closed      bool
}

// Option is a functional option for Console construction.
type Option func(*Console)

// WithPublisher registers the websocket broadcaster.
func WithPublisher(p Publisher) Option {
	return func(c *Console) { c.publisher = p }
}

// WithHistory registers the delivered-event history store.
func WithHistory(h History) Option {
	return func(c *Console) { c.history = h }
}

// WithAuditor registers the operator audit log.
func WithAuditor(a Auditor) Option {
	return func(c *Console) { c.auditor = a }
}

// WithListenerObserver registers the health reporter.
func WithListenerObserver(o ListenerObserver) Option {
	return func(c *Console) { c.observer = o }
}

// WithMetrics shares m with every session coordinator.
func WithMetrics(m *poller.Metrics) Option {
	return func(c *Console) { c.metrics = m }
}

// WithClock replaces time.Now for the console and its coordinators.
func WithClock(now func() time.Time) Option {
	return func(c *Console) { c.now = now }
}

// WithIDGenerator replaces uuid.NewString for session ids.
func WithIDGenerator(f func() string) Option {
	return func(c *Console) { c.newID = f }
}

// New creates a Console. sessions holds the per-session registries and
// fetcher reads the monitor backends. All other collaborators are optional.
func New(cfg *config.Config, sessions *registry.Sessions, fetcher poller.Fetcher, logger *slog.Logger, opts ...Option) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Console{
		cfg:            cfg,
		logger:         logger,
		sessions:       sessions,
		fetcher:        fetcher,
		now:            time.Now,
		newID:          uuid.NewString,
		key:            cfg.Poller.EndpointKey,
		historyTimeout: 5 * time.Second,
		active:         make(map[string]*session),
	}
	if c.key == "" {
		c.key = registry.ActiveEndpointKey
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startTime = c.now()
	return c
}

// Restore attaches a coordinator to every session the registry restored from
// disk. Call it once before serving.
func (c *Console) Restore(ctx context.Context) (int, error) {
	n, err := c.sessions.Restore(ctx)
	if err != nil {
		return 0, fmt.Errorf("console: restore sessions: %w", err)
	}
	for _, id := range c.sessions.IDs() {
		if _, err := c.attach(id); err != nil {
			return 0, err
		}
	}
	if n > 0 {
		c.logger.Info("console: restored sessions", slog.Int("sessions", n))
	}
	return n, nil
}

// CreateSession opens a new session and returns its id.
func (c *Console) CreateSession(actor string) (string, error) {
	id := c.newID()
	c.sessions.Create(id)
	if _, err := c.attach(id); err != nil {
		return "", err
	}
	c.audit(audit.Record{Action: audit.ActionSessionCreated, SessionID: id, Actor: actor})
	c.logger.Info("console: session created", slog.String("session_id", id))
	return id, nil
}

// attach builds the coordinator for a session already present in the
// registry table.
func (c *Console) attach(id string) (*session, error) {
	reg, err := c.sessions.Registry(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.active[id]; ok {
		return s, nil
	}

	opts := []poller.Option{
		poller.WithInterval(c.cfg.Poller.Interval),
		poller.WithLimit(c.cfg.Poller.Limit),
		poller.WithKey(c.key),
		poller.WithClock(c.now),
	}
	if c.metrics != nil {
		opts = append(opts, poller.WithMetrics(c.metrics))
	}

	s := &session{id: id, reg: reg}
	s.coord = poller.New(reg, c.fetcher, c.onBatch(s),
		c.logger.With(slog.String("session_id", id)), opts...)
	c.active[id] = s
	return s, nil
}

// lookup returns the session or ErrUnknownSession.
func (c *Console) lookup(id string) (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// HasSession reports whether id is an open session.
func (c *Console) HasSession(id string) bool {
	return c.sessions.Exists(id)
}

// CloseSession stops the session's listener, forgets its selection, purges
// its event history and disconnects its browsers. A history failure is logged
// and does not fail the close.
func (c *Console) CloseSession(ctx context.Context, id, actor string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.coord.Stop()
	s.mu.Unlock()

	if err := c.sessions.Close(ctx, id); err != nil {
		return fmt.Errorf("console: close session %s: %w", id, err)
	}
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()

	if c.history != nil {
		hctx, cancel := context.WithTimeout(context.Background(), c.historyTimeout)
		n, err := c.history.DeleteSession(hctx, id)
		cancel()
		if err != nil {
			c.logger.Warn("console: failed to delete session history",
				slog.String("session_id", id),
				slog.Any("error", err),
			)
		} else {
			c.logger.Debug("console: session history deleted",
				slog.String("session_id", id),
				slog.Int64("events", n),
			)
		}
	}

	if c.publisher != nil {
		c.publisher.DisconnectSession(id)
	}
	c.notifyListeners()
	c.audit(audit.Record{Action: audit.ActionSessionClosed, SessionID: id, Actor: actor})
	c.logger.Info("console: session closed", slog.String("session_id", id))
	return nil
}

// Sessions returns the status of every open session ordered by id.
func (c *Console) Sessions() []SessionStatus {
	c.mu.RLock()
	list := make([]*session, 0, len(c.active))
	for _, s := range c.active {
		list = append(list, s)
	}
	c.mu.RUnlock()

	out := make([]SessionStatus, 0, len(list))
	for _, s := range list {
		out = append(out, c.status(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the status of one session.
func (c *Console) Status(id string) (SessionStatus, error) {
	s, err := c.lookup(id)
	if err != nil {
		return SessionStatus{}, err
	}
	return c.status(s), nil
}

func (c *Console) status(s *session) SessionStatus {
	endpoint, _ := s.reg.Get(c.key)
	return SessionStatus{
		ID:        s.id,
		Endpoint:  endpoint,
		Listening: s.coord.IsListening(),
		Watermark: s.coord.Watermark(),
	}
}

// Monitors returns the configured monitor instances.
func (c *Console) Monitors() []config.Monitor {
	return c.cfg.Monitors
}

// Resolve turns a selection into an endpoint URL.
func (c *Console) Resolve(sel Selection) (string, error) {
	endpoint := strings.TrimSpace(sel.Endpoint)
	name := strings.TrimSpace(sel.Monitor)
	switch {
	case endpoint != "" && name != "":
		return "", fmt.Errorf("%w: give either an endpoint or a monitor name, not both", ErrInvalidEndpoint)
	case name != "":
		u, ok := c.cfg.MonitorURL(name)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownMonitor, name)
		}
		return u, nil
	}
	if err := config.ValidateEndpoint(endpoint); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	return endpoint, nil
}

// Endpoint returns the session's active endpoint.
func (c *Console) Endpoint(id string) (string, bool, error) {
	s, err := c.lookup(id)
	if err != nil {
		return "", false, err
	}
	endpoint, ok := s.reg.Get(c.key)
	return endpoint, ok, nil
}

// SelectEndpoint makes sel the session's active endpoint. A running listener
// picks it up on its next tick.
func (c *Console) SelectEndpoint(ctx context.Context, id string, sel Selection, actor string) (string, error) {
	if _, err := c.lookup(id); err != nil {
		return "", err
	}
	endpoint, err := c.Resolve(sel)
	if err != nil {
		return "", err
	}
	if err := c.sessions.Set(ctx, id, c.key, endpoint); err != nil {
		return "", fmt.Errorf("console: select endpoint: %w", err)
	}

	c.audit(audit.Record{
		Action:    audit.ActionEndpointSelected,
		SessionID: id,
		Endpoint:  endpoint,
		Monitor:   strings.TrimSpace(sel.Monitor),
		Actor:     actor,
	})
	c.logger.Info("console: endpoint selected",
		slog.String("session_id", id),
		slog.String("endpoint", endpoint),
	)
	return endpoint, nil
}

// ClearEndpoint removes the session's active endpoint. A running listener
// keeps ticking but skips every poll until a new endpoint is selected.
func (c *Console) ClearEndpoint(ctx context.Context, id, actor string) error {
	if _, err := c.lookup(id); err != nil {
		return err
	}
	if err := c.sessions.Delete(ctx, id, c.key); err != nil {
		return fmt.Errorf("console: clear endpoint: %w", err)
	}
	c.audit(audit.Record{Action: audit.ActionEndpointCleared, SessionID: id, Actor: actor})
	c.logger.Info("console: endpoint cleared", slog.String("session_id", id))
	return nil
}

// StartListening starts the session's listener. Starting a running listener
// changes nothing and records nothing.
func (c *Console) StartListening(id, actor string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrShutdown
	}
	if s.coord.IsListening() {
		return nil
	}
	s.coord.Start()
	c.listenerChanged(s, true, actor)
	return nil
}

// StopListening stops the session's listener. No batch reaches the browser
// or the history store after it returns.
func (c *Console) StopListening(id, actor string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.coord.IsListening() {
		return nil
	}
	s.coord.Stop()
	c.listenerChanged(s, false, actor)
	return nil
}

func (c *Console) listenerChanged(s *session, listening bool, actor string) {
	action := audit.ActionListenerStopped
	if listening {
		action = audit.ActionListenerStarted
	}
	if c.publisher != nil {
		c.publisher.PublishListener(s.id, listening)
	}
	c.notifyListeners()
	c.audit(audit.Record{Action: action, SessionID: s.id, Actor: actor})
	c.logger.Info("console: listener changed",
		slog.String("session_id", s.id),
		slog.Bool("listening", listening),
	)
}

// IsListening reports whether the session's listener is running.
func (c *Console) IsListening(id string) (bool, error) {
	s, err := c.lookup(id)
	if err != nil {
		return false, err
	}
	return s.coord.IsListening(), nil
}

// Refresh runs one poll for the session right away. It does nothing while
// the listener is stopped.
func (c *Console) Refresh(ctx context.Context, id string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	s.coord.Poll(ctx)
	return nil
}

// ActiveListeners returns the number of running listeners.
func (c *Console) ActiveListeners() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.active {
		if s.coord.IsListening() {
			n++
		}
	}
	return n
}

func (c *Console) notifyListeners() {
	if c.observer != nil {
		c.observer.ListenersChanged(c.ActiveListeners())
	}
}

// Shutdown stops every listener. Sessions and their selections are kept so a
// restart can restore them.
func (c *Console) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	list := make([]*session, 0, len(c.active))
	for _, s := range c.active {
		list = append(list, s)
	}
	c.mu.Unlock()

	for _, s := range list {
		s.mu.Lock()
		s.coord.Stop()
		s.mu.Unlock()
	}
	c.notifyListeners()
	c.logger.Info("console: all listeners stopped", slog.Int("sessions", len(list)))
}

// onBatch returns the coordinator callback for s. It runs on the
// coordinator's goroutine, one batch at a time.
func (c *Console) onBatch(s *session) poller.Callback {
	return func(events []monitor.Event) {
		endpoint, _ := s.reg.Get(c.key)

		c.mu.Lock()
		c.lastBatchAt = c.now()
		c.mu.Unlock()

		c.logger.Debug("console: delivering batch",
			slog.String("session_id", s.id),
			slog.String("endpoint", endpoint),
			slog.Int("events", len(events)),
		)

		if c.publisher != nil {
			c.publisher.PublishEvents(s.id, endpoint, events)
		}
		if c.history != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.historyTimeout)
			defer cancel()
			if err := c.history.RecordBatch(ctx, s.id, endpoint, events); err != nil {
				c.logger.Warn("console: failed to record batch history",
					slog.String("session_id", s.id),
					slog.Any("error", err),
				)
			}
		}
	}
}

func (c *Console) audit(r audit.Record) {
	if c.auditor == nil {
		return
	}
	if _, err := c.auditor.Record(r); err != nil {
		c.logger.Warn("console: failed to write audit record",
			slog.String("action", string(r.Action)),
			slog.String("session_id", r.SessionID),
			slog.Any("error", err),
		)
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	Sessions    int     `json:"sessions"`
	Listening   int     `json:"listening"`
	LastBatchAt string  `json:"last_batch_at,omitempty"`
}

// Health returns a snapshot of the console's health.
func (c *Console) Health() HealthStatus {
	listening := c.ActiveListeners()

	c.mu.RLock()
	defer c.mu.RUnlock()

	h := HealthStatus{
		Status:    "ok",
		UptimeS:   c.now().Sub(c.startTime).Seconds(),
		Sessions:  len(c.active),
		Listening: listening,
	}
	if c.closed {
		h.Status = "stopping"
	}
	if !c.lastBatchAt.IsZero() {
		h.LastBatchAt = c.lastBatchAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler responds with Health as JSON and HTTP 200.
func (c *Console) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := c.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		c.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
