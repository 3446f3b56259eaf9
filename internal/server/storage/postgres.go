package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/console/internal/monitor"
)

const (
	// DefaultBatchSize is the maximum number of rows held in memory before an
	// automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending rows even when the batch is not full.
	DefaultFlushInterval = 250 * time.Millisecond

	// DefaultConnectTimeout bounds how long New keeps retrying the initial
	// ping while the database comes up.
	DefaultConnectTimeout = 30 * time.Second
)

// schema is applied by Migrate. It is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS monitor_events (
    id           BIGSERIAL   PRIMARY KEY,
    session_id   TEXT        NOT NULL,
    endpoint     TEXT        NOT NULL,
    ts           TIMESTAMPTZ NOT NULL,
    event_type   TEXT        NOT NULL,
    file_path    TEXT        NOT NULL,
    processed    BOOLEAN     NOT NULL,
    retry_count  INTEGER     NOT NULL,
    delivered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_session
    ON monitor_events (session_id, delivered_at DESC, id DESC);
`

// Options tunes a Store. Zero values select the defaults.
type Options struct {
	BatchSize      int
	FlushInterval  time.Duration
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Store is the PostgreSQL-backed event history.
//
// Writes are batched: RecordBatch appends to an in-memory buffer that is
// flushed when it reaches the batch size or when the background ticker
// fires, whichever comes first. Reads go straight to the pool.
type Store struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	mu            sync.Mutex
	batch         []DeliveredEvent
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool for connStr, pings it with exponential backoff until
// opts.ConnectTimeout elapses, applies the schema and starts the background
// flusher.
func New(ctx context.Context, connStr string, opts Options) (*Store, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pingWithBackoff(ctx, pool, opts.ConnectTimeout, opts.Logger); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{
		pool:          pool,
		logger:        opts.Logger,
		batch:         make([]DeliveredEvent, 0, opts.BatchSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	go s.flushLoop()
	return s, nil
}

// pingWithBackoff retries pool.Ping with exponential backoff until it
// succeeds, ctx is cancelled, or maxElapsed passes.
func pingWithBackoff(ctx context.Context, pool *pgxpool.Pool, maxElapsed time.Duration, logger *slog.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		return pool.Ping(ctx)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("storage: database not reachable yet, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("pool.Ping after %d attempts: %w", attempt, err)
	}
	return nil
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close stops the flusher, writes any buffered rows, and closes the pool. It
// is safe to call more than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("storage: final flush failed", slog.Any("error", err))
		}
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("storage: flush failed", slog.Any("error", err))
			}
		}
	}
}

// RecordBatch enqueues a delivered batch for insertion. When the buffer
// reaches the batch size it is flushed synchronously so the caller sees
// back-pressure instead of unbounded growth.
func (s *Store) RecordBatch(ctx context.Context, sessionID, endpoint string, events []monitor.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()

	s.mu.Lock()
	for _, e := range events {
		s.batch = append(s.batch, DeliveredEvent{
			SessionID:   sessionID,
			Endpoint:    endpoint,
			Event:       e,
			DeliveredAt: now,
		})
	}
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the buffer and sends every row in one pgx.Batch round trip.
// Concurrent callers each drain a distinct snapshot. On failure the drained
// rows are dropped: history is best effort and must not grow without bound
// while the database is away.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]DeliveredEvent, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO monitor_events
			(session_id, endpoint, ts, event_type, file_path, processed, retry_count, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	b := &pgx.Batch{}
	for i := range toInsert {
		d := &toInsert[i]
		b.Queue(query,
			d.SessionID, d.Endpoint, d.Event.Timestamp,
			string(d.Event.EventType), d.Event.FilePath,
			d.Event.Processed, d.Event.RetryCount,
			d.DeliveredAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec monitor event (%d rows dropped): %w", len(toInsert), err)
		}
	}
	return nil
}

// ErrSessionRequired is returned by RecentEvents when q.SessionID is empty.
var ErrSessionRequired = errors.New("storage: session id is required")

// normalise applies the EventQuery defaults.
func (q EventQuery) normalise() (EventQuery, error) {
	if q.SessionID == "" {
		return q, ErrSessionRequired
	}
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	if q.Limit > maxQueryLimit {
		q.Limit = maxQueryLimit
	}
	return q, nil
}

// RecentEvents returns the most recently delivered events for a session,
// newest delivery first. Events of one batch keep their delivery order.
func (s *Store) RecentEvents(ctx context.Context, q EventQuery) ([]DeliveredEvent, error) {
	q, err := q.normalise()
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, endpoint, ts, event_type, file_path, processed, retry_count, delivered_at
		FROM   monitor_events
		WHERE  session_id = $1 AND delivered_at >= $2
		ORDER  BY delivered_at DESC, id ASC
		LIMIT  $3`,
		q.SessionID, q.Since, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query monitor events: %w", err)
	}
	defer rows.Close()

	var out []DeliveredEvent
	for rows.Next() {
		var (
			d         DeliveredEvent
			eventType string
		)
		if err := rows.Scan(
			&d.ID, &d.SessionID, &d.Endpoint,
			&d.Event.Timestamp, &eventType, &d.Event.FilePath,
			&d.Event.Processed, &d.Event.RetryCount,
			&d.DeliveredAt,
		); err != nil {
			return nil, fmt.Errorf("scan monitor event: %w", err)
		}
		d.Event.EventType = monitor.EventType(eventType)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteSession removes the history of one session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitor_events WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session %s history: %w", sessionID, err)
	}
	return tag.RowsAffected(), nil
}
