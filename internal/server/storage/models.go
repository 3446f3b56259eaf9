// Package storage provides the PostgreSQL-backed history of monitor events
// the console has delivered to operators. Rows are written in batches by a
// background flusher and read back per console session for the history view.
package storage

import (
	"time"

	"github.com/tripwire/console/internal/monitor"
)

// DeliveredEvent maps to the `monitor_events` table: one event as it was
// handed to a session's listener, together with the delivery state the
// backend reported at that moment.
type DeliveredEvent struct {
	ID          int64         `json:"id"`
	SessionID   string        `json:"session_id"`
	Endpoint    string        `json:"endpoint"`
	Event       monitor.Event `json:"event"`
	DeliveredAt time.Time     `json:"delivered_at"`
}

// EventQuery carries the filter for RecentEvents.
//
// SessionID is required. Limit defaults to 50 when ≤ 0 and is capped at
// 500. A zero Since applies no lower bound on delivered_at.
type EventQuery struct {
	SessionID string
	Since     time.Time
	Limit     int
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)
