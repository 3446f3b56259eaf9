package monitor

import (
	"fmt"
	"strings"
	"time"
)

// Basename returns the final element of path, treating both '/' and '\' as
// separators. Trailing separators are ignored. An empty or separator-only path
// is returned unchanged.
func Basename(path string) string {
	trimmed := strings.TrimRight(path, `/\`)
	if trimmed == "" {
		return path
	}
	if i := strings.LastIndexAny(trimmed, `/\`); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// DeliveryStatus summarises the backend's processing state for an event.
type DeliveryStatus string

const (
	StatusProcessed DeliveryStatus = "processed"
	StatusPending   DeliveryStatus = "pending"
	StatusRetrying  DeliveryStatus = "retrying"
)

// Status derives the delivery status of e. A processed event is processed
// regardless of how many attempts it took.
func (e Event) Status() DeliveryStatus {
	switch {
	case e.Processed:
		return StatusProcessed
	case e.RetryCount > 0:
		return StatusRetrying
	default:
		return StatusPending
	}
}

// Attempts returns RetryCount clamped at zero.
func (e Event) Attempts() int {
	if e.RetryCount < 0 {
		return 0
	}
	return e.RetryCount
}

// StatusText is the operator-facing status line, e.g. "retrying (3 attempts)".
func (e Event) StatusText() string {
	n := e.Attempts()
	switch e.Status() {
	case StatusProcessed:
		if n > 0 {
			return fmt.Sprintf("processed after %d %s", n, plural(n, "retry", "retries"))
		}
		return string(StatusProcessed)
	case StatusRetrying:
		return fmt.Sprintf("retrying (%d %s)", n, plural(n, "attempt", "attempts"))
	default:
		return string(StatusPending)
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// View is the rendered form of an Event sent to browser clients and returned
// by the history API.
type View struct {
	Timestamp  string         `json:"timestamp"`
	EventType  string         `json:"event_type"`
	FilePath   string         `json:"file_path"`
	FileName   string         `json:"file_name"`
	Processed  bool           `json:"processed"`
	RetryCount int            `json:"retry_count"`
	Status     DeliveryStatus `json:"status"`
	StatusText string         `json:"status_text"`
}

// Render converts e into its display form.
func Render(e Event) View {
	return View{
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:  e.EventType.Label(),
		FilePath:   e.FilePath,
		FileName:   Basename(e.FilePath),
		Processed:  e.Processed,
		RetryCount: e.Attempts(),
		Status:     e.Status(),
		StatusText: e.StatusText(),
	}
}

// RenderAll renders every event in events, preserving order.
func RenderAll(events []Event) []View {
	views := make([]View, 0, len(events))
	for _, e := range events {
		views = append(views, Render(e))
	}
	return views
}
