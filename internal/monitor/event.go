// Package monitor describes the file events reported by a monitor backend and
// the HTTP client used to read them.
//
// A monitor backend watches one installation's directories and records every
// create, modify and delete it observes. It owns the delivery state of each
// event (Processed, RetryCount); the console only reads that state and renders
// it.
package monitor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType classifies a file system occurrence. The set is open: backends may
// report kinds the console does not know about, and those must still decode.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
)

// UnknownLabel is the label rendered for event types outside the known set.
const UnknownLabel = "unknown"

// Known reports whether t is one of the event types the console recognises.
func (t EventType) Known() bool {
	switch t {
	case EventCreated, EventModified, EventDeleted:
		return true
	}
	return false
}

// Label returns the display label for t, or UnknownLabel.
func (t EventType) Label() string {
	if t.Known() {
		return string(t)
	}
	return UnknownLabel
}

// Event is one observed file system occurrence as reported by the backend.
type Event struct {
	// Timestamp is when the event occurred. It is the source of truth for
	// ordering and for deciding whether an event is new.
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	// FilePath may use either '/' or '\' as separator depending on the
	// platform the backend runs on.
	FilePath   string `json:"file_path"`
	Processed  bool   `json:"processed"`
	RetryCount int    `json:"retry_count"`
}

// wireEvent mirrors Event with the timestamp left as a string so that the
// several ISO-8601 flavours emitted by backends can be accepted.
type wireEvent struct {
	Timestamp  string    `json:"timestamp"`
	EventType  EventType `json:"event_type"`
	FilePath   string    `json:"file_path"`
	Processed  bool      `json:"processed"`
	RetryCount int       `json:"retry_count"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}
	*e = Event{
		Timestamp:  ts,
		EventType:  w.EventType,
		FilePath:   w.FilePath,
		Processed:  w.Processed,
		RetryCount: w.RetryCount,
	}
	return nil
}

// timestampLayouts lists the accepted ISO-8601 layouts, most specific first.
// Layouts without a zone are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 timestamp with or without a zone offset.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("monitor: empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("monitor: unrecognised timestamp %q", s)
}

// RecentResponse is the body of GET /monitor/events/recent.
type RecentResponse struct {
	Events []Event `json:"events"`
}
