package poller

import (
	"time"

	"github.com/tripwire/console/internal/monitor"
)

// Delta returns the events whose timestamp falls in the half-open window
// (watermark, now], in the order they appear in events. Events sharing a
// timestamp keep their relative order. The result is nil when nothing
// qualifies.
func Delta(events []monitor.Event, watermark, now time.Time) []monitor.Event {
	var out []monitor.Event
	for _, e := range events {
		if e.Timestamp.After(watermark) && !e.Timestamp.After(now) {
			out = append(out, e)
		}
	}
	return out
}
