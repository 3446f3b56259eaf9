package poller

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds counters and gauges for every coordinator sharing it. All
// fields are updated atomically, so Handler can read them without locking.
// Coordinators built without WithMetrics record nothing.
//
// Metric catalogue:
//
//	poller_polls_total              – counter: polls that reached the registry lookup
//	poller_idle_polls_total         – counter: polls skipped because no endpoint was selected
//	poller_poll_errors_total        – counter: polls whose request failed or returned a bad body
//	poller_discarded_polls_total    – counter: successful polls dropped because the coordinator stopped
//	poller_batches_delivered_total  – counter: callback invocations
//	poller_events_delivered_total   – counter: events handed to callbacks
//	poller_listening                – gauge:   coordinators currently listening
type Metrics struct {
	Polls            atomic.Int64
	IdlePolls        atomic.Int64
	PollErrors       atomic.Int64
	DiscardedPolls   atomic.Int64
	BatchesDelivered atomic.Int64
	EventsDelivered  atomic.Int64

	Listening atomic.Int64
}

// NewMetrics returns a Metrics value with every counter at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

type metricLine struct {
	help  string
	kind  string
	name  string
	value int64
}

func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{"Total number of poll cycles that consulted the registry.", "counter", "poller_polls_total", m.Polls.Load()},
		{"Total number of poll cycles skipped because no monitor endpoint was selected.", "counter", "poller_idle_polls_total", m.IdlePolls.Load()},
		{"Total number of poll cycles whose request failed or returned a malformed body.", "counter", "poller_poll_errors_total", m.PollErrors.Load()},
		{"Total number of successful poll results discarded after the coordinator stopped.", "counter", "poller_discarded_polls_total", m.DiscardedPolls.Load()},
		{"Total number of event batches handed to callbacks.", "counter", "poller_batches_delivered_total", m.BatchesDelivered.Load()},
		{"Total number of events handed to callbacks.", "counter", "poller_events_delivered_total", m.EventsDelivered.Load()},
		{"Number of coordinators currently listening.", "gauge", "poller_listening", m.Listening.Load()},
	}
}

// Handler serves the metrics in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
