package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/tripwire/console/internal/monitor"
)

const (
	columnWidthTime = 10
	columnWidthType = 10
	columnWidthName = 28
)

// batchRenderer prints delivered batches to a terminal.
type batchRenderer struct {
	out io.Writer

	header    lipgloss.Style
	timestamp lipgloss.Style
	name      lipgloss.Style
	path      lipgloss.Style
	eventType map[monitor.EventType]lipgloss.Style
	unknown   lipgloss.Style
	status    map[monitor.DeliveryStatus]lipgloss.Style
}

// newBatchRenderer returns a renderer writing to out. Color is detected from
// out unless noColor forces plain text.
func newBatchRenderer(out io.Writer, noColor bool) *batchRenderer {
	r := lipgloss.NewRenderer(out)
	if noColor {
		r.SetColorProfile(termenv.Ascii)
	}
	return &batchRenderer{
		out:       out,
		header:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		timestamp: r.NewStyle().Width(columnWidthTime).Foreground(lipgloss.Color("8")),
		name:      r.NewStyle().Width(columnWidthName).MaxWidth(columnWidthName).Bold(true),
		path:      r.NewStyle().Foreground(lipgloss.Color("8")),
		eventType: map[monitor.EventType]lipgloss.Style{
			monitor.EventCreated:  r.NewStyle().Width(columnWidthType).Foreground(lipgloss.Color("10")),
			monitor.EventModified: r.NewStyle().Width(columnWidthType).Foreground(lipgloss.Color("11")),
			monitor.EventDeleted:  r.NewStyle().Width(columnWidthType).Foreground(lipgloss.Color("9")),
		},
		unknown: r.NewStyle().Width(columnWidthType).Foreground(lipgloss.Color("13")),
		status: map[monitor.DeliveryStatus]lipgloss.Style{
			monitor.StatusProcessed: r.NewStyle().Foreground(lipgloss.Color("10")),
			monitor.StatusRetrying:  r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
			monitor.StatusPending:   r.NewStyle().Foreground(lipgloss.Color("8")),
		},
	}
}

// Batch writes a header line followed by one line per event.
func (b *batchRenderer) Batch(endpoint string, at time.Time, events []monitor.Event) {
	noun := "events"
	if len(events) == 1 {
		noun = "event"
	}
	fmt.Fprintln(b.out, b.header.Render(fmt.Sprintf("── %d new %s from %s at %s",
		len(events), noun, endpoint, at.Format(time.TimeOnly))))
	for _, e := range events {
		fmt.Fprintln(b.out, b.line(e))
	}
}

func (b *batchRenderer) line(e monitor.Event) string {
	v := monitor.Render(e)

	typeStyle, ok := b.eventType[e.EventType]
	if !ok {
		typeStyle = b.unknown
	}

	return b.timestamp.Render(e.Timestamp.Local().Format(time.TimeOnly)) +
		typeStyle.Render(v.EventType) +
		b.name.Render(v.FileName) + " " +
		b.status[v.Status].Render(v.StatusText) + "  " +
		b.path.Render(v.FilePath)
}
