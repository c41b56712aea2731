package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alekspetrov/ticketd/internal/hub"
	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/ticket"
	"github.com/alekspetrov/ticketd/internal/webhooks"
)

// WebhookStats provides outbound webhook counters.
type WebhookStats interface {
	Stats() webhooks.Stats
}

// MetricsSnapshot is a point-in-time view of everything /metrics reports.
type MetricsSnapshot struct {
	TicketsByState map[ticket.State]int
	QueueDepth     int64
	Workers        int
	WorkersBusy    int
	Processed      int64
	Connections    int
	Hub            hub.Stats
	Webhooks       *webhooks.Stats
}

// MetricsSource provides metrics data for the exporter.
type MetricsSource interface {
	MetricsSnapshot(ctx context.Context) MetricsSnapshot
}

// PrometheusExporter formats metrics for Prometheus scraping.
type PrometheusExporter struct {
	metricsSource MetricsSource
}

// NewPrometheusExporter creates a new Prometheus exporter.
func NewPrometheusExporter(source MetricsSource) *PrometheusExporter {
	return &PrometheusExporter{metricsSource: source}
}

// WritePrometheus writes metrics in Prometheus text format to the writer.
func (e *PrometheusExporter) WritePrometheus(ctx context.Context, w io.Writer) error {
	snap := e.metricsSource.MetricsSnapshot(ctx)

	// --- Gauges ---

	writeHelp(w, "ticketd_tickets", "Tickets by lifecycle state")
	writeType(w, "ticketd_tickets", "gauge")
	for _, state := range ticket.States() {
		writeGaugeLabeled(w, "ticketd_tickets", float64(snap.TicketsByState[state]), "state", string(state))
	}

	writeHelp(w, "ticketd_queue_depth", "Ticket ids waiting in the run queue")
	writeType(w, "ticketd_queue_depth", "gauge")
	writeGauge(w, "ticketd_queue_depth", float64(snap.QueueDepth))

	writeHelp(w, "ticketd_workers", "Workers by activity")
	writeType(w, "ticketd_workers", "gauge")
	writeGaugeLabeled(w, "ticketd_workers", float64(snap.WorkersBusy), "status", "busy")
	writeGaugeLabeled(w, "ticketd_workers", float64(snap.Workers-snap.WorkersBusy), "status", "idle")

	writeHelp(w, "ticketd_websocket_connections", "Open WebSocket connections")
	writeType(w, "ticketd_websocket_connections", "gauge")
	writeGauge(w, "ticketd_websocket_connections", float64(snap.Connections))

	writeHelp(w, "ticketd_hub_subscribers", "Live hub subscriptions")
	writeType(w, "ticketd_hub_subscribers", "gauge")
	writeGauge(w, "ticketd_hub_subscribers", float64(snap.Hub.Subscribers))

	// --- Counters ---

	writeHelp(w, "ticketd_tickets_processed_total", "Runs finished by local workers")
	writeType(w, "ticketd_tickets_processed_total", "counter")
	writeCounter(w, "ticketd_tickets_processed_total", snap.Processed)

	writeHelp(w, "ticketd_hub_events_total", "Hub events by outcome")
	writeType(w, "ticketd_hub_events_total", "counter")
	writeCounter(w, "ticketd_hub_events_total", snap.Hub.Published, "outcome", "published")
	writeCounter(w, "ticketd_hub_events_total", snap.Hub.Delivered, "outcome", "delivered")
	writeCounter(w, "ticketd_hub_events_total", snap.Hub.Dropped, "outcome", "dropped")

	if snap.Webhooks != nil {
		writeHelp(w, "ticketd_webhook_deliveries_total", "Outbound webhook deliveries by result")
		writeType(w, "ticketd_webhook_deliveries_total", "counter")
		writeCounter(w, "ticketd_webhook_deliveries_total", snap.Webhooks.Deliveries, "result", "success")
		writeCounter(w, "ticketd_webhook_deliveries_total", snap.Webhooks.Failures, "result", "failed")
		writeCounter(w, "ticketd_webhook_deliveries_total", snap.Webhooks.Dropped, "result", "dropped")

		writeHelp(w, "ticketd_webhook_retries_total", "Outbound webhook retries")
		writeType(w, "ticketd_webhook_retries_total", "counter")
		writeCounter(w, "ticketd_webhook_retries_total", snap.Webhooks.Retries)
	}

	return nil
}

// MetricsSnapshot collects the gateway's view of the system. Ticket counts
// that cannot be read are reported as zero.
func (s *Server) MetricsSnapshot(ctx context.Context) MetricsSnapshot {
	snap := MetricsSnapshot{
		TicketsByState: make(map[ticket.State]int, len(ticket.States())),
		Connections:    s.clients.Count(),
		Hub:            s.hub.Stats(),
	}
	for _, state := range ticket.States() {
		_, total, err := s.tickets.List(ctx, store.ListFilter{State: state, Limit: 1})
		if err != nil {
			s.log.Debug("Metrics ticket count failed", slog.String("state", string(state)), slog.Any("error", err))
			continue
		}
		snap.TicketsByState[state] = total
	}

	status := s.tickets.Status(ctx)
	snap.QueueDepth = status.QueueDepth
	snap.Workers = len(status.Workers)
	for _, w := range status.Workers {
		if w.IsProcessing {
			snap.WorkersBusy++
		}
		snap.Processed += w.Processed
	}

	if s.webhooks != nil {
		ws := s.webhooks.Stats()
		snap.Webhooks = &ws
	}
	return snap
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.metrics.WritePrometheus(ctx, w); err != nil {
		s.log.Warn("Metrics export failed", slog.Any("error", err))
	}
}

// writeHelp writes a HELP line for a metric.
func writeHelp(w io.Writer, name, help string) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
}

// writeType writes a TYPE line for a metric.
func writeType(w io.Writer, name, metricType string) {
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
}

// writeCounter writes a counter metric line.
func writeCounter(w io.Writer, name string, value int64, labelPairs ...string) {
	if len(labelPairs) == 0 {
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
		return
	}
	_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, formatLabels(labelPairs), value)
}

// writeGauge writes a gauge metric line.
func writeGauge(w io.Writer, name string, value float64) {
	_, _ = fmt.Fprintf(w, "%s %g\n", name, value)
}

// writeGaugeLabeled writes a gauge metric with labels.
func writeGaugeLabeled(w io.Writer, name string, value float64, labelPairs ...string) {
	_, _ = fmt.Fprintf(w, "%s{%s} %g\n", name, formatLabels(labelPairs), value)
}

// formatLabels formats label key-value pairs for Prometheus output.
func formatLabels(pairs []string) string {
	var b strings.Builder
	for i := 0; i < len(pairs); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		value := ""
		if i+1 < len(pairs) {
			value = pairs[i+1]
		}
		fmt.Fprintf(&b, "%s=\"%s\"", pairs[i], escapeLabel(value))
	}
	return b.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// escapeLabel escapes special characters in label values.
func escapeLabel(s string) string {
	return labelEscaper.Replace(s)
}
