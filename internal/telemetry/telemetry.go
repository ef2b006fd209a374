// Package telemetry exposes Prometheus instrumentation shared by the
// Watchdesk binaries.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the registry and the instrument families one process
// uses. Each binary creates its own so tests never fight over a global
// registry.
type Metrics struct {
	registry *prometheus.Registry

	ActivitiesIngested prometheus.Counter
	AnomaliesDetected  *prometheus.CounterVec
	OutboxDispatched   prometheus.Counter
	OutboxRetries      prometheus.Counter
	OutboxDeadLetters  prometheus.Counter
	EventsProcessed    *prometheus.CounterVec
	DuplicatesSkipped  *prometheus.CounterVec
	MalformedEvents    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
}

// New creates a Metrics with all instruments registered, alongside the
// standard process and Go runtime collectors.
func New(service string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	constLabels := prometheus.Labels{"service": service}

	m := &Metrics{
		registry: registry,
		ActivitiesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "watchdesk_activities_ingested_total",
			Help:        "Activities accepted and persisted.",
			ConstLabels: constLabels,
		}),
		AnomaliesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "watchdesk_anomalies_detected_total",
			Help:        "Anomalies raised by the rule engine.",
			ConstLabels: constLabels,
		}, []string{"anomaly_type"}),
		OutboxDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "watchdesk_outbox_dispatched_total",
			Help:        "Outbox messages successfully published.",
			ConstLabels: constLabels,
		}),
		OutboxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "watchdesk_outbox_retries_total",
			Help:        "Outbox publish attempts that were rescheduled.",
			ConstLabels: constLabels,
		}),
		OutboxDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "watchdesk_outbox_dead_letters_total",
			Help:        "Outbox messages parked after exhausting attempts.",
			ConstLabels: constLabels,
		}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "watchdesk_events_processed_total",
			Help:        "Events applied by a consumer.",
			ConstLabels: constLabels,
		}, []string{"consumer", "event_type"}),
		DuplicatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "watchdesk_events_duplicate_total",
			Help:        "Redelivered events acknowledged without effect.",
			ConstLabels: constLabels,
		}, []string{"consumer", "event_type"}),
		MalformedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "watchdesk_events_malformed_total",
			Help:        "Events dropped because their payload did not decode.",
			ConstLabels: constLabels,
		}, []string{"consumer", "event_type"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "watchdesk_event_processing_seconds",
			Help:        "Consumer handling latency.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"consumer"}),
	}

	registry.MustRegister(
		m.ActivitiesIngested,
		m.AnomaliesDetected,
		m.OutboxDispatched,
		m.OutboxRetries,
		m.OutboxDeadLetters,
		m.EventsProcessed,
		m.DuplicatesSkipped,
		m.MalformedEvents,
		m.ProcessingDuration,
	)

	return m
}

// Handler returns the scrape endpoint handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
