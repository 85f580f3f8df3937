package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	noteWindow = NewSlidingWindow(60*time.Second, 20000)

	notesIngestedCount int64
	broadcastDropCount int64
)

// Relay pool metrics
var (
	RelaysByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nostrpow_relays",
		Help: "Number of upstream relays by connection status",
	}, []string{"status"})

	RelayConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostrpow_relay_connect_attempts_total",
		Help: "Upstream dial attempts by result",
	}, []string{"result"}) // "success", "failure"

	RelayReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrpow_relay_reconnects_scheduled_total",
		Help: "Reconnection timers scheduled after a dial failure or disconnect",
	})

	RelayDialLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nostrpow_relay_dial_latency_seconds",
		Help:    "Time to establish an upstream websocket",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms .. ~10s
	})

	UpstreamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostrpow_upstream_frames_total",
		Help: "Frames received from upstream relays by type",
	}, []string{"type"}) // "EVENT", "EOSE", "NOTICE", "OK", "CLOSED", "AUTH", "unknown"

	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrpow_upstream_malformed_frames_total",
		Help: "Upstream frames dropped because they could not be decoded",
	})
)

// Ingestion metrics
var (
	NotesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrpow_notes_ingested_total",
		Help: "Events scored and upserted into the store",
	})

	NotesStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostrpow_notes_stored",
		Help: "Distinct notes currently held in memory",
	})

	DuplicateSightings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrpow_duplicate_sightings_total",
		Help: "Events whose id was already stored",
	})

	IngestDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostrpow_ingest_dropped_total",
		Help: "Events dropped before ingestion by reason",
	}, []string{"reason"}) // "queue_full", "invalid", "kind"

	NoteDifficulty = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nostrpow_note_difficulty",
		Help:    "Distribution of leading-zero difficulty of ingested notes",
		Buckets: prometheus.LinearBuckets(0, 1, 12),
	})
)

// Downstream metrics
var (
	ClientSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostrpow_client_sessions",
		Help: "Live downstream websocket sessions",
	})

	BroadcastMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostrpow_broadcast_messages_total",
		Help: "Messages fanned out to clients by type",
	}, []string{"type"})

	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostrpow_broadcast_dropped_total",
		Help: "Client deliveries dropped because the client queue overflowed",
	})

	ControlFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostrpow_control_frames_total",
		Help: "Control frames received from clients by type",
	}, []string{"type"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostrpow_http_requests_total",
		Help: "HTTP requests by path",
	}, []string{"path"})

	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nostrpow_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5),
	})

	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostrpow_errors_total",
		Help: "Errors by type",
	}, []string{"type"})
)

// RegisterMetrics pre-creates label values so dashboards show zeros.
func RegisterMetrics() {
	for _, status := range []string{"disconnected", "connecting", "connected", "error"} {
		RelaysByStatus.WithLabelValues(status)
	}
	for _, result := range []string{"success", "failure"} {
		RelayConnectAttempts.WithLabelValues(result)
	}
	for _, t := range []string{"EVENT", "EOSE", "NOTICE", "OK", "CLOSED", "AUTH", "unknown"} {
		UpstreamFrames.WithLabelValues(t)
	}
	for _, reason := range []string{"queue_full", "invalid", "kind"} {
		IngestDropped.WithLabelValues(reason)
	}
	for _, t := range []string{"new_note", "relay_status", "notes_response", "error"} {
		BroadcastMessages.WithLabelValues(t)
	}
	for _, t := range []string{"add_relay", "remove_relay", "get_notes", "unknown"} {
		ControlFrames.WithLabelValues(t)
	}
}

// RecordNoteIngested updates the counter, the local total and the rate window.
func RecordNoteIngested(difficulty int) {
	NotesIngested.Inc()
	NoteDifficulty.Observe(float64(difficulty))
	atomic.AddInt64(&notesIngestedCount, 1)
	noteWindow.Add(time.Now().Unix())
}

// GetNotesIngestedCount returns the number of ingested events since start.
func GetNotesIngestedCount() int64 {
	return atomic.LoadInt64(&notesIngestedCount)
}

// GetNotesPerSecond returns the ingestion rate over the last minute.
func GetNotesPerSecond() float64 {
	return noteWindow.Rate()
}

// IncrementClientSessions tracks a new downstream session.
func IncrementClientSessions() {
	ClientSessions.Inc()
}

// DecrementClientSessions tracks a closed downstream session.
func DecrementClientSessions() {
	ClientSessions.Dec()
}

// IncrementBroadcastDropped counts one overflowed delivery.
func IncrementBroadcastDropped() {
	BroadcastDropped.Inc()
	atomic.AddInt64(&broadcastDropCount, 1)
}

// GetBroadcastDroppedCount returns the overflowed delivery count.
func GetBroadcastDroppedCount() int64 {
	return atomic.LoadInt64(&broadcastDropCount)
}

// SetRelayStatusCounts replaces the per-status relay gauges.
func SetRelayStatusCounts(counts map[string]int) {
	for _, status := range []string{"disconnected", "connecting", "connected", "error"} {
		RelaysByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}
