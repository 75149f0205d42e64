package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the interpreter.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Room metrics
	ActiveRooms  prometheus.Gauge
	RoomsCreated prometheus.Counter
	RoomsExpired prometheus.Counter
	RoomsDeleted prometheus.Counter

	// Listener metrics
	ActiveListeners  prometheus.Gauge
	ListenersJoined  prometheus.Counter
	ListenersDropped *prometheus.CounterVec

	// Writer metrics
	WriterAttaches    prometheus.Counter
	WriterPreemptions prometheus.Counter
	WriterRejections  *prometheus.CounterVec

	// Relay traffic
	MessagesRelayed    *prometheus.CounterVec
	BytesRelayed       prometheus.Counter
	OversizedMessages  prometheus.Counter
	ProtocolViolations *prometheus.CounterVec

	// Speaker session metrics
	SessionState       *prometheus.GaugeVec
	FramesSent         prometheus.Counter
	FramesDropped      prometheus.Counter
	EventsEmitted      *prometheus.CounterVec
	BackendConnects    *prometheus.CounterVec
	BackendConnectTime prometheus.Histogram
	PipelineUnits      *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// sessionStates lists every value of the session_state label
var sessionStates = []string{"idle", "connecting", "streaming", "stopping", "error"}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Room metrics
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "interpreter_active_rooms",
			Help: "Current number of open rooms",
		}),
		RoomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		RoomsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_rooms_expired_total",
			Help: "Total number of rooms torn down by expiry",
		}),
		RoomsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_rooms_deleted_total",
			Help: "Total number of rooms deleted explicitly",
		}),

		// Listener metrics
		ActiveListeners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "interpreter_active_listeners",
			Help: "Current number of connected listeners across all rooms",
		}),
		ListenersJoined: factory.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_listeners_joined_total",
			Help: "Total number of listener connections accepted",
		}),
		ListenersDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_listeners_dropped_total",
			Help: "Total number of listeners removed from a room",
		}, []string{"reason"}),

		// Writer metrics
		WriterAttaches: factory.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_writer_attaches_total",
			Help: "Total number of authorized writer connections",
		}),
		WriterPreemptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_writer_preemptions_total",
			Help: "Total number of writers closed by a newer writer",
		}),
		WriterRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_writer_rejections_total",
			Help: "Total number of writer connections rejected",
		}, []string{"reason"}),

		// Relay traffic
		MessagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_messages_relayed_total",
			Help: "Total number of writer messages fanned out to listeners",
		}, []string{"type"}),
		BytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_bytes_relayed_total",
			Help: "Total number of writer message bytes accepted for fan-out",
		}),
		OversizedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_oversized_messages_total",
			Help: "Total number of writer messages rejected for size",
		}),
		ProtocolViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_protocol_violations_total",
			Help: "Total number of writer messages dropped as protocol violations",
		}, []string{"kind"}),

		// Speaker session metrics
		SessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "interpreter_session_state",
			Help: "Current streaming session state (1 for the active state)",
		}, []string{"state"}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_frames_sent_total",
			Help: "Total number of audio frames sent to the translation backend",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_frames_dropped_total",
			Help: "Total number of audio frames dropped before sending",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_events_emitted_total",
			Help: "Total number of events sequenced by the speaker",
		}, []string{"type"}),
		BackendConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_backend_connects_total",
			Help: "Total number of translation backend connection attempts",
		}, []string{"result"}),
		BackendConnectTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "interpreter_backend_connect_duration_seconds",
			Help:    "Time to open a translation backend connection",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		PipelineUnits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_pipeline_units_total",
			Help: "Total number of sentences processed by the decoupled pipeline",
		}, []string{"result"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "interpreter_pipeline_unit_duration_seconds",
			Help:    "Time to translate and synthesize one sentence",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "interpreter_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordRoomCreated increments the rooms created counter and active gauge
func (m *Metrics) RecordRoomCreated() {
	if m == nil {
		return
	}
	m.RoomsCreated.Inc()
	m.ActiveRooms.Inc()
}

// RecordRoomClosed records a room teardown, expired or deleted
func (m *Metrics) RecordRoomClosed(expired bool) {
	if m == nil {
		return
	}
	if expired {
		m.RoomsExpired.Inc()
	} else {
		m.RoomsDeleted.Inc()
	}
	m.ActiveRooms.Dec()
}

// RecordListenerJoined records an accepted listener
func (m *Metrics) RecordListenerJoined() {
	if m == nil {
		return
	}
	m.ListenersJoined.Inc()
	m.ActiveListeners.Inc()
}

// RecordListenerLeft records a listener removal. reason is "closed" for a
// normal disconnect and "slow" for a listener dropped by fan-out.
func (m *Metrics) RecordListenerLeft(reason string) {
	if m == nil {
		return
	}
	m.ListenersDropped.WithLabelValues(reason).Inc()
	m.ActiveListeners.Dec()
}

// RecordWriterAttached records an authorized writer, and whether it preempted another
func (m *Metrics) RecordWriterAttached(preempted bool) {
	if m == nil {
		return
	}
	m.WriterAttaches.Inc()
	if preempted {
		m.WriterPreemptions.Inc()
	}
}

// RecordWriterRejected records a rejected writer connection
func (m *Metrics) RecordWriterRejected(reason string) {
	if m == nil {
		return
	}
	m.WriterRejections.WithLabelValues(reason).Inc()
}

// RecordMessageRelayed records one message accepted for fan-out
func (m *Metrics) RecordMessageRelayed(eventType string, size int) {
	if m == nil {
		return
	}
	m.MessagesRelayed.WithLabelValues(eventType).Inc()
	m.BytesRelayed.Add(float64(size))
}

// RecordOversizedMessage increments the oversized message counter
func (m *Metrics) RecordOversizedMessage() {
	if m == nil {
		return
	}
	m.OversizedMessages.Inc()
}

// RecordProtocolViolation records a dropped writer message
func (m *Metrics) RecordProtocolViolation(kind string) {
	if m == nil {
		return
	}
	m.ProtocolViolations.WithLabelValues(kind).Inc()
}

// SetSessionState marks state as the current session state
func (m *Metrics) SetSessionState(state string) {
	if m == nil {
		return
	}
	for _, s := range sessionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.SessionState.WithLabelValues(s).Set(value)
	}
}

// RecordFrameSent increments the frames sent counter
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordFrameDropped increments the frames dropped counter
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordEventEmitted increments the emitted events counter for eventType
func (m *Metrics) RecordEventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// RecordBackendConnect records a backend connection attempt and its latency
func (m *Metrics) RecordBackendConnect(duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.BackendConnects.WithLabelValues(result).Inc()
	m.BackendConnectTime.Observe(duration.Seconds())
}

// RecordPipelineUnit records one translated and synthesized sentence
func (m *Metrics) RecordPipelineUnit(duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.PipelineUnits.WithLabelValues(result).Inc()
	m.PipelineDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
