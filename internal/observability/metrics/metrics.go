// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsEnded    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	SessionsResumed  prometheus.Counter
	StateTransitions *prometheus.CounterVec

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	FramesRejected      *prometheus.CounterVec
	FramesDropped       prometheus.Counter

	// Continuity metrics
	FramesOutOfOrder   *prometheus.CounterVec
	RetransmitRequests prometheus.Counter
	AudioGaps          *prometheus.CounterVec
	AudioGapSeconds    *prometheus.CounterVec

	// VAD metrics
	VADDecisions *prometheus.CounterVec

	// Dispatch metrics
	Dispatches       *prometheus.CounterVec
	ChunkSeconds     prometheus.Histogram
	Retries          prometheus.Counter
	DegradedTotal    *prometheus.CounterVec
	BackendQueueWait prometheus.Histogram
	BackendInFlight  prometheus.Gauge

	// STT metrics
	STTLatency *prometheus.HistogramVec
	STTErrors  *prometheus.CounterVec

	// Transcript metrics
	SegmentUpdates *prometheus.CounterVec
	MergeSkipped   *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Persistence metrics
	StoreWrites *prometheus.CounterVec

	// Backpressure metrics
	EventsDropped *prometheus.CounterVec

	// Transport metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	RPCRequests       *prometheus.CounterVec
	RPCLatency        *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics registered with reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Session metrics
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of transcription sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently held in the session table",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions that left the session table",
		}, []string{"outcome"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock duration of sessions in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		}),
		SessionsResumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_resumed_total",
			Help:      "Total number of sessions resumed within the reconnect grace period",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Total number of session lifecycle transitions",
		}, []string{"to"}),

		// Audio metrics
		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),
		FramesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_rejected_total",
			Help:      "Total audio frames rejected by the receiver",
		}, []string{"reason"}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total audio frames dropped because a session queue stayed full",
		}),

		// Continuity metrics
		FramesOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_out_of_order_total",
			Help:      "Total frames that did not extend the contiguous stream",
		}, []string{"status"}),
		RetransmitRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmit_requests_total",
			Help:      "Total retransmission requests sent to clients",
		}),
		AudioGaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_gaps_total",
			Help:      "Total intervals marked missing from transcripts",
		}, []string{"reason"}),
		AudioGapSeconds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_gap_seconds_total",
			Help:      "Total seconds of audio marked missing from transcripts",
		}, []string{"reason"}),

		// VAD metrics
		VADDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_decisions_total",
			Help:      "Total voice activity decisions",
		}, []string{"decision"}),

		// Dispatch metrics
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total transcription requests dispatched, by trigger",
		}, []string{"trigger"}),
		ChunkSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Duration of audio submitted per request",
			Buckets:   []float64{0.2, 0.5, 1, 2, 3, 5, 8, 12},
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Total transcription retries after transient failures",
		}),
		DegradedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_degraded_total",
			Help:      "Total chunks abandoned after exhausting retries or a permanent failure",
		}, []string{"error_type"}),
		BackendQueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_queue_wait_seconds",
			Help:      "Time spent waiting for a backend pool slot",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		BackendInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_in_flight",
			Help:      "Number of backend calls currently in flight",
		}),

		// STT metrics
		STTLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Speech-to-text call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),
		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),

		// Transcript metrics
		SegmentUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_updates_total",
			Help:      "Total transcript segment updates emitted",
		}, []string{"stability"}),
		MergeSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_skipped_total",
			Help:      "Total backend results that produced no transcript change",
		}, []string{"reason"}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// Persistence metrics
		StoreWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Total transcript persistence writes",
		}, []string{"op", "result"}),

		// Backpressure metrics
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total outbound events dropped because a delivery queue was full",
		}, []string{"event_type"}),

		// Transport metrics
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Number of open audio WebSocket connections",
		}),
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connections_total",
			Help:      "Total audio WebSocket connections by close reason",
		}, []string{"reason"}),
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total gRPC calls handled",
		}, []string{"method", "code"}),
		RPCLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// RecordSessionStart records a new session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session leaving the session table.
func (m *Metrics) RecordSessionEnd(outcome string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordResume records a session resumed by a reconnecting client.
func (m *Metrics) RecordResume() {
	m.SessionsResumed.Inc()
}

// RecordTransition records a lifecycle transition.
func (m *Metrics) RecordTransition(to string) {
	m.StateTransitions.WithLabelValues(to).Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordFrameRejected records a frame refused by the receiver.
func (m *Metrics) RecordFrameRejected(reason string) {
	m.FramesRejected.WithLabelValues(reason).Inc()
}

// RecordFrameDropped records a frame dropped on a full session queue.
func (m *Metrics) RecordFrameDropped() {
	m.FramesDropped.Inc()
}

// RecordOutOfOrder records a frame that was held, duplicated or late.
func (m *Metrics) RecordOutOfOrder(status string) {
	m.FramesOutOfOrder.WithLabelValues(status).Inc()
}

// RecordRetransmit records a retransmission request.
func (m *Metrics) RecordRetransmit() {
	m.RetransmitRequests.Inc()
}

// RecordGap records an interval marked missing.
func (m *Metrics) RecordGap(reason string, seconds float64) {
	m.AudioGaps.WithLabelValues(reason).Inc()
	m.AudioGapSeconds.WithLabelValues(reason).Add(seconds)
}

// RecordVADDecision records a voice activity decision.
func (m *Metrics) RecordVADDecision(decision string) {
	m.VADDecisions.WithLabelValues(decision).Inc()
}

// RecordDispatch records a transcription request leaving the scheduler.
func (m *Metrics) RecordDispatch(trigger string, chunkSeconds float64) {
	m.Dispatches.WithLabelValues(trigger).Inc()
	m.ChunkSeconds.Observe(chunkSeconds)
}

// RecordRetry records a retry of a transient failure.
func (m *Metrics) RecordRetry() {
	m.Retries.Inc()
}

// RecordDegraded records an abandoned chunk.
func (m *Metrics) RecordDegraded(errorType string) {
	m.DegradedTotal.WithLabelValues(errorType).Inc()
}

// RecordQueueWait records time spent waiting for a backend slot.
func (m *Metrics) RecordQueueWait(seconds float64) {
	m.BackendQueueWait.Observe(seconds)
}

// RecordSTTCall records a completed backend call.
func (m *Metrics) RecordSTTCall(provider string, err error, errorType string, latencySeconds float64) {
	m.STTLatency.WithLabelValues(provider).Observe(latencySeconds)
	if err != nil {
		m.STTErrors.WithLabelValues(provider, errorType).Inc()
	}
}

// RecordSegmentUpdate records an emitted segment update.
func (m *Metrics) RecordSegmentUpdate(stability string) {
	m.SegmentUpdates.WithLabelValues(stability).Inc()
}

// RecordMergeSkipped records a result that changed nothing.
func (m *Metrics) RecordMergeSkipped(reason string) {
	m.MergeSkipped.WithLabelValues(reason).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordStoreWrite records a persistence write.
func (m *Metrics) RecordStoreWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreWrites.WithLabelValues(op, result).Inc()
}

// RecordEventDropped records an event dropped from a full outbound or bus queue.
func (m *Metrics) RecordEventDropped(eventType string) {
	m.EventsDropped.WithLabelValues(eventType).Inc()
}

// RecordConnectionOpen records an accepted WebSocket connection.
func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsActive.Inc()
}

// RecordConnectionClose records a closed WebSocket connection.
func (m *Metrics) RecordConnectionClose(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionsTotal.WithLabelValues(reason).Inc()
}

// RecordRPC records a completed gRPC call.
func (m *Metrics) RecordRPC(method, code string, seconds float64) {
	m.RPCRequests.WithLabelValues(method, code).Inc()
	m.RPCLatency.WithLabelValues(method).Observe(seconds)
}
