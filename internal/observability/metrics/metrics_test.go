package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

func TestSessionLifecycleMetrics(t *testing.T) {
	m := newTestMetrics()

	m.RecordSessionStart()
	m.RecordSessionStart()
	m.RecordSessionEnd("stopped", 12)

	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Errorf("expected 2 sessions started, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsEnded.WithLabelValues("stopped")); got != 1 {
		t.Errorf("expected 1 stopped session, got %v", got)
	}
}

func TestRecordGap(t *testing.T) {
	m := newTestMetrics()
	m.RecordGap("frames_lost", 0.4)
	m.RecordGap("frames_lost", 0.2)

	if got := testutil.ToFloat64(m.AudioGaps.WithLabelValues("frames_lost")); got != 2 {
		t.Errorf("expected 2 gaps, got %v", got)
	}
	if got := testutil.ToFloat64(m.AudioGapSeconds.WithLabelValues("frames_lost")); got < 0.59 || got > 0.61 {
		t.Errorf("expected 0.6s of gaps, got %v", got)
	}
}

func TestRecordWithErrors(t *testing.T) {
	tests := []struct {
		name    string
		record  func(m *Metrics)
		counter func(m *Metrics) prometheus.Collector
		want    float64
	}{
		{
			name:    "stt error counted",
			record:  func(m *Metrics) { m.RecordSTTCall("mock", errors.New("boom"), "timeout", 0.1) },
			counter: func(m *Metrics) prometheus.Collector { return m.STTErrors.WithLabelValues("mock", "timeout") },
			want:    1,
		},
		{
			name:    "stt success not counted as error",
			record:  func(m *Metrics) { m.RecordSTTCall("mock", nil, "", 0.1) },
			counter: func(m *Metrics) prometheus.Collector { return m.STTErrors.WithLabelValues("mock", "timeout") },
			want:    0,
		},
		{
			name:    "kafka error",
			record:  func(m *Metrics) { m.RecordKafkaPublish("t", "transcript.segment", errors.New("down"), 0.01) },
			counter: func(m *Metrics) prometheus.Collector { return m.KafkaPublishErrors.WithLabelValues("t", "transcript.segment") },
			want:    1,
		},
		{
			name:    "store ok",
			record:  func(m *Metrics) { m.RecordStoreWrite("append", nil) },
			counter: func(m *Metrics) prometheus.Collector { return m.StoreWrites.WithLabelValues("append", "ok") },
			want:    1,
		},
		{
			name:    "store error",
			record:  func(m *Metrics) { m.RecordStoreWrite("append", errors.New("locked")) },
			counter: func(m *Metrics) prometheus.Collector { return m.StoreWrites.WithLabelValues("append", "error") },
			want:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMetrics()
			tt.record(m)
			if got := testutil.ToFloat64(tt.counter(m)); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestTransportMetrics(t *testing.T) {
	m := newTestMetrics()
	m.RecordConnectionOpen()
	m.RecordConnectionOpen()
	m.RecordConnectionClose("client_closed")
	m.RecordRPC("/grpc.health.v1.Health/Check", "OK", 0.002)

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("expected 1 open connection, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("client_closed")); got != 1 {
		t.Errorf("expected 1 closed connection, got %v", got)
	}
	if got := testutil.ToFloat64(m.RPCRequests.WithLabelValues("/grpc.health.v1.Health/Check", "OK")); got != 1 {
		t.Errorf("expected 1 rpc, got %v", got)
	}
}
