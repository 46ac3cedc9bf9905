package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/stt"
)

// blockingBackend tracks concurrency and blocks each call until released.
type blockingBackend struct {
	mu       sync.Mutex
	active   int
	peak     int
	order    []string
	release  chan struct{}
	closed   atomic.Bool
	duration time.Duration
}

func (b *blockingBackend) Name() string { return "blocking" }

func (b *blockingBackend) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	b.mu.Lock()
	b.active++
	if b.active > b.peak {
		b.peak = b.active
	}
	b.order = append(b.order, req.SessionID)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if b.duration > 0 {
		select {
		case <-time.After(b.duration):
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	return stt.Result{Text: "ok"}, nil
}

func (b *blockingBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWith(prometheus.NewRegistry())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	backend := &blockingBackend{duration: 20 * time.Millisecond}
	p := NewPool(backend, PoolConfig{MaxConcurrent: 2, CallTimeout: time.Second}, testMetrics())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		p.Submit(Request{Request: stt.Request{ID: "r", SessionID: "s"}}, func(_ Request, _ stt.Result, err error) {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			wg.Done()
		})
	}
	wg.Wait()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.peak > 2 {
		t.Errorf("expected at most 2 concurrent calls, saw %d", backend.peak)
	}
}

func TestPool_FIFOAdmission(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{})}
	p := NewPool(backend, PoolConfig{MaxConcurrent: 1, CallTimeout: time.Second}, testMetrics())

	done := make(chan string, 4)
	cb := func(r Request, _ stt.Result, _ error) { done <- r.SessionID }

	p.Submit(Request{Request: stt.Request{SessionID: "a"}}, cb)
	time.Sleep(20 * time.Millisecond)
	for _, s := range []string{"b", "c", "d"} {
		p.Submit(Request{Request: stt.Request{SessionID: s}}, cb)
		time.Sleep(20 * time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		backend.release <- struct{}{}
		<-done
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if backend.order[i] != want[i] {
			t.Fatalf("expected FIFO order %v, got %v", want, backend.order)
		}
	}
}

func TestPool_CallTimeout(t *testing.T) {
	backend := &blockingBackend{duration: time.Second}
	p := NewPool(backend, PoolConfig{MaxConcurrent: 1, CallTimeout: 20 * time.Millisecond}, testMetrics())

	_, err := p.Do(context.Background(), Request{Request: stt.Request{ID: "r"}})
	if !stt.IsRetryable(err) {
		t.Errorf("expected retryable timeout, got %v", err)
	}
}

func TestPool_FillsRequestID(t *testing.T) {
	p := NewPool(&blockingBackend{}, PoolConfig{}, testMetrics())
	res, err := p.Do(context.Background(), Request{Request: stt.Request{ID: "req-9"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RequestID != "req-9" {
		t.Errorf("expected request id to be filled, got %q", res.RequestID)
	}
}

func TestPool_CloseCancelsOutstanding(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{})}
	p := NewPool(backend, PoolConfig{MaxConcurrent: 1, CallTimeout: time.Minute}, testMetrics())

	errs := make(chan error, 1)
	p.Submit(Request{Request: stt.Request{ID: "r"}}, func(_ Request, _ stt.Result, err error) { errs <- err })
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-errs; err == nil {
		t.Error("expected outstanding call to be cancelled")
	}
	if !backend.closed.Load() {
		t.Error("expected backend to be closed")
	}
}
