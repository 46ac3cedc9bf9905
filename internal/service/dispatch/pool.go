package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/stt"
)

// Pool is the process-wide gate in front of the transcription backend. Waiters are
// admitted in FIFO order, so a busy session cannot starve the others.
type Pool struct {
	backend stt.Backend
	sem     *semaphore.Weighted
	timeout time.Duration
	metrics *metrics.Metrics

	// base is cancelled only on process shutdown; session stops never abort a call.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	MaxConcurrent int
	// CallTimeout bounds a single backend call, not including queueing.
	CallTimeout time.Duration
}

// NewPool creates a pool around backend.
func NewPool(backend stt.Backend, cfg PoolConfig, m *metrics.Metrics) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		backend: backend,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		timeout: cfg.CallTimeout,
		metrics: m,
		base:    ctx,
		cancel:  cancel,
	}
}

// Do waits for a slot and performs one backend call.
func (p *Pool) Do(ctx context.Context, req Request) (stt.Result, error) {
	queued := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return stt.Result{}, stt.NewError(stt.KindOf(err), p.backend.Name(), err)
	}
	defer p.sem.Release(1)
	p.metrics.RecordQueueWait(time.Since(queued).Seconds())

	p.metrics.BackendInFlight.Inc()
	defer p.metrics.BackendInFlight.Dec()

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	res, err := p.backend.Transcribe(callCtx, req.Request)
	latency := time.Since(start)

	kind := ""
	if err != nil {
		kind = stt.KindOf(err).String()
	}
	p.metrics.RecordSTTCall(p.backend.Name(), err, kind, latency.Seconds())

	log.Debug().
		Str("sessionId", req.SessionID).
		Str("requestId", req.ID).
		Int("attempt", req.Attempt).
		Dur("latency", latency).
		Err(err).
		Msg("Backend call completed")

	if err == nil && res.RequestID == "" {
		res.RequestID = req.ID
	}
	return res, err
}

// Submit performs the call asynchronously and hands the outcome to done.
// The call is detached from the caller: only Close cancels it.
func (p *Pool) Submit(req Request, done func(Request, stt.Result, error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		res, err := p.Do(p.base, req)
		done(req, res, err)
	}()
}

// Close cancels outstanding calls, waits for their callbacks and closes the backend.
func (p *Pool) Close(ctx context.Context) error {
	p.cancel()
	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for backend calls to finish")
	}
	return p.backend.Close()
}
