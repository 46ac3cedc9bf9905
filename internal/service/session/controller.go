// Package session runs live transcription sessions: one worker goroutine per
// session owns its continuity tracker, VAD, chunk scheduler and merge engine,
// and a second goroutine delivers its events in order.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/schema"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/continuity"
	"live-transcription-service/internal/service/dispatch"
	"live-transcription-service/internal/service/merge"
	"live-transcription-service/internal/service/vad"
)

const maxSessionIDLen = 255

// Config holds per-session pipeline settings and controller limits.
type Config struct {
	Format   audio.Format
	Tracker  continuity.Config
	VAD      vad.Config
	Dispatch dispatch.Config
	Merge    merge.Config

	// QueueSize bounds frames waiting for the worker.
	QueueSize int
	// EnqueueTimeout is how long Ingest waits for queue room before dropping.
	EnqueueTimeout time.Duration
	// OutboundQueueSize bounds events waiting for delivery.
	OutboundQueueSize int
	TickInterval      time.Duration
	// FinalizeTimeout bounds the wait for outstanding backend calls on stop.
	FinalizeTimeout time.Duration
	// ReconnectGrace keeps a detached session alive for a resume.
	ReconnectGrace time.Duration
	MaxSessions    int
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		Format:            audio.DefaultFormat(),
		Tracker:           continuity.DefaultConfig(),
		VAD:               vad.DefaultConfig(),
		Dispatch:          dispatch.DefaultConfig(),
		Merge:             merge.DefaultConfig(),
		QueueSize:         256,
		EnqueueTimeout:    50 * time.Millisecond,
		OutboundQueueSize: 256,
		TickInterval:      50 * time.Millisecond,
		FinalizeTimeout:   10 * time.Second,
		ReconnectGrace:    30 * time.Second,
		MaxSessions:       500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Format.SampleRateHz == 0 {
		c.Format = d.Format
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = d.EnqueueTimeout
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = d.OutboundQueueSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = d.FinalizeTimeout
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = d.ReconnectGrace
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	return c
}

// Controller owns the table of live sessions.
type Controller struct {
	cfg       Config
	pool      *dispatch.Pool
	publisher Publisher
	store     Store
	validator *schema.Validator
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewController creates a controller. publisher and st may be nil.
func NewController(cfg Config, pool *dispatch.Pool, publisher Publisher, st Store, m *metrics.Metrics) *Controller {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Controller{
		cfg:       cfg.withDefaults(),
		pool:      pool,
		publisher: publisher,
		store:     st,
		validator: schema.New(),
		metrics:   m,
		sessions:  make(map[string]*Session),
	}
}

// Start creates a session and its worker. An empty id is replaced by a new UUID.
// An id that is live, or already stored from an earlier session, is rejected
// with ErrSessionExists. sub receives the session's events until it is detached.
func (c *Controller) Start(id string, opts Options, sub Subscriber) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > maxSessionIDLen {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidSessionID, maxSessionIDLen)
	}
	if opts.Format.SampleRateHz == 0 {
		opts.Format = c.cfg.Format
	}
	if err := opts.Format.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return "", ErrShuttingDown
	}
	if _, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return "", ErrSessionExists
	}
	if len(c.sessions) >= c.cfg.MaxSessions {
		c.mu.Unlock()
		return "", ErrTooManySessions
	}
	s, err := newSession(id, opts, sub, c)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.sessions[id] = s
	c.wg.Add(1)
	c.mu.Unlock()

	// The map entry reserves id while the store is consulted.
	if err := s.createInStore(); err != nil {
		close(s.done)
		c.remove(id, s)
		c.wg.Done()
		return "", err
	}

	c.metrics.RecordSessionStart()
	go s.run(func() {
		c.remove(id, s)
		c.wg.Done()
	})
	return id, nil
}

// Ingest validates a frame and queues it for its session.
func (c *Controller) Ingest(f audio.Frame) error {
	s := c.lookup(f.SessionID)
	if s == nil {
		c.metrics.RecordFrameRejected("unknown_session")
		return ErrSessionNotFound
	}
	if n := len(f.Payload); n == 0 || n%s.format.BlockAlign() != 0 {
		c.metrics.RecordFrameRejected("invalid_payload")
		return fmt.Errorf("%w: payload of %d bytes", ErrInvalidFrame, len(f.Payload))
	}
	if !s.accepting() {
		c.metrics.RecordFrameRejected("session_closed")
		return ErrSessionClosed
	}
	c.metrics.RecordAudioReceived(len(f.Payload))
	return s.enqueue(f)
}

// Stop begins finalization. It returns once the request is queued; the session
// reports completion with a session.ended event.
func (c *Controller) Stop(id string) error {
	return c.stop(id, OutcomeStopped)
}

func (c *Controller) stop(id, outcome string) error {
	s := c.lookup(id)
	if s == nil {
		return ErrSessionNotFound
	}
	return s.sendControl(control{kind: ctlStop, outcome: outcome})
}

// Detach unbinds sub from the session and starts the reconnect grace period.
// It is a no-op when sub is no longer the attached subscriber.
func (c *Controller) Detach(id string, sub Subscriber) error {
	s := c.lookup(id)
	if s == nil {
		return ErrSessionNotFound
	}
	return s.sendControl(control{kind: ctlDetach, sub: sub})
}

// Resume binds sub to a live session and replays its current transcript.
func (c *Controller) Resume(id string, sub Subscriber) (Info, error) {
	s := c.lookup(id)
	if s == nil {
		return Info{}, ErrSessionNotFound
	}
	if !s.accepting() {
		return Info{}, ErrSessionClosed
	}
	reply := make(chan error, 1)
	if err := s.sendControl(control{kind: ctlResume, sub: sub, reply: reply}); err != nil {
		return Info{}, err
	}
	select {
	case err := <-reply:
		if err != nil {
			return Info{}, err
		}
		return s.Info(), nil
	case <-s.done:
		return Info{}, ErrSessionClosed
	}
}

// Get returns a snapshot of a live session.
func (c *Controller) Get(id string) (Info, error) {
	s := c.lookup(id)
	if s == nil {
		return Info{}, ErrSessionNotFound
	}
	return s.Info(), nil
}

// List returns snapshots of all live sessions, oldest first.
func (c *Controller) List() []Info {
	c.mu.RLock()
	out := make([]Info, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Info())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Count returns the number of live sessions.
func (c *Controller) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Done returns a channel closed when the session's worker exits.
func (c *Controller) Done(id string) (<-chan struct{}, error) {
	s := c.lookup(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s.Done(), nil
}

// Ready reports whether new sessions are accepted.
func (c *Controller) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closing
}

// Shutdown refuses new sessions, finalizes every live one and waits for them.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	live := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	log.Info().Int("sessions", len(live)).Msg("Finalizing live sessions")
	for _, s := range live {
		if err := s.sendControl(control{kind: ctlStop, outcome: OutcomeShutdown}); err != nil {
			log.Debug().Err(err).Str("sessionId", s.ID()).Msg("Session already closed")
		}
	}

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		log.Info().Msg("All sessions finalized")
		return nil
	case <-ctx.Done():
		log.Warn().Int("remaining", c.Count()).Msg("Timed out finalizing sessions")
		return ctx.Err()
	}
}

func (c *Controller) lookup(id string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id]
}

func (c *Controller) remove(id string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[id] == s {
		delete(c.sessions, id)
	}
}
