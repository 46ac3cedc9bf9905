package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/schema"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/continuity"
	"live-transcription-service/internal/service/dispatch"
	"live-transcription-service/internal/service/merge"
	"live-transcription-service/internal/service/stt"
	"live-transcription-service/internal/service/vad"
	"live-transcription-service/internal/store"
)

// Session outcomes.
const (
	OutcomeStopped      = "stopped"
	OutcomeGraceExpired = "grace_expired"
	OutcomeShutdown     = "shutdown"
	OutcomeError        = "error"
)

// Subscriber receives a session's events in order. Send is called from a single
// goroutine and must not block for long.
type Subscriber interface {
	Send(event models.Event) error
}

// Publisher forwards events to the message bus.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Store persists committed transcripts.
type Store interface {
	CreateSession(ctx context.Context, sess store.Session) error
	AppendSegment(ctx context.Context, sessionID string, seg store.Segment) (bool, error)
	EndSession(ctx context.Context, sessionID, outcome string, endedAt time.Time) error
}

// Options configure a new session.
type Options struct {
	TenantID     string
	LanguageCode string
	Format       audio.Format
	// Sensitivity overrides the configured VAD sensitivity when set.
	Sensitivity vad.Sensitivity
}

// Info is a point-in-time view of a session.
type Info struct {
	ID             string    `json:"sessionId"`
	TenantID       string    `json:"tenantId,omitempty"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"startedAt"`
	LastSequence   uint64    `json:"lastSequence"`
	HasAudio       bool      `json:"hasAudio"`
	AudioOffsetMs  int64     `json:"audioOffsetMs"`
	PendingRequest bool      `json:"pendingRequest"`
	Detached       bool      `json:"detached"`
	Entries        int       `json:"committedEntries"`
}

type controlKind int

const (
	ctlStop controlKind = iota
	ctlDetach
	ctlResume
	ctlGraceExpired
)

type control struct {
	kind    controlKind
	sub     Subscriber
	gen     uint64
	outcome string
	reply   chan error
}

type result struct {
	req dispatch.Request
	res stt.Result
	err error
}

// outbound is one item for the emitter, processed strictly in order.
type outbound struct {
	event   models.Event
	segment *store.Segment
	attach  bool
	sub     Subscriber
	barrier chan struct{}
}

// Session is one live transcription session. All pipeline state is owned by the
// worker goroutine; other goroutines talk to it through channels.
type Session struct {
	id        string
	tenantID  string
	language  string
	cfg       Config
	format    audio.Format
	log       zerolog.Logger
	metrics   *metrics.Metrics
	pool      *dispatch.Pool
	validator *schema.Validator
	publisher Publisher
	store     Store

	tracker *continuity.Tracker
	vad     *vad.Detector
	sched   *dispatch.Scheduler
	merge   *merge.Engine

	frames      chan audio.Frame
	control     chan control
	results     chan result
	out         chan outbound
	bus         chan models.Event
	done        chan struct{}
	emitterDone chan struct{}
	busDone     chan struct{}

	// worker-owned
	state      State
	sub        Subscriber
	detached   bool
	graceTimer *time.Timer
	graceGen   uint64
	persisted  int
	outClosed  bool
	startedAt  time.Time

	status atomic.Int32
	info   atomic.Pointer[Info]
}

func newSession(id string, opts Options, sub Subscriber, c *Controller) (*Session, error) {
	cfg := c.cfg
	vadCfg := cfg.VAD
	if opts.Sensitivity != "" {
		vadCfg.Sensitivity = opts.Sensitivity
	}
	detector, err := vad.New(vadCfg)
	if err != nil {
		return nil, fmt.Errorf("vad: %w", err)
	}

	dispatchCfg := cfg.Dispatch
	if opts.LanguageCode != "" {
		dispatchCfg.LanguageCode = opts.LanguageCode
	}

	s := &Session{
		id:          id,
		tenantID:    opts.TenantID,
		language:    dispatchCfg.LanguageCode,
		cfg:         cfg,
		format:      opts.Format,
		log:         logging.WithSession(id, opts.TenantID),
		metrics:     c.metrics,
		pool:        c.pool,
		validator:   c.validator,
		publisher:   c.publisher,
		store:       c.store,
		tracker:     continuity.New(cfg.Tracker, opts.Format),
		vad:         detector,
		sched:       dispatch.New(dispatchCfg, id, opts.Format),
		merge:       merge.New(id, cfg.Merge, c.metrics),
		frames:      make(chan audio.Frame, cfg.QueueSize),
		control:     make(chan control, 8),
		results:     make(chan result, 1),
		out:         make(chan outbound, cfg.OutboundQueueSize),
		bus:         make(chan models.Event, cfg.OutboundQueueSize),
		done:        make(chan struct{}),
		emitterDone: make(chan struct{}),
		busDone:     make(chan struct{}),
		state:       StateIdle,
		sub:         sub,
		startedAt:   time.Now(),
	}
	s.out <- outbound{attach: true, sub: sub}
	s.publishInfo()
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Done is closed when the worker has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns the latest snapshot of the session.
func (s *Session) Info() Info {
	return *s.info.Load()
}

func (s *Session) accepting() bool {
	return State(s.status.Load()).Accepting()
}

// enqueue hands a frame to the worker, waiting at most EnqueueTimeout for room.
func (s *Session) enqueue(f audio.Frame) error {
	if !s.accepting() {
		return ErrSessionClosed
	}
	select {
	case s.frames <- f:
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case s.frames <- f:
		return nil
	case <-timer.C:
		s.metrics.RecordFrameDropped()
		s.log.Warn().Uint64("seq", f.Seq).Msg("Session queue full, dropping frame")
		return ErrQueueFull
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) sendControl(c control) error {
	select {
	case s.control <- c:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) run(onExit func()) {
	defer close(s.done)
	defer onExit()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Session worker panicked")
			s.fail(fmt.Errorf("worker panic: %v", r))
		}
	}()

	go s.forward()
	go s.emit()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info().
		Int("sampleRateHz", s.format.SampleRateHz).
		Int("channels", s.format.Channels).
		Str("language", s.language).
		Msg("Session started")

	for !s.state.IsTerminal() {
		select {
		case f := <-s.frames:
			s.ingest(f, time.Now())
		case c := <-s.control:
			s.handleControl(c)
		case r := <-s.results:
			s.handleResult(r, time.Now())
		case now := <-ticker.C:
			s.tick(now)
		}
		s.publishInfo()
	}
}

func (s *Session) ingest(f audio.Frame, now time.Time) {
	if s.state == StateIdle {
		s.transition(StateRecording, "")
	}
	status := s.tracker.Ingest(f, now)
	if status != continuity.StatusOk {
		s.metrics.RecordOutOfOrder(status.String())
		s.log.Debug().
			Uint64("seq", f.Seq).
			Uint64("expected", s.tracker.NextExpected()).
			Str("status", status.String()).
			Msg("Frame out of order")
	}
	s.pump(now, false)
	s.advance(now)
}

func (s *Session) tick(now time.Time) {
	for _, rr := range s.tracker.Tick(now) {
		s.metrics.RecordRetransmit()
		s.log.Debug().Uint64("fromSeq", rr.FromSeq).Uint64("toSeq", rr.ToSeq).Msg("Requesting retransmission")
		s.send(models.AudioRetransmit{
			EventType: models.EventAudioRetransmit,
			SessionID: s.id,
			Timestamp: now.UnixMilli(),
			FromSeq:   rr.FromSeq,
			ToSeq:     rr.ToSeq,
		})
	}
	s.pump(now, false)
	s.commit(s.merge.Settle(now))
	s.advance(now)
}

// pump cuts buffered audio into windows, classifies them and feeds the scheduler.
func (s *Session) pump(now time.Time, flush bool) {
	for {
		item, ok := s.tracker.NextWindow(s.vad.NextWindowDuration(), flush)
		if !ok {
			return
		}
		if item.IsGap() {
			g := *item.Gap
			s.metrics.RecordGap(string(g.Reason), g.Duration().Seconds())
			s.log.Warn().Str("gap", g.String()).Msg("Audio lost")
			s.send(models.AudioGap{
				EventType:     models.EventAudioGap,
				SessionID:     s.id,
				TenantID:      s.tenantID,
				Timestamp:     now.UnixMilli(),
				FromSeq:       g.FromSeq,
				ToSeq:         g.ToSeq,
				StartOffsetMs: g.Start.Milliseconds(),
				EndOffsetMs:   g.End.Milliseconds(),
				Reason:        string(g.Reason),
			})
			s.sched.AddGap(g)
			continue
		}

		d := s.vad.Classify(item.Window)
		s.metrics.RecordVADDecision(decisionLabel(d))
		s.sched.Add(item.Window, d, now)
	}
}

// advance fires a due retry or dispatches the next chunk. While finalizing the
// minimum-speech gate and retry backoff are bypassed.
func (s *Session) advance(now time.Time) {
	ending := s.state == StateFinalizing
	if req, ok := s.sched.RetryDue(now, ending); ok {
		s.metrics.RecordRetry()
		s.submit(req)
	}
	for {
		work, ok := s.sched.Next(now, ending)
		if !ok {
			break
		}
		if work.Gap != nil {
			s.commit(s.merge.Break(*work.Gap))
			continue
		}
		req := work.Request
		s.metrics.RecordDispatch(string(req.Trigger), (req.EndOffset - req.CoveredStart).Seconds())
		s.submit(req)
		break
	}

	switch {
	case s.state == StateRecording && s.sched.InFlight():
		s.transition(StateProcessing, "")
	case s.state == StateProcessing && !s.sched.InFlight():
		s.transition(StateRecording, "")
	}
}

func (s *Session) submit(req *dispatch.Request) {
	s.log.Debug().
		Str("requestId", req.ID).
		Int("attempt", req.Attempt).
		Str("trigger", string(req.Trigger)).
		Dur("start", req.StartOffset).
		Dur("end", req.EndOffset).
		Msg("Dispatching audio")
	s.pool.Submit(*req, s.onResult)
}

// onResult runs on the pool's goroutine.
func (s *Session) onResult(req dispatch.Request, res stt.Result, err error) {
	select {
	case s.results <- result{req: req, res: res, err: err}:
	case <-s.done:
		s.log.Debug().Str("requestId", req.ID).Msg("Result arrived after session ended, dropping")
	}
}

func (s *Session) handleResult(r result, now time.Time) {
	if r.err == nil {
		if !s.sched.Complete(r.req.ID) {
			s.log.Debug().Str("requestId", r.req.ID).Msg("Ignoring stale result")
			return
		}
		s.commit(s.merge.Merge(merge.Input{
			RequestID:    r.req.ID,
			Text:         r.res.Text,
			Confidence:   r.res.Confidence,
			Start:        r.req.StartOffset,
			CoveredStart: r.req.CoveredStart,
			End:          r.req.EndOffset,
		}, now))
		s.advance(now)
		return
	}

	out, ok := s.sched.Fail(r.req.ID, r.err, now)
	if !ok {
		s.log.Debug().Str("requestId", r.req.ID).Msg("Ignoring stale failure")
		return
	}
	if out.Retry {
		s.log.Debug().
			Err(r.err).
			Str("requestId", r.req.ID).
			Int("attempt", r.req.Attempt).
			Time("retryAt", out.RetryAt).
			Msg("Backend call failed, retrying")
	} else {
		s.degrade(*out.Degraded, out.Kind.String(), r.req.ID, r.req.Attempt, r.err, now)
	}
	s.advance(now)
}

// degrade marks audio that will never be transcribed.
func (s *Session) degrade(g audio.Gap, errorType, requestID string, attempts int, cause error, now time.Time) {
	s.metrics.RecordDegraded(errorType)
	s.metrics.RecordGap(string(g.Reason), g.Duration().Seconds())
	ev := s.log.Warn().
		Str("requestId", requestID).
		Str("errorType", errorType).
		Int("attempts", attempts).
		Str("gap", g.String())
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("Processing degraded, audio marked missing")

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.send(models.ProcessingDegraded{
		EventType:     models.EventProcessingDegraded,
		SessionID:     s.id,
		TenantID:      s.tenantID,
		Timestamp:     now.UnixMilli(),
		RequestID:     requestID,
		ErrorType:     errorType,
		Attempts:      attempts,
		StartOffsetMs: g.Start.Milliseconds(),
		EndOffsetMs:   g.End.Milliseconds(),
		Message:       msg,
	})
	s.commit(s.merge.Break(g))
}

// commit emits segment updates and queues newly committed entries for the store.
func (s *Session) commit(ups []merge.Update) {
	for _, u := range ups {
		s.send(s.segmentEvent(u))
	}
	entries := s.merge.Transcript()
	for ; s.persisted < len(entries); s.persisted++ {
		seg := s.storeSegment(entries[s.persisted], s.persisted)
		s.out <- outbound{segment: &seg}
	}
}

func (s *Session) handleControl(c control) {
	var err error
	switch c.kind {
	case ctlStop:
		s.finalize(c.outcome)

	case ctlDetach:
		if c.sub != nil && c.sub != s.sub {
			break
		}
		s.sub = nil
		s.detached = true
		s.out <- outbound{attach: true}
		s.stopGrace()
		gen := s.graceGen
		s.graceTimer = time.AfterFunc(s.cfg.ReconnectGrace, func() {
			select {
			case s.control <- control{kind: ctlGraceExpired, gen: gen}:
			case <-s.done:
			}
		})
		s.log.Info().Dur("grace", s.cfg.ReconnectGrace).Msg("Transport detached, holding session for reconnect")

	case ctlResume:
		if !s.state.Accepting() {
			err = ErrSessionClosed
			break
		}
		s.stopGrace()
		s.detached = false
		s.sub = c.sub
		s.out <- outbound{attach: true, sub: c.sub}
		s.send(models.SessionState{
			EventType: models.EventSessionState,
			SessionID: s.id,
			TenantID:  s.tenantID,
			Timestamp: time.Now().UnixMilli(),
			State:     s.state.String(),
			Reason:    "resumed",
		})
		for _, u := range s.merge.Snapshot() {
			s.out <- outbound{event: s.segmentEvent(u)}
		}
		s.metrics.RecordResume()
		last, _ := s.tracker.LastSequence()
		s.log.Info().Uint64("lastSequence", last).Msg("Session resumed")

	case ctlGraceExpired:
		if c.gen != s.graceGen || !s.detached {
			break
		}
		s.log.Warn().Msg("Reconnect grace period expired, finalizing")
		s.finalize(OutcomeGraceExpired)
	}
	if c.reply != nil {
		c.reply <- err
	}
}

// finalize drains all audio through the pipeline, commits the transcript,
// persists it and ends the session.
func (s *Session) finalize(outcome string) {
	if err := s.transition(StateFinalizing, outcome); err != nil {
		return
	}
	s.stopGrace()
	now := time.Now()

	for drained := false; !drained; {
		select {
		case f := <-s.frames:
			s.ingest(f, now)
		default:
			drained = true
		}
	}
	s.tracker.Flush()
	s.pump(now, true)
	s.sched.Seal()
	s.advance(now)

	deadline := time.NewTimer(s.cfg.FinalizeTimeout)
	defer deadline.Stop()
wait:
	for !s.sched.Idle() {
		select {
		case r := <-s.results:
			s.handleResult(r, time.Now())
		case <-deadline.C:
			s.log.Warn().Dur("timeout", s.cfg.FinalizeTimeout).Msg("Finalize timed out, abandoning outstanding audio")
			break wait
		}
	}
	for _, g := range s.sched.Abandon() {
		if g.Reason == audio.GapProcessingDegraded {
			s.degrade(g, "finalize_timeout", "", 0, nil, time.Now())
			continue
		}
		s.commit(s.merge.Break(g))
	}

	audioEnd := s.tracker.Cursor()
	s.commit(s.merge.Flush(audioEnd))

	// Let the emitter finish incremental writes before the full pass.
	barrier := make(chan struct{})
	s.out <- outbound{barrier: barrier}
	<-barrier

	perr := s.persist(outcome)
	s.metrics.RecordStoreWrite("finalize", perr)
	s.send(s.endedEvent(outcome))

	final := StateEnded
	if perr != nil {
		s.log.Error().Err(perr).Msg("Failed to persist transcript")
		s.send(models.Notice{
			EventType: models.EventError,
			SessionID: s.id,
			Timestamp: time.Now().UnixMilli(),
			Code:      "persist_failed",
			Message:   "transcript could not be saved",
		})
		final = StateError
	}
	s.transition(final, outcome)
	s.closeOut()

	s.metrics.RecordSessionEnd(outcome, time.Since(s.startedAt).Seconds())
	ts, vs := s.tracker.Stats(), s.vad.Stats()
	s.log.Info().
		Str("outcome", outcome).
		Dur("audio", audioEnd).
		Int("entries", len(s.merge.Transcript())).
		Uint64("framesDelivered", ts.Delivered).
		Uint64("framesDuplicate", ts.Duplicates).
		Uint64("framesLost", ts.Lost).
		Uint64("retransmits", ts.Retransmits).
		Uint64("vadWindows", vs.Windows).
		Uint64("vadSpeech", vs.Speech).
		Uint64("vadFailedOpen", vs.FailedOpen).
		Msg("Session ended")
}

func (s *Session) persist(outcome string) error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalizeTimeout)
	defer cancel()

	entries := s.merge.Transcript()
	b := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		for i, e := range entries {
			if _, err := s.store.AppendSegment(ctx, s.id, s.storeSegment(e, i)); err != nil {
				s.metrics.RecordStoreWrite("append", err)
				return retry.RetryableError(err)
			}
		}
		if err := s.store.EndSession(ctx, s.id, outcome, time.Now()); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// createInStore records the session before its worker starts. A store failure
// other than a reused ID is logged and the session runs anyway.
func (s *Session) createInStore() error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.store.CreateSession(ctx, store.Session{
		ID:        s.id,
		TenantID:  s.tenantID,
		Language:  s.language,
		StartedAt: s.startedAt,
	})
	if errors.Is(err, store.ErrSessionExists) {
		s.log.Warn().Msg("Session ID already used, rejecting start")
		return ErrSessionExists
	}
	s.metrics.RecordStoreWrite("create", err)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to record session in store")
	}
	return nil
}

// fail moves the session to Error after a worker panic.
func (s *Session) fail(cause error) {
	from := s.state
	s.state = StateError
	s.status.Store(int32(StateError))
	s.metrics.RecordTransition(StateError.String())
	s.stopGrace()

	if !s.outClosed {
		now := time.Now().UnixMilli()
		s.out <- outbound{event: models.Notice{
			EventType: models.EventError,
			SessionID: s.id,
			Timestamp: now,
			Code:      "internal_error",
			Message:   "session failed",
		}}
		s.out <- outbound{event: models.SessionState{
			EventType: models.EventSessionState,
			SessionID: s.id,
			TenantID:  s.tenantID,
			Timestamp: now,
			State:     StateError.String(),
			Previous:  from.String(),
			Reason:    cause.Error(),
		}}
		s.closeOut()
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.EndSession(ctx, s.id, OutcomeError, time.Now()); err != nil {
			s.log.Error().Err(err).Msg("Failed to mark failed session in store")
		}
	}
	s.metrics.RecordSessionEnd(OutcomeError, time.Since(s.startedAt).Seconds())
	s.publishInfo()
}

func (s *Session) closeOut() {
	if s.outClosed {
		return
	}
	s.outClosed = true
	close(s.out)
	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	select {
	case <-s.emitterDone:
	case <-timeout.C:
		s.log.Warn().Msg("Timed out waiting for event delivery")
		return
	}
	select {
	case <-s.busDone:
	case <-timeout.C:
		s.log.Warn().Int("pending", len(s.bus)).Msg("Timed out waiting for bus publishing")
	}
}

func (s *Session) stopGrace() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.graceGen++
}

func (s *Session) transition(to State, reason string) error {
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.log.Warn().Err(err).Msg("Rejected state transition")
		return err
	}
	s.state = to
	s.status.Store(int32(to))
	s.metrics.RecordTransition(to.String())

	ev := s.log.Info()
	if to == StateProcessing || from == StateProcessing {
		ev = s.log.Debug()
	}
	ev.Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("Session state changed")

	s.send(models.SessionState{
		EventType: models.EventSessionState,
		SessionID: s.id,
		TenantID:  s.tenantID,
		Timestamp: time.Now().UnixMilli(),
		State:     to.String(),
		Previous:  from.String(),
		Reason:    reason,
	})
	return nil
}

// send queues an event for the emitter. Interim segment updates are dropped
// when the queue is full, since a later version supersedes them; everything
// else waits for room.
func (s *Session) send(ev models.Event) {
	o := outbound{event: ev}
	if seg, ok := ev.(models.TranscriptSegment); ok && !seg.IsFinal() {
		select {
		case s.out <- o:
		default:
			s.metrics.RecordEventDropped(ev.Type())
			s.log.Debug().Str("segmentId", seg.SegmentID).Uint64("version", seg.Version).Msg("Outbound queue full, dropping interim update")
		}
		return
	}
	s.out <- o
}

// emit delivers outbound items in order: to the attached subscriber, the
// bus queue and the store.
func (s *Session) emit() {
	defer close(s.emitterDone)
	defer close(s.bus)
	var sub Subscriber
	for o := range s.out {
		switch {
		case o.barrier != nil:
			close(o.barrier)
		case o.attach:
			sub = o.sub
		case o.segment != nil:
			s.safely(func() { s.appendSegment(*o.segment) })
		case o.event != nil:
			s.safely(func() { s.deliver(sub, o.event) })
		}
	}
}

func (s *Session) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Event delivery panicked")
		}
	}()
	fn()
}

func (s *Session) deliver(sub Subscriber, ev models.Event) {
	if err := s.validator.Validate(ev); err != nil {
		return
	}
	if sub != nil {
		if err := sub.Send(ev); err != nil {
			s.log.Debug().Err(err).Str("eventType", ev.Type()).Msg("Subscriber send failed")
		}
	}
	if s.publisher == nil {
		return
	}
	// The bus never holds up subscribers: when it falls behind, events are dropped.
	select {
	case s.bus <- ev:
	default:
		s.metrics.RecordEventDropped(ev.Type())
		s.log.Warn().Str("eventType", ev.Type()).Msg("Bus queue full, event not published")
	}
}

// forward publishes queued events to the bus in order.
func (s *Session) forward() {
	defer close(s.busDone)
	for ev := range s.bus {
		s.safely(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			// publish failures are logged and counted by the publisher
			_ = s.publisher.Publish(ctx, ev)
		})
	}
}

func (s *Session) appendSegment(seg store.Segment) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.store.AppendSegment(ctx, s.id, seg)
	s.metrics.RecordStoreWrite("append", err)
	if err != nil {
		s.log.Warn().Err(err).Str("segmentId", seg.ID).Msg("Failed to append segment, will retry at finalize")
	}
}

func (s *Session) publishInfo() {
	last, has := s.tracker.LastSequence()
	s.info.Store(&Info{
		ID:             s.id,
		TenantID:       s.tenantID,
		State:          s.state,
		StartedAt:      s.startedAt,
		LastSequence:   last,
		HasAudio:       has,
		AudioOffsetMs:  s.tracker.Cursor().Milliseconds(),
		PendingRequest: s.sched.InFlight(),
		Detached:       s.detached,
		Entries:        s.persisted,
	})
}

func (s *Session) segmentEvent(u merge.Update) models.TranscriptSegment {
	return models.TranscriptSegment{
		EventType:     models.EventTranscriptSegment,
		SessionID:     s.id,
		TenantID:      s.tenantID,
		Timestamp:     time.Now().UnixMilli(),
		SegmentID:     u.ID,
		Version:       u.Version,
		Text:          u.Text,
		Delta:         u.Delta,
		DeltaOffset:   u.DeltaOffset,
		Stability:     u.Stability,
		StartOffsetMs: u.Start.Milliseconds(),
		EndOffsetMs:   u.End.Milliseconds(),
		Confidence:    u.Confidence,
	}
}

func (s *Session) storeSegment(e merge.Entry, seq int) store.Segment {
	if e.Gap != nil {
		return store.Segment{
			ID:     fmt.Sprintf("%s-gap-%d", s.id, seq),
			Kind:   store.KindGap,
			Reason: string(e.Gap.Reason),
			Start:  e.Gap.Start,
			End:    e.Gap.End,
			Seq:    seq,
		}
	}
	return store.Segment{
		ID:         e.Segment.ID,
		Kind:       store.KindSpeech,
		Text:       e.Segment.Text,
		Start:      e.Segment.Start,
		End:        e.Segment.End,
		Confidence: e.Segment.Confidence,
		Version:    e.Segment.Version,
		Seq:        seq,
	}
}

func (s *Session) endedEvent(outcome string) models.SessionEnded {
	entries := s.merge.Transcript()
	transcript := make([]models.TranscriptEntry, 0, len(entries))
	for _, e := range entries {
		if e.Gap != nil {
			transcript = append(transcript, models.TranscriptEntry{
				Kind:          "gap",
				Reason:        string(e.Gap.Reason),
				StartOffsetMs: e.Gap.Start.Milliseconds(),
				EndOffsetMs:   e.Gap.End.Milliseconds(),
			})
			continue
		}
		transcript = append(transcript, models.TranscriptEntry{
			Kind:          "segment",
			SegmentID:     e.Segment.ID,
			Version:       e.Segment.Version,
			Text:          e.Segment.Text,
			Confidence:    e.Segment.Confidence,
			StartOffsetMs: e.Segment.Start.Milliseconds(),
			EndOffsetMs:   e.Segment.End.Milliseconds(),
		})
	}
	return models.SessionEnded{
		EventType:       models.EventSessionEnded,
		SessionID:       s.id,
		TenantID:        s.tenantID,
		Timestamp:       time.Now().UnixMilli(),
		Outcome:         outcome,
		Text:            s.merge.Text(),
		DurationMs:      s.tracker.Cursor().Milliseconds(),
		FinalTranscript: transcript,
	}
}

func decisionLabel(d vad.Decision) string {
	switch {
	case d.FailedOpen:
		return "failed_open"
	case d.LowConfidence:
		return "low_confidence"
	case d.IsSpeech:
		return "speech"
	default:
		return "silence"
	}
}
