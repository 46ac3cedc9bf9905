// Package dispatch decides when buffered speech is worth a transcription call and
// owns the retry policy for failed calls.
//
// A Scheduler belongs to one session worker and keeps at most one request
// outstanding: a request waiting out a retry backoff still holds the slot, so
// results always come back in audio order. The process-wide Pool bounds
// concurrent backend calls across sessions.
package dispatch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/stt"
	"live-transcription-service/internal/service/vad"
)

// Trigger records why a chunk was dispatched.
type Trigger string

const (
	TriggerMinSpeech Trigger = "min_speech"
	TriggerMaxWait   Trigger = "max_wait"
	TriggerMaxChunk  Trigger = "max_chunk"
	TriggerPause     Trigger = "pause"
	TriggerGap       Trigger = "gap"
	TriggerEnding    Trigger = "ending"
)

// Config holds gating and retry settings.
type Config struct {
	// MinSpeech is the speech-bearing audio needed before a call is worth making.
	MinSpeech time.Duration
	// MaxWait bounds caption latency: pending speech older than this is sent anyway.
	MaxWait time.Duration
	// MaxChunk caps the audio in a single request.
	MaxChunk time.Duration
	// EndSilence of trailing non-speech seals the pending chunk at a pause.
	EndSilence time.Duration
	// Overlap of the previous chunk's tail is prepended to the next contiguous chunk.
	Overlap time.Duration
	// MaxAttempts is the total number of attempts per chunk, including the first.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// LanguageCode is passed to the backend as a hint.
	LanguageCode string
}

// DefaultConfig returns settings tuned for live captions.
func DefaultConfig() Config {
	return Config{
		MinSpeech:   1200 * time.Millisecond,
		MaxWait:     2500 * time.Millisecond,
		MaxChunk:    8 * time.Second,
		EndSilence:  600 * time.Millisecond,
		Overlap:     300 * time.Millisecond,
		MaxAttempts: 3,
		BackoffBase: 200 * time.Millisecond,
		BackoffMax:  2 * time.Second,
	}
}

// Request is a transcription call issued by a scheduler.
type Request struct {
	stt.Request
	// CoveredStart is where the audio not already transcribed begins;
	// StartOffset..CoveredStart is the overlap prefix.
	CoveredStart time.Duration
	SubmittedAt  time.Time
	Trigger      Trigger
}

// Work is the next action for the session worker: a request to send or a gap
// whose preceding chunks have all completed.
type Work struct {
	Request *Request
	Gap     *audio.Gap
}

// Outcome of a failed attempt.
type Outcome struct {
	// Retry is set when the same audio will be re-sent at RetryAt.
	Retry   bool
	RetryAt time.Time
	// Degraded is set when the chunk was abandoned; the interval becomes a gap.
	Degraded *audio.Gap
	Kind     stt.Kind
}

type chunk struct {
	start   time.Duration
	end     time.Duration
	payload []byte
	trigger Trigger
}

type queued struct {
	chunk *chunk
	gap   *audio.Gap
}

type inflight struct {
	req     Request
	backoff retry.Backoff
	waiting bool
	retryAt time.Time
}

// Scheduler gates, orders and retries one session's transcription calls.
// It is not safe for concurrent use.
type Scheduler struct {
	cfg       Config
	sessionID string
	format    audio.Format

	// pending speech not yet sealed into a chunk
	pending      []byte
	pendingStart time.Duration
	pendingEnd   time.Duration
	speech       time.Duration
	silenceRun   time.Duration
	firstSpeech  time.Time

	queue    []queued
	current  *inflight
	tail     []byte
	tailEnd  time.Duration
	hasTail  bool
	requests uint64
}

// New creates a scheduler for a session.
func New(cfg Config, sessionID string, format audio.Format) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = def.MaxChunk
	}
	return &Scheduler{cfg: cfg, sessionID: sessionID, format: format}
}

// Add offers a classified window. Speech starts or extends the pending chunk;
// non-speech is kept only as trailing context for pending speech.
func (s *Scheduler) Add(w audio.Window, d vad.Decision, now time.Time) {
	has := len(s.pending) > 0
	if has && w.Start != s.pendingEnd {
		s.seal(TriggerGap)
		has = false
	}

	if !d.IsSpeech {
		if !has {
			s.hasTail = false
			return
		}
		s.appendPending(w)
		s.silenceRun += w.Duration()
		switch {
		case s.cfg.EndSilence > 0 && s.silenceRun >= s.cfg.EndSilence:
			s.seal(TriggerPause)
		case s.pendingEnd-s.pendingStart >= s.cfg.MaxChunk:
			s.seal(TriggerMaxChunk)
		}
		return
	}

	if !has {
		s.pendingStart = w.Start
		s.firstSpeech = now
		s.speech = 0
	}
	s.appendPending(w)
	s.speech += w.Duration()
	s.silenceRun = 0

	if s.pendingEnd-s.pendingStart >= s.cfg.MaxChunk {
		s.seal(TriggerMaxChunk)
	}
}

// AddGap seals pending audio and queues the gap behind it, so the gap is released
// only after every earlier chunk has completed.
func (s *Scheduler) AddGap(g audio.Gap) {
	s.seal(TriggerGap)
	s.queue = append(s.queue, queued{gap: &g})
	s.hasTail = false
}

// Next returns the next piece of work if the session's slot is free.
// ending bypasses the minimum-speech gate.
func (s *Scheduler) Next(now time.Time, ending bool) (Work, bool) {
	if s.current != nil {
		return Work{}, false
	}
	if len(s.queue) == 0 && len(s.pending) > 0 {
		switch {
		case s.speech >= s.cfg.MinSpeech:
			s.seal(TriggerMinSpeech)
		case s.cfg.MaxWait > 0 && now.Sub(s.firstSpeech) >= s.cfg.MaxWait:
			s.seal(TriggerMaxWait)
		case ending:
			s.seal(TriggerEnding)
		}
	}
	if len(s.queue) == 0 {
		return Work{}, false
	}

	head := s.queue[0]
	s.queue = s.queue[1:]
	if head.gap != nil {
		return Work{Gap: head.gap}, true
	}
	req := s.dispatch(head.chunk, now)
	return Work{Request: req}, true
}

// Seal moves all pending audio into the dispatch queue regardless of the gates.
// Used when the session is finalizing.
func (s *Scheduler) Seal() {
	s.seal(TriggerEnding)
}

// Complete releases the slot held by the request with the given ID.
// It reports false for unknown or stale IDs.
func (s *Scheduler) Complete(id string) bool {
	if s.current == nil || s.current.req.ID != id || s.current.waiting {
		return false
	}
	s.current = nil
	return true
}

// Fail records a failed attempt. Retryable failures within the attempt budget are
// scheduled for retry with exponential backoff using the same audio; anything
// else abandons the chunk and returns the interval as a processing gap.
func (s *Scheduler) Fail(id string, err error, now time.Time) (Outcome, bool) {
	if s.current == nil || s.current.req.ID != id || s.current.waiting {
		return Outcome{}, false
	}
	kind := stt.KindOf(err)
	cur := s.current

	if kind.Retryable() && cur.req.Attempt < s.cfg.MaxAttempts {
		delay, stop := cur.backoff.Next()
		if !stop {
			cur.waiting = true
			cur.retryAt = now.Add(delay)
			return Outcome{Retry: true, RetryAt: cur.retryAt, Kind: kind}, true
		}
	}

	s.current = nil
	s.hasTail = false
	g := &audio.Gap{
		Start:  cur.req.CoveredStart,
		End:    cur.req.EndOffset,
		Reason: audio.GapProcessingDegraded,
	}
	return Outcome{Degraded: g, Kind: kind}, true
}

// RetryDue returns the waiting request as its next attempt once its backoff has
// elapsed, or immediately when expedite is set.
func (s *Scheduler) RetryDue(now time.Time, expedite bool) (*Request, bool) {
	if s.current == nil || !s.current.waiting {
		return nil, false
	}
	if !expedite && now.Before(s.current.retryAt) {
		return nil, false
	}
	s.current.waiting = false
	s.current.req.Attempt++
	s.current.req.SubmittedAt = now
	req := s.current.req
	return &req, true
}

// NextRetryAt returns when the waiting request becomes due.
func (s *Scheduler) NextRetryAt() (time.Time, bool) {
	if s.current == nil || !s.current.waiting {
		return time.Time{}, false
	}
	return s.current.retryAt, true
}

// InFlight reports whether the session's slot is occupied.
func (s *Scheduler) InFlight() bool {
	return s.current != nil
}

// Idle reports whether nothing is pending, queued or outstanding.
func (s *Scheduler) Idle() bool {
	return s.current == nil && len(s.queue) == 0 && len(s.pending) == 0
}

// Abandon gives up on all outstanding work, returning in order the gaps that
// replace it: the in-flight chunk and every queued chunk become processing gaps,
// queued loss gaps are passed through.
func (s *Scheduler) Abandon() []audio.Gap {
	s.seal(TriggerEnding)
	var out []audio.Gap
	if s.current != nil {
		out = append(out, audio.Gap{Start: s.current.req.CoveredStart, End: s.current.req.EndOffset, Reason: audio.GapProcessingDegraded})
		s.current = nil
	}
	for _, q := range s.queue {
		if q.gap != nil {
			out = append(out, *q.gap)
			continue
		}
		out = append(out, audio.Gap{Start: q.chunk.start, End: q.chunk.end, Reason: audio.GapProcessingDegraded})
	}
	s.queue = nil
	s.hasTail = false
	return out
}

func (s *Scheduler) appendPending(w audio.Window) {
	s.pending = append(s.pending, w.Payload...)
	s.pendingEnd = w.End
}

func (s *Scheduler) seal(trigger Trigger) {
	if len(s.pending) == 0 {
		return
	}
	s.queue = append(s.queue, queued{chunk: &chunk{
		start:   s.pendingStart,
		end:     s.pendingEnd,
		payload: s.pending,
		trigger: trigger,
	}})
	s.pending = nil
	s.speech = 0
	s.silenceRun = 0
}

func (s *Scheduler) dispatch(c *chunk, now time.Time) *Request {
	payload := c.payload
	start := c.start
	if s.hasTail && s.tailEnd == c.start && len(s.tail) > 0 {
		payload = make([]byte, 0, len(s.tail)+len(c.payload))
		payload = append(payload, s.tail...)
		payload = append(payload, c.payload...)
		start = c.start - s.format.Duration(len(s.tail))
	}

	n := s.format.Bytes(s.cfg.Overlap)
	if n > len(c.payload) {
		n = len(c.payload)
	}
	s.tail = c.payload[len(c.payload)-n:]
	s.tailEnd = c.end
	s.hasTail = n > 0

	s.requests++
	b := retry.NewExponential(s.cfg.BackoffBase)
	b = retry.WithCappedDuration(s.cfg.BackoffMax, b)
	b = retry.WithMaxRetries(uint64(s.cfg.MaxAttempts-1), b)

	req := Request{
		Request: stt.Request{
			ID:           uuid.NewString(),
			SessionID:    s.sessionID,
			Audio:        payload,
			Format:       s.format,
			Encoding:     audio.EncodingLinear16,
			LanguageCode: s.cfg.LanguageCode,
			StartOffset:  start,
			EndOffset:    c.end,
			Attempt:      1,
		},
		CoveredStart: c.start,
		SubmittedAt:  now,
		Trigger:      c.trigger,
	}
	s.current = &inflight{req: req, backoff: b}
	return &req
}

func (r *Request) String() string {
	return fmt.Sprintf("%s[%v-%v attempt=%d]", r.ID, r.StartOffset, r.EndOffset, r.Attempt)
}
