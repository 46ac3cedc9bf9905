// Package merge turns overlapping backend results into a versioned transcript.
//
// Consecutive requests share a short overlap of audio, so the leading words of a
// result usually repeat the tail of what was already emitted. The engine aligns
// the two over whitespace tokens, replaces the overlap with the newer wording and
// emits only what changed. At most one segment is interim at a time; everything
// before it is final and never changes again.
package merge

import (
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/segment"
)

// Config controls segment promotion.
type Config struct {
	// SettleWindow promotes an interim segment that has not been revised for this long.
	SettleWindow time.Duration
	// MaxSegmentDuration promotes an interim segment once it spans this much audio.
	MaxSegmentDuration time.Duration
}

// DefaultConfig returns the promotion settings used for live captions.
func DefaultConfig() Config {
	return Config{
		SettleWindow:       2 * time.Second,
		MaxSegmentDuration: 15 * time.Second,
	}
}

// Input is one successful backend result placed on the session timeline.
type Input struct {
	RequestID  string
	Text       string
	Confidence float64
	// Start..End is the audio sent, CoveredStart..End the part not sent before.
	Start        time.Duration
	CoveredStart time.Duration
	End          time.Duration
}

// Segment is the latest state of a transcript segment.
type Segment struct {
	ID         string
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	Stability  string
	Version    uint64
}

// Update is one emitted change to a segment.
type Update struct {
	SessionID string
	Segment
	// Delta holds the tokens from DeltaOffset on that changed in this version.
	Delta       string
	DeltaOffset int
}

// Entry is one item of the committed transcript: a final segment or a gap.
type Entry struct {
	Segment *Segment
	Gap     *audio.Gap
}

type live struct {
	lc         *segment.Lifecycle
	tokens     []string
	start      time.Duration
	end        time.Duration
	confidence float64
}

// Engine merges one session's results. It is not safe for concurrent use.
type Engine struct {
	cfg       Config
	sessionID string
	ids       *segment.Generator
	metrics   *metrics.Metrics

	committed []Entry
	interim   *live
	seen      map[string]struct{}

	// tail of the last final segment, kept for alignment until a gap intervenes
	tail         []string
	committedEnd time.Duration
}

// New creates an engine for a session. A nil m uses the default metrics.
func New(sessionID string, cfg Config, m *metrics.Metrics) *Engine {
	def := DefaultConfig()
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = def.SettleWindow
	}
	if cfg.MaxSegmentDuration <= 0 {
		cfg.MaxSegmentDuration = def.MaxSegmentDuration
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Engine{
		cfg:       cfg,
		sessionID: sessionID,
		ids:       segment.New(sessionID),
		metrics:   m,
		seen:      make(map[string]struct{}),
	}
}

// Merge folds a backend result into the transcript and returns the resulting
// updates. Results already merged, empty results and results that change
// nothing produce no update.
func (e *Engine) Merge(in Input, now time.Time) []Update {
	if in.RequestID != "" {
		if _, dup := e.seen[in.RequestID]; dup {
			e.skip("duplicate", in)
			return nil
		}
		e.seen[in.RequestID] = struct{}{}
	}

	tokens := strings.Fields(in.Text)
	if len(tokens) == 0 {
		e.skip("empty", in)
		return nil
	}
	overlapping := in.Start < in.CoveredStart

	if e.interim == nil {
		return e.open(in, tokens, overlapping, now)
	}

	cur := e.interim
	k := 0
	if overlapping {
		k = Align(cur.tokens, tokens)
	}
	merged := make([]string, 0, len(cur.tokens)-k+len(tokens))
	merged = append(merged, cur.tokens[:len(cur.tokens)-k]...)
	merged = append(merged, tokens...)

	if in.End > cur.end {
		cur.end = in.End
	}
	if equalTokens(merged, cur.tokens) {
		e.skip("unchanged", in)
		return nil
	}

	offset := commonPrefix(cur.tokens, merged)
	cur.tokens = merged
	if in.Confidence > 0 {
		cur.confidence = in.Confidence
	}

	if cur.end-cur.start >= e.cfg.MaxSegmentDuration {
		return []Update{e.promote(offset)}
	}
	version, err := cur.lc.Revise(now)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", e.sessionID).Str("segmentId", cur.lc.SegmentId()).Msg("Revision of committed segment rejected")
		return nil
	}
	return []Update{e.update(cur, version, segment.StateInterim, offset)}
}

// open starts a new interim segment, stripping any words that repeat the last
// final segment.
func (e *Engine) open(in Input, tokens []string, overlapping bool, now time.Time) []Update {
	if overlapping && len(e.tail) > 0 {
		tokens = tokens[Align(e.tail, tokens):]
	}
	if len(tokens) == 0 {
		e.skip("overlap_only", in)
		return nil
	}

	start := in.CoveredStart
	if start < e.committedEnd {
		start = e.committedEnd
	}
	end := in.End
	if end < start {
		end = start
	}
	e.interim = &live{
		lc:         segment.NewLifecycle(e.ids.Next(), now),
		tokens:     tokens,
		start:      start,
		end:        end,
		confidence: in.Confidence,
	}
	if end-start >= e.cfg.MaxSegmentDuration {
		return []Update{e.promote(0)}
	}
	return []Update{e.update(e.interim, e.interim.lc.Version(), segment.StateInterim, 0)}
}

// Settle promotes the interim segment if it has been stable for the settle window.
func (e *Engine) Settle(now time.Time) []Update {
	if e.interim == nil || !e.interim.lc.SettledFor(e.cfg.SettleWindow, now) {
		return nil
	}
	return []Update{e.promote(len(e.interim.tokens))}
}

// Break promotes the interim segment and records a gap. Alignment never reaches
// across a gap.
func (e *Engine) Break(g audio.Gap) []Update {
	var out []Update
	if e.interim != nil {
		out = append(out, e.promote(len(e.interim.tokens)))
	}
	if g.Start < e.committedEnd {
		g.Start = e.committedEnd
	}
	if g.End < g.Start {
		g.End = g.Start
	}
	e.committed = append(e.committed, Entry{Gap: &g})
	e.committedEnd = g.End
	e.tail = nil
	return out
}

// Flush promotes everything at the end of the stream. The last interim segment
// is extended to audioEnd; without one, the audio after the last committed entry
// is committed as a no-speech entry, so the transcript always reaches audioEnd.
func (e *Engine) Flush(audioEnd time.Duration) []Update {
	if e.interim != nil {
		if audioEnd > e.interim.end {
			e.interim.end = audioEnd
		}
		return []Update{e.promote(len(e.interim.tokens))}
	}
	if audioEnd > e.committedEnd {
		e.committed = append(e.committed, Entry{Gap: &audio.Gap{
			Start:  e.committedEnd,
			End:    audioEnd,
			Reason: audio.GapNoSpeech,
		}})
		e.committedEnd = audioEnd
		e.tail = nil
	}
	return nil
}

// Snapshot returns the latest version of every segment, final ones first.
func (e *Engine) Snapshot() []Update {
	var out []Update
	for _, entry := range e.committed {
		if entry.Segment != nil {
			out = append(out, Update{SessionID: e.sessionID, Segment: *entry.Segment, Delta: entry.Segment.Text})
		}
	}
	if e.interim != nil {
		out = append(out, e.update(e.interim, e.interim.lc.Version(), segment.StateInterim, 0))
	}
	return out
}

// Transcript returns the committed segments and gaps in offset order.
func (e *Engine) Transcript() []Entry {
	out := make([]Entry, len(e.committed))
	copy(out, e.committed)
	return out
}

// Text joins the final segments' text.
func (e *Engine) Text() string {
	parts := make([]string, 0, len(e.committed))
	for _, entry := range e.committed {
		if entry.Segment != nil {
			parts = append(parts, entry.Segment.Text)
		}
	}
	return strings.Join(parts, " ")
}

// HasInterim reports whether a segment is still open for revision.
func (e *Engine) HasInterim() bool {
	return e.interim != nil
}

// CommittedEnd returns the end offset of the last final segment or gap.
func (e *Engine) CommittedEnd() time.Duration {
	return e.committedEnd
}

func (e *Engine) promote(offset int) Update {
	cur := e.interim
	version, err := cur.lc.Promote()
	if err != nil {
		log.Warn().Err(err).Str("sessionId", e.sessionID).Str("segmentId", cur.lc.SegmentId()).Msg("Segment promoted twice")
	}
	u := e.update(cur, version, segment.StateFinal, offset)
	seg := u.Segment
	e.committed = append(e.committed, Entry{Segment: &seg})
	e.committedEnd = cur.end
	e.tail = cur.tokens
	e.interim = nil
	return u
}

func (e *Engine) update(cur *live, version uint64, state segment.State, offset int) Update {
	if offset > len(cur.tokens) {
		offset = len(cur.tokens)
	}
	u := Update{
		SessionID: e.sessionID,
		Segment: Segment{
			ID:         cur.lc.SegmentId(),
			Text:       strings.Join(cur.tokens, " "),
			Start:      cur.start,
			End:        cur.end,
			Confidence: cur.confidence,
			Stability:  state.Stability(),
			Version:    version,
		},
		Delta:       strings.Join(cur.tokens[offset:], " "),
		DeltaOffset: offset,
	}
	e.metrics.RecordSegmentUpdate(u.Stability)
	return u
}

func (e *Engine) skip(reason string, in Input) {
	e.metrics.RecordMergeSkipped(reason)
	log.Debug().
		Str("sessionId", e.sessionID).
		Str("requestId", in.RequestID).
		Str("reason", reason).
		Msg("Backend result produced no transcript change")
}

// Align returns the length of the longest suffix of prev that matches a prefix of
// next. Tokens are compared case-folded with punctuation trimmed. A k-token
// alignment must agree on its first token and may differ in at most k/4 tokens,
// which tolerates small re-wordings when the same audio is transcribed twice.
func Align(prev, next []string) int {
	maxK := len(prev)
	if len(next) < maxK {
		maxK = len(next)
	}
	for k := maxK; k >= 1; k-- {
		a := prev[len(prev)-k:]
		b := next[:k]
		if normalize(a[0]) != normalize(b[0]) {
			continue
		}
		mismatches := 0
		for i := 1; i < k; i++ {
			if normalize(a[i]) != normalize(b[i]) {
				mismatches++
			}
		}
		if mismatches <= k/4 {
			return k
		}
	}
	return 0
}

func normalize(tok string) string {
	return strings.ToLower(strings.TrimFunc(tok, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func commonPrefix(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
