// Package continuity reorders a session's audio frames, requests retransmission
// of missing sequence ranges and turns unrecoverable holes into explicit gap markers.
//
// A Tracker is owned by a single session worker and is not safe for concurrent use.
// All time-dependent operations take the current time explicitly.
package continuity

import (
	"fmt"
	"sort"
	"time"

	"live-transcription-service/internal/service/audio"
)

// Status is the outcome of ingesting a single frame.
type Status int

const (
	// StatusOk - frame extended the contiguous stream.
	StatusOk Status = iota
	// StatusGapDetected - frame arrived ahead of a missing range and is held for reordering.
	StatusGapDetected
	// StatusDuplicate - frame was already delivered or is already held.
	StatusDuplicate
	// StatusLate - frame belongs to a range already declared lost.
	StatusLate
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "OK"
	case StatusGapDetected:
		return "GAP_DETECTED"
	case StatusDuplicate:
		return "DUPLICATE"
	case StatusLate:
		return "LATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Config bounds how long and how much the tracker waits for missing frames.
type Config struct {
	// ReorderWindow is how long a hole may stay open before retransmission is requested.
	ReorderWindow time.Duration
	// RetransmitTimeout is how long after the request the hole is declared lost.
	RetransmitTimeout time.Duration
	// MaxPending caps the number of out-of-order frames held; overflow declares the hole lost.
	MaxPending int
}

// DefaultConfig returns the reorder settings used for interactive captioning.
func DefaultConfig() Config {
	return Config{
		ReorderWindow:     150 * time.Millisecond,
		RetransmitTimeout: 500 * time.Millisecond,
		MaxPending:        50,
	}
}

// RetransmitRequest asks the client to resend an inclusive sequence range.
type RetransmitRequest struct {
	FromSeq uint64
	ToSeq   uint64
}

// Item is either a window of audio or a gap marker, in stream order.
type Item struct {
	Window audio.Window
	Gap    *audio.Gap
}

// IsGap reports whether the item is a loss marker.
func (i Item) IsGap() bool {
	return i.Gap != nil
}

// Stats counts what the tracker has seen.
type Stats struct {
	Delivered   uint64
	Duplicates  uint64
	Late        uint64
	Lost        uint64
	Gaps        uint64
	Retransmits uint64
}

type hole struct {
	openedAt    time.Time
	requested   bool
	requestedAt time.Time
}

type run struct {
	start time.Duration
	data  []byte
}

// queued is one element of the ordered output: an audio run or a gap.
type queued struct {
	run *run
	gap *audio.Gap
}

type seqRange struct{ from, to uint64 }

const maxLostRanges = 64

// Tracker enforces in-order, gap-explicit delivery for one session.
type Tracker struct {
	cfg    Config
	format audio.Format

	next     uint64
	started  bool
	pending  map[uint64]audio.Frame
	hole     *hole
	lost     []seqRange
	cursor   time.Duration
	anchored bool

	queue    []queued
	windowID uint64
	stats    Stats
}

// New creates a tracker expecting sequence number 0 first.
func New(cfg Config, format audio.Format) *Tracker {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	return &Tracker{
		cfg:     cfg,
		format:  format,
		pending: make(map[uint64]audio.Frame),
	}
}

// Ingest accepts a frame from the receiver.
func (t *Tracker) Ingest(f audio.Frame, now time.Time) Status {
	t.started = true
	switch {
	case f.Seq < t.next:
		if t.isLost(f.Seq) {
			t.stats.Late++
			return StatusLate
		}
		t.stats.Duplicates++
		return StatusDuplicate

	case f.Seq == t.next:
		t.deliver(f)
		t.drain()
		t.refreshHole(now)
		return StatusOk
	}

	if _, held := t.pending[f.Seq]; held {
		t.stats.Duplicates++
		return StatusDuplicate
	}
	t.pending[f.Seq] = f
	if t.hole == nil {
		t.hole = &hole{openedAt: now}
	}
	if len(t.pending) > t.cfg.MaxPending {
		t.declareLoss()
		t.refreshHole(now)
	}
	return StatusGapDetected
}

// Tick advances the reorder timers. It returns the retransmit requests that became
// due; holes whose retransmit timeout expired are converted to gap markers.
func (t *Tracker) Tick(now time.Time) []RetransmitRequest {
	var reqs []RetransmitRequest
	for t.hole != nil {
		h := t.hole
		if !h.requested {
			if now.Sub(h.openedAt) < t.cfg.ReorderWindow {
				break
			}
			h.requested = true
			h.requestedAt = now
			t.stats.Retransmits++
			reqs = append(reqs, RetransmitRequest{FromSeq: t.next, ToSeq: t.minPending() - 1})
			break
		}
		if now.Sub(h.requestedAt) < t.cfg.RetransmitTimeout {
			break
		}
		t.declareLoss()
		t.refreshHole(now)
	}
	return reqs
}

// Flush declares every outstanding hole lost so that all held frames are delivered.
// Used when the session stops.
func (t *Tracker) Flush() {
	for t.hole != nil {
		t.declareLoss()
		t.hole = nil
		if len(t.pending) > 0 {
			t.hole = &hole{}
		}
	}
}

// NextWindow cuts the next output item. Audio windows are target long and never span
// a gap; shorter windows are cut only when a gap follows or when flushing.
func (t *Tracker) NextWindow(target time.Duration, flush bool) (Item, bool) {
	for len(t.queue) > 0 {
		head := t.queue[0]
		if head.gap != nil {
			t.queue = t.queue[1:]
			return Item{Gap: head.gap}, true
		}

		r := head.run
		if len(r.data) == 0 {
			if len(t.queue) == 1 {
				return Item{}, false
			}
			t.queue = t.queue[1:]
			continue
		}

		n := t.format.Bytes(target)
		if n <= 0 {
			n = t.format.BlockAlign()
		}
		if len(r.data) < n {
			if len(t.queue) == 1 && !flush {
				return Item{}, false
			}
			n = len(r.data)
		}
		t.windowID++
		w := audio.Window{
			ID:      t.windowID,
			Start:   r.start,
			End:     r.start + t.format.Duration(n),
			Payload: append([]byte(nil), r.data[:n]...),
		}
		r.data = r.data[n:]
		r.start = w.End
		return Item{Window: w}, true
	}
	return Item{}, false
}

// Buffered returns the duration of contiguous audio not yet cut into windows.
func (t *Tracker) Buffered() time.Duration {
	var n int
	for _, q := range t.queue {
		if q.run != nil {
			n += len(q.run.data)
		}
	}
	return t.format.Duration(n)
}

// NextExpected is the next sequence number the tracker is waiting for.
func (t *Tracker) NextExpected() uint64 {
	return t.next
}

// LastSequence returns the highest contiguous sequence number delivered and
// false if nothing has been delivered yet.
func (t *Tracker) LastSequence() (uint64, bool) {
	if t.next == 0 {
		return 0, false
	}
	return t.next - 1, true
}

// Cursor returns the end offset of the audio delivered so far.
func (t *Tracker) Cursor() time.Duration {
	return t.cursor
}

// Pending returns the number of frames held for reordering.
func (t *Tracker) Pending() int {
	return len(t.pending)
}

// Stats returns a copy of the tracker counters.
func (t *Tracker) Stats() Stats {
	return t.stats
}

func (t *Tracker) deliver(f audio.Frame) {
	if !t.anchored || f.Timestamp > t.cursor && t.lastIsGap() {
		t.cursor = f.Timestamp
		t.anchored = true
	}
	var r *run
	if n := len(t.queue); n > 0 && t.queue[n-1].run != nil {
		r = t.queue[n-1].run
	} else {
		r = &run{start: t.cursor}
		t.queue = append(t.queue, queued{run: r})
	}
	r.data = append(r.data, f.Payload...)
	t.cursor += t.format.Duration(len(f.Payload))
	t.next = f.Seq + 1
	t.stats.Delivered++
}

func (t *Tracker) lastIsGap() bool {
	n := len(t.queue)
	return n > 0 && t.queue[n-1].gap != nil
}

func (t *Tracker) drain() {
	for {
		f, ok := t.pending[t.next]
		if !ok {
			return
		}
		delete(t.pending, t.next)
		t.deliver(f)
	}
}

// refreshHole closes the hole when nothing is held and opens one if frames are
// still waiting behind a missing range. A partially filled hole keeps its timers.
func (t *Tracker) refreshHole(now time.Time) {
	if len(t.pending) == 0 {
		t.hole = nil
		return
	}
	if t.hole == nil {
		t.hole = &hole{openedAt: now}
	}
}

// declareLoss gives up on the range [next, minPending-1], records a gap and
// delivers every frame that becomes contiguous.
func (t *Tracker) declareLoss() {
	if len(t.pending) == 0 {
		t.hole = nil
		return
	}
	m := t.minPending()
	first := t.pending[m]

	end := first.Timestamp
	if end < t.cursor {
		end = t.cursor
	}
	g := &audio.Gap{
		FromSeq: t.next,
		ToSeq:   m - 1,
		Start:   t.cursor,
		End:     end,
		Reason:  audio.GapFramesLost,
	}
	t.queue = append(t.queue, queued{gap: g})
	t.recordLost(t.next, m-1)
	t.stats.Lost += m - t.next
	t.stats.Gaps++

	if !t.anchored {
		t.anchored = true
	}
	t.cursor = end
	t.next = m
	t.hole = nil
	t.drain()
}

func (t *Tracker) minPending() uint64 {
	keys := make([]uint64, 0, len(t.pending))
	for k := range t.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0]
}

func (t *Tracker) recordLost(from, to uint64) {
	t.lost = append(t.lost, seqRange{from: from, to: to})
	if len(t.lost) > maxLostRanges {
		t.lost = t.lost[len(t.lost)-maxLostRanges:]
	}
}

func (t *Tracker) isLost(seq uint64) bool {
	for _, r := range t.lost {
		if seq >= r.from && seq <= r.to {
			return true
		}
	}
	return false
}
