package merge

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/audio"
)

const ms = time.Millisecond

func newEngine() (*Engine, *metrics.Metrics) {
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	return New("sess-1", Config{SettleWindow: time.Second, MaxSegmentDuration: 10 * time.Second}, m), m
}

func TestAlign(t *testing.T) {
	tests := []struct {
		name string
		prev string
		next string
		want int
	}{
		{"plain overlap", "the quick brown", "quick brown fox jumps", 2},
		{"no overlap", "the quick brown", "fox jumps", 0},
		{"case and punctuation", "The quick, brown", "Quick brown. fox", 2},
		{"full repeat", "quick brown fox", "quick brown fox", 3},
		{"single token", "went to the", "the store", 1},
		{"reworded within tolerance", "we went to the stoor", "went to the store today", 4},
		{"first token must match", "the quick brown", "slow brown fox", 0},
		{"too many differences", "a b c d", "a x y d e", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Align(strings.Fields(tt.prev), strings.Fields(tt.next))
			if got != tt.want {
				t.Errorf("Align(%q, %q) = %d, want %d", tt.prev, tt.next, got, tt.want)
			}
		})
	}
}

func TestMerge_OverlapIsNotDuplicated(t *testing.T) {
	e, _ := newEngine()
	now := time.Now()

	first := e.Merge(Input{RequestID: "r1", Text: "the quick brown", Start: 0, CoveredStart: 0, End: 1200 * ms}, now)
	if len(first) != 1 || first[0].Version != 1 || first[0].Stability != "interim" {
		t.Fatalf("unexpected first update: %+v", first)
	}

	second := e.Merge(Input{RequestID: "r2", Text: "quick brown fox jumps", Start: 900 * ms, CoveredStart: 1200 * ms, End: 2400 * ms}, now.Add(100*ms))
	if len(second) != 1 {
		t.Fatalf("expected one update, got %d", len(second))
	}
	u := second[0]
	if u.Text != "the quick brown fox jumps" {
		t.Errorf("expected merged text without duplication, got %q", u.Text)
	}
	if u.Delta != "fox jumps" || u.DeltaOffset != 3 {
		t.Errorf("expected delta 'fox jumps' at 3, got %q at %d", u.Delta, u.DeltaOffset)
	}
	if u.ID != first[0].ID {
		t.Errorf("expected the same segment to be revised, got %s and %s", first[0].ID, u.ID)
	}
	if u.Version != 2 {
		t.Errorf("expected version 2, got %d", u.Version)
	}
	if u.Start != 0 || u.End != 2400*ms {
		t.Errorf("expected span 0-2.4s, got %v-%v", u.Start, u.End)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	e, m := newEngine()
	now := time.Now()
	in := Input{RequestID: "r1", Text: "hello there", End: time.Second}

	if got := e.Merge(in, now); len(got) != 1 {
		t.Fatalf("expected one update, got %d", len(got))
	}
	if got := e.Merge(in, now); len(got) != 0 {
		t.Errorf("expected replayed result to be ignored, got %+v", got)
	}
	if got := testutil.ToFloat64(m.MergeSkipped.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("expected 1 duplicate skip, got %v", got)
	}

	// A different request repeating the same words over the overlap changes nothing.
	again := Input{RequestID: "r2", Text: "hello there", Start: 0, CoveredStart: time.Second, End: 1500 * ms}
	if got := e.Merge(again, now); len(got) != 0 {
		t.Errorf("expected unchanged merge to emit nothing, got %+v", got)
	}
	snap := e.Snapshot()
	if len(snap) != 1 || snap[0].Version != 1 {
		t.Errorf("expected version to stay 1, got %+v", snap)
	}
}

func TestMerge_CorrectsOverlap(t *testing.T) {
	e, _ := newEngine()
	now := time.Now()

	e.Merge(Input{RequestID: "r1", Text: "we went to the stoor", End: 2 * time.Second}, now)
	got := e.Merge(Input{RequestID: "r2", Text: "went to the store today", Start: 1500 * ms, CoveredStart: 2 * time.Second, End: 3 * time.Second}, now)
	if len(got) != 1 {
		t.Fatalf("expected one update, got %d", len(got))
	}
	if got[0].Text != "we went to the store today" {
		t.Errorf("expected corrected text, got %q", got[0].Text)
	}
	if got[0].Delta != "store today" || got[0].DeltaOffset != 4 {
		t.Errorf("expected delta 'store today' at 4, got %q at %d", got[0].Delta, got[0].DeltaOffset)
	}
}

func TestMerge_NoAlignmentWithoutOverlapAudio(t *testing.T) {
	e, _ := newEngine()
	now := time.Now()

	e.Merge(Input{RequestID: "r1", Text: "and", End: time.Second}, now)
	got := e.Merge(Input{RequestID: "r2", Text: "and then", Start: time.Second, CoveredStart: time.Second, End: 2 * time.Second}, now)
	if got[0].Text != "and and then" {
		t.Errorf("expected plain append, got %q", got[0].Text)
	}
}

func TestMerge_VersionsStrictlyIncrease(t *testing.T) {
	e, _ := newEngine()
	now := time.Now()
	texts := []string{"one", "one two", "two three", "three four five", "five six"}

	last := map[string]uint64{}
	var end time.Duration
	for i, text := range texts {
		start := end
		end += time.Second
		in := Input{RequestID: string(rune('a' + i)), Text: text, Start: start - 300*ms, CoveredStart: start, End: end}
		if i == 0 {
			in.Start = 0
		}
		for _, u := range e.Merge(in, now) {
			if u.Version <= last[u.ID] {
				t.Fatalf("version regressed for %s: %d after %d", u.ID, u.Version, last[u.ID])
			}
			last[u.ID] = u.Version
		}
	}
	for _, u := range e.Flush(end) {
		if u.Version <= last[u.ID] {
			t.Fatalf("final version regressed for %s: %d after %d", u.ID, u.Version, last[u.ID])
		}
	}
	if got := e.Text(); got != "one two three four five six" {
		t.Errorf("unexpected transcript %q", got)
	}
}

func TestSettle_PromotesStableSegment(t *testing.T) {
	e, _ := newEngine()
	now := time.Now()

	e.Merge(Input{RequestID: "r1", Text: "the quick brown", End: time.Second}, now)
	if got := e.Settle(now.Add(500 * ms)); len(got) != 0 {
		t.Fatalf("expected no promotion before settle window, got %+v", got)
	}
	got := e.Settle(now.Add(time.Second))
	if len(got) != 1 || got[0].Stability != "final" || got[0].Version != 2 {
		t.Fatalf("expected final update at version 2, got %+v", got)
	}
	if e.HasInterim() {
		t.Error("expected no interim segment after settle")
	}

	// Overlap with the final segment is stripped; the remainder opens a new segment.
	next := e.Merge(Input{RequestID: "r2", Text: "quick brown fox", Start: 700 * ms, CoveredStart: time.Second, End: 2 * time.Second}, now.Add(time.Second))
	if len(next) != 1 {
		t.Fatalf("expected one update, got %d", len(next))
	}
	if next[0].Text != "fox" || next[0].ID == got[0].ID {
		t.Errorf("expected new segment with 'fox', got %+v", next[0])
	}
	if next[0].Start != time.Second {
		t.Errorf("expected new segment to start at 1s, got %v", next[0].Start)
	}
}

func TestMerge_OverlapOnlyAfterFinal(t *testing.T) {
	e, m := newEngine()
	now := time.Now()

	e.Merge(Input{RequestID: "r1", Text: "good morning", End: time.Second}, now)
	e.Settle(now.Add(time.Second))
	got := e.Merge(Input{RequestID: "r2", Text: "morning", Start: 700 * ms, CoveredStart: time.Second, End: 1200 * ms}, now)
	if len(got) != 0 {
		t.Errorf("expected nothing new, got %+v", got)
	}
	if v := testutil.ToFloat64(m.MergeSkipped.WithLabelValues("overlap_only")); v != 1 {
		t.Errorf("expected overlap_only skip, got %v", v)
	}
}

func TestBreak_SeparatesSegmentsWithGap(t *testing.T) {
	e, _ := newEngine()
	now := time.Now()

	e.Merge(Input{RequestID: "r1", Text: "before the gap", End: 800 * ms}, now)
	promoted := e.Break(audio.Gap{FromSeq: 4, ToSeq: 5, Start: 800 * ms, End: 1200 * ms, Reason: audio.GapFramesLost})
	if len(promoted) != 1 || promoted[0].Stability != "final" {
		t.Fatalf("expected interim to be promoted at the gap, got %+v", promoted)
	}

	// Words repeating the pre-gap tail are not aligned across the gap.
	e.Merge(Input{RequestID: "r2", Text: "gap after it", Start: 1200 * ms, CoveredStart: 1200 * ms, End: 2 * time.Second}, now)
	e.Flush(2 * time.Second)

	tr := e.Transcript()
	if len(tr) != 3 {
		t.Fatalf("expected segment, gap, segment; got %d entries", len(tr))
	}
	if tr[0].Segment == nil || tr[1].Gap == nil || tr[2].Segment == nil {
		t.Fatalf("unexpected transcript layout: %+v", tr)
	}
	if tr[1].Gap.Duration() != 400*ms {
		t.Errorf("expected 400ms gap, got %v", tr[1].Gap.Duration())
	}
	if tr[2].Segment.Text != "gap after it" {
		t.Errorf("expected untouched post-gap text, got %q", tr[2].Segment.Text)
	}
	if tr[0].Segment.End > tr[1].Gap.Start || tr[1].Gap.End > tr[2].Segment.Start {
		t.Errorf("committed entries overlap: %+v", tr)
	}
}

func TestFlush_ExtendsToAudioEnd(t *testing.T) {
	e, _ := newEngine()
	now := time.Now()

	e.Merge(Input{RequestID: "r1", Text: "closing words", End: 1600 * ms}, now)
	got := e.Flush(2 * time.Second)
	if len(got) != 1 || got[0].Stability != "final" {
		t.Fatalf("expected final update, got %+v", got)
	}
	if got[0].End != 2*time.Second || e.CommittedEnd() != 2*time.Second {
		t.Errorf("expected segment to end at 2s, got %v", got[0].End)
	}
	if len(e.Transcript()) != 1 {
		t.Errorf("expected a single entry, got %+v", e.Transcript())
	}
}

func TestFlush_CoversTrailingSilence(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(e *Engine, now time.Time)
		entries int
		start   time.Duration
	}{
		{
			name:    "no speech at all",
			setup:   func(e *Engine, now time.Time) {},
			entries: 1,
			start:   0,
		},
		{
			name: "segment settled before stop",
			setup: func(e *Engine, now time.Time) {
				e.Merge(Input{RequestID: "r1", Text: "closing words", End: 1200 * ms}, now)
				e.Settle(now.Add(2 * time.Second))
			},
			entries: 2,
			start:   1200 * ms,
		},
		{
			name: "gap before stop",
			setup: func(e *Engine, now time.Time) {
				e.Break(audio.Gap{Start: 0, End: 800 * ms, Reason: audio.GapFramesLost})
			},
			entries: 2,
			start:   800 * ms,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine()
			tt.setup(e, time.Now())

			if got := e.Flush(3 * time.Second); len(got) != 0 {
				t.Errorf("expected no segment updates, got %+v", got)
			}
			tr := e.Transcript()
			if len(tr) != tt.entries {
				t.Fatalf("expected %d entries, got %+v", tt.entries, tr)
			}
			last := tr[len(tr)-1]
			if last.Gap == nil || last.Gap.Reason != audio.GapNoSpeech {
				t.Fatalf("expected trailing no-speech entry, got %+v", last)
			}
			if last.Gap.Start != tt.start || last.Gap.End != 3*time.Second {
				t.Errorf("expected %v-3s, got %v-%v", tt.start, last.Gap.Start, last.Gap.End)
			}
			if e.CommittedEnd() != 3*time.Second {
				t.Errorf("expected committed end 3s, got %v", e.CommittedEnd())
			}
		})
	}
}

func TestFlush_NothingAfterAudioEnd(t *testing.T) {
	e, _ := newEngine()
	e.Merge(Input{RequestID: "r1", Text: "closing words", End: 2 * time.Second}, time.Now())
	e.Settle(time.Now().Add(2 * time.Second))

	e.Flush(2 * time.Second)
	if tr := e.Transcript(); len(tr) != 1 || tr[0].Segment == nil {
		t.Errorf("expected only the final segment, got %+v", tr)
	}
}

func TestMerge_MaxSegmentDurationPromotes(t *testing.T) {
	e, _ := newEngine()
	now := time.Now()

	e.Merge(Input{RequestID: "r1", Text: "a long monologue", End: 6 * time.Second}, now)
	got := e.Merge(Input{RequestID: "r2", Text: "that keeps going", Start: 6 * time.Second, CoveredStart: 6 * time.Second, End: 11 * time.Second}, now)
	if len(got) != 1 || got[0].Stability != "final" {
		t.Fatalf("expected long segment to be promoted, got %+v", got)
	}
	if got[0].Delta != "that keeps going" {
		t.Errorf("expected delta of the new words, got %q", got[0].Delta)
	}
}

func TestMerge_EmptyResult(t *testing.T) {
	e, m := newEngine()
	if got := e.Merge(Input{RequestID: "r1", Text: "   "}, time.Now()); len(got) != 0 {
		t.Errorf("expected no update for empty text, got %+v", got)
	}
	if v := testutil.ToFloat64(m.MergeSkipped.WithLabelValues("empty")); v != 1 {
		t.Errorf("expected empty skip, got %v", v)
	}
}

func TestSnapshot_IncludesFinalAndInterim(t *testing.T) {
	e, _ := newEngine()
	now := time.Now()

	e.Merge(Input{RequestID: "r1", Text: "first part", End: time.Second}, now)
	e.Settle(now.Add(2 * time.Second))
	e.Merge(Input{RequestID: "r2", Text: "second part", Start: time.Second, CoveredStart: time.Second, End: 2 * time.Second}, now)

	snap := e.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(snap))
	}
	if snap[0].Stability != "final" || snap[1].Stability != "interim" {
		t.Errorf("unexpected stabilities: %s, %s", snap[0].Stability, snap[1].Stability)
	}
}
