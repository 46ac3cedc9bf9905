package segment

import (
	"errors"
	"testing"
	"time"
)

func TestLifecycle_InitialState(t *testing.T) {
	now := time.Now()
	lc := NewLifecycle("seg-1", now)

	if lc.State() != StateInterim {
		t.Errorf("expected StateInterim, got %v", lc.State())
	}
	if lc.SegmentId() != "seg-1" {
		t.Errorf("expected seg-1, got %v", lc.SegmentId())
	}
	if lc.Version() != 1 {
		t.Errorf("expected version 1, got %d", lc.Version())
	}
	if lc.IsFinal() {
		t.Error("expected IsFinal to be false")
	}
	if !lc.LastRevised().Equal(now) {
		t.Errorf("expected lastRevised %v, got %v", now, lc.LastRevised())
	}
}

func TestLifecycle_Revise_BumpsVersion(t *testing.T) {
	lc := NewLifecycle("seg-1", time.Now())

	for want := uint64(2); want < 7; want++ {
		v, err := lc.Revise(time.Now())
		if err != nil {
			t.Fatalf("revise: unexpected error: %v", err)
		}
		if v != want {
			t.Errorf("expected version %d, got %d", want, v)
		}
	}
	if lc.State() != StateInterim {
		t.Errorf("expected StateInterim after revisions, got %v", lc.State())
	}
}

func TestLifecycle_Promote(t *testing.T) {
	lc := NewLifecycle("seg-1", time.Now())
	lc.Revise(time.Now())

	v, err := lc.Promote()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 3 {
		t.Errorf("expected promotion to version 3, got %d", v)
	}
	if !lc.IsFinal() {
		t.Error("expected IsFinal after promotion")
	}
}

func TestLifecycle_FinalIsImmutable(t *testing.T) {
	lc := NewLifecycle("seg-1", time.Now())
	if _, err := lc.Promote(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, err := lc.Revise(time.Now())
	if !errors.Is(err, ErrSegmentFinal) {
		t.Errorf("expected ErrSegmentFinal, got %v", err)
	}
	if v != 2 {
		t.Errorf("version should not change after final, got %d", v)
	}

	if _, err := lc.Promote(); !errors.Is(err, ErrAlreadyPromote) {
		t.Errorf("expected ErrAlreadyPromote, got %v", err)
	}
	if lc.Version() != 2 {
		t.Errorf("expected version to stay 2, got %d", lc.Version())
	}
}

func TestLifecycle_SettledFor(t *testing.T) {
	start := time.Now()
	lc := NewLifecycle("seg-1", start)

	if lc.SettledFor(time.Second, start.Add(500*time.Millisecond)) {
		t.Error("should not be settled before the window elapses")
	}
	if !lc.SettledFor(time.Second, start.Add(time.Second)) {
		t.Error("expected settled once the window elapses")
	}

	lc.Revise(start.Add(time.Second))
	if lc.SettledFor(time.Second, start.Add(1500*time.Millisecond)) {
		t.Error("revision should restart the settle window")
	}

	lc.Promote()
	if lc.SettledFor(time.Second, start.Add(time.Hour)) {
		t.Error("final segments are never reported as settling")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state     State
		expected  string
		stability string
	}{
		{StateInterim, "INTERIM", "interim"},
		{StateFinal, "FINAL", "final"},
		{State(99), "UNKNOWN(99)", "interim"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
			if got := tt.state.Stability(); got != tt.stability {
				t.Errorf("expected stability %s, got %s", tt.stability, got)
			}
		})
	}
}
