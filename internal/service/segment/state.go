// Package segment provides segment ID generation and lifecycle management.
package segment

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the stability of a transcript segment.
type State int

const (
	// StateInterim - Segment text may still be revised.
	StateInterim State = iota
	// StateFinal - Segment is committed and immutable.
	// This is a terminal state.
	StateFinal
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateInterim:
		return "INTERIM"
	case StateFinal:
		return "FINAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Stability returns the wire name of the state.
func (s State) Stability() string {
	switch s {
	case StateFinal:
		return "final"
	default:
		return "interim"
	}
}

// Errors for invalid state transitions.
var (
	ErrSegmentFinal   = errors.New("segment is final and cannot be revised")
	ErrAlreadyPromote = errors.New("segment already promoted to final")
)

// Lifecycle manages the state machine and version counter of a single segment.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	INTERIM ──Promote()──→ FINAL
//	   │
//	   └── Revise() ──→ multiple times, each bumps the version
//
// Rules:
//   - INTERIM: can be revised (version+1 each time), can be promoted once
//   - FINAL: immutable; Revise and Promote return errors
//   - Versions start at 1 and strictly increase; promotion is itself a new version
type Lifecycle struct {
	mu          sync.RWMutex
	segmentId   string
	state       State
	version     uint64
	lastRevised time.Time
}

// NewLifecycle creates a new segment lifecycle in INTERIM state at version 1.
func NewLifecycle(segmentId string, now time.Time) *Lifecycle {
	return &Lifecycle{
		segmentId:   segmentId,
		state:       StateInterim,
		version:     1,
		lastRevised: now,
	}
}

// SegmentId returns the segment ID.
func (l *Lifecycle) SegmentId() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segmentId
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Version returns the current version.
func (l *Lifecycle) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// LastRevised returns when the segment last changed.
func (l *Lifecycle) LastRevised() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastRevised
}

// IsFinal returns true if the segment is committed.
func (l *Lifecycle) IsFinal() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateFinal
}

// Revise records a change to an interim segment and returns the new version.
func (l *Lifecycle) Revise(now time.Time) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateInterim:
		l.version++
		l.lastRevised = now
		return l.version, nil
	case StateFinal:
		return l.version, ErrSegmentFinal
	default:
		return l.version, fmt.Errorf("unexpected state: %v", l.state)
	}
}

// Promote commits the segment and returns the final version.
func (l *Lifecycle) Promote() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateInterim:
		l.state = StateFinal
		l.version++
		return l.version, nil
	case StateFinal:
		return l.version, ErrAlreadyPromote
	default:
		return l.version, fmt.Errorf("unexpected state: %v", l.state)
	}
}

// SettledFor reports whether an interim segment has gone unrevised for d.
func (l *Lifecycle) SettledFor(d time.Duration, now time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateInterim && now.Sub(l.lastRevised) >= d
}
