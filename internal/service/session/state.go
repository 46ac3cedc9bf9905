package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateIdle - Session created, no audio yet.
	StateIdle State = iota
	// StateRecording - Audio is buffering; no backend call outstanding.
	StateRecording
	// StateProcessing - A backend call is outstanding; audio keeps buffering.
	StateProcessing
	// StateFinalizing - Stop requested; draining audio and committing the transcript.
	StateFinalizing
	// StateEnded - Transcript persisted. Terminal.
	StateEnded
	// StateError - Unrecoverable fault. Terminal.
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRecording:
		return "RECORDING"
	case StateProcessing:
		return "PROCESSING"
	case StateFinalizing:
		return "FINALIZING"
	case StateEnded:
		return "ENDED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateError
}

// Accepting reports whether the session takes new audio in this state.
func (s State) Accepting() bool {
	return s == StateIdle || s == StateRecording || s == StateProcessing
}

// Errors returned by the controller.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrSessionClosed     = errors.New("session is not accepting audio")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrQueueFull         = errors.New("session queue full, frame dropped")
	ErrInvalidFrame      = errors.New("invalid audio frame")
	ErrTooManySessions   = errors.New("session limit reached")
	ErrShuttingDown      = errors.New("controller is shutting down")
	ErrInvalidSessionID  = errors.New("invalid session id")
)

// transitions lists the allowed target states of every state.
//
//	IDLE ──→ RECORDING ⇄ PROCESSING
//	  │          │            │
//	  └──────────┴────────────┴──→ FINALIZING ──→ ENDED
//
// ERROR is reachable from every non-terminal state.
var transitions = map[State][]State{
	StateIdle:       {StateRecording, StateFinalizing, StateError},
	StateRecording:  {StateProcessing, StateFinalizing, StateError},
	StateProcessing: {StateRecording, StateFinalizing, StateError},
	StateFinalizing: {StateEnded, StateError},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
