// Package stt defines the interface for Speech-to-Text backends and the
// error taxonomy used to decide whether a failed call is worth retrying.
package stt

import (
	"context"
	"time"

	"live-transcription-service/internal/service/audio"
)

// Request is one transcription call for a span of session audio.
type Request struct {
	ID        string
	SessionID string
	Audio     []byte
	Format    audio.Format
	Encoding  audio.Encoding
	// LanguageCode is an optional BCP-47 hint.
	LanguageCode string
	// StartOffset and EndOffset locate Audio in the session timeline.
	StartOffset time.Duration
	EndOffset   time.Duration
	Attempt     int
}

// Result is a successful transcription.
type Result struct {
	RequestID  string
	Text       string
	Confidence float64
	ReceivedAt time.Time
}

// Backend transcribes a bounded audio payload. Implementations must be safe for
// concurrent use; the dispatcher bounds concurrency globally.
type Backend interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Transcribe recognizes the request audio. Errors should be *Error so callers
	// can tell transient failures from client-side ones.
	Transcribe(ctx context.Context, req Request) (Result, error)

	// Close releases provider resources.
	Close() error
}
