// Package mock provides a mock STT backend for running the service without cloud credentials.
// It "recognizes" a fixed script at a constant speaking rate, so the words returned
// for a span of audio depend only on its session offsets: overlapping requests
// return overlapping text, exactly like a real recognizer re-hearing the same audio.
package mock

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"live-transcription-service/internal/service/stt"
)

const providerName = "mock"

// SimulatedUtterance is one sentence of the simulated speaker.
type SimulatedUtterance struct {
	Text       string
	Confidence float64
}

// DefaultUtterances is the script read by the simulated speaker, cycled forever.
var DefaultUtterances = []SimulatedUtterance{
	{Text: "good morning everyone thanks for joining the weekly sync", Confidence: 0.94},
	{Text: "let's start with a quick update on the release", Confidence: 0.97},
	{Text: "the migration finished last night without any issues", Confidence: 0.91},
	{Text: "we still need to review the capacity plan for next quarter", Confidence: 0.89},
	{Text: "thank you very much", Confidence: 0.98},
}

// Config controls the simulation.
type Config struct {
	WordsPerSecond float64
	Latency        time.Duration
	Utterances     []SimulatedUtterance
}

// DefaultConfig returns a conversational speaking rate and a small processing delay.
func DefaultConfig() Config {
	return Config{
		WordsPerSecond: 2.5,
		Latency:        80 * time.Millisecond,
		Utterances:     DefaultUtterances,
	}
}

type word struct {
	text       string
	confidence float64
}

// Backend implements stt.Backend with scripted responses.
type Backend struct {
	cfg   Config
	words []word

	mu       sync.Mutex
	failures []error
	calls    int
	closed   bool
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("mock backend closed")

// New creates a mock backend.
func New(cfg Config) *Backend {
	def := DefaultConfig()
	if cfg.WordsPerSecond <= 0 {
		cfg.WordsPerSecond = def.WordsPerSecond
	}
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = def.Utterances
	}
	b := &Backend{cfg: cfg}
	for _, u := range cfg.Utterances {
		for _, w := range strings.Fields(u.Text) {
			b.words = append(b.words, word{text: w, confidence: u.Confidence})
		}
	}
	return b
}

// FailNext queues errors returned by the next calls, in order.
func (b *Backend) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

// Calls returns the number of Transcribe calls made.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Name returns the provider name.
func (b *Backend) Name() string {
	return providerName
}

// Transcribe returns the script words spoken between the request offsets.
func (b *Backend) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	b.mu.Lock()
	b.calls++
	if b.closed {
		b.mu.Unlock()
		return stt.Result{}, stt.NewError(stt.KindUnavailable, providerName, ErrClosed)
	}
	var injected error
	if len(b.failures) > 0 {
		injected = b.failures[0]
		b.failures = b.failures[1:]
	}
	b.mu.Unlock()

	if b.cfg.Latency > 0 {
		timer := time.NewTimer(b.cfg.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return stt.Result{}, stt.NewError(stt.KindOf(ctx.Err()), providerName, ctx.Err())
		}
	}
	if injected != nil {
		return stt.Result{}, stt.NewError(stt.KindOf(injected), providerName, injected)
	}
	if len(req.Audio) == 0 {
		return stt.Result{}, stt.NewError(stt.KindInvalidInput, providerName, errors.New("empty audio"))
	}

	text, conf := b.wordsBetween(req.StartOffset, req.EndOffset)
	return stt.Result{
		RequestID:  req.ID,
		Text:       text,
		Confidence: conf,
		ReceivedAt: time.Now(),
	}, nil
}

func (b *Backend) wordsBetween(start, end time.Duration) (string, float64) {
	from := int(math.Floor(start.Seconds() * b.cfg.WordsPerSecond))
	to := int(math.Floor(end.Seconds() * b.cfg.WordsPerSecond))
	if to <= from || len(b.words) == 0 {
		return "", 0
	}
	out := make([]string, 0, to-from)
	var conf float64
	for i := from; i < to; i++ {
		w := b.words[i%len(b.words)]
		out = append(out, w.text)
		conf += w.confidence
	}
	return strings.Join(out, " "), conf / float64(len(out))
}

// Close ends the mock backend. Idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
