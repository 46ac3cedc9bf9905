package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"live-transcription-service/internal/service/stt"
)

func request(start, end time.Duration) stt.Request {
	return stt.Request{ID: "req", Audio: make([]byte, 320), StartOffset: start, EndOffset: end}
}

func TestBackend_New(t *testing.T) {
	b := New(Config{})
	if b == nil {
		t.Fatal("expected non-nil backend")
	}
	if b.cfg.WordsPerSecond != 2.5 {
		t.Errorf("expected default rate 2.5, got %f", b.cfg.WordsPerSecond)
	}
	if len(b.words) == 0 {
		t.Error("expected script words")
	}
	if b.Name() != "mock" {
		t.Errorf("expected name mock, got %s", b.Name())
	}
}

func TestBackend_WordsFollowOffsets(t *testing.T) {
	b := New(Config{WordsPerSecond: 2, Utterances: []SimulatedUtterance{{Text: "one two three four five six", Confidence: 0.9}}})
	ctx := context.Background()

	res, err := b.Transcribe(ctx, request(0, 1500*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "one two three" {
		t.Errorf("expected 'one two three', got %q", res.Text)
	}
	if res.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %f", res.Confidence)
	}

	// Overlapping span re-hears "three".
	res, _ = b.Transcribe(ctx, request(time.Second, 2500*time.Millisecond))
	if res.Text != "three four five" {
		t.Errorf("expected 'three four five', got %q", res.Text)
	}

	// Script cycles.
	res, _ = b.Transcribe(ctx, request(3*time.Second, 4*time.Second))
	if res.Text != "one two" {
		t.Errorf("expected cycled 'one two', got %q", res.Text)
	}
}

func TestBackend_FailNext(t *testing.T) {
	b := New(Config{})
	b.FailNext(context.DeadlineExceeded, errors.New("bad audio"))
	ctx := context.Background()

	_, err := b.Transcribe(ctx, request(0, time.Second))
	if stt.KindOf(err) != stt.KindTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
	_, err = b.Transcribe(ctx, request(0, time.Second))
	if err == nil {
		t.Error("expected second injected failure")
	}
	if _, err := b.Transcribe(ctx, request(0, time.Second)); err != nil {
		t.Errorf("expected success after injected failures, got %v", err)
	}
	if b.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", b.Calls())
	}
}

func TestBackend_RespectsContext(t *testing.T) {
	b := New(Config{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Transcribe(ctx, request(0, time.Second))
	if stt.KindOf(err) != stt.KindTimeout {
		t.Errorf("expected timeout kind, got %v", err)
	}
}

func TestBackend_Close(t *testing.T) {
	b := New(Config{})
	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("close should be idempotent, got %v", err)
	}
	_, err := b.Transcribe(context.Background(), request(0, time.Second))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestBackend_EmptyAudio(t *testing.T) {
	b := New(Config{})
	_, err := b.Transcribe(context.Background(), stt.Request{})
	if stt.KindOf(err) != stt.KindInvalidInput {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func TestDefaultUtterances(t *testing.T) {
	for i, u := range DefaultUtterances {
		if u.Text == "" {
			t.Errorf("utterance %d: empty text", i)
		}
		if u.Confidence <= 0 || u.Confidence > 1 {
			t.Errorf("utterance %d: confidence out of range: %f", i, u.Confidence)
		}
	}
}

func TestBackend_ThreadSafety(t *testing.T) {
	b := New(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Duration(i) * time.Second
			b.Transcribe(context.Background(), request(start, start+time.Second))
		}(i)
	}
	wg.Wait()
	if b.Calls() != 10 {
		t.Errorf("expected 10 calls, got %d", b.Calls())
	}
}
