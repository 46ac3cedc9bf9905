package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/stt"
)

func testRequest() stt.Request {
	return stt.Request{
		ID:           "req-1",
		SessionID:    "sess-1",
		Audio:        make([]byte, 3200),
		Format:       audio.Format{SampleRateHz: 16000, Channels: 1},
		Encoding:     audio.EncodingLinear16,
		LanguageCode: "en-US",
		Attempt:      1,
	}
}

func TestNew_RequiresEndpoint(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestTranscribe_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
		} else {
			defer f.Close()
			if hdr.Size != 44+3200 {
				t.Errorf("expected WAV upload of %d bytes, got %d", 44+3200, hdr.Size)
			}
		}
		if r.FormValue("session_id") != "sess-1" {
			t.Errorf("unexpected session_id %q", r.FormValue("session_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"hello world","confidence":0.87}`))
	}))
	defer srv.Close()

	b, err := New(Config{Endpoint: srv.URL, APIKey: "secret", Timeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	res, err := b.Transcribe(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello world" || res.Confidence != 0.87 || res.RequestID != "req-1" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestTranscribe_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		want      stt.Kind
		retryable bool
	}{
		{http.StatusBadRequest, stt.KindInvalidInput, false},
		{http.StatusTooManyRequests, stt.KindQuota, false},
		{http.StatusUnauthorized, stt.KindAuth, false},
		{http.StatusBadGateway, stt.KindUnavailable, true},
		{http.StatusGatewayTimeout, stt.KindTimeout, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			b, _ := New(Config{Endpoint: srv.URL})
			_, err := b.Transcribe(context.Background(), testRequest())
			if stt.KindOf(err) != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if stt.IsRetryable(err) != tt.retryable {
				t.Errorf("expected retryable=%v for %v", tt.retryable, err)
			}
		})
	}
}

func TestTranscribe_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	b, _ := New(Config{Endpoint: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := b.Transcribe(context.Background(), testRequest())
	if !stt.IsRetryable(err) {
		t.Errorf("expected retryable timeout, got %v", err)
	}
}
