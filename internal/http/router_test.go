package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/store"
)

type fakeSessions struct {
	ready bool
	infos []session.Info
}

func (f *fakeSessions) List() []session.Info { return f.infos }
func (f *fakeSessions) Ready() bool          { return f.ready }

func (f *fakeSessions) Get(id string) (session.Info, error) {
	for _, i := range f.infos {
		if i.ID == id {
			return i, nil
		}
	}
	return session.Info{}, session.ErrSessionNotFound
}

type fakeTranscripts map[string]*store.Session

func (f fakeTranscripts) LoadSession(_ context.Context, id string) (*store.Session, error) {
	if s, ok := f[id]; ok {
		return s, nil
	}
	return nil, store.ErrNotFound
}

func newTestRouter(ready bool, transcripts Transcripts) http.Handler {
	sessions := &fakeSessions{
		ready: ready,
		infos: []session.Info{{ID: "s1", State: session.StateRecording, LastSequence: 4, HasAudio: true}},
	}
	stream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return NewRouter(Deps{Stream: stream, Sessions: sessions, Transcripts: transcripts, StartupTime: time.Now()})
}

func TestRouter_Status(t *testing.T) {
	transcripts := fakeTranscripts{"done": {ID: "done", Status: "ended"}}

	tests := []struct {
		name        string
		ready       bool
		transcripts Transcripts
		path        string
		want        int
	}{
		{"liveness", true, nil, "/v1/liveness", http.StatusOK},
		{"ready", true, nil, "/v1/readiness", http.StatusOK},
		{"not ready", false, nil, "/v1/readiness", http.StatusServiceUnavailable},
		{"stream mounted", true, nil, "/v1/stream", http.StatusTeapot},
		{"list", true, nil, "/v1/sessions", http.StatusOK},
		{"get", true, nil, "/v1/sessions/s1", http.StatusOK},
		{"get missing", true, nil, "/v1/sessions/nope", http.StatusNotFound},
		{"transcript disabled", true, nil, "/v1/sessions/done/transcript", http.StatusNotImplemented},
		{"transcript", true, transcripts, "/v1/sessions/done/transcript", http.StatusOK},
		{"transcript missing", true, transcripts, "/v1/sessions/nope/transcript", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestRouter(tt.ready, tt.transcripts).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("GET %s: expected %d, got %d", tt.path, tt.want, rec.Code)
			}
		})
	}
}

func TestRouter_SessionJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(true, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["sessionId"] != "s1" || body["state"] != "RECORDING" || body["lastSequence"] != float64(4) {
		t.Errorf("unexpected body %v", body)
	}
}

func TestRouter_TranscriptJSON(t *testing.T) {
	transcripts := fakeTranscripts{"done": {
		ID:      "done",
		Status:  "ended",
		Outcome: "stopped",
		Segments: []store.Segment{
			{ID: "done-seg-1", Kind: store.KindSpeech, Text: "hello", End: 300 * time.Millisecond, Version: 2},
			{ID: "done-gap-1", Kind: store.KindGap, Reason: "frames_lost", Start: 300 * time.Millisecond, End: 700 * time.Millisecond},
		},
	}}
	rec := httptest.NewRecorder()
	newTestRouter(true, transcripts).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/done/transcript", nil))

	var body transcriptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Outcome != "stopped" || len(body.Transcript) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}
	if seg := body.Transcript[0]; seg.Kind != "segment" || seg.Text != "hello" || seg.EndOffsetMs != 300 {
		t.Errorf("unexpected segment %+v", seg)
	}
	if gap := body.Transcript[1]; gap.Kind != "gap" || gap.Reason != "frames_lost" || gap.StartOffsetMs != 300 || gap.EndOffsetMs != 700 {
		t.Errorf("unexpected gap %+v", gap)
	}
}
