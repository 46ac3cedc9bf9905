package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/store"
)

// Sessions is the read side of the session controller.
type Sessions interface {
	List() []session.Info
	Get(id string) (session.Info, error)
	Ready() bool
}

// Transcripts loads persisted transcripts.
type Transcripts interface {
	LoadSession(ctx context.Context, id string) (*store.Session, error)
}

// Deps are the handlers and collaborators the router serves.
type Deps struct {
	// Stream is the audio WebSocket endpoint.
	Stream   http.Handler
	Sessions Sessions
	// Transcripts may be nil when persistence is disabled.
	Transcripts Transcripts
	StartupTime time.Time
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !d.Sessions.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Handle("/stream", d.Stream)

		r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"sessions":  d.Sessions.List(),
				"uptimeSec": int64(time.Since(d.StartupTime).Seconds()),
			})
		})
		r.Get("/sessions/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
			info, err := d.Sessions.Get(chi.URLParam(r, "sessionId"))
			if errors.Is(err, session.ErrSessionNotFound) {
				writeError(w, http.StatusNotFound, "session_not_found")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal")
				return
			}
			writeJSON(w, http.StatusOK, info)
		})
		r.Get("/sessions/{sessionId}/transcript", func(w http.ResponseWriter, r *http.Request) {
			if d.Transcripts == nil {
				writeError(w, http.StatusNotImplemented, "persistence_disabled")
				return
			}
			sess, err := d.Transcripts.LoadSession(r.Context(), chi.URLParam(r, "sessionId"))
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "session_not_found")
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("Failed to load transcript")
				writeError(w, http.StatusInternalServerError, "internal")
				return
			}
			writeJSON(w, http.StatusOK, newTranscriptResponse(sess))
		})
	})

	return r
}

type transcriptResponse struct {
	SessionID  string                   `json:"sessionId"`
	TenantID   string                   `json:"tenantId,omitempty"`
	Language   string                   `json:"language,omitempty"`
	Status     string                   `json:"status"`
	Outcome    string                   `json:"outcome,omitempty"`
	StartedAt  time.Time                `json:"startedAt"`
	EndedAt    *time.Time               `json:"endedAt,omitempty"`
	Transcript []models.TranscriptEntry `json:"transcript"`
}

func newTranscriptResponse(s *store.Session) transcriptResponse {
	resp := transcriptResponse{
		SessionID:  s.ID,
		TenantID:   s.TenantID,
		Language:   s.Language,
		Status:     s.Status,
		Outcome:    s.Outcome,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		Transcript: make([]models.TranscriptEntry, 0, len(s.Segments)),
	}
	for _, seg := range s.Segments {
		entry := models.TranscriptEntry{
			Kind:          "segment",
			StartOffsetMs: seg.Start.Milliseconds(),
			EndOffsetMs:   seg.End.Milliseconds(),
		}
		if seg.Kind == store.KindGap {
			entry.Kind = "gap"
			entry.Reason = seg.Reason
		} else {
			entry.SegmentID = seg.ID
			entry.Version = seg.Version
			entry.Text = seg.Text
			entry.Confidence = seg.Confidence
		}
		resp.Transcript = append(resp.Transcript, entry)
	}
	return resp
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("requestId", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
