// Package httpapi provides a Speech-to-Text backend for HTTP transcription services
// that accept a multipart file upload and answer with JSON.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/stt"
)

const providerName = "http"

// Config holds HTTP backend configuration.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

type response struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Backend implements stt.Backend over HTTP.
type Backend struct {
	cfg    Config
	client *http.Client
}

// New creates an HTTP transcription backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("model", cfg.Model).
		Msg("HTTP STT backend initialized")

	return &Backend{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Name returns the provider name.
func (b *Backend) Name() string {
	return providerName
}

// Transcribe uploads the request audio as a WAV file.
func (b *Backend) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	payload := req.Audio
	if req.Encoding != audio.EncodingWAV {
		wav, err := audio.EncodeWAV(req.Audio, req.Format)
		if err != nil {
			return stt.Result{}, stt.NewError(stt.KindInvalidInput, providerName, err)
		}
		payload = wav
	}

	body, contentType, err := b.multipart(req, payload)
	if err != nil {
		return stt.Result{}, stt.NewError(stt.KindInvalidInput, providerName, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, body)
	if err != nil {
		return stt.Result{}, stt.NewError(stt.KindInvalidInput, providerName, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return stt.Result{}, stt.NewError(stt.KindOf(err), providerName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return stt.Result{}, stt.NewError(stt.KindUnavailable, providerName, fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return stt.Result{}, stt.NewError(stt.KindFromHTTPStatus(resp.StatusCode), providerName,
			fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)))
	}

	var r response
	if err := json.Unmarshal(respBody, &r); err != nil {
		return stt.Result{}, stt.NewError(stt.KindUnavailable, providerName, fmt.Errorf("parse response JSON: %w", err))
	}
	conf := 0.0
	if r.Confidence != nil {
		conf = *r.Confidence
	}
	return stt.Result{
		RequestID:  req.ID,
		Text:       r.Text,
		Confidence: conf,
		ReceivedAt: time.Now(),
	}, nil
}

func (b *Backend) multipart(req stt.Request, wav []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", req.ID+".wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(wav); err != nil {
		return nil, "", err
	}
	fields := map[string]string{
		"request_id":      req.ID,
		"session_id":      req.SessionID,
		"language":        req.LanguageCode,
		"model":           b.cfg.Model,
		"start_offset_ms": strconv.FormatInt(req.StartOffset.Milliseconds(), 10),
		"attempt":         strconv.Itoa(req.Attempt),
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
