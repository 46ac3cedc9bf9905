package google

import (
	"context"
	"errors"
	"testing"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/stt"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.SampleRateHz)
	}
	if cfg.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.AudioEncoding)
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
		{"linear16", speechpb.RecognitionConfig_LINEAR16}, // lowercase -> fallback
		{"invalid", speechpb.RecognitionConfig_LINEAR16},
		{"", speechpb.RecognitionConfig_LINEAR16},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseAudioEncoding(tt.input)
			if got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTranscribe_JoinsAlternatives(t *testing.T) {
	var got *speechpb.RecognizeRequest
	b := newBackend(DefaultConfig(), func(_ context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		got = req
		return &speechpb.RecognizeResponse{
			Results: []*speechpb.SpeechRecognitionResult{
				{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "the quick", Confidence: 0.8}}},
				{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: " brown fox ", Confidence: 0.6}}},
				{},
			},
		}, nil
	}, nil)

	res, err := b.Transcribe(context.Background(), stt.Request{
		ID:           "req-1",
		Audio:        make([]byte, 3200),
		Format:       audio.Format{SampleRateHz: 8000, Channels: 1},
		LanguageCode: "en-GB",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "the quick brown fox" {
		t.Errorf("unexpected text %q", res.Text)
	}
	if res.Confidence < 0.69 || res.Confidence > 0.71 {
		t.Errorf("expected averaged confidence 0.7, got %f", res.Confidence)
	}
	if res.RequestID != "req-1" {
		t.Errorf("expected request id req-1, got %s", res.RequestID)
	}

	if got.GetConfig().GetSampleRateHertz() != 8000 || got.GetConfig().GetLanguageCode() != "en-GB" {
		t.Errorf("per-request overrides not applied: %v", got.GetConfig())
	}
	if b.base.GetSampleRateHertz() != 16000 || b.base.GetLanguageCode() != "en-US" {
		t.Error("base config must not be mutated by a request")
	}
}

func TestTranscribe_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want stt.Kind
	}{
		{"unavailable", status.Error(codes.Unavailable, "down"), stt.KindUnavailable},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), stt.KindTimeout},
		{"invalid", status.Error(codes.InvalidArgument, "bad"), stt.KindInvalidInput},
		{"quota", status.Error(codes.ResourceExhausted, "quota"), stt.KindQuota},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(DefaultConfig(), func(context.Context, *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
				return nil, tt.err
			}, nil)
			_, err := b.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}})
			var se *stt.Error
			if !errors.As(err, &se) {
				t.Fatalf("expected *stt.Error, got %T", err)
			}
			if se.Kind != tt.want {
				t.Errorf("expected kind %v, got %v", tt.want, se.Kind)
			}
		})
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	b := newBackend(DefaultConfig(), nil, nil)
	_, err := b.Transcribe(context.Background(), stt.Request{})
	if stt.KindOf(err) != stt.KindInvalidInput {
		t.Errorf("expected invalid input, got %v", err)
	}
}
