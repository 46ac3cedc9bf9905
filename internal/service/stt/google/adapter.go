// Package google provides a Google Cloud Speech-to-Text backend.
package google

import (
	"context"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"

	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/stt"
)

const providerName = "google"

// Config holds Google STT configuration.
type Config struct {
	LanguageCode  string
	SampleRateHz  int
	AudioEncoding string
	Model         string
	Punctuation   bool
}

// DefaultConfig returns default configuration for 16 kHz captioning.
func DefaultConfig() Config {
	return Config{
		LanguageCode:  "en-US",
		SampleRateHz:  16000,
		AudioEncoding: "LINEAR16",
		Punctuation:   true,
	}
}

type recognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

// Backend implements stt.Backend using synchronous Recognize calls, one per chunk.
type Backend struct {
	recognize recognizeFunc
	closeFn   func() error
	base      *speechpb.RecognitionConfig
}

// New creates a Google STT backend.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	log.Info().
		Str("languageCode", cfg.LanguageCode).
		Int("sampleRateHz", cfg.SampleRateHz).
		Str("encoding", cfg.AudioEncoding).
		Msg("Google STT backend initialized")

	return newBackend(cfg, func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		return c.Recognize(ctx, req)
	}, c.Close), nil
}

func newBackend(cfg Config, fn recognizeFunc, closeFn func() error) *Backend {
	return &Backend{
		recognize: fn,
		closeFn:   closeFn,
		base: &speechpb.RecognitionConfig{
			Encoding:                   parseAudioEncoding(cfg.AudioEncoding),
			SampleRateHertz:            int32(cfg.SampleRateHz),
			LanguageCode:               cfg.LanguageCode,
			Model:                      cfg.Model,
			EnableAutomaticPunctuation: cfg.Punctuation,
			MaxAlternatives:            1,
		},
	}
}

// Name returns the provider name.
func (b *Backend) Name() string {
	return providerName
}

// Transcribe sends the request audio to Google and joins the top alternatives.
func (b *Backend) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if len(req.Audio) == 0 {
		return stt.Result{}, stt.NewError(stt.KindInvalidInput, providerName, audio.ErrEmptyPayload)
	}

	rc := proto.Clone(b.base).(*speechpb.RecognitionConfig)
	if req.Format.SampleRateHz > 0 {
		rc.SampleRateHertz = int32(req.Format.SampleRateHz)
	}
	if req.Format.Channels > 1 {
		rc.AudioChannelCount = int32(req.Format.Channels)
	}
	if req.LanguageCode != "" {
		rc.LanguageCode = req.LanguageCode
	}

	resp, err := b.recognize(ctx, &speechpb.RecognizeRequest{
		Config: rc,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: req.Audio},
		},
	})
	if err != nil {
		kind := stt.KindOf(err)
		if ctx.Err() != nil {
			kind = stt.KindOf(ctx.Err())
		}
		return stt.Result{}, stt.NewError(kind, providerName, err)
	}

	var (
		parts []string
		conf  float64
		n     int
	)
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		if t := strings.TrimSpace(alt.GetTranscript()); t != "" {
			parts = append(parts, t)
			conf += float64(alt.GetConfidence())
			n++
		}
	}
	if n > 0 {
		conf /= float64(n)
	}

	return stt.Result{
		RequestID:  req.ID,
		Text:       strings.Join(parts, " "),
		Confidence: conf,
		ReceivedAt: time.Now(),
	}, nil
}

// Close releases the speech client.
func (b *Backend) Close() error {
	if b.closeFn != nil {
		return b.closeFn()
	}
	return nil
}

// parseAudioEncoding converts a string encoding to the Google Speech enum.
// Unknown values fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
