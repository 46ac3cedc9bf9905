package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestInitWithWriter_Levels(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			InitWithWriter(Config{Level: tt.level, Format: "json"}, &bytes.Buffer{})
			if got := zerolog.GlobalLevel(); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func TestWithSession_AddsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(DefaultConfig(), &buf)
	defer func() { log.Logger = zerolog.Nop() }()

	l := WithSession("sess-1", "tenant-a")
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["sessionId"] != "sess-1" || entry["tenantId"] != "tenant-a" {
		t.Errorf("missing session fields: %v", entry)
	}
	if entry["service"] != ServiceName {
		t.Errorf("missing service tag: %v", entry)
	}
	if entry["message"] != "hello" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
}
