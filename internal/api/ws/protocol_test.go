package ws

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"live-transcription-service/internal/service/audio"
)

func TestFrameRoundTrip(t *testing.T) {
	in := audio.Frame{
		SessionID: "sess-1",
		Seq:       42,
		Timestamp: 8400 * time.Millisecond,
		Payload:   []byte{1, 2, 3, 4},
	}
	data, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != HeaderSize(6)+4 {
		t.Fatalf("unexpected length %d", len(data))
	}

	out, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SessionID != in.SessionID || out.Seq != in.Seq || out.Timestamp != in.Timestamp {
		t.Errorf("expected %+v, got %+v", in, out)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("payload mismatch: %v", out.Payload)
	}
}

func TestDecodeFrame_ByteLayout(t *testing.T) {
	data := []byte{
		0x01,      // version
		0x02,      // session id length
		'a', 'b', // session id
		0, 0, 0, 0, 0, 0, 0x01, 0x00, // sequence 256
		0, 0, 0, 0, 0, 0, 0x03, 0xE8, // timestamp 1000ms
		0xAA, 0xBB,
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.SessionID != "ab" || f.Seq != 256 || f.Timestamp != time.Second {
		t.Errorf("unexpected frame %+v", f)
	}
	if !bytes.Equal(f.Payload, []byte{0xAA, 0xBB}) {
		t.Errorf("unexpected payload %v", f.Payload)
	}

	// payload must not alias the read buffer
	data[len(data)-1] = 0
	if f.Payload[1] != 0xBB {
		t.Error("payload aliases input buffer")
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	valid, _ := EncodeFrame(audio.Frame{SessionID: "s", Seq: 1, Payload: []byte{0, 0}})

	tests := []struct {
		name string
		data []byte
		code string
	}{
		{"empty", nil, CodeBadHeader},
		{"too short", []byte{1, 1, 's'}, CodeBadHeader},
		{"bad version", append([]byte{2}, valid[1:]...), CodeUnsupportedVersion},
		{"empty session id", append([]byte{1, 0}, make([]byte, 18)...), CodeBadSessionID},
		{"truncated session id", append([]byte{1, 200}, make([]byte, 20)...), CodeBadHeader},
		{"no payload", valid[:HeaderSize(1)], CodeEmptyPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.data)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
			if de.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, de.Code)
			}
		})
	}
}

func TestEncodeFrame_RejectsBadSessionID(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'x'
	}
	for _, id := range []string{"", string(long)} {
		if _, err := EncodeFrame(audio.Frame{SessionID: id, Payload: []byte{0, 0}}); err == nil {
			t.Errorf("expected error for session id of length %d", len(id))
		}
	}
}

func TestDecodeControl(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"start", `{"type":"start","sessionId":"s1","sampleRateHz":16000}`, MsgStart, false},
		{"stop mixed case", `{"type":" STOP "}`, MsgStop, false},
		{"resume", `{"type":"resume","sessionId":"s1"}`, MsgResume, false},
		{"resume without id", `{"type":"resume"}`, "", true},
		{"missing type", `{}`, "", true},
		{"unknown type", `{"type":"pause"}`, "", true},
		{"not json", `start`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeControl([]byte(tt.data))
			if tt.wantErr {
				var de *DecodeError
				if !errors.As(err, &de) || de.Code != CodeBadControl {
					t.Errorf("expected bad_control error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.Type != tt.want {
				t.Errorf("expected type %s, got %s", tt.want, msg.Type)
			}
		})
	}
}
