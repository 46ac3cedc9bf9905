// Package ws is the audio frame receiver: a WebSocket endpoint that decodes
// binary audio frames and JSON control messages, feeds the session controller
// and writes the session's events back to the client.
package ws

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"live-transcription-service/internal/service/audio"
)

// Binary frame layout, big-endian:
//
//	[version:1][sessionIdLen:1][sessionId:N][sequence:8][timestampMs:8][payload]
const (
	ProtocolVersion = 1

	fixedHeaderSize = 1 + 1 + 8 + 8
)

// Decode error codes, sent to the client in error notices.
const (
	CodeBadHeader          = "bad_header"
	CodeUnsupportedVersion = "unsupported_version"
	CodeBadSessionID       = "bad_session_id"
	CodeEmptyPayload       = "empty_payload"
	CodeBadControl         = "bad_control"
)

// DecodeError is a malformed client message.
type DecodeError struct {
	Code   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Code, e.Reason)
}

// HeaderSize returns the header length for a session ID of n bytes.
func HeaderSize(n int) int {
	return fixedHeaderSize + n
}

// DecodeFrame parses one binary audio frame.
func DecodeFrame(data []byte) (audio.Frame, error) {
	if len(data) < fixedHeaderSize {
		return audio.Frame{}, &DecodeError{Code: CodeBadHeader, Reason: fmt.Sprintf("frame too short: %d bytes", len(data))}
	}
	if v := data[0]; v != ProtocolVersion {
		return audio.Frame{}, &DecodeError{Code: CodeUnsupportedVersion, Reason: fmt.Sprintf("version %d", v)}
	}
	n := int(data[1])
	if n == 0 {
		return audio.Frame{}, &DecodeError{Code: CodeBadSessionID, Reason: "empty session id"}
	}
	if len(data) < HeaderSize(n) {
		return audio.Frame{}, &DecodeError{Code: CodeBadHeader, Reason: fmt.Sprintf("header truncated: need %d bytes, got %d", HeaderSize(n), len(data))}
	}

	off := 2
	sessionID := string(data[off : off+n])
	off += n
	seq := binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	tsMs := binary.BigEndian.Uint64(data[off : off+8])
	off += 8

	payload := data[off:]
	if len(payload) == 0 {
		return audio.Frame{}, &DecodeError{Code: CodeEmptyPayload, Reason: "frame carries no audio"}
	}

	return audio.Frame{
		SessionID: sessionID,
		Seq:       seq,
		Timestamp: time.Duration(tsMs) * time.Millisecond,
		Payload:   append([]byte(nil), payload...),
	}, nil
}

// EncodeFrame builds the binary form of f.
func EncodeFrame(f audio.Frame) ([]byte, error) {
	n := len(f.SessionID)
	if n == 0 || n > 255 {
		return nil, &DecodeError{Code: CodeBadSessionID, Reason: fmt.Sprintf("session id length %d", n)}
	}
	buf := make([]byte, HeaderSize(n)+len(f.Payload))
	buf[0] = ProtocolVersion
	buf[1] = byte(n)
	off := 2
	off += copy(buf[off:], f.SessionID)
	binary.BigEndian.PutUint64(buf[off:], f.Seq)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(f.Timestamp/time.Millisecond))
	off += 8
	copy(buf[off:], f.Payload)
	return buf, nil
}

// Control message types.
const (
	MsgStart  = "start"
	MsgStop   = "stop"
	MsgResume = "resume"
)

// ControlMessage is a JSON text message from the client.
type ControlMessage struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId,omitempty"`
	TenantID     string `json:"tenantId,omitempty"`
	Language     string `json:"language,omitempty"`
	SampleRateHz int    `json:"sampleRateHz,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	Sensitivity  string `json:"vadSensitivity,omitempty"`
}

// DecodeControl parses a control message.
func DecodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, &DecodeError{Code: CodeBadControl, Reason: err.Error()}
	}
	msg.Type = strings.ToLower(strings.TrimSpace(msg.Type))
	switch msg.Type {
	case MsgStart, MsgStop:
	case MsgResume:
		if msg.SessionID == "" {
			return ControlMessage{}, &DecodeError{Code: CodeBadControl, Reason: "resume requires sessionId"}
		}
	case "":
		return ControlMessage{}, &DecodeError{Code: CodeBadControl, Reason: "missing type"}
	default:
		return ControlMessage{}, &DecodeError{Code: CodeBadControl, Reason: fmt.Sprintf("unknown type %q", msg.Type)}
	}
	return msg, nil
}
