// Package models defines the events a session emits to subscribers and to Kafka.
package models

// Event types.
const (
	EventTranscriptSegment  = "transcript.segment"
	EventProcessingDegraded = "processing.degraded"
	EventAudioGap           = "audio.gap"
	EventAudioRetransmit    = "audio.retransmit"
	EventSessionState       = "session.state"
	EventSessionEnded       = "session.ended"
	EventError              = "error"
	EventWarning            = "warning"
)

// Stability values of a transcript segment.
const (
	StabilityInterim = "interim"
	StabilityFinal   = "final"
)

// Event is anything a session emits. Key is the session ID, used as the Kafka
// partition key so each session's events stay ordered.
type Event interface {
	Type() string
	Key() string
}

// TranscriptSegment is a new version of a transcript segment.
type TranscriptSegment struct {
	EventType     string  `json:"eventType"`
	SessionID     string  `json:"sessionId"`
	TenantID      string  `json:"tenantId,omitempty"`
	Timestamp     int64   `json:"timestamp"`
	SegmentID     string  `json:"segmentId"`
	Version       uint64  `json:"version"`
	Text          string  `json:"text"`
	Delta         string  `json:"delta"`
	DeltaOffset   int     `json:"deltaOffset"`
	Stability     string  `json:"stability"`
	StartOffsetMs int64   `json:"startOffsetMs"`
	EndOffsetMs   int64   `json:"endOffsetMs"`
	Confidence    float64 `json:"confidence,omitempty"`
}

func (e TranscriptSegment) Type() string { return EventTranscriptSegment }
func (e TranscriptSegment) Key() string  { return e.SessionID }

// IsFinal reports whether the segment is committed.
func (e TranscriptSegment) IsFinal() bool { return e.Stability == StabilityFinal }

// ProcessingDegraded reports audio that could not be transcribed.
type ProcessingDegraded struct {
	EventType     string `json:"eventType"`
	SessionID     string `json:"sessionId"`
	TenantID      string `json:"tenantId,omitempty"`
	Timestamp     int64  `json:"timestamp"`
	RequestID     string `json:"requestId,omitempty"`
	ErrorType     string `json:"errorType"`
	Attempts      int    `json:"attempts"`
	StartOffsetMs int64  `json:"startOffsetMs"`
	EndOffsetMs   int64  `json:"endOffsetMs"`
	Message       string `json:"message,omitempty"`
}

func (e ProcessingDegraded) Type() string { return EventProcessingDegraded }
func (e ProcessingDegraded) Key() string  { return e.SessionID }

// AudioGap marks an interval of audio missing from the transcript.
type AudioGap struct {
	EventType     string `json:"eventType"`
	SessionID     string `json:"sessionId"`
	TenantID      string `json:"tenantId,omitempty"`
	Timestamp     int64  `json:"timestamp"`
	FromSeq       uint64 `json:"fromSeq"`
	ToSeq         uint64 `json:"toSeq"`
	StartOffsetMs int64  `json:"startOffsetMs"`
	EndOffsetMs   int64  `json:"endOffsetMs"`
	Reason        string `json:"reason"`
}

func (e AudioGap) Type() string { return EventAudioGap }
func (e AudioGap) Key() string  { return e.SessionID }

// AudioRetransmit asks the client to resend a range of frames.
type AudioRetransmit struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	FromSeq   uint64 `json:"fromSeq"`
	ToSeq     uint64 `json:"toSeq"`
}

func (e AudioRetransmit) Type() string { return EventAudioRetransmit }
func (e AudioRetransmit) Key() string  { return e.SessionID }

// SessionState reports a lifecycle transition.
type SessionState struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	State     string `json:"state"`
	Previous  string `json:"previous,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (e SessionState) Type() string { return EventSessionState }
func (e SessionState) Key() string  { return e.SessionID }

// TranscriptEntry is one item of a final transcript.
type TranscriptEntry struct {
	Kind          string  `json:"kind"` // segment or gap
	SegmentID     string  `json:"segmentId,omitempty"`
	Version       uint64  `json:"version,omitempty"`
	Text          string  `json:"text,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	StartOffsetMs int64   `json:"startOffsetMs"`
	EndOffsetMs   int64   `json:"endOffsetMs"`
}

// SessionEnded carries the complete final transcript.
type SessionEnded struct {
	EventType       string            `json:"eventType"`
	SessionID       string            `json:"sessionId"`
	TenantID        string            `json:"tenantId,omitempty"`
	Timestamp       int64             `json:"timestamp"`
	Outcome         string            `json:"outcome"`
	Text            string            `json:"text"`
	DurationMs      int64             `json:"durationMs"`
	FinalTranscript []TranscriptEntry `json:"finalTranscript"`
}

func (e SessionEnded) Type() string { return EventSessionEnded }
func (e SessionEnded) Key() string  { return e.SessionID }

// Notice is an error or warning addressed to the client.
type Notice struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e Notice) Type() string { return e.EventType }
func (e Notice) Key() string  { return e.SessionID }
