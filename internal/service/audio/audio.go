// Package audio defines the audio primitives shared by the transcription pipeline:
// frames as received from clients, contiguous windows cut from them, and
// explicit gap markers for audio that never arrived or could not be processed.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Encoding identifies the payload format handed to a transcription backend.
type Encoding string

const (
	// EncodingLinear16 is raw little-endian signed 16-bit PCM.
	EncodingLinear16 Encoding = "LINEAR16"
	// EncodingWAV is LINEAR16 wrapped in a RIFF/WAVE container.
	EncodingWAV Encoding = "WAV"
)

const bytesPerSample = 2

// Errors returned when negotiating or validating audio.
var (
	ErrInvalidFormat  = errors.New("invalid audio format")
	ErrOddPayload     = errors.New("payload is not aligned to 16-bit samples")
	ErrEmptyPayload   = errors.New("empty audio payload")
	ErrUnknownEncoder = errors.New("unknown audio encoding")
)

// Format describes the negotiated LINEAR16 stream format of a session.
type Format struct {
	SampleRateHz int `json:"sampleRateHz" yaml:"sampleRateHz"`
	Channels     int `json:"channels" yaml:"channels"`
}

// DefaultFormat is 16 kHz mono, the common capture format for browsers after resampling.
func DefaultFormat() Format {
	return Format{SampleRateHz: 16000, Channels: 1}
}

// Validate rejects formats the pipeline cannot slice.
func (f Format) Validate() error {
	if f.SampleRateHz < 8000 || f.SampleRateHz > 48000 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRateHz)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("%w: channels %d", ErrInvalidFormat, f.Channels)
	}
	return nil
}

// BlockAlign is the number of bytes per sample frame across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * bytesPerSample
}

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRateHz * f.BlockAlign()
}

// Duration returns the playback duration of n bytes of audio.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the block-aligned byte count covering d.
func (f Format) Bytes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := int(int64(d) * int64(f.BytesPerSecond()) / int64(time.Second))
	return n - n%f.BlockAlign()
}

// Frame is a single timestamped, sequence-numbered packet of audio from a client.
// Frames are immutable once created.
type Frame struct {
	SessionID string
	Seq       uint64
	// Timestamp is the capture offset from the start of the session.
	Timestamp time.Duration
	Payload   []byte
}

// ByteLength returns the payload length.
func (f Frame) ByteLength() int {
	return len(f.Payload)
}

// End returns the capture offset at which the frame ends.
func (f Frame) End(format Format) time.Duration {
	return f.Timestamp + format.Duration(len(f.Payload))
}

// Window is a gap-free slice of session audio.
type Window struct {
	ID      uint64
	Start   time.Duration
	End     time.Duration
	Payload []byte
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End - w.Start
}

// GapReason explains why an interval of the session has no transcript.
type GapReason string

const (
	// GapFramesLost marks frames that never arrived within the retransmit timeout.
	GapFramesLost GapReason = "frames_lost"
	// GapProcessingDegraded marks audio the backend could not transcribe.
	GapProcessingDegraded GapReason = "processing_degraded"
	// GapNoSpeech marks received audio after the last segment that held no speech.
	GapNoSpeech GapReason = "no_speech"
)

// Gap is an explicit marker for an interval without transcript. Sequence numbers are inclusive and are
// zero for processing gaps, which are addressed by offset only.
type Gap struct {
	FromSeq uint64
	ToSeq   uint64
	Start   time.Duration
	End     time.Duration
	Reason  GapReason
}

// Duration returns the length of the missing interval.
func (g Gap) Duration() time.Duration {
	return g.End - g.Start
}

func (g Gap) String() string {
	return fmt.Sprintf("%s[%d..%d %v-%v]", g.Reason, g.FromSeq, g.ToSeq, g.Start, g.End)
}
