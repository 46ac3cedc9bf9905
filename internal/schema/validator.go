// Package schema checks outbound events before they leave the service.
package schema

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"live-transcription-service/internal/models"
)

// ErrInvalidEvent wraps every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate returns an error wrapping ErrInvalidEvent if a required field is
// missing or an offset range is inverted.
func (v *Validator) Validate(event models.Event) error {
	err := v.validate(event)
	if err != nil {
		log.Warn().Err(err).Str("eventType", eventType(event)).Msg("Event failed validation")
		return err
	}
	log.Trace().Str("eventType", event.Type()).Str("sessionId", event.Key()).Msg("Event validated")
	return nil
}

func (v *Validator) validate(event models.Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if event.Key() == "" && event.Type() != models.EventError && event.Type() != models.EventWarning {
		return fmt.Errorf("%w: %s without sessionId", ErrInvalidEvent, event.Type())
	}

	switch e := event.(type) {
	case models.TranscriptSegment:
		if e.SegmentID == "" {
			return fmt.Errorf("%w: segment without segmentId", ErrInvalidEvent)
		}
		if e.Version == 0 {
			return fmt.Errorf("%w: segment %s has version 0", ErrInvalidEvent, e.SegmentID)
		}
		if e.Stability != models.StabilityInterim && e.Stability != models.StabilityFinal {
			return fmt.Errorf("%w: segment %s has stability %q", ErrInvalidEvent, e.SegmentID, e.Stability)
		}
		return checkRange(e.StartOffsetMs, e.EndOffsetMs)
	case models.AudioGap:
		if e.Reason == "" {
			return fmt.Errorf("%w: gap without reason", ErrInvalidEvent)
		}
		return checkRange(e.StartOffsetMs, e.EndOffsetMs)
	case models.ProcessingDegraded:
		return checkRange(e.StartOffsetMs, e.EndOffsetMs)
	case models.AudioRetransmit:
		if e.ToSeq < e.FromSeq {
			return fmt.Errorf("%w: retransmit range %d-%d inverted", ErrInvalidEvent, e.FromSeq, e.ToSeq)
		}
	case models.SessionState:
		if e.State == "" {
			return fmt.Errorf("%w: state event without state", ErrInvalidEvent)
		}
	case models.SessionEnded:
		var last int64
		for i, entry := range e.FinalTranscript {
			if err := checkRange(entry.StartOffsetMs, entry.EndOffsetMs); err != nil {
				return err
			}
			if entry.StartOffsetMs < last {
				return fmt.Errorf("%w: transcript entry %d starts before the previous one ends", ErrInvalidEvent, i)
			}
			last = entry.EndOffsetMs
		}
	case models.Notice:
		if e.Code == "" {
			return fmt.Errorf("%w: notice without code", ErrInvalidEvent)
		}
	}
	return nil
}

func checkRange(start, end int64) error {
	if start < 0 || end < start {
		return fmt.Errorf("%w: offset range %d-%d", ErrInvalidEvent, start, end)
	}
	return nil
}

func eventType(e models.Event) string {
	if e == nil {
		return ""
	}
	return e.Type()
}
