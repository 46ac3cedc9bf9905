// Package vad classifies audio windows as speech or non-speech against a rolling
// estimate of the ambient noise floor.
//
// The detector is biased towards speech: classification errors, the disabled
// sensitivity and low-confidence rejections all report speech, because a missed
// utterance cannot be recovered while a wasted backend call only costs money.
package vad

import (
	"fmt"
	"math"
	"strings"
	"time"

	"live-transcription-service/internal/service/audio"
)

// Sensitivity selects how readily windows are classified as speech.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityDisabled Sensitivity = "disabled"
)

// ParseSensitivity parses a configuration value.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch v := Sensitivity(strings.ToLower(strings.TrimSpace(s))); v {
	case SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityDisabled:
		return v, nil
	case "":
		return SensitivityMedium, nil
	default:
		return "", fmt.Errorf("unknown VAD sensitivity %q", s)
	}
}

// thresholdDB is the signal-to-noise ratio above which a window counts as speech.
func (s Sensitivity) thresholdDB() float64 {
	switch s {
	case SensitivityLow:
		return 12
	case SensitivityHigh:
		return 4
	default:
		return 8
	}
}

// Config holds detector tuning.
type Config struct {
	Sensitivity Sensitivity
	// MinConfidence below which a non-speech decision is overridden to speech.
	MinConfidence float64
	// MinWindow and MaxWindow bound the adaptive window target.
	MinWindow time.Duration
	MaxWindow time.Duration
	// InitialNoiseFloorDB seeds the noise estimate before any audio is seen.
	InitialNoiseFloorDB float64
}

// DefaultConfig returns the defaults for medium sensitivity.
func DefaultConfig() Config {
	return Config{
		Sensitivity:         SensitivityMedium,
		MinConfidence:       0.6,
		MinWindow:           200 * time.Millisecond,
		MaxWindow:           800 * time.Millisecond,
		InitialNoiseFloorDB: -60,
	}
}

const (
	minNoiseFloorDB = -90
	// Noise floor tracking: drop quickly towards quieter audio, rise slowly.
	fallRate        = 0.5
	riseRate        = 0.05
	speechRiseRate  = 0.01
	confidenceScale = 1.5
)

// Decision is the classification of one window.
type Decision struct {
	WindowID     uint64
	IsSpeech     bool
	Confidence   float64
	EnergyDB     float64
	NoiseFloorDB float64
	// FailedOpen is set when the window could not be classified.
	FailedOpen bool
	// LowConfidence is set when a non-speech decision was overridden.
	LowConfidence bool
}

// Stats counts decisions.
type Stats struct {
	Windows       uint64
	Speech        uint64
	FailedOpen    uint64
	LowConfidence uint64
}

// Detector is an energy-based voice activity detector for one session.
// It is not safe for concurrent use.
type Detector struct {
	cfg        Config
	threshold  float64
	noiseFloor float64
	target     time.Duration
	stats      Stats
}

// New validates cfg and returns a detector.
func New(cfg Config) (*Detector, error) {
	def := DefaultConfig()
	if cfg.Sensitivity == "" {
		cfg.Sensitivity = def.Sensitivity
	}
	if _, err := ParseSensitivity(string(cfg.Sensitivity)); err != nil {
		return nil, err
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("min confidence must be between 0 and 1, got %f", cfg.MinConfidence)
	}
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = def.MinWindow
	}
	if cfg.MaxWindow < cfg.MinWindow {
		cfg.MaxWindow = cfg.MinWindow
	}
	if cfg.InitialNoiseFloorDB == 0 {
		cfg.InitialNoiseFloorDB = def.InitialNoiseFloorDB
	}
	return &Detector{
		cfg:        cfg,
		threshold:  cfg.Sensitivity.thresholdDB(),
		noiseFloor: cfg.InitialNoiseFloorDB,
		target:     cfg.MinWindow,
	}, nil
}

// Classify decides whether w contains speech and updates the noise estimate.
func (d *Detector) Classify(w audio.Window) Decision {
	d.stats.Windows++
	dec := Decision{WindowID: w.ID, NoiseFloorDB: d.noiseFloor}

	if d.cfg.Sensitivity == SensitivityDisabled {
		dec.IsSpeech = true
		dec.Confidence = 1
		d.record(dec)
		return dec
	}

	samples, err := audio.Samples(w.Payload)
	if err != nil {
		dec.IsSpeech = true
		dec.FailedOpen = true
		d.stats.FailedOpen++
		d.record(dec)
		return dec
	}

	energy := audio.DBFS(audio.RMS(samples))
	snr := energy - d.noiseFloor
	p := 1 / (1 + math.Exp(-(snr-d.threshold)/confidenceScale))

	dec.EnergyDB = energy
	dec.IsSpeech = snr >= d.threshold
	dec.Confidence = math.Abs(2*p - 1)

	if !dec.IsSpeech && dec.Confidence < d.cfg.MinConfidence {
		dec.IsSpeech = true
		dec.LowConfidence = true
		d.stats.LowConfidence++
	}

	d.track(energy, dec.IsSpeech && !dec.LowConfidence)
	d.record(dec)
	return dec
}

// NextWindowDuration returns the window length to cut next: the minimum after
// non-speech so onsets are caught quickly, doubling towards the maximum while
// speech continues.
func (d *Detector) NextWindowDuration() time.Duration {
	return d.target
}

// NoiseFloorDB returns the current noise floor estimate.
func (d *Detector) NoiseFloorDB() float64 {
	return d.noiseFloor
}

// Stats returns a copy of the decision counters.
func (d *Detector) Stats() Stats {
	return d.stats
}

func (d *Detector) record(dec Decision) {
	if dec.IsSpeech {
		d.stats.Speech++
		d.target *= 2
		if d.target > d.cfg.MaxWindow {
			d.target = d.cfg.MaxWindow
		}
		return
	}
	d.target = d.cfg.MinWindow
}

func (d *Detector) track(energy float64, speech bool) {
	switch {
	case energy < d.noiseFloor:
		d.noiseFloor += (energy - d.noiseFloor) * fallRate
	case speech:
		d.noiseFloor += (energy - d.noiseFloor) * speechRiseRate
	default:
		d.noiseFloor += (energy - d.noiseFloor) * riseRate
	}
	if d.noiseFloor < minNoiseFloorDB {
		d.noiseFloor = minNoiseFloorDB
	}
}
