package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Samples decodes a little-endian PCM16 payload.
func Samples(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload)%bytesPerSample != 0 {
		return nil, ErrOddPayload
	}
	out := make([]int16, len(payload)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return out, nil
}

// RMS returns the root-mean-square amplitude of the samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts an RMS amplitude to decibels relative to full scale.
// Digital silence is clamped to -120 dBFS.
func DBFS(rms float64) float64 {
	if rms < 1e-6 {
		return -120
	}
	db := 20 * math.Log10(rms/math.MaxInt16)
	if db < -120 {
		return -120
	}
	return db
}

// wavHeader is the canonical 44-byte RIFF/WAVE PCM header.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodeWAV wraps a PCM16 payload in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyPayload
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	dataSize := uint32(len(pcm))
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRateHz),
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    uint16(f.BlockAlign()),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// DecodeWAV extracts the PCM payload and format from a WAV file.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 44 {
		return nil, Format{}, fmt.Errorf("WAV data too short: need at least 44 bytes, got %d", len(data))
	}
	var h wavHeader
	if err := binary.Read(bytes.NewReader(data[:44]), binary.LittleEndian, &h); err != nil {
		return nil, Format{}, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}
	if h.AudioFormat != 1 || h.BitsPerSample != 16 {
		return nil, Format{}, fmt.Errorf("unsupported WAV encoding: format %d, %d bits", h.AudioFormat, h.BitsPerSample)
	}
	f := Format{SampleRateHz: int(h.SampleRate), Channels: int(h.NumChannels)}
	end := 44 + int(h.Subchunk2Size)
	if end > len(data) {
		end = len(data)
	}
	return data[44:end], f, nil
}

// Encode renders a PCM16 payload in the requested encoding.
func Encode(pcm []byte, f Format, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingLinear16, "":
		return pcm, nil
	case EncodingWAV:
		return EncodeWAV(pcm, f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoder, enc)
	}
}
