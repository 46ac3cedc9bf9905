// Audio client streams a WAV file to the transcription service over WebSocket
// at real-time pace and prints the transcript events it receives.
package main

import (
	"encoding/json"
	"flag"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"live-transcription-service/internal/api/ws"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/audio"
)

const frameInterval = 100 * time.Millisecond

// envelope holds the fields of any server event the client reacts to.
type envelope struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Reason    string `json:"reason"`
	Stability string `json:"stability"`
	SegmentID string `json:"segmentId"`
	Version   uint64 `json:"version"`
	Text      string `json:"text"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	FromSeq   uint64 `json:"fromSeq"`
	ToSeq     uint64 `json:"toSeq"`
	Outcome   string `json:"outcome"`
}

// sender serializes socket writes and keeps every frame for retransmission.
type sender struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	frames [][]byte
}

func (s *sender) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// sendFrame records data under its sequence number and writes it unless skip.
func (s *sender) sendFrame(data []byte, skip bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	if skip {
		return nil
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *sender) resend(from, to uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq := from; seq <= to && seq < uint64(len(s.frames)); seq++ {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, s.frames[seq]); err != nil {
			log.Error().Err(err).Uint64("seq", seq).Msg("Retransmit failed")
			return
		}
	}
	log.Info().Uint64("fromSeq", from).Uint64("toSeq", to).Msg("Retransmitted frames")
}

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16-bit PCM)")
	server := flag.String("server", "localhost:8080", "Service host:port")
	sessionID := flag.String("session", "", "Session ID (generated by the server when empty)")
	tenantID := flag.String("tenant", "tenant-demo", "Tenant ID")
	sensitivity := flag.String("vad", "", "VAD sensitivity override (low, medium, high, disabled)")
	dropEvery := flag.Int("drop-every", 0, "Withhold every Nth frame until the server asks for it")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	data, err := os.ReadFile(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read audio file")
	}
	pcm, format, err := audio.DecodeWAV(data)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to decode WAV")
	}
	log.Info().
		Int("sampleRateHz", format.SampleRateHz).
		Int("channels", format.Channels).
		Dur("duration", format.Duration(len(pcm))).
		Msg("Loaded audio")

	u := url.URL{Scheme: "ws", Host: *server, Path: "/v1/stream"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal().Err(err).Str("url", u.String()).Msg("Failed to connect")
	}
	defer conn.Close()
	s := &sender{conn: conn}

	err = s.writeJSON(ws.ControlMessage{
		Type:         ws.MsgStart,
		SessionID:    *sessionID,
		TenantID:     *tenantID,
		SampleRateHz: format.SampleRateHz,
		Channels:     format.Channels,
		Sensitivity:  *sensitivity,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to send start")
	}

	started := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		readEvents(s, started)
	}()

	var id string
	select {
	case id = <-started:
	case <-done:
		log.Fatal().Msg("Connection closed before the session started")
	case <-time.After(10 * time.Second):
		log.Fatal().Msg("Timed out waiting for session start")
	}
	log.Info().Str("sessionId", id).Msg("Session started")

	chunk := format.Bytes(frameInterval)
	var seq uint64
	start := time.Now()
	for off := 0; off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		frame, err := ws.EncodeFrame(audio.Frame{
			SessionID: id,
			Seq:       seq,
			Timestamp: format.Duration(off),
			Payload:   pcm[off:end],
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to encode frame")
		}
		skip := *dropEvery > 0 && seq > 0 && seq%uint64(*dropEvery) == 0
		if err := s.sendFrame(frame, skip); err != nil {
			log.Fatal().Err(err).Uint64("seq", seq).Msg("Failed to send frame")
		}
		seq++
		if seq%10 == 0 {
			log.Debug().Uint64("seq", seq).Dur("offset", format.Duration(end)).Msg("Sent frames")
		}
		time.Sleep(frameInterval)
	}
	log.Info().Uint64("frames", seq).Dur("elapsed", time.Since(start)).Msg("Finished streaming, stopping session")

	if err := s.writeJSON(ws.ControlMessage{Type: ws.MsgStop}); err != nil {
		log.Fatal().Err(err).Msg("Failed to send stop")
	}

	select {
	case <-done:
	case <-time.After(60 * time.Second):
		log.Fatal().Msg("Timed out waiting for the final transcript")
	}
}

func readEvents(s *sender, started chan<- string) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("Read failed")
			}
			return
		}
		var ev envelope
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Error().Err(err).Msg("Malformed event")
			continue
		}

		switch ev.EventType {
		case models.EventSessionState:
			if ev.Reason == "started" {
				started <- ev.SessionID
			}
			log.Info().Str("state", ev.State).Str("reason", ev.Reason).Msg("Session state")
		case models.EventTranscriptSegment:
			log.Info().
				Str("segmentId", ev.SegmentID).
				Uint64("version", ev.Version).
				Str("stability", ev.Stability).
				Msg(ev.Text)
		case models.EventAudioRetransmit:
			go s.resend(ev.FromSeq, ev.ToSeq)
		case models.EventAudioGap, models.EventProcessingDegraded:
			log.Warn().RawJSON("event", msg).Msg("Transcript gap")
		case models.EventSessionEnded:
			var ended models.SessionEnded
			if err := json.Unmarshal(msg, &ended); err == nil {
				log.Info().
					Str("outcome", ended.Outcome).
					Int64("durationMs", ended.DurationMs).
					Int("entries", len(ended.FinalTranscript)).
					Msg("Session ended")
				os.Stdout.WriteString(ended.Text + "\n")
			}
		case models.EventError, models.EventWarning:
			log.Warn().Str("code", ev.Code).Msg(ev.Message)
		}
	}
}
