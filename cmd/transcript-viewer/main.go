// Transcript viewer consumes transcript topics from Kafka and fans the events
// out to browsers over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const page = `<!doctype html>
<html><head><title>Live transcripts</title></head>
<body>
<pre id="out"></pre>
<script>
const out = document.getElementById("out");
const segs = new Map();
const ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = (m) => {
  const ev = JSON.parse(m.data);
  if (ev.eventType === "transcript.segment") {
    segs.set(ev.sessionId + "/" + ev.segmentId, (ev.stability === "final" ? "" : "~ ") + ev.text);
  } else {
    segs.set(ev.sessionId + "/" + ev.eventType + "/" + ev.timestamp, "[" + ev.eventType + "]");
  }
  out.textContent = Array.from(segs.values()).join("\n");
};
</script>
</body></html>`

// viewerEvent is the subset of transcript events shown to browsers.
type viewerEvent struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	SegmentID string `json:"segmentId,omitempty"`
	Version   uint64 `json:"version,omitempty"`
	Stability string `json:"stability,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// hub fans events out to every connected browser.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Info().Int("clients", n).Msg("Client connected")
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		conn.Close()
		log.Info().Int("clients", n).Msg("Client disconnected")
	}
}

func (h *hub) broadcast(ev viewerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Warn().Err(err).Msg("Write failed, dropping client")
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		h.add(conn)
		go func() {
			defer h.remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func consume(ctx context.Context, h *hub, brokers []string, topic, group string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	log.Info().Str("topic", topic).Str("groupId", group).Msg("Consuming transcript topic")
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("topic", topic).Msg("Kafka read failed")
			time.Sleep(time.Second)
			continue
		}

		var ev viewerEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Malformed event")
			continue
		}
		log.Debug().
			Str("eventType", ev.EventType).
			Str("sessionId", ev.SessionID).
			Str("segmentId", ev.SegmentID).
			Msg("Received event")
		h.broadcast(ev)
	}
}

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topics := flag.String("topics", "transcripts.partial,transcripts.final,transcripts.session", "Topics to consume (comma-separated)")
	group := flag.String("group", "transcript-viewer", "Kafka consumer group")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub()
	for _, topic := range strings.Split(*topics, ",") {
		go consume(ctx, h, strings.Split(*brokers, ","), strings.TrimSpace(topic), *group)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
	})
	mux.HandleFunc("/ws", wsHandler(h))

	srv := &http.Server{Addr: ":" + *port, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", "http://localhost:"+*port).Str("brokers", *brokers).Msg("Transcript viewer starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}
}
