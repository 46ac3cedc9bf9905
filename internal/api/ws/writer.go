package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/session"
)

// Errors returned by Send.
var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("client is not keeping up, event dropped")
)

type outFrame struct {
	data []byte
	// last closes the connection after the frame is written.
	last bool
}

// Send implements session.Subscriber. Interim transcript updates are dropped
// at once when the client falls behind; other events wait up to WriteTimeout.
func (c *conn) Send(ev models.Event) error {
	return c.enqueue(ev, true)
}

func (c *conn) enqueue(ev models.Event, wait bool) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	f := outFrame{data: data, last: endsSession(ev)}

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	default:
	}

	if !wait || isInterim(ev) {
		c.h.metrics.RecordEventDropped(ev.Type())
		return ErrSlowConsumer
	}
	timer := time.NewTimer(c.h.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-timer.C:
		c.h.metrics.RecordEventDropped(ev.Type())
		c.log.Warn().Str("eventType", ev.Type()).Msg("Client too slow, dropping event")
		return ErrSlowConsumer
	}
}

// writeLoop owns all writes to the socket.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				_ = c.ws.Close()
				return
			}
			if f.last {
				c.closeWith(websocket.CloseNormalClosure, "session ended")
				// wait briefly for the client's close reply, then unblock the reader
				_ = c.ws.SetReadDeadline(time.Now().Add(c.h.cfg.WriteTimeout))
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.h.cfg.WriteTimeout)); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
				_ = c.ws.Close()
				return
			}

		case <-c.closed:
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (c *conn) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.h.cfg.WriteTimeout))
}

func isInterim(ev models.Event) bool {
	seg, ok := ev.(models.TranscriptSegment)
	return ok && !seg.IsFinal()
}

func endsSession(ev models.Event) bool {
	st, ok := ev.(models.SessionState)
	return ok && (st.State == session.StateEnded.String() || st.State == session.StateError.String())
}
