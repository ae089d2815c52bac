package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-pipeline/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedEvents are pushed to /ws clients.
var streamedEvents = []events.Event{
	events.EventOutcome,
	events.EventIntent,
	events.EventFeedStatus,
	events.EventAlert,
}

// wsMessage is the frame written to /ws clients.
type wsMessage struct {
	Type events.Event `json:"type"`
	Data any          `json:"data"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	out := make(chan wsMessage, 128)
	for _, e := range streamedEvents {
		stream, unsub := s.Bus.Subscribe(e, 64)
		defer unsub()
		go func(e events.Event, stream <-chan any) {
			for msg := range stream {
				select {
				case out <- wsMessage{Type: e, Data: msg}:
				default:
					// slow client; the bus already bounds what we hold
				}
			}
		}(e, stream)
	}

	// the read side only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}
