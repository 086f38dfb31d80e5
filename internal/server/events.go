package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkrader/taskmesh/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards connect from anywhere; there is no auth layer in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	eventReplaySize = 64
	eventSendBuffer = 128
	writeWait       = 10 * time.Second
	pingPeriod      = 30 * time.Second
	clientReadLimit = 512
)

// GET /api/events
//
// Upgrades to a websocket and streams bus events as JSON. On connect the
// recent event history is replayed so a dashboard joining late still sees
// current activity. Events arriving faster than the client reads are
// dropped for that client only.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event bus not configured"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	outbound := make(chan bus.Event, eventSendBuffer)
	for _, event := range s.events.History(eventReplaySize) {
		outbound <- event
	}

	subID := s.events.Subscribe(bus.EventTypeAll, func(event bus.Event) {
		select {
		case outbound <- event:
		default:
		}
	})

	done := make(chan struct{})
	go s.readLoop(conn, done)
	go s.writeLoop(conn, outbound, subID, done)
}

// readLoop discards client frames but notices disconnects.
func (s *Server) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	conn.SetReadLimit(clientReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(done)
			return
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, outbound <-chan bus.Event, subID bus.SubscriptionID, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.events.Unsubscribe(subID)
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case event := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
