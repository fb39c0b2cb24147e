package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/Extra-Chill/overlord/internal/events"
	"github.com/Extra-Chill/overlord/internal/logging"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts clients that send no Origin and browsers whose Origin
// host matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if rest, ok := strings.CutPrefix(origin, "http://"); ok {
		return rest == r.Host
	}
	if rest, ok := strings.CutPrefix(origin, "https://"); ok {
		return rest == r.Host
	}
	return false
}

// EventStream serves hub events over a websocket.
type EventStream struct {
	hub *events.Hub
	log *logging.Logger
}

// NewEventStream creates an EventStream.
func NewEventStream(hub *events.Hub, log *logging.Logger) *EventStream {
	return &EventStream{hub: hub, log: log}
}

// ServeHTTP upgrades the connection and streams events until the client
// goes away. The optional types query parameter is a comma separated list
// of event types.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var types []events.EventType
	if q := r.URL.Query().Get("types"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.EventType(t))
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := s.hub.Subscribe(64, types...)
	defer s.hub.Unsubscribe(sub)

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, sub, done)
}

// readPump discards client messages and notices when the client closes.
func (s *EventStream) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *EventStream) writePump(conn *websocket.Conn, sub <-chan events.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case e := <-sub:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
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
