package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iwhitebird/valka/internal/events"
	"github.com/iwhitebird/valka/internal/logger"
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventFeed streams the event bus to dashboard clients over a websocket,
// one JSON event per message. A slow client loses oldest events first via
// its bus subscription; the producer never blocks on it.
type EventFeed struct {
	bus *events.Bus
}

// NewEventFeed creates the live event feed handler.
func NewEventFeed(bus *events.Bus) *EventFeed {
	return &EventFeed{bus: bus}
}

// ServeWS handles GET /ws/events.
func (f *EventFeed) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to upgrade event feed connection")
		return
	}

	sub := f.bus.Subscribe(0)
	done := make(chan struct{})

	// Reader exists only to observe the close.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			f.bus.Unsubscribe(sub)
			_ = conn.Close()
		}()
		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("event feed client connected")
}
