package dispatch

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/iwhitebird/valka/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Workers connect from arbitrary hosts. The /ws/worker route sits
		// outside the authenticated /api/v1 group, so no auth check runs
		// before the upgrade.
		return true
	},
}

// Handler upgrades worker connections into dispatcher sessions.
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates the worker stream handler.
func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// ServeWS handles GET /ws/worker: upgrade, then hand the stream to a
// session that runs until the worker disconnects.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to upgrade worker connection")
		return
	}

	sess := NewSession(h.dispatcher, conn)
	go sess.Run()

	logger.Debug().
		Str("remote_addr", r.RemoteAddr).
		Msg("worker stream connected")
}
