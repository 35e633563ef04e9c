package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsWriteTimeout bounds each outbound frame write.
	wsWriteTimeout = 10 * time.Second

	// wsPingInterval keeps idle connections alive through proxies.
	wsPingInterval = 30 * time.Second

	// wsPongWait is how long a client may stay silent before the
	// connection is considered dead.
	wsPongWait = 60 * time.Second

	// wsSubscriberBuffer is the bus buffer per connection; a client
	// that cannot drain this fast misses events rather than stalling
	// the pipeline.
	wsSubscriberBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
	// The stream is same-host UI traffic; cross-origin dashboards are
	// expected on a LAN deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the request and streams bus events as JSON frames
// until the client disconnects. Each connection gets its own bus
// subscription; the bus drops events for slow consumers, so one stuck
// browser tab cannot back-pressure the event pipeline.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := s.bus.Subscribe(wsSubscriberBuffer)
	defer s.bus.Unsubscribe(sub)

	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Info("websocket client connected", "subscribers", s.bus.SubscriberCount())
	defer logger.Info("websocket client disconnected")

	// The read loop only consumes control frames (pong, close). Its
	// termination signals the writer to stop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				logWriteError(logger, err)
				return
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logWriteError(logger, err)
				return
			}
		}
	}
}

func logWriteError(logger *slog.Logger, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Debug("websocket closed by client")
		return
	}
	logger.Debug("websocket write failed", "error", err)
}
