package feed

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// WSHandler serves the live feed over websocket.
type WSHandler struct {
	bus    *Bus
	logger *slog.Logger
}

func NewWSHandler(bus *Bus, logger *slog.Logger) *WSHandler {
	return &WSHandler{bus: bus, logger: logger}
}

// Handle upgrades GET /v1/feed. Query parameters: agent filters records to
// one agent id; last_event_id replays missed records after a reconnect.
func (h *WSHandler) Handle(c *gin.Context) {
	agent := c.Query("agent")
	var lastID uint64
	if raw := c.Query("last_event_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "last_event_id must be a non-negative integer",
			})
			return
		}
		lastID = parsed
	}

	sub, err := h.bus.Subscribe(agent, lastID)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrTooManySubscribers) {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": "subscribe_failed", "message": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// writePump streams records to the connection. It exits when the
// subscriber's channel closes (drop or shutdown) or a write fails.
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case rec, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, rec.Marshal()); err != nil {
				h.logger.Warn("feed write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames to service pongs and detect disconnects.
// The feed is one-way; incoming payloads are ignored.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				h.logger.Debug("feed read closed", "error", err)
			}
			return
		}
	}
}
