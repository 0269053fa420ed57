package events

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itsneelabh/invoiceflow/core"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than wsPongWait.
	wsPingPeriod = 54 * time.Second
)

// WSHandler streams workflow events over a WebSocket as an alternative
// to SSE for clients behind proxies that mishandle long-lived HTTP
// responses. The message sequence matches the SSE stream: history,
// connected, then live events until workflow_complete.
type WSHandler struct {
	bus      *Bus
	logger   core.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a WebSocket handler backed by the given bus.
// Origin checking delegates to the CORS configuration; a nil config
// allows all origins, matching the SSE endpoint.
func NewWSHandler(bus *Bus, cors *core.CORSConfig, logger core.Logger) *WSHandler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("events.websocket")
	}

	return &WSHandler{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if cors == nil || !cors.Enabled {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range cors.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// RegisterRoutes registers the WebSocket endpoint on the mux.
func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/workflow/", h.handleStream)
}

// handleStream handles GET /ws/workflow/{thread_id}
func (h *WSHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimPrefix(r.URL.Path, "/ws/workflow/")
	if threadID == "" || strings.Contains(threadID, "/") {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}

	h.ServeThread(w, r, threadID)
}

// ServeThread upgrades the connection and streams one thread's events.
// It returns as soon as the pumps are running; the connection outlives
// the HTTP handler.
func (h *WSHandler) ServeThread(w http.ResponseWriter, r *http.Request, threadID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an error response
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"operation": "ws_upgrade",
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return
	}

	h.logger.Info("WebSocket connection opened", map[string]interface{}{
		"operation": "ws_connect",
		"thread_id": threadID,
	})

	sub := h.bus.Subscribe(threadID)

	// Reader goroutine: consume control frames, detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go h.writePump(conn, sub, done, threadID)
}

// writePump owns all writes to the connection: history replay, the
// connected event, live events, and keep-alive pings.
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscription, done <-chan struct{}, threadID string) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	alreadyComplete := false
	for _, ev := range sub.History {
		if err := h.writeEvent(conn, ev); err != nil {
			return
		}
		if ev.IsWorkflowComplete() {
			alreadyComplete = true
		}
	}

	if err := h.writeEvent(conn, NewConnected(threadID)); err != nil {
		return
	}

	if alreadyComplete {
		h.closeGracefully(conn, threadID)
		return
	}

	for {
		select {
		case <-done:
			return

		case ev := <-sub.C:
			if err := h.writeEvent(conn, ev); err != nil {
				return
			}
			if ev.IsWorkflowComplete() {
				h.closeGracefully(conn, threadID)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) writeEvent(conn *websocket.Conn, ev Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}

func (h *WSHandler) closeGracefully(conn *websocket.Conn, threadID string) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "workflow complete"))
	h.logger.Info("WebSocket stream closed after workflow completion", map[string]interface{}{
		"operation": "ws_close",
		"thread_id": threadID,
	})
}
