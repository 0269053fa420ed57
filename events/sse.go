package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/itsneelabh/invoiceflow/core"
)

// defaultHeartbeatInterval is how long a quiet stream waits before
// sending a keep-alive event.
const defaultHeartbeatInterval = 30 * time.Second

// SSEHandler streams workflow events over Server-Sent Events.
//
// Each connection replays the thread's history, sends a connected
// welcome event, then forwards live events until the workflow_complete
// event arrives or the client disconnects. Quiet streams get a
// heartbeat every 30 seconds so proxies do not reap the connection.
type SSEHandler struct {
	bus       *Bus
	logger    core.Logger
	heartbeat time.Duration
}

// SSEOption configures an SSEHandler
type SSEOption func(*SSEHandler)

// WithSSELogger sets the handler logger
func WithSSELogger(logger core.Logger) SSEOption {
	return func(h *SSEHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHeartbeatInterval overrides the keep-alive interval
func WithHeartbeatInterval(d time.Duration) SSEOption {
	return func(h *SSEHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewSSEHandler creates an SSE handler backed by the given bus.
func NewSSEHandler(bus *Bus, opts ...SSEOption) *SSEHandler {
	h := &SSEHandler{
		bus:       bus,
		logger:    &core.NoOpLogger{},
		heartbeat: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	if cal, ok := h.logger.(core.ComponentAwareLogger); ok {
		h.logger = cal.WithComponent("events.sse")
	}
	return h
}

// RegisterRoutes registers the SSE endpoints on the mux.
func (h *SSEHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/events/workflow/", h.handleStream)
	mux.HandleFunc("/events/health", h.handleHealth)
}

// handleStream handles GET /events/workflow/{thread_id}
func (h *SSEHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	threadID := strings.TrimPrefix(r.URL.Path, "/events/workflow/")
	if threadID == "" || strings.Contains(threadID, "/") {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}

	h.ServeThread(w, r, threadID)
}

// ServeThread streams one thread's events to the client. Callers with
// their own routing extract the thread id themselves and call this
// directly instead of going through RegisterRoutes.
func (h *SSEHandler) ServeThread(w http.ResponseWriter, r *http.Request, threadID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("SSE connection opened", map[string]interface{}{
		"operation": "sse_connect",
		"thread_id": threadID,
	})

	sub := h.bus.Subscribe(threadID)
	defer sub.Close()

	// Replay history first so late subscribers see the full run.
	alreadyComplete := false
	for _, ev := range sub.History {
		if err := writeSSE(w, flusher, ev); err != nil {
			return
		}
		if ev.IsWorkflowComplete() {
			alreadyComplete = true
		}
	}

	if err := writeSSE(w, flusher, NewConnected(threadID)); err != nil {
		return
	}

	// Workflow already finished in history: nothing more will come.
	if alreadyComplete {
		h.logger.Info("SSE stream closed, workflow already complete", map[string]interface{}{
			"operation": "sse_close",
			"thread_id": threadID,
		})
		return
	}

	timer := time.NewTimer(h.heartbeat)
	defer timer.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected", map[string]interface{}{
				"operation": "sse_close",
				"thread_id": threadID,
			})
			return

		case ev := <-sub.C:
			if err := writeSSE(w, flusher, ev); err != nil {
				return
			}
			if ev.IsWorkflowComplete() {
				h.logger.Info("SSE stream closed after workflow completion", map[string]interface{}{
					"operation": "sse_close",
					"thread_id": threadID,
				})
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(h.heartbeat)

		case <-timer.C:
			if err := writeSSE(w, flusher, NewHeartbeat()); err != nil {
				return
			}
			timer.Reset(h.heartbeat)
		}
	}
}

// handleHealth handles GET /events/health
func (h *SSEHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "sse_events",
	})
}

// writeSSE writes a single SSE frame: "data: <json>\n\n".
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
