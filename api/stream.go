package api

import "net/http"

// handleSSE streams a thread's events as Server-Sent Events: full
// history replay, a connected marker, then live events until the
// workflow completes or the client detaches. The stream itself lives
// in events.SSEHandler; this route only supplies the thread id.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	s.sse.ServeThread(w, r, r.PathValue("thread_id"))
}

// handleWebSocket streams the same event sequence over a WebSocket.
// Keep-alives are protocol pings instead of heartbeat events, and the
// server closes the socket after workflow_complete.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.ws.ServeThread(w, r, r.PathValue("thread_id"))
}
