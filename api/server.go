// Package api exposes the client-facing HTTP surface: invoice
// submission and status, the human review queue and decision endpoint,
// workflow introspection, and real-time event streaming over SSE and
// WebSocket. Submissions and resumes are fire-and-forget: handlers
// return immediately and the engine drives the workflow on a
// server-lifetime context in the background.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/events"
	"github.com/itsneelabh/invoiceflow/hitl"
	"github.com/itsneelabh/invoiceflow/telemetry"
	"github.com/itsneelabh/invoiceflow/workflow"
)

// Version is the API version advertised by the root and health
// endpoints.
const Version = "1.0.0"

// runInfo tracks a submission until its first checkpoint lands, so
// status queries never 404 in the window between accepting an invoice
// and the engine persisting state.
type runInfo struct {
	invoiceID string
	createdAt time.Time
}

// Server is the client-facing HTTP server.
type Server struct {
	config  *core.Config
	logger  core.Logger
	engine  *workflow.Engine
	bus     *events.Bus
	reviews hitl.ReviewStore

	mu   sync.Mutex
	runs map[string]runInfo

	baseCtx    context.Context
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup

	sse        *events.SSEHandler
	ws         *events.WSHandler
	httpServer *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(logger core.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConfig sets the server configuration
func WithConfig(config *core.Config) Option {
	return func(s *Server) {
		if config != nil {
			s.config = config
		}
	}
}

// NewServer wires the API over an engine, an event bus, and a review
// store. The engine must already carry its graph; the server never
// mutates it.
func NewServer(engine *workflow.Engine, bus *events.Bus, reviews hitl.ReviewStore, opts ...Option) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     core.DefaultConfig(),
		logger:     &core.NoOpLogger{},
		engine:     engine,
		bus:        bus,
		reviews:    reviews,
		runs:       make(map[string]runInfo),
		baseCtx:    baseCtx,
		cancelRuns: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sse = events.NewSSEHandler(bus, events.WithSSELogger(s.logger))
	s.ws = events.NewWSHandler(bus, &s.config.HTTP.CORS, s.logger)
	if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("api")
	}
	return s
}

// Handler builds the HTTP handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /invoice/submit", s.handleSubmit)
	mux.HandleFunc("GET /invoice/status/{thread_id}", s.handleInvoiceStatus)

	mux.HandleFunc("GET /human-review/pending", s.handlePendingReviews)
	mux.HandleFunc("GET /human-review/{checkpoint_id}", s.handleReviewDetail)
	mux.HandleFunc("POST /human-review/decision", s.handleDecision)

	mux.HandleFunc("GET /workflow/stages", s.handleStages)
	mux.HandleFunc("GET /workflow/status/{thread_id}", s.handleWorkflowStatus)
	mux.HandleFunc("GET /workflow/all", s.handleAllWorkflows)

	mux.HandleFunc("GET /events/workflow/{thread_id}", s.handleSSE)
	mux.HandleFunc("GET /events/ws/workflow/{thread_id}", s.handleWebSocket)
	mux.HandleFunc("GET /events/health", s.handleEventsHealth)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	var handler http.Handler = mux
	handler = core.RecoveryMiddleware(s.logger)(handler)
	handler = core.LoggingMiddleware(s.logger, false)(handler)
	if s.config.HTTP.CORS.Enabled {
		handler = core.CORSMiddleware(&s.config.HTTP.CORS)(handler)
	}
	if s.config.Telemetry.Enabled {
		handler = telemetry.TracingMiddleware(s.config.Name)(handler)
	}
	return handler
}

// Start runs the HTTP server until the context is cancelled or the
// listener fails. WriteTimeout comes from config and defaults to
// unbounded so SSE and WebSocket streams are not cut off.
func (s *Server) Start(ctx context.Context, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 0-65535", port)
	}
	addr := fmt.Sprintf(":%d", port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
	}

	s.logger.Info("Starting API server", map[string]interface{}{
		"operation": "start",
		"address":   addr,
		"service":   s.config.Name,
	})

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("API server failed", map[string]interface{}{
			"operation": "start",
			"address":   addr,
			"error":     err.Error(),
		})
		return err
	}
	return nil
}

// Shutdown aborts in-flight background workflows, drains HTTP
// requests, and waits for the background runners to observe the
// cancellation. Aborted workflows keep their last checkpoint and are
// picked up by Engine.Recover on the next start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelRuns()

	s.logger.Info("Shutting down API server", map[string]interface{}{
		"operation": "shutdown",
	})

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// register records a submission before its background run starts.
func (s *Server) register(threadID, invoiceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[threadID] = runInfo{invoiceID: invoiceID, createdAt: time.Now().UTC()}
}

// submitted reports whether this process accepted the thread.
func (s *Server) submitted(threadID string) (runInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.runs[threadID]
	return info, ok
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{
			"operation": "write_json",
			"error":     err.Error(),
		})
	}
}

// writeError emits the {"detail": …} error body shared by every
// endpoint.
func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]interface{}{"detail": detail})
}
