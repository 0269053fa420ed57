// Package mcp implements the two capability servers the workflow calls
// into: COMMON for internal operations (validation, persistence,
// matching, accounting) and ATLAS for external ones (OCR, enrichment,
// ERP, payments, notifications). Both share the same protocol: GET
// /tools advertises the catalog with input schemas, POST /tools/{name}
// invokes a tool and wraps its result in a success envelope.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/hitl"
	"github.com/itsneelabh/invoiceflow/telemetry"
)

// ToolFunc executes one tool call. A returned error becomes a
// success=false envelope with the error text as the result, not an
// HTTP error: the call reached the tool, the tool declined it.
type ToolFunc func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// ToolDef describes one registered tool: its wire name, the
// description used for LLM-driven selection, the advertised input
// schema, and the handler.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     ToolFunc
}

// toolResponse is the envelope every tool invocation returns.
type toolResponse struct {
	Success   bool                   `json:"success"`
	Tool      string                 `json:"tool"`
	Result    map[string]interface{} `json:"result"`
	Timestamp string                 `json:"timestamp"`
}

// Server hosts a set of tools behind the capability server protocol.
type Server struct {
	name        string
	description string
	config      *core.Config
	logger      core.Logger
	audit       hitl.AuditStore
	tools       []ToolDef
	index       map[string]ToolFunc
	httpServer  *http.Server
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithLogger sets the server logger
func WithLogger(logger core.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConfig sets the server configuration
func WithConfig(config *core.Config) ServerOption {
	return func(s *Server) {
		if config != nil {
			s.config = config
		}
	}
}

// WithAuditStore sets the store the COMMON server's persist_audit tool
// writes through. Without one the tool acknowledges but stores nothing.
func WithAuditStore(store hitl.AuditStore) ServerOption {
	return func(s *Server) {
		s.audit = store
	}
}

// NewServer creates an empty tool server. Callers register tools with
// RegisterTool; NewCommonServer and NewAtlasServer assemble the two
// deployed configurations.
func NewServer(name, description string, opts ...ServerOption) *Server {
	s := &Server{
		name:        name,
		description: description,
		config:      core.DefaultConfig(),
		logger:      &core.NoOpLogger{},
		index:       make(map[string]ToolFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("mcp." + s.name)
	}
	return s
}

// Name returns the server's wire name (COMMON or ATLAS).
func (s *Server) Name() string {
	return s.name
}

// RegisterTool adds a tool to the catalog. Names must be unique.
func (s *Server) RegisterTool(def ToolDef) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if _, exists := s.index[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	s.tools = append(s.tools, def)
	s.index[def.Name] = def.Handler
	return nil
}

// Handler builds the HTTP handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("POST /tools/{name}", s.handleCallTool)
	mux.HandleFunc("GET /health", s.handleHealth)

	var handler http.Handler = mux
	handler = core.RecoveryMiddleware(s.logger)(handler)
	handler = core.LoggingMiddleware(s.logger, false)(handler)
	if s.config.HTTP.CORS.Enabled {
		handler = core.CORSMiddleware(&s.config.HTTP.CORS)(handler)
	}
	if s.config.Telemetry.Enabled {
		handler = telemetry.TracingMiddleware("mcp-" + s.name)(handler)
	}
	return handler
}

// Start runs the HTTP server until the context is cancelled or the
// listener fails.
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

	s.logger.Info("Starting tool server", map[string]interface{}{
		"operation": "start",
		"server":    s.name,
		"address":   addr,
		"tools":     len(s.tools),
	})

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Tool server failed", map[string]interface{}{
			"operation": "start",
			"server":    s.name,
			"address":   addr,
			"error":     err.Error(),
		})
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down tool server", map[string]interface{}{
		"operation": "shutdown",
		"server":    s.name,
	})
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	catalog := make([]map[string]interface{}, 0, len(s.tools))
	for _, def := range s.tools {
		entry := map[string]interface{}{
			"name":        def.Name,
			"description": def.Description,
		}
		if def.InputSchema != nil {
			entry["inputSchema"] = def.InputSchema
		}
		catalog = append(catalog, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools":       catalog,
		"server":      s.name,
		"description": s.description,
	})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	fn, ok := s.index[name]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "unknown tool: " + name,
		})
		return
	}

	params, err := decodeParams(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "invalid JSON body: " + err.Error(),
		})
		return
	}

	start := time.Now()
	result, err := fn(r.Context(), params)
	resp := toolResponse{
		Success:   err == nil,
		Tool:      name,
		Result:    result,
		Timestamp: nowRFC3339(),
	}
	if err != nil {
		resp.Result = map[string]interface{}{"error": err.Error()}
	}

	s.logger.Debug("Tool executed", map[string]interface{}{
		"operation":   "call_tool",
		"server":      s.name,
		"tool":        name,
		"success":     resp.Success,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"server":    s.name,
		"timestamp": nowRFC3339(),
	})
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

// decodeParams reads the request body as a JSON object. An empty body
// yields empty params so tools with all-optional inputs can be called
// bare.
func decodeParams(body io.Reader) (map[string]interface{}, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return params, nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
