package bigtool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/resilience"
	"github.com/itsneelabh/invoiceflow/telemetry"
)

const (
	defaultCommonURL        = "http://localhost:8001"
	defaultAtlasURL         = "http://localhost:8002"
	defaultDiscoveryTimeout = 5 * time.Second
	defaultInvokeTimeout    = 30 * time.Second
	defaultConnectTimeout   = 5 * time.Second
)

// ToolInfo is a tool schema advertised by a tool server.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Server      string                 `json:"server,omitempty"`
}

// CallResult is the envelope around one tool invocation. Success false
// is a soft failure: the stage that made the call decides whether its
// local fallback can cover for it.
type CallResult struct {
	Success   bool                   `json:"success"`
	Server    string                 `json:"server"`
	Tool      string                 `json:"tool"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Mock      bool                   `json:"mock,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// Client talks to the COMMON and ATLAS tool servers: it discovers
// their tool catalogs and invokes tools with automatic routing. When a
// server is unreachable and mock fallback is enabled, calls succeed
// with canned results marked mock:true.
type Client struct {
	commonURL        string
	atlasURL         string
	discoveryTimeout time.Duration
	invokeTimeout    time.Duration
	mockFallback     bool
	httpClient       *http.Client
	logger           core.Logger
	breakers         map[string]*resilience.Breaker

	mu          sync.RWMutex
	catalog     []ToolInfo
	toolServers map[string]string
	discovered  bool
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithServerURLs sets the COMMON and ATLAS base URLs
func WithServerURLs(commonURL, atlasURL string) ClientOption {
	return func(c *Client) {
		if commonURL != "" {
			c.commonURL = strings.TrimRight(commonURL, "/")
		}
		if atlasURL != "" {
			c.atlasURL = strings.TrimRight(atlasURL, "/")
		}
	}
}

// WithTimeouts sets the discovery and invoke deadlines
func WithTimeouts(discovery, invoke time.Duration) ClientOption {
	return func(c *Client) {
		if discovery > 0 {
			c.discoveryTimeout = discovery
		}
		if invoke > 0 {
			c.invokeTimeout = invoke
		}
	}
}

// WithMockFallback toggles canned results for unreachable servers
func WithMockFallback(enabled bool) ClientOption {
	return func(c *Client) {
		c.mockFallback = enabled
	}
}

// WithHTTPClient sets the HTTP client used for server calls
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClientLogger sets the client logger
func WithClientLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a tool server client. Mock fallback defaults to
// enabled unless INVOICEFLOW_MOCK_TOOLS=false.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		commonURL:        defaultCommonURL,
		atlasURL:         defaultAtlasURL,
		discoveryTimeout: defaultDiscoveryTimeout,
		invokeTimeout:    defaultInvokeTimeout,
		mockFallback:     true,
		logger:           &core.NoOpLogger{},
		toolServers:      make(map[string]string),
	}
	if v := os.Getenv("INVOICEFLOW_MOCK_TOOLS"); v != "" {
		c.mockFallback = strings.ToLower(v) != "false"
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		transport := &http.Transport{
			DialContext: (&net.Dialer{Timeout: defaultConnectTimeout}).DialContext,
		}
		c.httpClient = telemetry.NewTracedHTTPClientWithTransport(transport)
	}
	if cal, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("bigtool.client")
	}
	// One breaker per server: COMMON going down must not block ATLAS.
	c.breakers = map[string]*resilience.Breaker{
		ServerCommon: resilience.NewBreaker(ServerCommon, resilience.WithBreakerLogger(c.logger)),
		ServerAtlas:  resilience.NewBreaker(ServerAtlas, resilience.WithBreakerLogger(c.logger)),
	}
	return c
}

// breaker returns the circuit breaker guarding a server.
func (c *Client) breaker(server string) *resilience.Breaker {
	if b, ok := c.breakers[server]; ok {
		return b
	}
	return c.breakers[ServerCommon]
}

// serverURL resolves a server name to its base URL.
func (c *Client) serverURL(server string) string {
	if server == ServerAtlas {
		return c.atlasURL
	}
	return c.commonURL
}

// serverFor resolves the home server for a tool: the discovered
// mapping first, then the static table.
func (c *Client) serverFor(tool string) string {
	c.mu.RLock()
	server, ok := c.toolServers[tool]
	c.mu.RUnlock()
	if ok {
		return server
	}
	return staticServerFor(tool)
}

// toolsPayload accepts both catalog shapes servers may send: an object
// with a tools array, or a bare array.
type toolsPayload struct {
	Tools []ToolInfo `json:"tools"`
}

// DiscoverTools fetches the tool catalogs from both servers and caches
// them. An unreachable server is logged and skipped; its tools stay
// routable through the static table. Pass force to bypass the cache.
func (c *Client) DiscoverTools(ctx context.Context, force bool) []ToolInfo {
	c.mu.RLock()
	if c.discovered && !force {
		cached := append([]ToolInfo{}, c.catalog...)
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	var catalog []ToolInfo
	mapping := make(map[string]string)

	for _, server := range []string{ServerCommon, ServerAtlas} {
		tools, err := c.fetchCatalog(ctx, server)
		if err != nil {
			c.logger.Warn("Could not discover tools from server", map[string]interface{}{
				"operation": "discover",
				"server":    strings.ToUpper(server),
				"error":     err.Error(),
			})
			continue
		}
		for i := range tools {
			tools[i].Server = server
			mapping[tools[i].Name] = server
		}
		catalog = append(catalog, tools...)
		c.logger.Info("Discovered tools from server", map[string]interface{}{
			"operation": "discover",
			"server":    strings.ToUpper(server),
			"tools":     len(tools),
		})
	}

	sort.Slice(catalog, func(i, j int) bool { return catalog[i].Name < catalog[j].Name })

	c.mu.Lock()
	c.catalog = catalog
	c.toolServers = mapping
	c.discovered = true
	c.mu.Unlock()

	return append([]ToolInfo{}, catalog...)
}

func (c *Client) fetchCatalog(ctx context.Context, server string) ([]ToolInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.serverURL(server)+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var payload toolsPayload
	if err := json.Unmarshal(body, &payload); err == nil && payload.Tools != nil {
		return payload.Tools, nil
	}
	var bare []ToolInfo
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	return nil, fmt.Errorf("unrecognized catalog payload")
}

// AllTools returns the cached catalog, discovering on first use.
func (c *Client) AllTools(ctx context.Context) []ToolInfo {
	return c.DiscoverTools(ctx, false)
}

// ToolByName looks up a discovered tool's schema.
func (c *Client) ToolByName(name string) (ToolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.catalog {
		if t.Name == name {
			return t, true
		}
	}
	return ToolInfo{}, false
}

// CallTool invokes a tool on its home server. Transport failures fall
// back to mock results when enabled; HTTP-level errors never do, since
// the server itself rejected the call.
func (c *Client) CallTool(ctx context.Context, tool string, params map[string]interface{}) CallResult {
	if params == nil {
		params = map[string]interface{}{}
	}
	server := c.serverFor(tool)
	serverName := strings.ToUpper(server)

	c.logger.Info("Calling tool", map[string]interface{}{
		"operation": "call_tool",
		"tool":      tool,
		"server":    serverName,
	})
	telemetry.AddSpanEvent(ctx, "tool.call",
		attribute.String("tool.name", tool),
		attribute.String("tool.server", serverName),
	)

	br := c.breaker(server)
	if !br.Allow() {
		c.logger.Warn("Circuit open, skipping tool server", map[string]interface{}{
			"operation": "call_tool",
			"tool":      tool,
			"server":    serverName,
		})
		if c.mockFallback {
			return CallResult{
				Success:   true,
				Server:    serverName + " (MOCK)",
				Tool:      tool,
				Result:    mockResponse(tool, params),
				Mock:      true,
				Timestamp: nowRFC3339(),
			}
		}
		return CallResult{
			Server: serverName, Tool: tool,
			Error:     "circuit open: " + serverName + " is unreachable",
			Timestamp: nowRFC3339(),
		}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return CallResult{
			Server: serverName, Tool: tool,
			Error:     fmt.Sprintf("invalid params: %v", err),
			Timestamp: nowRFC3339(),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.invokeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, "POST", c.serverURL(server)+"/tools/"+tool, bytes.NewReader(body))
	if err != nil {
		return CallResult{
			Server: serverName, Tool: tool,
			Error:     err.Error(),
			Timestamp: nowRFC3339(),
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A cancelled caller says nothing about server health.
		if !errors.Is(err, context.Canceled) {
			br.RecordFailure()
		}
		c.logger.Warn("Tool request error", map[string]interface{}{
			"operation": "call_tool",
			"tool":      tool,
			"server":    serverName,
			"error":     err.Error(),
		})
		if c.mockFallback {
			c.logger.Info("Using mock fallback for tool", map[string]interface{}{
				"operation": "call_tool",
				"tool":      tool,
			})
			return CallResult{
				Success:   true,
				Server:    serverName + " (MOCK)",
				Tool:      tool,
				Result:    mockResponse(tool, params),
				Mock:      true,
				Timestamp: nowRFC3339(),
			}
		}
		return CallResult{
			Server: serverName, Tool: tool,
			Error:     "Connection error: " + err.Error(),
			Timestamp: nowRFC3339(),
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	// The server answered, even if with an error status.
	br.RecordSuccess()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CallResult{
			Server: serverName, Tool: tool,
			Error:     "failed to read response: " + err.Error(),
			Timestamp: nowRFC3339(),
		}
	}

	if resp.StatusCode >= 400 {
		c.logger.Error("Tool HTTP error", map[string]interface{}{
			"operation":   "call_tool",
			"tool":        tool,
			"server":      serverName,
			"status_code": resp.StatusCode,
		})
		return CallResult{
			Server: serverName, Tool: tool,
			Error:     fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
			Timestamp: nowRFC3339(),
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return CallResult{
			Server: serverName, Tool: tool,
			Error:     "invalid response payload: " + err.Error(),
			Timestamp: nowRFC3339(),
		}
	}

	out := CallResult{
		Success:   true,
		Server:    serverName,
		Tool:      tool,
		Result:    payload,
		Timestamp: nowRFC3339(),
	}
	// Servers wrap results in {success, tool, result, timestamp}.
	// Unwrap so callers see the tool payload directly; bare payloads
	// pass through as-is.
	if ok, hasFlag := payload["success"].(bool); hasFlag {
		if inner, hasResult := payload["result"].(map[string]interface{}); hasResult {
			out.Success = ok
			out.Result = inner
			if !ok {
				if msg, _ := inner["error"].(string); msg != "" {
					out.Error = msg
				}
			}
		}
	}
	return out
}

// HealthCheck probes both servers' health endpoints.
func (c *Client) HealthCheck(ctx context.Context) map[string]interface{} {
	servers := map[string]bool{ServerCommon: false, ServerAtlas: false}

	for _, server := range []string{ServerCommon, ServerAtlas} {
		probeCtx, cancel := context.WithTimeout(ctx, c.discoveryTimeout)
		req, err := http.NewRequestWithContext(probeCtx, "GET", c.serverURL(server)+"/health", nil)
		if err == nil {
			if resp, derr := c.httpClient.Do(req); derr == nil {
				servers[server] = resp.StatusCode == http.StatusOK
				_ = resp.Body.Close()
			}
		}
		cancel()
	}

	return map[string]interface{}{
		"servers":     map[string]interface{}{ServerCommon: servers[ServerCommon], ServerAtlas: servers[ServerAtlas]},
		"all_healthy": servers[ServerCommon] && servers[ServerAtlas],
		"circuits": map[string]interface{}{
			ServerCommon: c.breaker(ServerCommon).State(),
			ServerAtlas:  c.breaker(ServerAtlas).State(),
		},
		"timestamp": nowRFC3339(),
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
