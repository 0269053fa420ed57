package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// invokeTool posts params to a tool endpoint and decodes the response
// envelope. Tool-level failures still come back with HTTP 200.
func invokeTool(t *testing.T, baseURL, tool string, params map[string]interface{}) map[string]interface{} {
	t.Helper()
	body, err := json.Marshal(params)
	require.NoError(t, err)

	resp, err := http.Post(baseURL+"/tools/"+tool, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope
}

func resultOf(t *testing.T, envelope map[string]interface{}) map[string]interface{} {
	t.Helper()
	result, ok := envelope["result"].(map[string]interface{})
	require.True(t, ok, "envelope has no result object: %v", envelope)
	return result
}

func fetchCatalog(t *testing.T, baseURL string) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(baseURL + "/tools")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var catalog map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&catalog))
	return catalog
}

func TestCommonCatalog(t *testing.T) {
	ts := startServer(t, NewCommonServer())
	catalog := fetchCatalog(t, ts.URL)

	assert.Equal(t, "COMMON", catalog["server"])
	assert.Contains(t, catalog["description"], "Internal operations")

	tools, ok := catalog["tools"].([]interface{})
	require.True(t, ok)
	require.Len(t, tools, 9)

	names := make([]string, 0, len(tools))
	for _, entry := range tools {
		tool := entry.(map[string]interface{})
		names = append(names, tool["name"].(string))
		assert.NotEmpty(t, tool["description"], "tool %v has no description", tool["name"])
		assert.Contains(t, tool, "inputSchema")
	}
	assert.Equal(t, []string{
		"validate_invoice_schema", "persist_invoice", "persist_audit",
		"parse_line_items", "normalize_vendor", "create_checkpoint",
		"get_checkpoint", "compute_match", "build_entries",
	}, names)
}

func TestAtlasCatalog(t *testing.T) {
	ts := startServer(t, NewAtlasServer())
	catalog := fetchCatalog(t, ts.URL)

	assert.Equal(t, "ATLAS", catalog["server"])

	tools, ok := catalog["tools"].([]interface{})
	require.True(t, ok)
	require.Len(t, tools, 8)

	names := make(map[string]bool)
	for _, entry := range tools {
		tool := entry.(map[string]interface{})
		names[tool["name"].(string)] = true
	}
	for _, want := range []string{
		"extract_ocr", "enrich_vendor", "fetch_po_data", "fetch_grn_data",
		"post_to_erp", "schedule_payment", "send_notification", "apply_policy",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestEnvelopeShape(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	envelope := invokeTool(t, ts.URL, "normalize_vendor", map[string]interface{}{
		"vendor_name": "Acme Corp",
	})

	assert.Equal(t, true, envelope["success"])
	assert.Equal(t, "normalize_vendor", envelope["tool"])
	assert.NotEmpty(t, envelope["timestamp"])
	resultOf(t, envelope)
}

func TestCallUnknownTool(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	resp, err := http.Post(ts.URL+"/tools/time_travel", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "unknown tool")
}

func TestCallToolMalformedBody(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	resp, err := http.Post(ts.URL+"/tools/normalize_vendor", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallToolEmptyBody(t *testing.T) {
	ts := startServer(t, NewAtlasServer())

	resp, err := http.Post(ts.URL+"/tools/extract_ocr", "application/json", nil)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, true, envelope["success"])
}

func TestHealthEndpoints(t *testing.T) {
	for _, s := range []*Server{NewCommonServer(), NewAtlasServer()} {
		ts := startServer(t, s)
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		_ = resp.Body.Close()

		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, s.Name(), body["server"])
		assert.NotEmpty(t, body["timestamp"])
	}
}

func TestRegisterToolValidation(t *testing.T) {
	s := NewServer("TEST", "test server")
	noop := func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}

	err := s.RegisterTool(ToolDef{Name: "", Handler: noop})
	assert.Error(t, err)

	err = s.RegisterTool(ToolDef{Name: "orphan"})
	assert.Error(t, err)

	require.NoError(t, s.RegisterTool(ToolDef{Name: "echo", Handler: noop}))
	err = s.RegisterTool(ToolDef{Name: "echo", Handler: noop})
	assert.Error(t, err, "duplicate registration must fail")
}
